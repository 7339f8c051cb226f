// Package round implements the phase state machine's decision rules:
// when to advance Pending -> RegisterAlices -> RegisterOutputs ->
// Signing -> Signed, and when a phase instead fails. The rules are pure
// functions over counts and thresholds; the coordinator package owns
// the mutex that serializes round state, the timers, and the store
// access that drive them.
package round

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/vortexd/coordinator/pkg/models"
)

// Thresholds gates the RegisterAlices -> RegisterOutputs transition.
type Thresholds struct {
	MinPeers int
	MaxPeers int
}

// Timers bounds each phase's duration.
type Timers struct {
	InputRegistration  time.Duration
	OutputRegistration time.Duration
	Signing            time.Duration
}

// New builds a fresh Pending round. FeeRate, MixAmount and MixFee are
// snapshotted at creation time and never change for the life of the
// round.
func New(id models.RoundID, roundTime time.Time, feeRate int64, mixAmount, mixFee btcutil.Amount) *models.Round {
	return &models.Round{
		ID:        id,
		Status:    models.StatusPending,
		RoundTime: roundTime,
		FeeRate:   feeRate,
		MixAmount: mixAmount,
		MixFee:    mixFee,
		InputFee:  models.PerInputFee(feeRate),
		OutputFee: models.PerOutputFee(feeRate),
		CreatedAt: time.Now(),
	}
}

// ShouldAdvanceOnMaxPeers reports whether the max_peers-th successful
// registration should fire the RegisterAlices -> RegisterOutputs
// transition.
func ShouldAdvanceOnMaxPeers(registeredAlices int, t Thresholds) bool {
	return registeredAlices >= t.MaxPeers
}

// InputTimeoutOutcome reports whether the input-registration timer
// firing should advance the round (enough Alices registered) or fail it
// (too few).
func InputTimeoutOutcome(registeredAlices int, t Thresholds) (advance bool) {
	return registeredAlices >= t.MinPeers
}

// ShouldAdvanceToSigning reports whether every registered Alice now has
// a matching registered output.
func ShouldAdvanceToSigning(registeredOutputs, registeredAlices int) bool {
	return registeredAlices > 0 && registeredOutputs >= registeredAlices
}

// OutputTimeoutOutcome reports whether the output-registration timer
// firing should advance the round or fail it.
func OutputTimeoutOutcome(registeredOutputs, registeredAlices int) (advance bool) {
	return ShouldAdvanceToSigning(registeredOutputs, registeredAlices)
}

// CanTransition reports whether moving from `from` to `to` is one of
// the state machine's legal edges.
func CanTransition(from, to models.Status) bool {
	if to == models.StatusFailed {
		return from != models.StatusSigned && from != models.StatusFailed
	}
	switch from {
	case models.StatusPending:
		return to == models.StatusRegisterAlices
	case models.StatusRegisterAlices:
		return to == models.StatusRegisterOutputs
	case models.StatusRegisterOutputs:
		return to == models.StatusSigning
	case models.StatusSigning:
		return to == models.StatusSigned
	default:
		return false
	}
}
