// Package models holds the persisted data model shared between the
// coordinator, the store, and the wire codec: rounds, Alices, registered
// inputs/outputs, and banned UTXOs.
package models

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Status is a round's position in the phase state machine.
type Status int

const (
	StatusPending Status = iota
	StatusRegisterAlices
	StatusRegisterOutputs
	StatusSigning
	StatusSigned
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRegisterAlices:
		return "register_alices"
	case StatusRegisterOutputs:
		return "register_outputs"
	case StatusSigning:
		return "signing"
	case StatusSigned:
		return "signed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RoundID is the double-SHA256 digest of a fresh 32-byte secret, unique
// per round.
type RoundID [32]byte

func (r RoundID) String() string {
	return hexEncode(r[:])
}

// Round is one CoinJoin execution: its own key, nonces, and participant
// set. Exactly one round is ever "current" at a time.
type Round struct {
	ID        RoundID
	Status    Status
	RoundTime time.Time // scheduled Pending -> RegisterAlices transition

	FeeRate    int64 // sat/vB, snapshotted at round creation
	MixAmount  btcutil.Amount
	MixFee     btcutil.Amount
	InputFee   btcutil.Amount // FeeRate * 149
	OutputFee  btcutil.Amount // FeeRate * 43

	// UnsignedPSBT is set iff Status >= StatusSigning. Serialized PSBT
	// packet bytes (wire format), not the Go struct, since this is what
	// gets persisted and replayed to peers verbatim.
	UnsignedPSBT []byte

	// FinalTx is set iff Status == StatusSigned. Serialized wire.MsgTx.
	FinalTx []byte

	// Profit is the coordinator fee actually collected, set alongside
	// FinalTx.
	Profit btcutil.Amount

	CreatedAt time.Time
}

// PerInputFee returns the per-input fee (input_fee = fee_rate * 149)
// stored on the round; callers multiply by the number of inputs.
func PerInputFee(feeRate int64) btcutil.Amount {
	return btcutil.Amount(feeRate * 149)
}

// PerOutputFee returns the per-output fee (output_fee = fee_rate * 43)
// stored on the round; callers multiply by the number of outputs.
func PerOutputFee(feeRate int64) btcutil.Amount {
	return btcutil.Amount(feeRate * 43)
}
