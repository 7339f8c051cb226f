// Package store defines the persistence abstraction for rounds, Alices,
// registered inputs/outputs, and banned UTXOs. Concrete implementations
// (Postgres, in-memory) live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/vortexd/coordinator/pkg/models"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Store persists the five tables of the data model. All methods are
// safe for concurrent use; the round state machine is the single
// writer for round-scoped mutations, but read-only queries (ban checks)
// may run in parallel per §5 of the spec.
type Store interface {
	CreateRound(ctx context.Context, r *models.Round) error
	CurrentRound(ctx context.Context) (*models.Round, error)
	UpdateRoundStatus(ctx context.Context, id models.RoundID, status models.Status) error
	SetUnsignedPSBT(ctx context.Context, id models.RoundID, psbt []byte) error
	SetFinalTx(ctx context.Context, id models.RoundID, tx []byte, profit btcutil.Amount) error

	UpsertAlice(ctx context.Context, a *models.Alice) error
	GetAlice(ctx context.Context, peerID models.PeerID) (*models.Alice, error)
	ListAlices(ctx context.Context, roundID models.RoundID) ([]*models.Alice, error)
	CountAlices(ctx context.Context, roundID models.RoundID) (int, error)

	InsertRegisteredInputs(ctx context.Context, inputs []*models.RegisteredInput) error
	ListRegisteredInputs(ctx context.Context, roundID models.RoundID) ([]*models.RegisteredInput, error)
	SetInputIndex(ctx context.Context, roundID models.RoundID, outpoint models.Outpoint, index int) error

	InsertRegisteredOutput(ctx context.Context, o *models.RegisteredOutput) error
	ListRegisteredOutputs(ctx context.Context, roundID models.RoundID) ([]*models.RegisteredOutput, error)
	CountRegisteredOutputs(ctx context.Context, roundID models.RoundID) (int, error)

	IsBanned(ctx context.Context, outpoint models.Outpoint, now time.Time) (bool, error)
	BanOutpoints(ctx context.Context, outpoints []models.Outpoint, until time.Time, reason string) error
	ListBans(ctx context.Context, now time.Time) ([]*models.BannedUTXO, error)

	Close()
}
