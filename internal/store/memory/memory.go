// Package memory is an in-memory store.Store implementation used by
// tests. It keeps nothing across restarts; the daemon itself always runs
// on the Postgres store.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/vortexd/coordinator/internal/store"
	"github.com/vortexd/coordinator/pkg/models"
)

type Store struct {
	mu sync.RWMutex

	rounds  map[models.RoundID]*models.Round
	current models.RoundID
	hasCur  bool

	alices map[models.PeerID]*models.Alice

	inputs  map[models.RoundID]map[models.Outpoint]*models.RegisteredInput
	outputs map[models.RoundID][]*models.RegisteredOutput

	bans map[models.Outpoint]*models.BannedUTXO
}

func New() *Store {
	return &Store{
		rounds:  make(map[models.RoundID]*models.Round),
		alices:  make(map[models.PeerID]*models.Alice),
		inputs:  make(map[models.RoundID]map[models.Outpoint]*models.RegisteredInput),
		outputs: make(map[models.RoundID][]*models.RegisteredOutput),
		bans:    make(map[models.Outpoint]*models.BannedUTXO),
	}
}

func (s *Store) Close() {}

func (s *Store) CreateRound(ctx context.Context, r *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rounds[r.ID] = &cp
	s.current = r.ID
	s.hasCur = true
	return nil
}

func (s *Store) CurrentRound(ctx context.Context) (*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCur {
		return nil, store.ErrNotFound
	}
	r, ok := s.rounds[s.current]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRoundStatus(ctx context.Context, id models.RoundID, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func (s *Store) SetUnsignedPSBT(ctx context.Context, id models.RoundID, psbt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return store.ErrNotFound
	}
	r.UnsignedPSBT = psbt
	return nil
}

func (s *Store) SetFinalTx(ctx context.Context, id models.RoundID, tx []byte, profit btcutil.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return store.ErrNotFound
	}
	r.FinalTx = tx
	r.Profit = profit
	return nil
}

func (s *Store) UpsertAlice(ctx context.Context, a *models.Alice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alices[a.PeerID] = &cp
	return nil
}

func (s *Store) GetAlice(ctx context.Context, peerID models.PeerID) (*models.Alice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alices[peerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAlices(ctx context.Context, roundID models.RoundID) ([]*models.Alice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Alice
	for _, a := range s.alices {
		if a.RoundID == roundID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CountAlices(ctx context.Context, roundID models.RoundID) (int, error) {
	alices, err := s.ListAlices(ctx, roundID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range alices {
		if a.Registered() {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertRegisteredInputs(ctx context.Context, inputs []*models.RegisteredInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range inputs {
		m, ok := s.inputs[in.RoundID]
		if !ok {
			m = make(map[models.Outpoint]*models.RegisteredInput)
			s.inputs[in.RoundID] = m
		}
		cp := *in
		m[in.Outpoint] = &cp
	}
	return nil
}

func (s *Store) ListRegisteredInputs(ctx context.Context, roundID models.RoundID) ([]*models.RegisteredInput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RegisteredInput
	for _, in := range s.inputs[roundID] {
		cp := *in
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SetInputIndex(ctx context.Context, roundID models.RoundID, outpoint models.Outpoint, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inputs[roundID]
	if !ok {
		return store.ErrNotFound
	}
	in, ok := m[outpoint]
	if !ok {
		return store.ErrNotFound
	}
	in.IndexInFinalTx = index
	return nil
}

func (s *Store) InsertRegisteredOutput(ctx context.Context, o *models.RegisteredOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.outputs[o.RoundID] {
		if existing.Output.Value == o.Output.Value && bytes.Equal(existing.Output.PkScript, o.Output.PkScript) {
			// Idempotent on (round_id, output): silently accept the replay.
			return nil
		}
	}
	cp := *o
	s.outputs[o.RoundID] = append(s.outputs[o.RoundID], &cp)
	return nil
}

func (s *Store) ListRegisteredOutputs(ctx context.Context, roundID models.RoundID) ([]*models.RegisteredOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.RegisteredOutput, len(s.outputs[roundID]))
	for i, o := range s.outputs[roundID] {
		cp := *o
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) CountRegisteredOutputs(ctx context.Context, roundID models.RoundID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outputs[roundID]), nil
}

func (s *Store) IsBanned(ctx context.Context, outpoint models.Outpoint, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ban, ok := s.bans[outpoint]
	if !ok {
		return false, nil
	}
	return ban.Active(now), nil
}

func (s *Store) BanOutpoints(ctx context.Context, outpoints []models.Outpoint, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range outpoints {
		s.bans[op] = &models.BannedUTXO{Outpoint: op, BannedUntil: until, Reason: reason}
	}
	return nil
}

func (s *Store) ListBans(ctx context.Context, now time.Time) ([]*models.BannedUTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BannedUTXO
	for _, b := range s.bans {
		if b.Active(now) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
