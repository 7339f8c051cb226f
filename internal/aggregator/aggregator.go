// Package aggregator collects per-peer signed PSBTs during a round's
// Signing phase, combines them into a single fully-signed transaction,
// and broadcasts the result. Tracks progress with atomic counters the
// way the house block scanner tracks scan progress.
package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/vortexd/coordinator/pkg/models"
)

// Broadcaster is the subset of the bitcoind client the aggregator
// needs to publish a finalized transaction.
type Broadcaster interface {
	SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)
}

// Session collects signed PSBTs for exactly one round. A Session is
// single-use: create one per round's Signing phase.
type Session struct {
	base *psbt.Packet // the unsigned packet every peer must match

	// owners maps an input index to the peer that registered it; a
	// peer may only submit a finalized witness for indices it owns.
	owners         map[int]models.PeerID
	prevOutFetcher txscript.PrevOutputFetcher
	sigHashes      *txscript.TxSigHashes

	mu      sync.Mutex
	signers map[int]bool // input index -> finalized

	received atomic.Int64
	required int
}

// NewSession starts a signing session expecting exactly `required`
// input-owning peers to each return a fully-signed copy of the packet.
// owners records which peer registered which final input index, so
// Submit can reject a peer trying to finalize someone else's slot.
func NewSession(base *psbt.Packet, required int, owners map[int]models.PeerID) *Session {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(base.Inputs))
	for i, txIn := range base.UnsignedTx.TxIn {
		prevOuts[txIn.PreviousOutPoint] = base.Inputs[i].WitnessUtxo
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	return &Session{
		base:           base,
		owners:         owners,
		prevOutFetcher: fetcher,
		sigHashes:      txscript.NewTxSigHashes(base.UnsignedTx, fetcher),
		signers:        make(map[int]bool),
		required:       required,
	}
}

// Submit merges one peer's signed PSBT into the base packet. signedInputs
// is the set of input indices that peer claims to have signed; each
// must both belong to that peer (an Alice only ever signs the inputs
// she herself registered) and carry a witness that actually satisfies
// its scriptPubKey, or the whole submission is rejected.
func (s *Session) Submit(peerID models.PeerID, signed *psbt.Packet, signedInputs []int) error {
	if len(signed.Inputs) != len(s.base.Inputs) {
		return fmt.Errorf("aggregator: signed packet has %d inputs, want %d", len(signed.Inputs), len(s.base.Inputs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]bool, len(signedInputs))
	for _, idx := range signedInputs {
		if idx < 0 || idx >= len(s.base.Inputs) {
			return fmt.Errorf("aggregator: input index %d out of range", idx)
		}
		if owner, ok := s.owners[idx]; !ok || owner != peerID {
			return fmt.Errorf("aggregator: input %d does not belong to the submitting peer", idx)
		}
		if s.signers[idx] || seen[idx] {
			return fmt.Errorf("aggregator: input %d already finalized", idx)
		}
		in := signed.Inputs[idx]
		if len(in.FinalScriptWitness) == 0 && len(in.FinalScriptSig) == 0 {
			return fmt.Errorf("aggregator: input %d carries no finalized signature", idx)
		}
		if err := s.verifyFinalizedInput(idx, in); err != nil {
			return fmt.Errorf("aggregator: input %d: %w", idx, err)
		}
		seen[idx] = true
	}
	for _, idx := range signedInputs {
		in := signed.Inputs[idx]
		s.base.Inputs[idx].FinalScriptWitness = in.FinalScriptWitness
		s.base.Inputs[idx].FinalScriptSig = in.FinalScriptSig
		s.signers[idx] = true
	}

	s.received.Add(1)
	return nil
}

// verifyFinalizedInput replays idx's scriptSig/witness against its
// recorded scriptPubKey with the full script engine, the same
// verify_finalized_input check the spec's Signing invariants require
// before a peer's claimed finalization is trusted.
func (s *Session) verifyFinalizedInput(idx int, in psbt.PInput) error {
	prevOut := s.base.Inputs[idx].WitnessUtxo
	if prevOut == nil {
		return fmt.Errorf("no witness utxo recorded for this input")
	}

	txClone := s.base.UnsignedTx.Copy()
	if len(in.FinalScriptWitness) > 0 {
		witness, err := decodeWitness(in.FinalScriptWitness)
		if err != nil {
			return fmt.Errorf("decode witness: %w", err)
		}
		txClone.TxIn[idx].Witness = witness
	}
	txClone.TxIn[idx].SignatureScript = in.FinalScriptSig

	engine, err := txscript.NewEngine(prevOut.PkScript, txClone, idx, txscript.StandardVerifyFlags, nil, s.sigHashes, prevOut.Value, s.prevOutFetcher)
	if err != nil {
		return fmt.Errorf("build script engine: %w", err)
	}
	if err := engine.Execute(); err != nil {
		return fmt.Errorf("script verification failed: %w", err)
	}
	return nil
}

// decodeWitness parses the raw BIP174 final_scriptwitness value (a
// compact-size item count followed by length-prefixed items) into a
// wire.TxWitness the script engine can execute against.
func decodeWitness(raw []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(raw)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("read item count: %w", err)
	}
	witness := make(wire.TxWitness, count)
	for i := uint64(0); i < count; i++ {
		item, err := wire.ReadVarBytes(r, 0, 10000, "witness item")
		if err != nil {
			return nil, fmt.Errorf("read item %d: %w", i, err)
		}
		witness[i] = item
	}
	return witness, nil
}

// Ready reports whether every input in the base packet has been
// finalized.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signers) == len(s.base.Inputs)
}

// ReceivedCount returns how many peers have submitted a signature so
// far, for progress reporting.
func (s *Session) ReceivedCount() int64 {
	return s.received.Load()
}

// Finalize extracts the fully-signed wire.MsgTx from the base packet.
// Returns an error if any input is still missing a final witness or
// script.
func (s *Session) Finalize() (*wire.MsgTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.signers) != len(s.base.Inputs) {
		return nil, fmt.Errorf("aggregator: %d of %d inputs finalized", len(s.signers), len(s.base.Inputs))
	}
	if err := psbt.MaybeFinalizeAll(s.base); err != nil {
		return nil, fmt.Errorf("aggregator: finalize: %w", err)
	}
	tx, err := psbt.Extract(s.base)
	if err != nil {
		return nil, fmt.Errorf("aggregator: extract: %w", err)
	}
	return tx, nil
}

// Broadcast extracts the final transaction and submits it via b. It is
// the caller's responsibility to have called Ready() first.
func (s *Session) Broadcast(ctx context.Context, b Broadcaster) (*chainhash.Hash, error) {
	tx, err := s.Finalize()
	if err != nil {
		return nil, err
	}
	hash, err := b.SendRawTransaction(tx)
	if err != nil {
		return nil, fmt.Errorf("aggregator: broadcast: %w", err)
	}
	return hash, nil
}
