// Package txbuilder assembles the round's unsigned PSBT: registered
// inputs, mixed outputs, change outputs, and the coordinator's fee
// output, shuffled so the mixed outputs are unlinkable to the Alice
// that registered them. Modeled on the house wallet's FundPsbt helper,
// adapted to the coordinator's already-registered-inputs case rather
// than wallet-side coin selection.
package txbuilder

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/vortexd/coordinator/pkg/models"
)

// Plan is the input to Build: everything known about a round once both
// registration phases have closed.
type Plan struct {
	RoundID        models.RoundID
	Inputs         []models.RegisteredInput
	MixOutputs     []models.RegisteredOutput
	ChangeScripts  map[models.PeerID][]byte // one entry per Alice with leftover value
	ChangeValues   map[models.PeerID]int64
	CoordinatorFee btcutil.Amount
	CoordinatorSPK []byte
	FeeRatePerKB   btcutil.Amount
}

// Result is the assembled packet plus the per-Alice input index
// mapping recorded back onto the store.
type Result struct {
	Packet          *psbt.Packet
	InputIndexByKey map[models.Outpoint]int
}

// Build assembles an unsigned PSBT from a closed round's registrations.
// Inputs and outputs (mix + change + coordinator fee) are each shuffled
// using an independent stream deterministically derived from the round
// ID so neither ordering carries any information about registration
// order, and dust outputs are rejected up front the same way the
// wallet's FundPsbt does with txrules.CheckOutput.
func Build(p Plan) (*Result, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("txbuilder: round %s has no registered inputs", p.RoundID)
	}
	if len(p.MixOutputs) == 0 {
		return nil, fmt.Errorf("txbuilder: round %s has no registered outputs", p.RoundID)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	inputs := make([]plannedInput, len(p.Inputs))
	for i, in := range p.Inputs {
		inputs[i] = plannedInput{
			outpoint: in.Outpoint,
			witnessUtxo: &wire.TxOut{
				Value:    in.Prev.Value,
				PkScript: in.Prev.PkScript,
			},
		}
	}
	shuffle(inputs, newRoundStream(p.RoundID, "inputs"))

	inputIdx := make(map[models.Outpoint]int, len(inputs))
	witnessUtxos := make([]*wire.TxOut, len(inputs))
	for i, in := range inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: in.outpoint.Hash, Index: in.outpoint.Index},
			Sequence:         wire.MaxTxInSequenceNum,
		})
		witnessUtxos[i] = in.witnessUtxo
		inputIdx[in.outpoint] = i
	}

	var outs []plannedOutput
	for _, o := range p.MixOutputs {
		outs = append(outs, plannedOutput{value: o.Output.Value, spk: o.Output.PkScript})
	}
	for _, peer := range SortedPeerIDs(p.ChangeScripts) {
		spk := p.ChangeScripts[peer]
		value := p.ChangeValues[peer]
		if value <= 0 {
			continue
		}
		outs = append(outs, plannedOutput{value: value, spk: spk})
	}
	if p.CoordinatorFee > 0 && len(p.CoordinatorSPK) > 0 {
		outs = append(outs, plannedOutput{value: int64(p.CoordinatorFee), spk: p.CoordinatorSPK})
	}

	shuffle(outs, newRoundStream(p.RoundID, "outputs"))

	for _, o := range outs {
		txOut := &wire.TxOut{Value: o.value, PkScript: o.spk}
		if err := txrules.CheckOutput(txOut, txrules.DefaultRelayFeePerKb); err != nil {
			return nil, fmt.Errorf("txbuilder: round %s rejected dust output: %w", p.RoundID, err)
		}
		tx.AddTxOut(txOut)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: round %s: %w", p.RoundID, err)
	}

	for i, utxo := range witnessUtxos {
		packet.Inputs[i].WitnessUtxo = utxo
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}

	return &Result{Packet: packet, InputIndexByKey: inputIdx}, nil
}

// plannedOutput is an output value/script pair awaiting shuffle and
// dust-checking before being added to the unsigned transaction.
type plannedOutput struct {
	value int64
	spk   []byte
}

// plannedInput is a registered input's outpoint and witness UTXO
// awaiting shuffle before being added to the unsigned transaction.
// Permuting inputs alongside outputs keeps the final tx's input order
// from leaking registration order, the same unlinkability goal the
// output shuffle serves.
type plannedInput struct {
	outpoint    models.Outpoint
	witnessUtxo *wire.TxOut
}

// shuffle reorders items in place using a Fisher-Yates shuffle driven
// by stream, so every peer can recompute and verify the same ordering
// from the round ID alone without the coordinator revealing a separate
// random seed.
func shuffle[T any](items []T, stream *roundStream) {
	if len(items) < 2 {
		return
	}
	for i := len(items) - 1; i > 0; i-- {
		j := int(stream.next() % uint64(i+1))
		items[i], items[j] = items[j], items[i]
	}
}

// roundStream produces a deterministic sequence of pseudo-random
// uint64s by repeatedly hashing a counter alongside the round ID and a
// domain tag, so the input shuffle and output shuffle of the same
// round draw from independent sequences.
type roundStream struct {
	roundID models.RoundID
	domain  string
	counter uint64
}

func newRoundStream(roundID models.RoundID, domain string) *roundStream {
	return &roundStream{roundID: roundID, domain: domain}
}

func (s *roundStream) next() uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.counter)
	s.counter++
	h := sha256.New()
	h.Write(s.roundID[:])
	h.Write([]byte(s.domain))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// SortedPeerIDs returns peer IDs from a change map in a stable order,
// for callers that need to iterate ChangeScripts deterministically
// before Build's internal shuffle takes over.
func SortedPeerIDs(m map[models.PeerID][]byte) []models.PeerID {
	ids := make([]models.PeerID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}
