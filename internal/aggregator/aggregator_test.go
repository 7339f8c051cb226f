package aggregator

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/vortexd/coordinator/pkg/models"
)

var (
	peerA = models.PeerID{0xaa}
	peerB = models.PeerID{0xbb}
)

// twoInputPacket builds a base packet with two P2WPKH inputs, each
// owned by its own freshly generated key, so tests can produce a
// witness the script engine actually accepts.
func twoInputPacket(t *testing.T) (*psbt.Packet, []*btcec.PrivateKey) {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 1}})
	tx.AddTxOut(&wire.TxOut{Value: 100_000, PkScript: []byte{0x00, 0x14}})

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("NewFromUnsignedTx: %v", err)
	}

	keys := make([]*btcec.PrivateKey, 2)
	for i := range keys {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("NewPrivateKey: %v", err)
		}
		keys[i] = key
		hash := btcutil.Hash160(key.PubKey().SerializeCompressed())
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{Value: 50_000, PkScript: append([]byte{0x00, 0x14}, hash...)}
	}
	return packet, keys
}

// signWitness produces the encoded final_scriptwitness for idx, valid
// against base's recorded WitnessUtxo and tx structure.
func signWitness(t *testing.T, base *psbt.Packet, idx int, key *btcec.PrivateKey) []byte {
	t.Helper()
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(base.Inputs))
	for i, txIn := range base.UnsignedTx.TxIn {
		prevOuts[txIn.PreviousOutPoint] = base.Inputs[i].WitnessUtxo
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(base.UnsignedTx, fetcher)

	hash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	subScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		t.Fatalf("build subscript: %v", err)
	}

	prevOut := base.Inputs[idx].WitnessUtxo
	sig, err := txscript.RawTxInWitnessSignature(base.UnsignedTx, sigHashes, idx, prevOut.Value, subScript, txscript.SigHashAll, key)
	if err != nil {
		t.Fatalf("RawTxInWitnessSignature: %v", err)
	}
	return encodeWitness(t, wire.TxWitness{sig, key.PubKey().SerializeCompressed()})
}

func encodeWitness(t *testing.T, witness wire.TxWitness) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(witness))); err != nil {
		t.Fatalf("write witness count: %v", err)
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			t.Fatalf("write witness item: %v", err)
		}
	}
	return buf.Bytes()
}

func withFinalWitness(base *psbt.Packet, idx int, witness []byte) *psbt.Packet {
	signed := &psbt.Packet{Inputs: make([]psbt.PInput, len(base.Inputs))}
	signed.Inputs[idx].FinalScriptWitness = witness
	return signed
}

func TestSubmitRejectsWrongInputCount(t *testing.T) {
	base, _ := twoInputPacket(t)
	s := NewSession(base, 2, map[int]models.PeerID{0: peerA, 1: peerB})

	short, err := psbt.NewFromUnsignedTx(wire.NewMsgTx(wire.TxVersion))
	if err != nil {
		t.Fatalf("NewFromUnsignedTx: %v", err)
	}
	if err := s.Submit(peerA, short, []int{0}); err == nil {
		t.Error("Submit with mismatched input count should error")
	}
}

func TestSubmitRejectsUnfinalizedInput(t *testing.T) {
	base, _ := twoInputPacket(t)
	s := NewSession(base, 2, map[int]models.PeerID{0: peerA, 1: peerB})
	signed := withFinalWitness(base, 0, nil)

	if err := s.Submit(peerA, signed, []int{0}); err == nil {
		t.Error("Submit with no finalized witness should error")
	}
}

func TestSubmitRejectsWrongOwner(t *testing.T) {
	base, keys := twoInputPacket(t)
	s := NewSession(base, 2, map[int]models.PeerID{0: peerA, 1: peerB})
	signed := withFinalWitness(base, 0, signWitness(t, base, 0, keys[0]))

	if err := s.Submit(peerB, signed, []int{0}); err == nil {
		t.Error("Submit should reject a peer finalizing an input it doesn't own")
	}
}

func TestSubmitRejectsBadWitness(t *testing.T) {
	base, _ := twoInputPacket(t)
	s := NewSession(base, 2, map[int]models.PeerID{0: peerA, 1: peerB})
	signed := withFinalWitness(base, 0, encodeWitness(t, wire.TxWitness{{0x01, 0x02}, {0x03, 0x04}}))

	if err := s.Submit(peerA, signed, []int{0}); err == nil {
		t.Error("Submit should reject a witness that doesn't satisfy the scriptPubKey")
	}
}

func TestSubmitAndReady(t *testing.T) {
	base, keys := twoInputPacket(t)
	s := NewSession(base, 2, map[int]models.PeerID{0: peerA, 1: peerB})

	signed0 := withFinalWitness(base, 0, signWitness(t, base, 0, keys[0]))
	if err := s.Submit(peerA, signed0, []int{0}); err != nil {
		t.Fatalf("Submit input 0: %v", err)
	}
	if s.Ready() {
		t.Error("session should not be ready with only 1 of 2 inputs finalized")
	}

	signed1 := withFinalWitness(base, 1, signWitness(t, base, 1, keys[1]))
	if err := s.Submit(peerB, signed1, []int{1}); err != nil {
		t.Fatalf("Submit input 1: %v", err)
	}
	if !s.Ready() {
		t.Error("session should be ready once all inputs are finalized")
	}
	if s.ReceivedCount() != 2 {
		t.Errorf("ReceivedCount = %d, want 2", s.ReceivedCount())
	}
}

func TestSubmitRejectsDoubleFinalize(t *testing.T) {
	base, keys := twoInputPacket(t)
	s := NewSession(base, 2, map[int]models.PeerID{0: peerA, 1: peerB})
	signed := withFinalWitness(base, 0, signWitness(t, base, 0, keys[0]))

	if err := s.Submit(peerA, signed, []int{0}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := s.Submit(peerA, signed, []int{0}); err == nil {
		t.Error("second Submit of the same input should error")
	}
}
