package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vortexd/coordinator/pkg/models"
)

// p2wpkhScript returns a well-formed P2WPKH scriptPubKey whose 20-byte
// program is b repeated.
func p2wpkhScript(b byte) []byte {
	spk := []byte{0x00, 0x14}
	for i := 0; i < 20; i++ {
		spk = append(spk, b)
	}
	return spk
}

func samplePlan() Plan {
	roundID := models.RoundID{0x02}
	var h1, h2 chainhash.Hash
	h1[0] = 0xaa
	h2[0] = 0xbb

	return Plan{
		RoundID: roundID,
		Inputs: []models.RegisteredInput{
			{
				RoundID:  roundID,
				Outpoint: models.Outpoint{Hash: h1, Index: 0},
				Prev:     models.PrevOutput{Value: 200_000, PkScript: []byte{0x00, 0x14}},
			},
			{
				RoundID:  roundID,
				Outpoint: models.Outpoint{Hash: h2, Index: 1},
				Prev:     models.PrevOutput{Value: 200_000, PkScript: []byte{0x00, 0x14}},
			},
		},
		MixOutputs: []models.RegisteredOutput{
			{RoundID: roundID, Output: models.PrevOutput{Value: 100_000, PkScript: p2wpkhScript(0x01)}},
			{RoundID: roundID, Output: models.PrevOutput{Value: 100_000, PkScript: p2wpkhScript(0x02)}},
		},
		CoordinatorFee: btcutil.Amount(1000),
		CoordinatorSPK: p2wpkhScript(0x03),
		FeeRatePerKB:   btcutil.Amount(1000),
	}
}

func TestBuildAssemblesAllInputsAndOutputs(t *testing.T) {
	plan := samplePlan()
	result, err := Build(plan)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tx := result.Packet.UnsignedTx
	if len(tx.TxIn) != 2 {
		t.Errorf("TxIn count = %d, want 2", len(tx.TxIn))
	}
	if len(tx.TxOut) != 3 {
		t.Errorf("TxOut count = %d, want 3 (2 mix + 1 fee)", len(tx.TxOut))
	}
	if len(result.InputIndexByKey) != 2 {
		t.Errorf("InputIndexByKey has %d entries, want 2", len(result.InputIndexByKey))
	}
}

func TestBuildRejectsEmptyInputs(t *testing.T) {
	plan := samplePlan()
	plan.Inputs = nil
	if _, err := Build(plan); err == nil {
		t.Error("Build with no inputs should error")
	}
}

func TestBuildRejectsEmptyOutputs(t *testing.T) {
	plan := samplePlan()
	plan.MixOutputs = nil
	plan.CoordinatorFee = 0
	if _, err := Build(plan); err == nil {
		t.Error("Build with no mix outputs should error")
	}
}

func TestBuildRejectsDustOutput(t *testing.T) {
	plan := samplePlan()
	plan.MixOutputs[0].Output.Value = 1
	if _, err := Build(plan); err == nil {
		t.Error("Build with a dust output should error")
	}
}

func TestShuffleIsDeterministicPerRound(t *testing.T) {
	a := []plannedOutput{{value: 1}, {value: 2}, {value: 3}, {value: 4}}
	b := []plannedOutput{{value: 1}, {value: 2}, {value: 3}, {value: 4}}
	roundID := models.RoundID{0x09}

	shuffle(a, newRoundStream(roundID, "outputs"))
	shuffle(b, newRoundStream(roundID, "outputs"))

	for i := range a {
		if a[i].value != b[i].value {
			t.Fatalf("shuffle not deterministic at index %d: %v vs %v", i, a, b)
		}
	}
}

func TestShuffleDiffersByDomain(t *testing.T) {
	a := []plannedOutput{{value: 1}, {value: 2}, {value: 3}, {value: 4}}
	b := []plannedOutput{{value: 1}, {value: 2}, {value: 3}, {value: 4}}
	roundID := models.RoundID{0x09}

	shuffle(a, newRoundStream(roundID, "inputs"))
	shuffle(b, newRoundStream(roundID, "outputs"))

	same := true
	for i := range a {
		if a[i].value != b[i].value {
			same = false
		}
	}
	if same {
		t.Fatal("input-domain and output-domain shuffles produced the same permutation")
	}
}
