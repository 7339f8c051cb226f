package round

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/vortexd/coordinator/pkg/models"
)

func TestNewRoundDerivesFees(t *testing.T) {
	id := models.RoundID{0x01}
	r := New(id, time.Now(), 10, btcutil.Amount(100_000), btcutil.Amount(500))

	if r.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", r.Status)
	}
	if r.InputFee != btcutil.Amount(1490) {
		t.Errorf("InputFee = %d, want 1490", r.InputFee)
	}
	if r.OutputFee != btcutil.Amount(430) {
		t.Errorf("OutputFee = %d, want 430", r.OutputFee)
	}
}

func TestShouldAdvanceOnMaxPeers(t *testing.T) {
	th := Thresholds{MinPeers: 2, MaxPeers: 5}
	cases := []struct {
		registered int
		want       bool
	}{
		{0, false},
		{4, false},
		{5, true},
		{6, true},
	}
	for _, c := range cases {
		if got := ShouldAdvanceOnMaxPeers(c.registered, th); got != c.want {
			t.Errorf("ShouldAdvanceOnMaxPeers(%d) = %v, want %v", c.registered, got, c.want)
		}
	}
}

func TestInputTimeoutOutcome(t *testing.T) {
	th := Thresholds{MinPeers: 3, MaxPeers: 10}
	if InputTimeoutOutcome(2, th) {
		t.Error("2 registered Alices with minPeers=3 should fail, not advance")
	}
	if !InputTimeoutOutcome(3, th) {
		t.Error("3 registered Alices with minPeers=3 should advance")
	}
}

func TestShouldAdvanceToSigning(t *testing.T) {
	if ShouldAdvanceToSigning(0, 0) {
		t.Error("an empty round should never advance to signing")
	}
	if ShouldAdvanceToSigning(2, 3) {
		t.Error("fewer outputs than Alices should not advance")
	}
	if !ShouldAdvanceToSigning(3, 3) {
		t.Error("matching outputs and Alices should advance")
	}
}

func TestCanTransition(t *testing.T) {
	ok := []struct{ from, to models.Status }{
		{models.StatusPending, models.StatusRegisterAlices},
		{models.StatusRegisterAlices, models.StatusRegisterOutputs},
		{models.StatusRegisterOutputs, models.StatusSigning},
		{models.StatusSigning, models.StatusSigned},
		{models.StatusRegisterAlices, models.StatusFailed},
		{models.StatusSigning, models.StatusFailed},
	}
	for _, tc := range ok {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s -> %s) = false, want true", tc.from, tc.to)
		}
	}

	bad := []struct{ from, to models.Status }{
		{models.StatusPending, models.StatusSigning},
		{models.StatusSigned, models.StatusFailed},
		{models.StatusFailed, models.StatusFailed},
		{models.StatusRegisterOutputs, models.StatusRegisterAlices},
	}
	for _, tc := range bad {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s -> %s) = true, want false", tc.from, tc.to)
		}
	}
}
