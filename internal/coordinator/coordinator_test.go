package coordinator

import (
	"context"
	"crypto/sha256"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/vortexd/coordinator/internal/config"
	"github.com/vortexd/coordinator/internal/keymgr"
	"github.com/vortexd/coordinator/internal/store/memory"
	"github.com/vortexd/coordinator/pkg/models"
)

type stubBroadcaster struct {
	lastTx *wire.MsgTx
}

func (s *stubBroadcaster) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	s.lastTx = tx
	hash := tx.TxHash()
	return &hash, nil
}

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	keys, err := keymgr.New([]byte("test seed, not for production use, 32+ bytes"), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("keymgr.New: %v", err)
	}
	cfg := config.Config{
		MinRemixPeers:          0,
		MinNewPeers:            1,
		MaxPeers:               2,
		RoundAmount:            100_000,
		CoordinatorFee:         500,
		RoundInterval:          time.Millisecond,
		InputRegistrationTime:  time.Hour,
		OutputRegistrationTime: time.Hour,
		SigningTime:            time.Hour,
	}
	return New(cfg, memory.New(), keys, &stubBroadcaster{})
}

func TestStartRoundRejectsWhileActive(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	if err := c.StartRound(ctx, models.RoundID{0x01}, 10); err != nil {
		t.Fatalf("first StartRound: %v", err)
	}
	if err := c.StartRound(ctx, models.RoundID{0x02}, 10); err == nil {
		t.Error("StartRound while a round is active should error")
	}
}

func TestGetNonceRejectsBeforeRegisterAlices(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()
	if err := c.StartRound(ctx, models.RoundID{0x01}, 10); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	peerID := models.PeerID{0xaa}
	path := models.DerivationPath{Purpose: 84, Coin: 1, Account: 0, Chain: 0}
	if _, err := c.GetNonce(peerID, path); err == nil {
		t.Error("GetNonce before round reaches RegisterAlices should error")
	}
}

func TestSnapshotReflectsActiveRound(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()
	if _, ok := c.Snapshot(); ok {
		t.Fatal("Snapshot should report no round before StartRound")
	}

	id := models.RoundID{0x03}
	if err := c.StartRound(ctx, id, 10); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	r, ok := c.Snapshot()
	if !ok {
		t.Fatal("Snapshot should report the active round")
	}
	if r.ID != id {
		t.Errorf("Snapshot ID = %x, want %x", r.ID, id)
	}
	if r.Status != models.StatusPending {
		t.Errorf("Snapshot status = %s, want pending", r.Status)
	}
}

func TestRegisterInputsAcceptsValidProofAndRejectsBadOne(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()
	if err := c.StartRound(ctx, models.RoundID{0x04}, 10); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the round cross into RegisterAlices

	peerID := models.PeerID{0xbb}
	path := models.DerivationPath{Purpose: 84, Coin: 1, Account: 0, Chain: 0}
	nonce, err := c.GetNonce(peerID, path)
	if err != nil {
		t.Fatalf("GetNonce: %v", err)
	}

	ownerKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	ownerPub := ownerKey.PubKey()
	pkScript := append([]byte{0x00, 0x14}, btcutil.Hash160(ownerPub.SerializeCompressed())...)

	msg := sha256.Sum256(append([]byte("LnVortex input proof"), nonce.SerializeCompressed()...))
	sig, err := schnorr.Sign(ownerKey, msg[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}

	outpoint := models.Outpoint{Hash: chainhash.Hash{0x01}, Index: 0}
	prev := models.PrevOutput{Value: 50_000, PkScript: pkScript}

	// Real protocol order: inputs are admitted against the pending
	// nonce before the blind signature (and the Alice record) exist.
	if err := c.RegisterInputs(ctx, peerID, []models.Outpoint{outpoint}, []models.PrevOutput{prev}, [][]byte{sig.Serialize()}, [][]byte{ownerPub.SerializeCompressed()}); err != nil {
		t.Fatalf("RegisterInputs with a valid proof should succeed: %v", err)
	}

	if _, err := c.RequestBlindSig(ctx, peerID, big.NewInt(7), nil, 0); err != nil {
		t.Fatalf("RequestBlindSig: %v", err)
	}

	otherKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	forgedSig, err := schnorr.Sign(otherKey, msg[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}
	badPeerID := models.PeerID{0xcc}
	if _, err := c.GetNonce(badPeerID, path); err != nil {
		t.Fatalf("GetNonce for second peer: %v", err)
	}
	badOutpoint := models.Outpoint{Hash: chainhash.Hash{0x02}, Index: 0}
	if err := c.RegisterInputs(ctx, badPeerID, []models.Outpoint{badOutpoint}, []models.PrevOutput{prev}, [][]byte{forgedSig.Serialize()}, [][]byte{ownerPub.SerializeCompressed()}); err == nil {
		t.Error("RegisterInputs should reject a proof signed by a key that doesn't control the scriptPubKey")
	}
}
