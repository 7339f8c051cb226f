package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	corewire "github.com/btcsuite/btcd/wire"

	"github.com/vortexd/coordinator/internal/config"
	"github.com/vortexd/coordinator/internal/coordinator"
	"github.com/vortexd/coordinator/internal/keymgr"
	"github.com/vortexd/coordinator/internal/store/memory"
	vwire "github.com/vortexd/coordinator/internal/wire"
	"github.com/vortexd/coordinator/pkg/models"
)

type noopBroadcaster struct{}

func (noopBroadcaster) SendRawTransaction(tx *corewire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	return &hash, nil
}

func TestDispatchAskNonceRoundTrip(t *testing.T) {
	keys, err := keymgr.New([]byte("connmgr test seed, not for production use!!"), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("keymgr.New: %v", err)
	}
	cfg := config.Config{
		MinNewPeers:            1,
		MaxPeers:               5,
		RoundAmount:            50_000,
		CoordinatorFee:         250,
		RoundInterval:          time.Millisecond,
		InputRegistrationTime:  time.Hour,
		OutputRegistrationTime: time.Hour,
		SigningTime:            time.Hour,
	}
	coord := coordinator.New(cfg, memory.New(), keys, noopBroadcaster{})
	ctx := context.Background()
	if err := coord.StartRound(ctx, models.RoundID{0x07}, 5); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	// The round's RoundTime (RoundInterval after StartRound) must pass
	// before GetNonce is accepted.
	time.Sleep(20 * time.Millisecond)

	server, client := net.Pipe()
	defer client.Close()
	peerID := models.PeerID{0x11}
	go handleConn(ctx, server, peerID, coord)

	if err := vwire.WriteMessage(client, vwire.TypeAskNonce, vwire.AskNonce{RoundID: [32]byte{0x07}}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, body, err := vwire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	switch msgType {
	case vwire.TypeNonceMessage:
		var resp vwire.NonceMessage
		if err := vwire.Decode(body, &resp); err != nil {
			t.Fatalf("decode NonceMessage: %v", err)
		}
		if len(resp.Nonce) == 0 {
			t.Error("NonceMessage.Nonce is empty")
		}
	case vwire.TypeRoundFailed:
		var resp vwire.RoundFailedMessage
		_ = vwire.Decode(body, &resp)
		t.Fatalf("got RoundFailedMessage: %s (round may not have reached RegisterAlices yet)", resp.Reason)
	default:
		t.Fatalf("unexpected response type %s", msgType)
	}
}
