// Package connmgr accepts peer connections, assigns each an
// unlinkable random peer_id, and translates framed wire messages into
// coordinator calls. Each connection gets its own goroutine, the same
// one-goroutine-per-socket shape the house Hub uses per websocket
// client.
package connmgr

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/net/proxy"

	"github.com/vortexd/coordinator/internal/coordinator"
	"github.com/vortexd/coordinator/internal/keymgr"
	"github.com/vortexd/coordinator/internal/wire"
	"github.com/vortexd/coordinator/pkg/models"
)

// Manager listens for peer connections and spawns one handler goroutine
// per accepted socket.
type Manager struct {
	listener net.Listener
	keys     *keymgr.Manager

	// dialer is reserved for outbound helpers that need to route over
	// the same Tor circuit peers use; the coordinator itself never
	// dials out to peers.
	dialer proxy.Dialer
}

// Config configures how the manager accepts connections and, if a
// SOCKS5 proxy address is set, how any outbound dials are routed.
type Config struct {
	ListenAddr string
	Socks5Addr string // empty disables proxying
}

// Listen starts accepting connections on cfg.ListenAddr.
func Listen(cfg Config, keys *keymgr.Manager) (*Manager, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("connmgr: listen: %w", err)
	}

	var dialer proxy.Dialer = proxy.Direct
	if cfg.Socks5Addr != "" {
		dialer, err = proxy.SOCKS5("tcp", cfg.Socks5Addr, nil, proxy.Direct)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("connmgr: socks5 dialer: %w", err)
		}
	}

	return &Manager{listener: ln, keys: keys, dialer: dialer}, nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed, handing each to its own goroutine.
func (m *Manager) Serve(ctx context.Context, coord *coordinator.Coordinator) {
	go func() {
		<-ctx.Done()
		m.listener.Close()
	}()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("connmgr: accept: %v", err)
			continue
		}
		peerID, err := randomPeerID()
		if err != nil {
			log.Printf("connmgr: peer_id generation failed: %v", err)
			conn.Close()
			continue
		}
		go handleConn(ctx, conn, peerID, coord)
	}
}

// Close stops accepting new connections.
func (m *Manager) Close() error {
	return m.listener.Close()
}

func randomPeerID() (models.PeerID, error) {
	var id models.PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// handleConn owns one peer's socket for its lifetime: it reads framed
// requests and writes framed responses, routing each request to the
// coordinator under the peer's randomly assigned identity.
func handleConn(ctx context.Context, conn net.Conn, peerID models.PeerID, coord *coordinator.Coordinator) {
	defer conn.Close()
	log.Printf("connmgr: peer %s connected from %s", peerID, conn.RemoteAddr())

	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		msgType, body, err := wire.ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("connmgr: peer %s: read: %v", peerID, err)
			}
			return
		}

		if err := dispatch(ctx, conn, peerID, msgType, body, coord); err != nil {
			log.Printf("connmgr: peer %s: %s: %v", peerID, msgType, err)
			_ = wire.WriteMessage(conn, wire.TypeRoundFailed, wire.RoundFailedMessage{Reason: err.Error()})
			return
		}
	}
}

func dispatch(ctx context.Context, conn net.Conn, peerID models.PeerID, msgType wire.Type, body []byte, coord *coordinator.Coordinator) error {
	switch msgType {
	case wire.TypeAskNonce:
		var req wire.AskNonce
		if err := wire.Decode(body, &req); err != nil {
			return err
		}
		path := models.DerivationPath{Purpose: 84, Coin: 0, Account: 0, Chain: 0}
		pub, err := coord.GetNonce(peerID, path)
		if err != nil {
			return err
		}
		return wire.WriteMessage(conn, wire.TypeNonceMessage, wire.NonceMessage{Nonce: pub.SerializeCompressed()})

	case wire.TypeRegisterInputs:
		var req wire.RegisterInputs
		if err := wire.Decode(body, &req); err != nil {
			return err
		}
		return registerInputs(ctx, conn, peerID, req, coord)

	case wire.TypeBobMessage:
		var req wire.BobMessage
		if err := wire.Decode(body, &req); err != nil {
			return err
		}
		if err := coord.RegisterOutput(ctx, req.Output.PkScript, req.Output.Value); err != nil {
			return err
		}
		return wire.WriteMessage(conn, wire.TypeAck, wire.Ack{})

	case wire.TypeSignedPsbt:
		var req wire.SignedPsbtMessage
		if err := wire.Decode(body, &req); err != nil {
			return err
		}
		return registerSignedPsbt(ctx, conn, peerID, req, coord)

	default:
		return fmt.Errorf("connmgr: unexpected message type %s", msgType)
	}
}

func registerInputs(ctx context.Context, conn net.Conn, peerID models.PeerID, req wire.RegisterInputs, coord *coordinator.Coordinator) error {
	outpoints := make([]models.Outpoint, len(req.Inputs))
	prevs := make([]models.PrevOutput, len(req.Inputs))
	proofs := make([][]byte, len(req.Inputs))
	ownerKeys := make([][]byte, len(req.Inputs))
	for i, in := range req.Inputs {
		hash, err := chainhash.NewHashFromStr(in.Outpoint.Txid)
		if err != nil {
			return fmt.Errorf("bad txid %q: %w", in.Outpoint.Txid, err)
		}
		outpoints[i] = models.Outpoint{Hash: *hash, Index: in.Outpoint.Vout}
		prevs[i] = models.PrevOutput{Value: in.Output.Value, PkScript: in.Output.PkScript}
		proofs[i] = in.InputProof
		ownerKeys[i] = in.OwnerPubKey
	}
	if err := coord.RegisterInputs(ctx, peerID, outpoints, prevs, proofs, ownerKeys); err != nil {
		return err
	}

	blindedChallenge := new(big.Int).SetBytes(req.BlindedOutput)
	blindSig, err := coord.RequestBlindSig(ctx, peerID, blindedChallenge, req.ChangeOutput.PkScript, req.ChangeOutput.Value)
	if err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.TypeBlindedSig, wire.BlindedSig{Sig: blindSig.Bytes()})
}

// registerSignedPsbt submits every input in the peer's returned packet
// that now carries a finalized witness. A peer only ever
// finalizes the inputs it registered, so this naturally scopes the
// submission to that peer's own inputs.
func registerSignedPsbt(ctx context.Context, conn net.Conn, peerID models.PeerID, req wire.SignedPsbtMessage, coord *coordinator.Coordinator) error {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(req.Psbt), false)
	if err != nil {
		return fmt.Errorf("decode signed psbt: %w", err)
	}

	var indices []int
	var witnesses [][]byte
	for i, in := range packet.Inputs {
		if len(in.FinalScriptWitness) > 0 {
			indices = append(indices, i)
			witnesses = append(witnesses, in.FinalScriptWitness)
		}
	}
	if len(indices) == 0 {
		return fmt.Errorf("signed psbt carries no finalized inputs")
	}

	if err := coord.RegisterPSBTSignature(ctx, peerID, indices, witnesses); err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.TypeAck, wire.Ack{})
}
