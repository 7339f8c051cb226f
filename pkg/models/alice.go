package models

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PeerID is a random 32-byte digest chosen by the connection manager at
// accept time. It never appears alongside a RegisteredOutput in any
// persisted row or log line — that is the unlinkability invariant.
type PeerID [32]byte

func (p PeerID) String() string { return hexEncode(p[:]) }

// DerivationPath places an Alice's nonce in the key manager's
// deterministic HD sequence.
type DerivationPath struct {
	Purpose    uint32
	Coin       uint32
	Account    uint32
	Chain      uint32
	NonceIndex uint64
}

// Alice is a peer's registration for the current round. It is
// "registered" once BlindSig is non-nil.
type Alice struct {
	PeerID  PeerID
	RoundID RoundID
	Path    DerivationPath

	// Nonce is the coordinator's per-Alice Schnorr nonce point, unique
	// across every Alice this coordinator process has ever created.
	Nonce *btcec.PublicKey

	// BlindedOutput is the blinded challenge scalar the Alice submitted
	// in RegisterInputs, to be blind-signed.
	BlindedOutput *big.Int

	// ChangeSPK is the change output's scriptPubKey, validated against
	// the input/output fee accounting at registration time.
	ChangeSPK []byte

	// BlindSig is the blind signature scalar s' issued by the key
	// manager. Its presence marks the Alice as registered.
	BlindSig *big.Int
}

// Registered reports whether a blind signature has been issued.
func (a *Alice) Registered() bool { return a.BlindSig != nil }
