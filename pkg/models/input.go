package models

import (
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Outpoint identifies a previous transaction output.
type Outpoint struct {
	Hash  chainhash.Hash
	Index uint32
}

func (o Outpoint) String() string {
	return o.Hash.String() + ":" + strconv.Itoa(int(o.Index))
}

// PrevOutput is an amount + scriptPubKey pair, used both for a
// registered input's previous output and a registered output's target
// output — the two are structurally identical on the wire.
type PrevOutput struct {
	Value    int64 // satoshis
	PkScript []byte
}

// RegisteredInput is keyed by (RoundID, Outpoint). Admitted only after
// the ban check and the input ownership proof verification pass; Prev is
// the output the peer claims and is not compared against the node's copy
// of the previous transaction.
type RegisteredInput struct {
	RoundID  RoundID
	Outpoint Outpoint
	PeerID   PeerID
	Prev     PrevOutput

	// InputProof is a Schnorr signature by the UTXO's controlling key
	// over "LnVortex input proof" || peer_nonce, proving ownership
	// without revealing a spending signature.
	InputProof []byte

	// IndexInFinalTx is set by the transaction builder once the round
	// reaches Signing. -1 means unset.
	IndexInFinalTx int
}
