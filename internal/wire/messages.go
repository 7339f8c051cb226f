package wire

// OutpointWire is the wire form of models.Outpoint.
type OutpointWire struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// OutputWire is the wire form of models.PrevOutput: an amount and
// scriptPubKey pair, used for previous outputs, change outputs, and
// mixed outputs alike.
type OutputWire struct {
	Value    int64  `json:"value"`
	PkScript []byte `json:"pkScript"`
}

// AskNonce requests a fresh (or previously issued) nonce for the given
// round. Idempotent per peer_id.
type AskNonce struct {
	RoundID [32]byte `json:"roundId"`
}

// NonceMessage answers AskNonce with the Alice's nonce point.
type NonceMessage struct {
	Nonce []byte `json:"nonce"` // compressed secp256k1 point
}

// AskMixDetails requests the round's public parameters.
type AskMixDetails struct {
	Network string `json:"network"`
}

// MixDetails answers AskMixDetails.
type MixDetails struct {
	Version    uint32   `json:"version"`
	RoundID    [32]byte `json:"roundId"`
	Amount     int64    `json:"amount"`
	MixFee     int64    `json:"mixFee"`
	InputFee   int64    `json:"inputFee"`
	OutputFee  int64    `json:"outputFee"`
	PublicKey  []byte   `json:"publicKey"`
	Time       int64    `json:"time"` // unix seconds, scheduled round_time
}

// InputReference is one input offered by an Alice.
type InputReference struct {
	Outpoint    OutpointWire `json:"outpoint"`
	Output      OutputWire   `json:"output"`
	InputProof  []byte       `json:"inputProof"`
	OwnerPubKey []byte       `json:"ownerPubKey"` // compressed secp256k1 key controlling Output.PkScript
}

// RegisterInputs is the Alice-role input-registration request.
type RegisterInputs struct {
	Inputs        []InputReference `json:"inputs"`
	BlindedOutput []byte           `json:"blindedOutput"`
	ChangeOutput  OutputWire       `json:"changeOutput"`
}

// BlindedSig answers a successful RegisterInputs.
type BlindedSig struct {
	Sig []byte `json:"sig"`
}

// BobMessage is the Bob-role output submission.
type BobMessage struct {
	Output OutputWire `json:"output"`
	Sig    []byte     `json:"sig"` // unblinded Schnorr signature: R' || s
}

// Ack is an empty acknowledgement body.
type Ack struct{}

// UnsignedPsbtMessage carries the coordinator-assembled unsigned PSBT to
// every registered peer once the round enters Signing.
type UnsignedPsbtMessage struct {
	Psbt []byte `json:"psbt"`
}

// SignedPsbtMessage carries a peer's finalized inputs back to the
// coordinator.
type SignedPsbtMessage struct {
	Psbt []byte `json:"psbt"`
}

// RestartRoundMessage tells a connected peer a new round has begun.
type RestartRoundMessage struct {
	RoundID [32]byte `json:"roundId"`
}

// RoundFailedMessage tells connected peers why the round failed.
type RoundFailedMessage struct {
	Reason string `json:"reason"`
}
