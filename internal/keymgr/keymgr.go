// Package keymgr derives the coordinator's per-round signing key,
// issues fresh Schnorr nonces along a deterministic HD sequence, and
// performs blind Schnorr signing and final-message signing.
package keymgr

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/vortexd/coordinator/pkg/models"
)

// inputProofTag is the domain-separation prefix for the UTXO ownership
// proof: a Schnorr signature over tag||peer_nonce by the key controlling
// the claimed previous output.
const inputProofTag = "LnVortex input proof"

// Manager owns the coordinator's master HD key and the per-round signing
// key derived from it. The nonce counter is process-local and monotonic;
// durability comes from the Alice row each nonce is recorded against, not
// from persisting the counter itself.
type Manager struct {
	mu     sync.Mutex
	master *hdkeychain.ExtendedKey
	net    *chaincfg.Params

	nextIndex uint64

	roundKey *btcec.PrivateKey
	roundID  models.RoundID
}

// New derives a master extended key from seed.
func New(seed []byte, net *chaincfg.Params) (*Manager, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &Manager{master: master, net: net}, nil
}

// StartRound derives a fresh per-round signing key from the master key,
// deterministic in the round ID, and returns its public key (the value
// sent in MixDetails).
func (m *Manager) StartRound(roundID models.RoundID) *btcec.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	masterKey, _ := m.master.ECPrivKey()
	h := sha256.New()
	h.Write([]byte("vortex/round-key/"))
	h.Write(masterKey.Serialize())
	h.Write(roundID[:])
	priv, _ := btcec.PrivKeyFromBytes(h.Sum(nil))
	m.roundKey = priv
	m.roundID = roundID
	return priv.PubKey()
}

// RoundPublicKey returns the current round's public key, or nil if no
// round has been started.
func (m *Manager) RoundPublicKey() *btcec.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roundKey == nil {
		return nil
	}
	return m.roundKey.PubKey()
}

// NextNonce derives the next nonce in the deterministic HD sequence,
// assigning it the next monotonic index. Returns the public nonce point
// (what the peer receives), the private nonce scalar (used once, at
// blind-sign time, then discarded), and the assigned index.
func (m *Manager) NextNonce(path models.DerivationPath) (*btcec.PublicKey, *btcec.PrivateKey, uint64, error) {
	m.mu.Lock()
	index := m.nextIndex
	m.nextIndex++
	m.mu.Unlock()

	priv, err := m.deriveNonceKey(path.Purpose, path.Coin, path.Account, path.Chain, index)
	if err != nil {
		return nil, nil, 0, err
	}
	return priv.PubKey(), priv, index, nil
}

// NonceAt re-derives the nonce secret previously issued at index. The
// sequence is fully deterministic from the path and index, so nothing
// beyond the monotonic counter needs to be kept in memory.
func (m *Manager) NonceAt(path models.DerivationPath, index uint64) (*btcec.PrivateKey, error) {
	return m.deriveNonceKey(path.Purpose, path.Coin, path.Account, path.Chain, index)
}

func (m *Manager) deriveNonceKey(purpose, coin, account, chain uint32, index uint64) (*btcec.PrivateKey, error) {
	if index > uint64(^uint32(0)) {
		return nil, fmt.Errorf("nonce index %d exceeds uint32 range", index)
	}
	child := m.master
	for _, i := range [5]uint32{purpose, coin, account, chain, uint32(index)} {
		var err error
		child, err = child.Child(i)
		if err != nil {
			return nil, fmt.Errorf("derive nonce child %d: %w", i, err)
		}
	}
	return child.ECPrivKey()
}

// BlindSign issues s' = k + e*x (mod n), where k is the nonce secret, x
// is the round's signing key, and e is the blinded challenge the Alice
// submitted in RegisterInputs. The caller unblinds s' client-side; the
// coordinator never sees the unblinded message or final signature until
// (and if) the corresponding Bob reconnects.
func (m *Manager) BlindSign(nonceKey *btcec.PrivateKey, blindedChallenge *big.Int) (*big.Int, error) {
	m.mu.Lock()
	roundKey := m.roundKey
	m.mu.Unlock()
	if roundKey == nil {
		return nil, errors.New("keymgr: no active round key")
	}

	var e btcec.ModNScalar
	e.SetByteSlice(padScalar(blindedChallenge))

	var ex btcec.ModNScalar
	ex.Set(&roundKey.Key)
	ex.Mul(&e)

	var s btcec.ModNScalar
	s.Set(&nonceKey.Key)
	s.Add(&ex)

	sBytes := s.Bytes()
	return new(big.Int).SetBytes(sBytes[:]), nil
}

// ChallengeHash computes e' = H(R' || P || m), the Schnorr challenge for
// the unblinded signature over output m under the round's public key P
// with nonce point R'.
func ChallengeHash(rPrime, pub *btcec.PublicKey, msg []byte) *big.Int {
	h := sha256.New()
	h.Write(rPrime.SerializeCompressed())
	h.Write(pub.SerializeCompressed())
	h.Write(msg)
	return new(big.Int).SetBytes(h.Sum(nil))
}

// VerifyUnblinded checks that (rPrime, s) is a valid Schnorr signature
// over msg under pub: s*G == R' + e'*P.
func VerifyUnblinded(pub, rPrime *btcec.PublicKey, msg []byte, s *big.Int) bool {
	e := ChallengeHash(rPrime, pub, msg)

	var sScalar btcec.ModNScalar
	sScalar.SetByteSlice(padScalar(s))

	var lhs btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&sScalar, &lhs)
	lhs.ToAffine()

	var eScalar btcec.ModNScalar
	eScalar.SetByteSlice(padScalar(e))

	var pubJ, rJ, eP, rhs btcec.JacobianPoint
	pub.AsJacobian(&pubJ)
	rPrime.AsJacobian(&rJ)
	btcec.ScalarMultNonConst(&eScalar, &pubJ, &eP)
	btcec.AddNonConst(&rJ, &eP, &rhs)
	rhs.ToAffine()

	return lhs.X.Equals(&rhs.X) && lhs.Y.Equals(&rhs.Y)
}

// VerifyInputProof checks a UTXO ownership proof: a standard BIP340
// Schnorr signature over inputProofTag||peerNonce by the key controlling
// the claimed previous output, proving possession without revealing a
// spending signature.
func VerifyInputProof(pub, peerNonce *btcec.PublicKey, proof []byte) bool {
	msg := sha256.Sum256(append([]byte(inputProofTag), peerNonce.SerializeCompressed()...))
	sig, err := schnorr.ParseSignature(proof)
	if err != nil {
		return false
	}
	return sig.Verify(msg[:], pub)
}

// padScalar renders x as a 32-byte big-endian buffer, left-padded with
// zeros. ModNScalar.SetByteSlice reduces mod the curve order regardless
// of whether the input was already canonical, so this is safe for any
// nonnegative x that fits in 256 bits.
func padScalar(x *big.Int) []byte {
	b := x.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
