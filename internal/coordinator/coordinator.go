// Package coordinator is the round orchestrator: the single place that
// mutates round state. All registration, signing and timer-driven
// transitions go through its mutex the same way the house
// InvestigationManager serializes case mutation behind one lock.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/vortexd/coordinator/internal/aggregator"
	"github.com/vortexd/coordinator/internal/config"
	"github.com/vortexd/coordinator/internal/keymgr"
	"github.com/vortexd/coordinator/internal/round"
	"github.com/vortexd/coordinator/internal/store"
	"github.com/vortexd/coordinator/internal/txbuilder"
	"github.com/vortexd/coordinator/pkg/models"
)

// pendingNonce tracks an issued-but-not-yet-blind-signed nonce. The
// private scalar must be kept in memory only; it is never persisted.
type pendingNonce struct {
	path    models.DerivationPath
	privKey *btcec.PrivateKey
}

// RoundEventFunc is invoked on every phase transition and terminal
// outcome. payload never carries an Alice/output pairing, matching the
// unlinkability invariant the admin surface is held to.
type RoundEventFunc func(eventType string, payload map[string]interface{})

// Coordinator owns the current round's in-memory state plus a
// reference to the durable store. Exactly one round is active at a
// time.
type Coordinator struct {
	cfg     config.Config
	store   store.Store
	keys    *keymgr.Manager
	bcaster aggregator.Broadcaster
	onEvent RoundEventFunc

	mu            sync.Mutex
	current       *models.Round
	alices        map[models.PeerID]*models.Alice
	pendingNonces map[models.PeerID]*pendingNonce
	inputs        []models.RegisteredInput
	outputs       []models.RegisteredOutput
	session       *aggregator.Session
	built         *txbuilder.Result

	inputTimer  *time.Timer
	outputTimer *time.Timer
	signTimer   *time.Timer
}

// New builds a Coordinator ready to run rounds. The first round must be
// started explicitly with StartRound.
func New(cfg config.Config, st store.Store, keys *keymgr.Manager, bcaster aggregator.Broadcaster) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		store:   st,
		keys:    keys,
		bcaster: bcaster,
	}
}

// OnRoundEvent registers fn to receive every phase-transition and
// terminal-outcome event. Call once before serving peers; nil is a
// no-op sink.
func (c *Coordinator) OnRoundEvent(fn RoundEventFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

func (c *Coordinator) emit(eventType string, payload map[string]interface{}) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(eventType, payload)
}

// Shutdown stops every phase timer and, if a round is still in
// flight, flushes it to Failed so a restart begins from a clean slate
// rather than a round no peer can ever finish.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputTimer != nil {
		c.inputTimer.Stop()
	}
	if c.outputTimer != nil {
		c.outputTimer.Stop()
	}
	if c.signTimer != nil {
		c.signTimer.Stop()
	}
	if c.current != nil && c.current.Status != models.StatusSigned && c.current.Status != models.StatusFailed {
		c.failRoundLocked(ctx, fmt.Errorf("coordinator shutting down"))
	}
}

// StartRound creates a fresh Pending round, persists it, and schedules
// the opening of input registration at its RoundTime (which in turn
// starts the input-registration timer).
func (c *Coordinator) StartRound(ctx context.Context, id models.RoundID, feeRate int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Status != models.StatusSigned && c.current.Status != models.StatusFailed {
		return newErr(ErrProtocolPhase, "StartRound", fmt.Errorf("round %s still active", c.current.ID))
	}

	roundTime := time.Now().Add(c.cfg.RoundInterval)
	mixAmount := btcutil.Amount(c.cfg.RoundAmount)
	mixFee := btcutil.Amount(c.cfg.CoordinatorFee)
	r := round.New(id, roundTime, feeRate, mixAmount, mixFee)

	if err := c.store.CreateRound(ctx, r); err != nil {
		return newErr(ErrTransport, "StartRound", err)
	}

	c.current = r
	c.alices = make(map[models.PeerID]*models.Alice)
	c.pendingNonces = make(map[models.PeerID]*pendingNonce)
	c.inputs = nil
	c.outputs = nil
	c.session = nil
	c.built = nil

	c.keys.StartRound(id)

	c.inputTimer = time.AfterFunc(time.Until(roundTime), func() {
		c.onRoundTimeReached(context.Background())
	})

	log.Printf("coordinator: started round %s, registration opens at %s", id, roundTime)
	c.emit("round_started", map[string]interface{}{"roundId": id.String(), "roundTime": roundTime})
	return nil
}

// onRoundTimeReached fires when a Pending round's scheduled RoundTime
// arrives, opening input registration and starting its own timeout.
func (c *Coordinator) onRoundTimeReached(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Status != models.StatusPending {
		return
	}
	c.current.Status = models.StatusRegisterAlices
	if err := c.store.UpdateRoundStatus(ctx, c.current.ID, models.StatusRegisterAlices); err != nil {
		log.Printf("coordinator: round %s: failed to persist status transition: %v", c.current.ID, err)
	}
	c.inputTimer = time.AfterFunc(c.cfg.InputRegistrationTime, func() {
		c.onInputTimeout(context.Background())
	})
	log.Printf("coordinator: round %s opened for Alice registration", c.current.ID)
	c.emit("phase_advanced", map[string]interface{}{"roundId": c.current.ID.String(), "status": c.current.Status.String()})
}

// GetNonce returns the nonce issued to peerID in the current round,
// issuing the next unused nonce on the peer's derivation path on its
// first call. Valid only while the round is in RegisterAlices.
func (c *Coordinator) GetNonce(peerID models.PeerID, path models.DerivationPath) (*btcec.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Status != models.StatusRegisterAlices {
		return nil, newErr(ErrProtocolPhase, "GetNonce", fmt.Errorf("round not accepting registrations"))
	}
	if pending, ok := c.pendingNonces[peerID]; ok {
		return pending.privKey.PubKey(), nil
	}
	if alice, ok := c.alices[peerID]; ok {
		return alice.Nonce, nil
	}
	if len(c.alices) >= c.cfg.MaxPeers {
		return nil, newErr(ErrProtocolPhase, "GetNonce", fmt.Errorf("round is full"))
	}

	pub, priv, idx, err := c.keys.NextNonce(path)
	if err != nil {
		return nil, newErr(ErrBlindSigIssuance, "GetNonce", err)
	}
	path.NonceIndex = idx
	c.pendingNonces[peerID] = &pendingNonce{path: path, privKey: priv}
	return pub, nil
}

// RequestBlindSig blind-signs a challenge over the nonce most recently
// issued to peerID, completing that peer's Alice registration record.
// changeValue is the change amount the peer intends to claim; it must
// not exceed what RegisterInputs's already-admitted inputs can fund
// once mix_amount, mix_fee, and per-input/output fees are deducted
// (spec's change-validation formula), or the peer's registered inputs
// are banned and the request rejected.
func (c *Coordinator) RequestBlindSig(ctx context.Context, peerID models.PeerID, blindedChallenge *big.Int, changeSPK []byte, changeValue int64) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Status != models.StatusRegisterAlices {
		return nil, newErr(ErrProtocolPhase, "RequestBlindSig", fmt.Errorf("round not accepting registrations"))
	}
	pending, ok := c.pendingNonces[peerID]
	if !ok {
		return nil, newErr(ErrProtocolPhase, "RequestBlindSig", fmt.Errorf("no nonce issued for peer"))
	}

	if len(changeSPK) > 0 {
		maxChange := changeValueFor(c.inputs, peerID, c.current.MixAmount, c.current.MixFee, c.current.InputFee, c.current.OutputFee)
		if changeValue < 0 || btcutil.Amount(changeValue) > maxChange {
			if banErr := c.banPeerInputsLocked(ctx, peerID, models.BanReasonBadInput); banErr != nil {
				log.Printf("coordinator: round %s: failed to ban peer %s after bad change claim: %v", c.current.ID, peerID, banErr)
			}
			return nil, newErr(ErrInputValidation, "RequestBlindSig", fmt.Errorf("declared change %d exceeds the %d a peer's registered inputs can fund", changeValue, maxChange))
		}
	}

	blindSig, err := c.keys.BlindSign(pending.privKey, blindedChallenge)
	if err != nil {
		return nil, newErr(ErrBlindSigIssuance, "RequestBlindSig", err)
	}

	alice := &models.Alice{
		PeerID:        peerID,
		RoundID:       c.current.ID,
		Path:          pending.path,
		Nonce:         pending.privKey.PubKey(),
		BlindedOutput: blindedChallenge,
		ChangeSPK:     changeSPK,
		BlindSig:      blindSig,
	}
	c.alices[peerID] = alice
	delete(c.pendingNonces, peerID)

	if err := c.store.UpsertAlice(ctx, alice); err != nil {
		log.Printf("coordinator: round %s: failed to persist Alice %s: %v", c.current.ID, peerID, err)
	}

	if round.ShouldAdvanceOnMaxPeers(len(c.alices), round.Thresholds{MinPeers: c.cfg.MinPeers(), MaxPeers: c.cfg.MaxPeers}) {
		c.advanceToRegisterOutputsLocked(ctx)
	}

	return blindSig, nil
}

// banPeerInputsLocked bans every outpoint peerID has registered so
// far in the current round. Called when a peer is caught violating a
// registration invariant after its inputs were admitted (a bad change
// claim; RegisterInputs bans a forged proof's whole submission itself) — banning
// only the specific outpoint in play would let a multi-input Alice
// walk away with her other inputs still live.
func (c *Coordinator) banPeerInputsLocked(ctx context.Context, peerID models.PeerID, reason string) error {
	var outs []models.Outpoint
	for _, in := range c.inputs {
		if in.PeerID == peerID {
			outs = append(outs, in.Outpoint)
		}
	}
	if len(outs) == 0 {
		return nil
	}
	if err := c.store.BanOutpoints(ctx, outs, time.Now().Add(c.cfg.BadInputsBanDuration), reason); err != nil {
		return err
	}
	for _, op := range outs {
		c.emit("utxo_banned", map[string]interface{}{"outpoint": op.String(), "reason": reason})
	}
	return nil
}

// RegisterInputs admits a peer's UTXOs into the round once a nonce has
// been issued to them (GetNonce), binding each input-ownership proof
// to that pending nonce. It runs before RequestBlindSig in the real
// protocol round-trip — the Alice record itself, and the blind
// signature, are only created once these inputs have been admitted
// and their claimed change validated against them. prevOutputs are the
// amounts and scriptPubKeys the peer claims, in outpoint order; they are
// not compared against the node's copy of the previous transaction.
func (c *Coordinator) RegisterInputs(ctx context.Context, peerID models.PeerID, outpoints []models.Outpoint, prevOutputs []models.PrevOutput, inputProofs [][]byte, ownerPubKeys [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || (c.current.Status != models.StatusRegisterAlices && c.current.Status != models.StatusRegisterOutputs) {
		return newErr(ErrProtocolPhase, "RegisterInputs", fmt.Errorf("round not accepting inputs"))
	}
	pending, ok := c.pendingNonces[peerID]
	if !ok {
		return newErr(ErrInputValidation, "RegisterInputs", fmt.Errorf("peer has no nonce issued"))
	}
	if len(outpoints) != len(prevOutputs) || len(outpoints) != len(inputProofs) || len(outpoints) != len(ownerPubKeys) {
		return newErr(ErrInputValidation, "RegisterInputs", fmt.Errorf("mismatched input slice lengths"))
	}

	nonce := pending.privKey.PubKey()
	var registered []models.RegisteredInput
	var toStore []*models.RegisteredInput
	for i, op := range outpoints {
		banned, err := c.store.IsBanned(ctx, op, time.Now())
		if err != nil {
			return newErr(ErrTransport, "RegisterInputs", err)
		}
		if banned {
			return newErr(ErrInputValidation, "RegisterInputs", fmt.Errorf("outpoint %s is banned", op))
		}

		if err := verifyInputOwnership(prevOutputs[i], ownerPubKeys[i], inputProofs[i], nonce); err != nil {
			if banErr := c.store.BanOutpoints(ctx, outpoints, time.Now().Add(c.cfg.InvalidSignatureBanDuration), models.BanReasonInvalidSignature); banErr != nil {
				log.Printf("coordinator: failed to ban outpoints submitted with %s after proof failure: %v", op, banErr)
			}
			for _, bannedOp := range outpoints {
				c.emit("utxo_banned", map[string]interface{}{"outpoint": bannedOp.String(), "reason": models.BanReasonInvalidSignature})
			}
			return newErr(ErrInputValidation, "RegisterInputs", fmt.Errorf("outpoint %s: %w", op, err))
		}

		in := models.RegisteredInput{
			RoundID:        c.current.ID,
			Outpoint:       op,
			PeerID:         peerID,
			Prev:           prevOutputs[i],
			InputProof:     inputProofs[i],
			IndexInFinalTx: -1,
		}
		registered = append(registered, in)
		toStore = append(toStore, &in)
	}

	if err := c.store.InsertRegisteredInputs(ctx, toStore); err != nil {
		return newErr(ErrTransport, "RegisterInputs", err)
	}
	c.inputs = append(c.inputs, registered...)
	return nil
}

// verifyInputOwnership checks that ownerPubKey controls prev's
// scriptPubKey (native segwit v0 only) and that inputProof is a valid
// possession proof over the Alice's nonce under that key.
func verifyInputOwnership(prev models.PrevOutput, ownerPubKeyBytes, inputProof []byte, nonce *btcec.PublicKey) error {
	pub, err := btcec.ParsePubKey(ownerPubKeyBytes)
	if err != nil {
		return fmt.Errorf("bad owner pubkey: %w", err)
	}

	if len(prev.PkScript) != 22 || prev.PkScript[0] != 0x00 || prev.PkScript[1] != 0x14 {
		return fmt.Errorf("unsupported scriptPubKey, only P2WPKH is accepted")
	}
	hash := btcutil.Hash160(pub.SerializeCompressed())
	if !bytes.Equal(hash, prev.PkScript[2:]) {
		return fmt.Errorf("owner pubkey does not match scriptPubKey")
	}

	if !keymgr.VerifyInputProof(pub, nonce, inputProof) {
		return fmt.Errorf("input proof verification failed")
	}
	return nil
}

// RegisterOutput admits one mix output during RegisterOutputs. Because
// this call arrives over a fresh, unlinked connection, it carries no
// peer identity.
func (c *Coordinator) RegisterOutput(ctx context.Context, spk []byte, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Status != models.StatusRegisterOutputs {
		return newErr(ErrProtocolPhase, "RegisterOutput", fmt.Errorf("round not accepting outputs"))
	}

	out := models.RegisteredOutput{
		RoundID: c.current.ID,
		Output:  models.PrevOutput{Value: value, PkScript: spk},
	}
	if err := c.store.InsertRegisteredOutput(ctx, &out); err != nil {
		return newErr(ErrTransport, "RegisterOutput", err)
	}
	c.outputs = append(c.outputs, out)

	if round.ShouldAdvanceToSigning(len(c.outputs), len(c.alices)) {
		c.advanceToSigningLocked(ctx)
	}
	return nil
}

// RegisterPSBTSignature submits one peer's finalized inputs for the
// current Signing-phase packet.
func (c *Coordinator) RegisterPSBTSignature(ctx context.Context, peerID models.PeerID, signedInputs []int, witnesses [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Status != models.StatusSigning || c.session == nil {
		return newErr(ErrSignaturePhase, "RegisterPSBTSignature", fmt.Errorf("round not in signing phase"))
	}

	copyPacket := *c.built.Packet
	copyPacket.Inputs = slices.Clone(c.built.Packet.Inputs)
	for i, idx := range signedInputs {
		if idx < 0 || idx >= len(copyPacket.Inputs) {
			return newErr(ErrSignaturePhase, "RegisterPSBTSignature", fmt.Errorf("input index %d out of range", idx))
		}
		copyPacket.Inputs[idx].FinalScriptWitness = witnesses[i]
	}

	if err := c.session.Submit(peerID, &copyPacket, signedInputs); err != nil {
		return newErr(ErrSignaturePhase, "RegisterPSBTSignature", err)
	}

	if c.session.Ready() {
		c.finalizeAndBroadcastLocked(ctx)
	}
	return nil
}

// Snapshot returns a copy of the currently active round, for the admin
// API's status endpoint.
func (c *Coordinator) Snapshot() (models.Round, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return models.Round{}, false
	}
	return *c.current, true
}

func (c *Coordinator) advanceToRegisterOutputsLocked(ctx context.Context) {
	if c.inputTimer != nil {
		c.inputTimer.Stop()
	}
	c.current.Status = models.StatusRegisterOutputs
	if err := c.store.UpdateRoundStatus(ctx, c.current.ID, models.StatusRegisterOutputs); err != nil {
		log.Printf("coordinator: round %s: failed to persist status transition: %v", c.current.ID, err)
	}
	c.outputTimer = time.AfterFunc(c.cfg.OutputRegistrationTime, func() {
		c.onOutputTimeout(context.Background())
	})
	log.Printf("coordinator: round %s advanced to register_outputs with %d Alices", c.current.ID, len(c.alices))
	c.emit("phase_advanced", map[string]interface{}{"roundId": c.current.ID.String(), "status": c.current.Status.String()})
}

func (c *Coordinator) advanceToSigningLocked(ctx context.Context) {
	if c.outputTimer != nil {
		c.outputTimer.Stop()
	}

	change := make(map[models.PeerID][]byte)
	changeValues := make(map[models.PeerID]int64)
	for id, alice := range c.alices {
		if len(alice.ChangeSPK) > 0 {
			change[id] = alice.ChangeSPK
			changeValues[id] = int64(changeValueFor(c.inputs, id, c.current.MixAmount, c.current.MixFee, c.current.InputFee, c.current.OutputFee))
		}
	}

	plan := txbuilder.Plan{
		RoundID:        c.current.ID,
		Inputs:         c.inputs,
		MixOutputs:     c.outputs,
		ChangeScripts:  change,
		ChangeValues:   changeValues,
		CoordinatorFee: c.current.MixFee * btcutil.Amount(len(c.inputs)),
		CoordinatorSPK: c.cfg.CoordinatorFeePkScript,
		FeeRatePerKB:   btcutil.Amount(c.current.FeeRate * 1000),
	}

	result, err := txbuilder.Build(plan)
	if err != nil {
		log.Printf("coordinator: round %s: build failed: %v", c.current.ID, err)
		c.failRoundLocked(ctx, err)
		return
	}

	var psbtBuf bytes.Buffer
	if err := result.Packet.Serialize(&psbtBuf); err != nil {
		log.Printf("coordinator: round %s: serialize unsigned psbt failed: %v", c.current.ID, err)
		c.failRoundLocked(ctx, err)
		return
	}
	c.current.UnsignedPSBT = psbtBuf.Bytes()
	if err := c.store.SetUnsignedPSBT(ctx, c.current.ID, c.current.UnsignedPSBT); err != nil {
		log.Printf("coordinator: round %s: failed to persist unsigned psbt: %v", c.current.ID, err)
	}

	owners := make(map[int]models.PeerID, len(c.inputs))
	for i := range c.inputs {
		idx, ok := result.InputIndexByKey[c.inputs[i].Outpoint]
		if !ok {
			continue
		}
		c.inputs[i].IndexInFinalTx = idx
		owners[idx] = c.inputs[i].PeerID
		if err := c.store.SetInputIndex(ctx, c.current.ID, c.inputs[i].Outpoint, idx); err != nil {
			log.Printf("coordinator: round %s: failed to persist input index for %s: %v", c.current.ID, c.inputs[i].Outpoint, err)
		}
	}

	c.built = result
	c.session = aggregator.NewSession(result.Packet, len(c.alices), owners)

	c.current.Status = models.StatusSigning
	if err := c.store.UpdateRoundStatus(ctx, c.current.ID, models.StatusSigning); err != nil {
		log.Printf("coordinator: round %s: failed to persist status transition: %v", c.current.ID, err)
	}
	c.signTimer = time.AfterFunc(c.cfg.SigningTime, func() {
		c.onSignTimeout(context.Background())
	})
	log.Printf("coordinator: round %s advanced to signing with %d inputs", c.current.ID, len(c.inputs))
	c.emit("phase_advanced", map[string]interface{}{"roundId": c.current.ID.String(), "status": c.current.Status.String()})
}

func (c *Coordinator) finalizeAndBroadcastLocked(ctx context.Context) {
	if c.signTimer != nil {
		c.signTimer.Stop()
	}

	hash, err := c.session.Broadcast(ctx, c.bcaster)
	if err != nil {
		log.Printf("coordinator: round %s: broadcast failed: %v", c.current.ID, err)
		c.failRoundLocked(ctx, err)
		return
	}

	if tx, err := c.session.Finalize(); err == nil {
		var txBuf bytes.Buffer
		if err := tx.Serialize(&txBuf); err == nil {
			c.current.FinalTx = txBuf.Bytes()
		}
		for _, out := range tx.TxOut {
			if len(c.cfg.CoordinatorFeePkScript) > 0 && bytes.Equal(out.PkScript, c.cfg.CoordinatorFeePkScript) {
				c.current.Profit += btcutil.Amount(out.Value)
			}
		}
		if err := c.store.SetFinalTx(ctx, c.current.ID, c.current.FinalTx, c.current.Profit); err != nil {
			log.Printf("coordinator: round %s: failed to persist final tx: %v", c.current.ID, err)
		}
	}

	c.current.Status = models.StatusSigned
	if err := c.store.UpdateRoundStatus(ctx, c.current.ID, models.StatusSigned); err != nil {
		log.Printf("coordinator: round %s: failed to persist final status: %v", c.current.ID, err)
	}
	log.Printf("coordinator: round %s broadcast as %s", c.current.ID, hash)
	c.emit("round_signed", map[string]interface{}{"roundId": c.current.ID.String(), "txid": hash.String()})
}

func (c *Coordinator) failRoundLocked(ctx context.Context, cause error) {
	if c.current == nil {
		return
	}
	c.current.Status = models.StatusFailed
	if err := c.store.UpdateRoundStatus(ctx, c.current.ID, models.StatusFailed); err != nil {
		log.Printf("coordinator: round %s: failed to persist failure: %v", c.current.ID, err)
	}
	log.Printf("coordinator: round %s failed: %v", c.current.ID, cause)
	c.emit("round_failed", map[string]interface{}{"roundId": c.current.ID.String(), "reason": cause.Error()})
}

func (c *Coordinator) onInputTimeout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Status != models.StatusRegisterAlices {
		return
	}
	if round.InputTimeoutOutcome(len(c.alices), round.Thresholds{MinPeers: c.cfg.MinPeers(), MaxPeers: c.cfg.MaxPeers}) {
		c.advanceToRegisterOutputsLocked(ctx)
		return
	}
	c.failRoundLocked(ctx, fmt.Errorf("only %d of %d required Alices registered", len(c.alices), c.cfg.MinPeers()))
}

func (c *Coordinator) onOutputTimeout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Status != models.StatusRegisterOutputs {
		return
	}
	if round.OutputTimeoutOutcome(len(c.outputs), len(c.alices)) {
		c.advanceToSigningLocked(ctx)
		return
	}
	c.failRoundLocked(ctx, fmt.Errorf("only %d of %d outputs registered", len(c.outputs), len(c.alices)))
}

func (c *Coordinator) onSignTimeout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Status != models.StatusSigning {
		return
	}
	if c.session != nil && c.session.Ready() {
		c.finalizeAndBroadcastLocked(ctx)
		return
	}
	c.failRoundLocked(ctx, fmt.Errorf("only %d of %d peers signed before deadline", c.session.ReceivedCount(), len(c.alices)))
}

// changeValueFor sums a peer's registered input value and returns the
// maximum change they may be paid back: sum(inputs) - mix_amount -
// mix_fee - input_fee*count(their inputs) - output_fee*2 (one output
// fee for their own mix output, one for their change output).
func changeValueFor(inputs []models.RegisteredInput, peer models.PeerID, mixAmount, mixFee, perInputFee, perOutputFee btcutil.Amount) btcutil.Amount {
	var total int64
	var count int64
	for _, in := range inputs {
		if in.PeerID == peer {
			total += in.Prev.Value
			count++
		}
	}
	spent := int64(mixAmount) + int64(mixFee) + count*int64(perInputFee) + 2*int64(perOutputFee)
	if total <= spent {
		return 0
	}
	return btcutil.Amount(total - spent)
}
