// Package postgres is the Postgres-backed store.Store implementation,
// following the connection and migration conventions of the
// coordinator's ambient stack: a pgxpool.Pool, idempotent schema
// creation from a checked-in SQL file, and fmt.Errorf-wrapped errors
// rather than panics.
package postgres

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vortexd/coordinator/internal/store"
	"github.com/vortexd/coordinator/pkg/models"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL for round coordinator")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql, creating the five tables of
// the data model if they don't already exist.
func (s *Store) InitSchema(ctx context.Context, schemaPath string) error {
	schemaBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}

	log.Println("Round coordinator schema initialized")
	return nil
}

func (s *Store) CreateRound(ctx context.Context, r *models.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (round_id, status, round_time, fee_rate, mix_amount, mix_fee, input_fee, output_fee, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID[:], int(r.Status), r.RoundTime, r.FeeRate, int64(r.MixAmount), int64(r.MixFee), int64(r.InputFee), int64(r.OutputFee), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *Store) CurrentRound(ctx context.Context) (*models.Round, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT round_id, status, round_time, fee_rate, mix_amount, mix_fee, input_fee, output_fee, unsigned_psbt, final_tx, profit, created_at
		FROM rounds ORDER BY created_at DESC LIMIT 1
	`)
	return scanRound(row)
}

func scanRound(row pgx.Row) (*models.Round, error) {
	var (
		idBytes      []byte
		status       int
		roundTime    time.Time
		feeRate      int64
		mixAmount    int64
		mixFee       int64
		inputFee     int64
		outputFee    int64
		unsignedPSBT []byte
		finalTx      []byte
		profit       *int64
		createdAt    time.Time
	)
	err := row.Scan(&idBytes, &status, &roundTime, &feeRate, &mixAmount, &mixFee, &inputFee, &outputFee, &unsignedPSBT, &finalTx, &profit, &createdAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan round: %w", err)
	}

	r := &models.Round{
		Status:       models.Status(status),
		RoundTime:    roundTime,
		FeeRate:      feeRate,
		MixAmount:    btcutil.Amount(mixAmount),
		MixFee:       btcutil.Amount(mixFee),
		InputFee:     btcutil.Amount(inputFee),
		OutputFee:    btcutil.Amount(outputFee),
		UnsignedPSBT: unsignedPSBT,
		FinalTx:      finalTx,
		CreatedAt:    createdAt,
	}
	copy(r.ID[:], idBytes)
	if profit != nil {
		r.Profit = btcutil.Amount(*profit)
	}
	return r, nil
}

func (s *Store) UpdateRoundStatus(ctx context.Context, id models.RoundID, status models.Status) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET status = $1 WHERE round_id = $2`, int(status), id[:])
	if err != nil {
		return fmt.Errorf("update round status: %w", err)
	}
	return nil
}

func (s *Store) SetUnsignedPSBT(ctx context.Context, id models.RoundID, psbt []byte) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET unsigned_psbt = $1 WHERE round_id = $2`, psbt, id[:])
	if err != nil {
		return fmt.Errorf("set unsigned psbt: %w", err)
	}
	return nil
}

func (s *Store) SetFinalTx(ctx context.Context, id models.RoundID, tx []byte, profit btcutil.Amount) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET final_tx = $1, profit = $2 WHERE round_id = $3`, tx, int64(profit), id[:])
	if err != nil {
		return fmt.Errorf("set final tx: %w", err)
	}
	return nil
}

func (s *Store) UpsertAlice(ctx context.Context, a *models.Alice) error {
	var blindedOutput, blindSig []byte
	if a.BlindedOutput != nil {
		blindedOutput = a.BlindedOutput.Bytes()
	}
	if a.BlindSig != nil {
		blindSig = a.BlindSig.Bytes()
	}
	var nonce []byte
	if a.Nonce != nil {
		nonce = a.Nonce.SerializeCompressed()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alices (peer_id, round_id, purpose, coin, account, chain, nonce_index, nonce, blinded_output, change_spk, blind_sig)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (peer_id) DO UPDATE SET
			blinded_output = EXCLUDED.blinded_output,
			change_spk = EXCLUDED.change_spk,
			blind_sig = EXCLUDED.blind_sig
	`, a.PeerID[:], a.RoundID[:], a.Path.Purpose, a.Path.Coin, a.Path.Account, a.Path.Chain, a.Path.NonceIndex, nonce, blindedOutput, a.ChangeSPK, blindSig)
	if err != nil {
		return fmt.Errorf("upsert alice: %w", err)
	}
	return nil
}

func (s *Store) GetAlice(ctx context.Context, peerID models.PeerID) (*models.Alice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT peer_id, round_id, purpose, coin, account, chain, nonce_index, nonce, blinded_output, change_spk, blind_sig
		FROM alices WHERE peer_id = $1
	`, peerID[:])
	return scanAlice(row)
}

func (s *Store) ListAlices(ctx context.Context, roundID models.RoundID) ([]*models.Alice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT peer_id, round_id, purpose, coin, account, chain, nonce_index, nonce, blinded_output, change_spk, blind_sig
		FROM alices WHERE round_id = $1
	`, roundID[:])
	if err != nil {
		return nil, fmt.Errorf("list alices: %w", err)
	}
	defer rows.Close()

	var out []*models.Alice
	for rows.Next() {
		a, err := scanAlice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountAlices(ctx context.Context, roundID models.RoundID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alices WHERE round_id = $1 AND blind_sig IS NOT NULL`, roundID[:]).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count alices: %w", err)
	}
	return n, nil
}

func scanAlice(row pgx.Row) (*models.Alice, error) {
	var (
		peerID, roundID                    []byte
		purpose, coin, account, chain       uint32
		nonceIndex                          uint64
		nonce, blindedOutput, changeSPK, bs []byte
	)
	err := row.Scan(&peerID, &roundID, &purpose, &coin, &account, &chain, &nonceIndex, &nonce, &blindedOutput, &changeSPK, &bs)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alice: %w", err)
	}

	a := &models.Alice{
		Path: models.DerivationPath{
			Purpose: purpose, Coin: coin, Account: account, Chain: chain, NonceIndex: nonceIndex,
		},
		ChangeSPK: changeSPK,
	}
	copy(a.PeerID[:], peerID)
	copy(a.RoundID[:], roundID)
	if len(nonce) > 0 {
		pub, err := parsePubKey(nonce)
		if err != nil {
			return nil, fmt.Errorf("parse alice nonce: %w", err)
		}
		a.Nonce = pub
	}
	if len(blindedOutput) > 0 {
		a.BlindedOutput = bigIntFromBytes(blindedOutput)
	}
	if len(bs) > 0 {
		a.BlindSig = bigIntFromBytes(bs)
	}
	return a, nil
}

func (s *Store) InsertRegisteredInputs(ctx context.Context, inputs []*models.RegisteredInput) error {
	batch := &pgx.Batch{}
	for _, in := range inputs {
		batch.Queue(`
			INSERT INTO registered_inputs (round_id, txid, vout, peer_id, prev_value, prev_pkscript, input_proof, index_in_final_tx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (round_id, txid, vout) DO NOTHING
		`, in.RoundID[:], in.Outpoint.Hash[:], in.Outpoint.Index, in.PeerID[:], in.Prev.Value, in.Prev.PkScript, in.InputProof, in.IndexInFinalTx)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range inputs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert registered input: %w", err)
		}
	}
	return nil
}

func (s *Store) ListRegisteredInputs(ctx context.Context, roundID models.RoundID) ([]*models.RegisteredInput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_id, txid, vout, peer_id, prev_value, prev_pkscript, input_proof, index_in_final_tx
		FROM registered_inputs WHERE round_id = $1
	`, roundID[:])
	if err != nil {
		return nil, fmt.Errorf("list registered inputs: %w", err)
	}
	defer rows.Close()

	var out []*models.RegisteredInput
	for rows.Next() {
		var (
			rID, txid, peerID, prevSPK, proof []byte
			vout                              uint32
			prevValue                         int64
			idx                               int
		)
		if err := rows.Scan(&rID, &txid, &vout, &peerID, &prevValue, &prevSPK, &proof, &idx); err != nil {
			return nil, fmt.Errorf("scan registered input: %w", err)
		}
		in := &models.RegisteredInput{
			Prev:           models.PrevOutput{Value: prevValue, PkScript: prevSPK},
			InputProof:     proof,
			IndexInFinalTx: idx,
		}
		copy(in.RoundID[:], rID)
		copy(in.Outpoint.Hash[:], txid)
		in.Outpoint.Index = vout
		copy(in.PeerID[:], peerID)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) SetInputIndex(ctx context.Context, roundID models.RoundID, outpoint models.Outpoint, index int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE registered_inputs SET index_in_final_tx = $1
		WHERE round_id = $2 AND txid = $3 AND vout = $4
	`, index, roundID[:], outpoint.Hash[:], outpoint.Index)
	if err != nil {
		return fmt.Errorf("set input index: %w", err)
	}
	return nil
}

func (s *Store) InsertRegisteredOutput(ctx context.Context, o *models.RegisteredOutput) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO registered_outputs (round_id, value, pkscript, sig)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (round_id, value, pkscript) DO NOTHING
	`, o.RoundID[:], o.Output.Value, o.Output.PkScript, o.Sig)
	if err != nil {
		return fmt.Errorf("insert registered output: %w", err)
	}
	return nil
}

func (s *Store) ListRegisteredOutputs(ctx context.Context, roundID models.RoundID) ([]*models.RegisteredOutput, error) {
	rows, err := s.pool.Query(ctx, `SELECT round_id, value, pkscript, sig FROM registered_outputs WHERE round_id = $1`, roundID[:])
	if err != nil {
		return nil, fmt.Errorf("list registered outputs: %w", err)
	}
	defer rows.Close()

	var out []*models.RegisteredOutput
	for rows.Next() {
		var rID, spk, sig []byte
		var value int64
		if err := rows.Scan(&rID, &value, &spk, &sig); err != nil {
			return nil, fmt.Errorf("scan registered output: %w", err)
		}
		o := &models.RegisteredOutput{
			Output: models.PrevOutput{Value: value, PkScript: spk},
			Sig:    sig,
		}
		copy(o.RoundID[:], rID)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) CountRegisteredOutputs(ctx context.Context, roundID models.RoundID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM registered_outputs WHERE round_id = $1`, roundID[:]).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registered outputs: %w", err)
	}
	return n, nil
}

func (s *Store) IsBanned(ctx context.Context, outpoint models.Outpoint, now time.Time) (bool, error) {
	var bannedUntil time.Time
	err := s.pool.QueryRow(ctx, `SELECT banned_until FROM banned_utxos WHERE txid = $1 AND vout = $2`,
		outpoint.Hash[:], outpoint.Index).Scan(&bannedUntil)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is banned: %w", err)
	}
	return now.Before(bannedUntil), nil
}

func (s *Store) BanOutpoints(ctx context.Context, outpoints []models.Outpoint, until time.Time, reason string) error {
	batch := &pgx.Batch{}
	for _, op := range outpoints {
		batch.Queue(`
			INSERT INTO banned_utxos (txid, vout, banned_until, reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (txid, vout) DO UPDATE SET banned_until = EXCLUDED.banned_until, reason = EXCLUDED.reason
		`, op.Hash[:], op.Index, until, reason)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range outpoints {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("ban outpoint: %w", err)
		}
	}
	return nil
}

func (s *Store) ListBans(ctx context.Context, now time.Time) ([]*models.BannedUTXO, error) {
	rows, err := s.pool.Query(ctx, `SELECT txid, vout, banned_until, reason FROM banned_utxos WHERE banned_until > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var out []*models.BannedUTXO
	for rows.Next() {
		var txid []byte
		var vout uint32
		var bannedUntil time.Time
		var reason string
		if err := rows.Scan(&txid, &vout, &bannedUntil, &reason); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		b := &models.BannedUTXO{BannedUntil: bannedUntil, Reason: reason}
		copy(b.Outpoint.Hash[:], txid)
		b.Outpoint.Index = vout
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)

func parsePubKey(b []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(b)
}

func bigIntFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
