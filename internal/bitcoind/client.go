// Package bitcoind wraps the subset of Bitcoin Core's RPC surface the
// coordinator actually uses: getrawtransaction, sendrawtransaction, and
// fee estimation. Modeled directly on the house rpcclient.Client dial
// and logging conventions.
package bitcoind

import (
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

type Config struct {
	Host string
	User string
	Pass string
}

type Client struct {
	RPC    *rpcclient.Client
	Config Config
}

func NewClient(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // assumes a local node without TLS
	}

	log.Printf("Connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Printf("Connected to Bitcoin Node. Current Block Height: %d", blockCount)

	return &Client{RPC: client, Config: cfg}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// GetPrevOutput fetches the previous output referenced by an
// outpoint, for input-admission verification against the submitted
// amount and scriptPubKey.
func (c *Client) GetPrevOutput(txid *chainhash.Hash, vout uint32) (value int64, pkScript []byte, err error) {
	tx, err := c.RPC.GetRawTransactionVerbose(txid)
	if err != nil {
		return 0, nil, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}
	if int(vout) >= len(tx.Vout) {
		return 0, nil, fmt.Errorf("getrawtransaction %s: vout %d out of range", txid, vout)
	}
	out := tx.Vout[vout]

	amt, err := btcutil.NewAmount(out.Value)
	if err != nil {
		return 0, nil, fmt.Errorf("getrawtransaction %s: bad amount: %w", txid, err)
	}

	script, err := parseHex(out.ScriptPubKey.Hex)
	if err != nil {
		return 0, nil, fmt.Errorf("getrawtransaction %s: bad scriptPubKey: %w", txid, err)
	}
	return int64(amt), script, nil
}

// SendRawTransaction broadcasts the final transaction.
func (c *Client) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	if c == nil {
		return nil, fmt.Errorf("sendrawtransaction: no Bitcoin RPC connection")
	}
	hash, err := c.RPC.SendRawTransaction(tx, false)
	if err != nil {
		return nil, fmt.Errorf("sendrawtransaction: %w", err)
	}
	return hash, nil
}

// EstimateSmartFee returns a fee rate in sat/vB for the given
// confirmation target, satisfying the feeoracle.EstimateSmartFee shape.
func (c *Client) EstimateSmartFee(confTarget int64) (int64, error) {
	mode := btcjson.EstimateModeConservative
	result, err := c.RPC.EstimateSmartFee(int64(confTarget), &mode)
	if err != nil {
		return 0, fmt.Errorf("estimatesmartfee: %w", err)
	}
	if result.FeeRate == nil {
		return 0, fmt.Errorf("estimatesmartfee: no estimate available (errors: %v)", result.Errors)
	}
	// FeeRate is BTC/kvB; convert to sat/vB.
	amt, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return 0, fmt.Errorf("estimatesmartfee: bad fee rate: %w", err)
	}
	return int64(amt) / 1000, nil
}

func parseHex(s string) ([]byte, error) {
	return hexDecode(s)
}
