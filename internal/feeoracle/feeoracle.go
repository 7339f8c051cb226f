// Package feeoracle supplies a sat/vB fee rate to the round state
// machine, preferring the coordinator's own Bitcoin node and falling
// back to an HTTP provider, with a fixed-rate regtest mode for local
// development.
package feeoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// EstimateSmartFee matches the shape of the bitcoind RPC the coordinator
// actually calls for fee estimation — kept minimal so feeoracle doesn't
// need to import the full bitcoind client package.
type EstimateSmartFee func(confTarget int64) (satPerVByte int64, err error)

// Oracle supplies a fee rate with a fallback HTTP provider and a
// regtest short-circuit.
type Oracle struct {
	estimate   EstimateSmartFee
	fallback   string // fallback provider URL, e.g. mempool.space-style API
	httpClient *http.Client
	regtest    bool
	regtestFee int64
	confTarget int64
}

// New builds an Oracle backed by the node's EstimateSmartFee RPC.
func New(estimate EstimateSmartFee, fallbackURL string, confTarget int64) *Oracle {
	return &Oracle{
		estimate:   estimate,
		fallback:   fallbackURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		confTarget: confTarget,
	}
}

// NewRegtest builds an Oracle that always returns a fixed rate, for
// local development against a regtest node where fee estimation is
// unreliable (too few blocks for the smoothing window).
func NewRegtest(fixedSatPerVByte int64) *Oracle {
	return &Oracle{regtest: true, regtestFee: fixedSatPerVByte}
}

// FeeRate returns the current fee rate in sat/vB.
func (o *Oracle) FeeRate(ctx context.Context) (int64, error) {
	if o.regtest {
		return o.regtestFee, nil
	}

	if o.estimate != nil {
		rate, err := o.estimate(o.confTarget)
		if err == nil && rate > 0 {
			return rate, nil
		}
		log.Printf("feeoracle: node fee estimate unavailable (%v), falling back", err)
	}

	if o.fallback == "" {
		return 0, fmt.Errorf("feeoracle: no fee estimate available and no fallback configured")
	}
	return o.fetchFallback(ctx)
}

type fallbackResponse struct {
	FastestFee int64 `json:"fastestFee"`
}

func (o *Oracle) fetchFallback(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.fallback, nil)
	if err != nil {
		return 0, fmt.Errorf("feeoracle: build fallback request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feeoracle: fallback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feeoracle: fallback returned status %d", resp.StatusCode)
	}

	var body fallbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("feeoracle: decode fallback response: %w", err)
	}
	if body.FastestFee <= 0 {
		return 0, fmt.Errorf("feeoracle: fallback returned non-positive fee rate")
	}
	return body.FastestFee, nil
}
