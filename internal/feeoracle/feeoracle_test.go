package feeoracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegtestAlwaysFixed(t *testing.T) {
	o := NewRegtest(1)
	rate, err := o.FeeRate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate != 1 {
		t.Fatalf("expected fixed regtest rate 1, got %d", rate)
	}
}

func TestFallbackUsedWhenNodeEstimateFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fastestFee": 42}`))
	}))
	defer srv.Close()

	failing := func(confTarget int64) (int64, error) {
		return 0, errors.New("node unreachable")
	}

	o := New(failing, srv.URL, 2)
	rate, err := o.FeeRate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate != 42 {
		t.Fatalf("expected fallback rate 42, got %d", rate)
	}
}

func TestNodeEstimatePreferredOverFallback(t *testing.T) {
	ok := func(confTarget int64) (int64, error) {
		return 10, nil
	}
	o := New(ok, "http://unused.invalid", 2)
	rate, err := o.FeeRate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate != 10 {
		t.Fatalf("expected node rate 10, got %d", rate)
	}
}
