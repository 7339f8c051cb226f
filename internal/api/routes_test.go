package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	corewire "github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"

	"github.com/vortexd/coordinator/internal/config"
	"github.com/vortexd/coordinator/internal/coordinator"
	"github.com/vortexd/coordinator/internal/keymgr"
	"github.com/vortexd/coordinator/internal/store/memory"
	"github.com/vortexd/coordinator/pkg/models"
)

type stubBroadcaster struct{}

func (stubBroadcaster) SendRawTransaction(tx *corewire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	return &hash, nil
}

func testRouter(t *testing.T) (*gin.Engine, *coordinator.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keys, err := keymgr.New([]byte("api test seed, definitely not for production"), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("keymgr.New: %v", err)
	}
	st := memory.New()
	cfg := config.Config{MinNewPeers: 1, MaxPeers: 5, RoundInterval: time.Hour}
	coord := coordinator.New(cfg, st, keys, stubBroadcaster{})
	wsHub := NewHub()
	go wsHub.Run()

	r := SetupRouter(coord, st, nil, wsHub)
	return r, coord
}

func TestHandleHealth(t *testing.T) {
	r, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "operational" {
		t.Errorf("status field = %v, want operational", body["status"])
	}
}

func TestHandleRoundSnapshotNoActiveRound(t *testing.T) {
	r, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/round", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with no active round", w.Code)
	}
}

func TestHandleRoundSnapshotWithActiveRound(t *testing.T) {
	r, coord := testRouter(t)

	if err := coord.StartRound(context.Background(), models.RoundID{0x05}, 8); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/round", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "pending" {
		t.Errorf("status field = %v, want pending", body["status"])
	}
}

func TestHandleBanListEmpty(t *testing.T) {
	r, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bans", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
