package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vortexd/coordinator/internal/bitcoind"
	"github.com/vortexd/coordinator/internal/coordinator"
	"github.com/vortexd/coordinator/internal/store"
)

// APIHandler serves the coordinator's operational surface: round
// status, the ban list, and a websocket event stream. It never accepts
// round-protocol traffic — that is connmgr's job over its own framed
// socket.
type APIHandler struct {
	coord     *coordinator.Coordinator
	dbStore   store.Store
	btcClient *bitcoind.Client
	wsHub     *Hub
}

func SetupRouter(coord *coordinator.Coordinator, dbStore store.Store, btcClient *bitcoind.Client, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	r.Use(requestIDMiddleware())

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		coord:     coord,
		dbStore:   dbStore,
		btcClient: btcClient,
		wsHub:     wsHub,
	}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.GET("/round", handler.handleRoundSnapshot)
		auth.GET("/bans", handler.handleBanList)
	}

	return r
}

// requestIDMiddleware stamps every admin API request with an
// ops-facing correlation ID, echoed back in the response header and
// available to handlers for logging, so an operator chasing a bad
// request in the logs has something to grep for across hops.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.Request.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("requestID", reqID)
		c.Writer.Header().Set("X-Request-ID", reqID)
		c.Next()
	}
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	rpcConnected := h.btcClient != nil

	c.JSON(http.StatusOK, gin.H{
		"status":       "operational",
		"service":      "vortexd",
		"rpcConnected": rpcConnected,
	})
}

// handleRoundSnapshot reports the in-memory state of the currently
// active round, for operators and dashboards — never used by peers,
// who get round state exclusively over the framed wire protocol.
func (h *APIHandler) handleRoundSnapshot(c *gin.Context) {
	r, ok := h.coord.Snapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active round"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roundId":    r.ID.String(),
		"status":     r.Status.String(),
		"roundTime":  r.RoundTime,
		"feeRate":    r.FeeRate,
		"mixAmount":  int64(r.MixAmount),
		"mixFee":     int64(r.MixFee),
		"inputFee":   int64(r.InputFee),
		"outputFee":  int64(r.OutputFee),
		"createdAt":  r.CreatedAt,
	})
}

// handleBanList returns every currently active UTXO ban.
func (h *APIHandler) handleBanList(c *gin.Context) {
	bans, err := h.dbStore.ListBans(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bans", "details": err.Error()})
		return
	}

	out := make([]gin.H, len(bans))
	for i, b := range bans {
		out[i] = gin.H{
			"outpoint":    b.Outpoint.String(),
			"bannedUntil": b.BannedUntil,
			"reason":      b.Reason,
		}
	}
	c.JSON(http.StatusOK, gin.H{"bans": out})
}

// BroadcastRoundEvent pushes a round-lifecycle event to every connected
// websocket subscriber. Wired as the callback the coordinator invokes
// on every phase transition.
func BroadcastRoundEvent(wsHub *Hub, eventType string, payload gin.H) {
	msg := gin.H{"type": eventType, "data": payload}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	wsHub.Broadcast(body)
}
