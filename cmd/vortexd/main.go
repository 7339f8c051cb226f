package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"

	"github.com/vortexd/coordinator/internal/api"
	"github.com/vortexd/coordinator/internal/bitcoind"
	"github.com/vortexd/coordinator/internal/config"
	"github.com/vortexd/coordinator/internal/connmgr"
	"github.com/vortexd/coordinator/internal/coordinator"
	"github.com/vortexd/coordinator/internal/feeoracle"
	"github.com/vortexd/coordinator/internal/keymgr"
	"github.com/vortexd/coordinator/internal/store"
	"github.com/vortexd/coordinator/internal/store/postgres"
	"github.com/vortexd/coordinator/pkg/models"
)

func main() {
	log.Println("Starting vortexd coordinator...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := postgres.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("FATAL: failed to connect to PostgreSQL: %v", err)
		}
		schemaPath := getEnvOrDefault("SCHEMA_PATH", "internal/store/postgres/schema.sql")
		if err := pgStore.InitSchema(context.Background(), schemaPath); err != nil {
			log.Fatalf("FATAL: schema init failed: %v", err)
		}
		defer pgStore.Close()
		st = pgStore
	} else {
		log.Fatalf("FATAL: DATABASE_URL is not set")
	}

	seed := requireSeed()
	net := &chaincfg.MainNetParams
	if cfg.Regtest {
		net = &chaincfg.RegressionNetParams
	}
	keys, err := keymgr.New(seed, net)
	if err != nil {
		log.Fatalf("FATAL: failed to derive master key: %v", err)
	}

	var btcClient *bitcoind.Client
	if !cfg.Regtest {
		btcClient, err = bitcoind.NewClient(bitcoind.Config{
			Host: cfg.BitcoinRPCHost,
			User: cfg.BitcoinRPCUser,
			Pass: cfg.BitcoinRPCPass,
		})
		if err != nil {
			log.Fatalf("FATAL: failed to connect to Bitcoin RPC: %v", err)
		}
		defer btcClient.Shutdown()
	}

	coord := coordinator.New(cfg, st, keys, broadcaster(btcClient, cfg))

	wsHub := api.NewHub()
	go wsHub.Run()
	coord.OnRoundEvent(func(eventType string, payload map[string]interface{}) {
		gh := make(gin.H, len(payload))
		for k, v := range payload {
			gh[k] = v
		}
		api.BroadcastRoundEvent(wsHub, eventType, gh)
	})

	var oracle *feeoracle.Oracle
	if cfg.Regtest {
		oracle = feeoracle.NewRegtest(cfg.RegtestFeeRate)
	} else {
		oracle = feeoracle.New(btcClient.EstimateSmartFee, cfg.FeeFallbackURL, 6)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feeRate, err := oracle.FeeRate(ctx)
	if err != nil {
		log.Fatalf("FATAL: failed to obtain a fee rate: %v", err)
	}

	firstRound := newRoundID()
	if err := coord.StartRound(ctx, firstRound, feeRate); err != nil {
		log.Fatalf("FATAL: failed to start first round: %v", err)
	}

	connManager, err := connmgr.Listen(connmgr.Config{ListenAddr: cfg.ListenAddr}, keys)
	if err != nil {
		log.Fatalf("FATAL: failed to start peer listener: %v", err)
	}
	go connManager.Serve(ctx, coord)
	log.Printf("vortexd: peer listener on %s", cfg.ListenAddr)

	router := api.SetupRouter(coord, st, btcClient, wsHub)

	go func() {
		log.Printf("vortexd: admin API on %s", cfg.AdminListenAddr)
		if err := router.Run(cfg.AdminListenAddr); err != nil {
			log.Printf("admin API server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("vortexd: shutting down, draining active round...")
	connManager.Close()
	coord.Shutdown(context.Background())
	cancel()
	time.Sleep(time.Second) // let in-flight handlers observe ctx cancellation
	log.Println("vortexd: shutdown complete")
}

// broadcaster returns the live Bitcoin RPC client as the aggregator's
// Broadcaster when connected to a real node; in regtest mode without an
// RPC connection, broadcasting is a caller error the aggregator will
// surface rather than silently dropping the transaction.
func broadcaster(btcClient *bitcoind.Client, cfg config.Config) *bitcoind.Client {
	return btcClient
}

// newRoundID generates a fresh 32-byte secret and derives the round ID
// from its double-SHA256 digest, so the secret itself is never reused
// as an identifier.
func newRoundID() models.RoundID {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		log.Fatalf("FATAL: failed to generate round secret: %v", err)
	}
	return models.RoundID(chainhash.DoubleHashH(secret[:]))
}

func requireSeed() []byte {
	hexSeed := os.Getenv("COORDINATOR_SEED_HEX")
	if hexSeed == "" {
		log.Fatalf("FATAL: COORDINATOR_SEED_HEX is not set; generate 32+ random bytes and hex-encode them")
	}
	seed, err := decodeHexSeed(hexSeed)
	if err != nil {
		log.Fatalf("FATAL: COORDINATOR_SEED_HEX is invalid: %v", err)
	}
	return seed
}

func decodeHexSeed(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
