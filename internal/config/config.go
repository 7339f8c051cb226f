// Package config loads the coordinator's daemon configuration from
// environment variables, the same requireEnv/getEnvOrDefault pattern
// the coordinator's ambient stack uses everywhere else.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds every option named in the coordinator's external
// interface section: script-type policy, phase thresholds, amounts,
// timers, and ban durations.
type Config struct {
	Name string // determines dbPath subdirectory and Tor key filename

	ListenAddr string
	DatabaseURL string

	BitcoinRPCHost string
	BitcoinRPCUser string
	BitcoinRPCPass string

	FeeFallbackURL string
	Regtest        bool
	RegtestFeeRate int64

	MinRemixPeers int
	MinNewPeers   int
	MaxPeers      int

	RoundAmount    int64 // satoshis
	CoordinatorFee int64 // satoshis, per peer

	// CoordinatorFeePkScript is where the final transaction pays the
	// coordinator's fee. Empty disables the fee output entirely.
	CoordinatorFeePkScript []byte

	RoundInterval time.Duration

	InputRegistrationTime  time.Duration
	OutputRegistrationTime time.Duration
	SigningTime            time.Duration

	BadInputsBanDuration        time.Duration
	InvalidSignatureBanDuration time.Duration

	AdminListenAddr string
	AdminAuthToken  string
}

// MinPeers is the minimum number of Alices required to advance past
// RegisterAlices.
func (c Config) MinPeers() int {
	return c.MinRemixPeers + c.MinNewPeers
}

// Load reads every required and optional environment variable,
// failing loudly on missing required security-sensitive values.
func Load() (Config, error) {
	cfg := Config{
		Name:        getEnvOrDefault("COORDINATOR_NAME", "vortex"),
		ListenAddr:  getEnvOrDefault("LISTEN_ADDR", ":9735"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		BitcoinRPCHost: getEnvOrDefault("BTC_RPC_HOST", "localhost:8332"),
		FeeFallbackURL: os.Getenv("FEE_FALLBACK_URL"),

		AdminListenAddr: getEnvOrDefault("ADMIN_LISTEN_ADDR", ":5339"),
		AdminAuthToken:  os.Getenv("API_AUTH_TOKEN"),
	}

	if os.Getenv("REGTEST") == "true" {
		cfg.Regtest = true
		cfg.RegtestFeeRate = getEnvInt64OrDefault("REGTEST_FEE_RATE", 1)
	} else {
		var err error
		cfg.BitcoinRPCUser, err = requireEnv("BTC_RPC_USER")
		if err != nil {
			return Config{}, err
		}
		cfg.BitcoinRPCPass, err = requireEnv("BTC_RPC_PASS")
		if err != nil {
			return Config{}, err
		}
	}

	cfg.MinRemixPeers = int(getEnvInt64OrDefault("MIN_REMIX_PEERS", 0))
	cfg.MinNewPeers = int(getEnvInt64OrDefault("MIN_NEW_PEERS", 2))
	cfg.MaxPeers = int(getEnvInt64OrDefault("MAX_PEERS", 20))

	cfg.RoundAmount = getEnvInt64OrDefault("ROUND_AMOUNT_SATS", 100_000)
	cfg.CoordinatorFee = getEnvInt64OrDefault("COORDINATOR_FEE_SATS", 500)

	feeSPK, err := decodeHexOrEmpty("COORDINATOR_FEE_PKSCRIPT_HEX")
	if err != nil {
		return Config{}, err
	}
	cfg.CoordinatorFeePkScript = feeSPK

	cfg.RoundInterval = getEnvDurationOrDefault("ROUND_INTERVAL", 10*time.Minute)
	cfg.InputRegistrationTime = getEnvDurationOrDefault("INPUT_REGISTRATION_TIME", 2*time.Minute)
	cfg.OutputRegistrationTime = getEnvDurationOrDefault("OUTPUT_REGISTRATION_TIME", time.Minute)
	cfg.SigningTime = getEnvDurationOrDefault("SIGNING_TIME", time.Minute)

	cfg.BadInputsBanDuration = getEnvDurationOrDefault("BAD_INPUTS_BAN_DURATION", time.Hour)
	cfg.InvalidSignatureBanDuration = getEnvDurationOrDefault("INVALID_SIGNATURE_BAN_DURATION", time.Hour)

	if cfg.MaxPeers < cfg.MinPeers() {
		return Config{}, fmt.Errorf("config: maxPeers (%d) must be >= minPeers (%d)", cfg.MaxPeers, cfg.MinPeers())
	}

	return cfg, nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return val, nil
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64OrDefault(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		log.Printf("config: invalid integer for %s=%q, using default %d", key, val, fallback)
		return fallback
	}
	return n
}

func decodeHexOrEmpty(key string) ([]byte, error) {
	val := os.Getenv(key)
	if val == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("config: invalid hex for %s: %w", key, err)
	}
	return b, nil
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Printf("config: invalid duration for %s=%q, using default %s", key, val, fallback)
		return fallback
	}
	return d
}
