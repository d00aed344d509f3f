package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	JWTIssuer     string

	// Per-client API rate limit; zero disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// Settlement
	TreasuryAccountID          string
	ACLTokenID                 string
	SettlementAssetID          string
	MintFee                    int64
	ExternalPaymentNetwork     string
	ExternalPaymentDestination string
	ExternalPaymentAmount      int64

	// Timeouts and lifetimes
	LedgerTimeout    time.Duration
	StorageTimeout   time.Duration
	IntentTTL        time.Duration
	ExternalProofTTL time.Duration
	JobRetention     time.Duration

	BatchWorkers         int
	BatchItemConcurrency int

	// Maintenance schedule
	ExpireInterval time.Duration
	SweepInterval  time.Duration

	OTelEnabled  bool
	OTelEndpoint string

	// ChainProfile is the path of the YAML network/institution profile.
	ChainProfile string
}

// LiteMode reports whether the server runs without an external database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          envOr("PORT", "8080"),
		LogLevel:      strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       envOr("DATA_DIR", "data"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     envOr("JWT_ISSUER", "academicchain"),

		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: int(envInt64("RATE_LIMIT_BURST", 40)),

		TreasuryAccountID:          envOr("TREASURY_ACCOUNT_ID", "0.0.1001"),
		ACLTokenID:                 envOr("ACL_TOKEN_ID", "0.0.7560139"),
		SettlementAssetID:          os.Getenv("SETTLEMENT_ASSET_ID"),
		MintFee:                    envInt64("MINT_FEE", 100000000),
		ExternalPaymentNetwork:     envOr("EXTERNAL_PAYMENT_NETWORK", "xrpl"),
		ExternalPaymentDestination: os.Getenv("EXTERNAL_PAYMENT_DESTINATION"),
		ExternalPaymentAmount:      envInt64("EXTERNAL_PAYMENT_AMOUNT", 1000000),

		LedgerTimeout:    envDuration("LEDGER_TIMEOUT", 15*time.Second),
		StorageTimeout:   envDuration("STORAGE_TIMEOUT", 30*time.Second),
		IntentTTL:        envDuration("INTENT_TTL", time.Hour),
		ExternalProofTTL: envDuration("EXTERNAL_PROOF_TTL", 72*time.Hour),
		JobRetention:     envDuration("JOB_RETENTION", 24*time.Hour),

		BatchWorkers:         int(envInt64("BATCH_WORKERS", 4)),
		BatchItemConcurrency: int(envInt64("BATCH_ITEM_CONCURRENCY", 4)),

		ExpireInterval: envDuration("EXPIRE_INTERVAL", time.Minute),
		SweepInterval:  envDuration("SWEEP_INTERVAL", 5*time.Minute),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		ChainProfile: envOr("CHAIN_PROFILE", "config/networks.yaml"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt64 falls back to def when the variable is unset, malformed or negative.
func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
