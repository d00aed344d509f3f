package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults verifies that Load() boots lite mode with safe defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "ACL_TOKEN_ID", "MINT_FEE",
		"EXTERNAL_PAYMENT_NETWORK", "LEDGER_TIMEOUT", "BATCH_WORKERS", "OTEL_ENABLED",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "0.0.7560139", cfg.ACLTokenID)
	assert.Equal(t, int64(100000000), cfg.MintFee)
	assert.Equal(t, "xrpl", cfg.ExternalPaymentNetwork)
	assert.Equal(t, 15*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 4, cfg.BatchWorkers)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("MINT_FEE", "0")
	t.Setenv("LEDGER_TIMEOUT", "2s")
	t.Setenv("BATCH_ITEM_CONCURRENCY", "16")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("SWEEP_INTERVAL", "30s")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, int64(0), cfg.MintFee)
	assert.Equal(t, 2*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 16, cfg.BatchItemConcurrency)
	assert.True(t, cfg.OTelEnabled)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	t.Setenv("MINT_FEE", "lots")
	t.Setenv("INTENT_TTL", "-5m")

	cfg := config.Load()

	assert.Equal(t, int64(100000000), cfg.MintFee)
	assert.Equal(t, time.Hour, cfg.IntentTTL)
}

func TestLoadChainProfile_MissingUsesDefault(t *testing.T) {
	p, err := config.LoadChainProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "hedera", p.Primary.Name)
	require.Len(t, p.Secondaries, 2)
	assert.Equal(t, "algorand", p.Secondaries[1].Name)
}

func TestLoadChainProfile_Parses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	doc := `
primary: {name: hedera, kind: hedera, timeout: 5s}
secondaries:
  - {name: algorand, kind: algorand, enabled: false}
institutions:
  - id: uni
    settlement_account: 0.0.42
    assets: ["0.0.77"]
distribution:
  - {name: reserve, network: hedera, account: 0.0.1, basis_points: 10000}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := config.LoadChainProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, p.Primary.Timeout)
	assert.True(t, p.Primary.IsEnabled())
	assert.False(t, p.Secondaries[0].IsEnabled())
	assert.Equal(t, []string{"0.0.77"}, p.Institutions[0].Assets)
}

func TestLoadChainProfile_RejectsUnknownAllocationNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	doc := `
primary: {name: hedera}
distribution:
  - {name: audit, network: algorand, account: X, basis_points: 500}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := config.LoadChainProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown network")
}
