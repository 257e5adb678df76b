package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Watchlist)
	assert.Equal(t, 10_000, cfg.Bus.StreamMaxLen)
	assert.Equal(t, 1, cfg.Arbitrage.ScanIntervalSeconds)
	assert.Equal(t, 0.001, cfg.Arbitrage.MinSpreadPct)
	assert.Equal(t, 8, cfg.Arbitrage.MaxConcurrentExecutions)
	assert.Equal(t, 30, cfg.Orders.OrderTimeoutSeconds)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 200, cfg.Retry.BaseDelayMs)
	assert.Equal(t, 30, cfg.Aggregator.CacheTTLSeconds)
	assert.Equal(t, 0.02, cfg.Risk.MaxPositionRisk)
	assert.Equal(t, 10, cfg.Risk.MaxOpenPositions)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
watchlist: ["SOL/USDT"]
bus:
  nats_url: nats://localhost:4222
venues:
  enabled: ["kraken", "okx"]
  credentials:
    kraken:
      key: k
      secret: s
    okx:
      key: k2
      secret: s2
      passphrase: p2
arbitrage:
  min_spread_pct: 0.25
risk:
  max_daily_trades: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL/USDT"}, cfg.Watchlist)
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.NATSURL)
	assert.Equal(t, []string{"kraken", "okx"}, cfg.Venues.Enabled)
	assert.Equal(t, "p2", cfg.Venues.Credentials["okx"].Passphrase)
	assert.Equal(t, 0.25, cfg.Arbitrage.MinSpreadPct)
	assert.Equal(t, 7, cfg.Risk.MaxDailyTrades)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1.0, cfg.Arbitrage.MinProfit)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("XARB_ARBITRAGE_MIN_SPREAD_PCT", "0.42")
	t.Setenv("XARB_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.42, cfg.Arbitrage.MinSpreadPct)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watchlist: []\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchlist")
}

func TestMissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}
