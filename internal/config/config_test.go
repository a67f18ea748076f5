package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  env: prod\n"))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "sim", cfg.Venue.Primary)
	assert.Equal(t, "1m", cfg.Trading.EvaluateInterval)
	assert.True(t, cfg.StopLoss.Enabled)
	assert.True(t, cfg.Reconcile.OnStartup)
}

func TestLoadFullConfig(t *testing.T) {
	body := `
app:
  log_level: debug
  http_addr: ":8080"
store:
  backend: memory
venue:
  primary: binance
  binance:
    api_key: k
    api_secret: s
    symbols: [BTCUSDT, ETHUSDT]
trading:
  dry_run: true
  evaluate_interval: 5m
  order_quantity: 0.5
risk:
  limits:
    max_daily_loss: 500
    max_position_size: 10000
    max_open_positions: 5
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Venue.Primary)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Venue.Binance.Symbols)
	assert.True(t, cfg.Trading.DryRun)
	assert.Equal(t, 500.0, cfg.Risk.Limits.MaxDailyLoss)
	assert.Equal(t, 5, cfg.Risk.Limits.MaxOpenPositions)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "store:\n  backend: redis\n",
		"binance no creds":  "venue:\n  primary: binance\n",
		"bad interval":      "trading:\n  evaluate_interval: soon\n",
		"sma fast too slow": "trading:\n  sma_fast: 20\n  sma_slow: 10\n",
		"unknown source":    "market:\n  source: carrier-pigeon\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}
