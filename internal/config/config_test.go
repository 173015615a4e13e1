package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, []string{"TREND", "RANGE", "BREAKOUT"}, cfg.Regime.Priority)
	assert.Equal(t, 0.5, cfg.Reconcile.QuantityToleranceSteps)
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mode: live
symbols: [" btcusdt ", ethusdt]
risk:
  risk_pct: 0.01
regime:
  confirm_passes: 2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 0.01, cfg.Risk.RiskPct)
	assert.Equal(t, 2, cfg.Regime.ConfirmPasses)
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.Equal(t, "4h", cfg.Timeframes.Trend)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"symbols":["SOLUSDT"],"exchange":{"leverage":3,"margin_type":"CROSSED"}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, 3, cfg.Exchange.Leverage)
	assert.Equal(t, "CROSSED", cfg.Exchange.MarginType)
	assert.Equal(t, "paper", cfg.Mode)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown mode":       "mode: demo\n",
		"empty symbols":      "symbols: []\n",
		"risk too large":     "risk:\n  risk_pct: 0.2\n",
		"duplicate priority": "regime:\n  priority: [TREND, TREND]\n",
		"unknown regime":     "regime:\n  priority: [CHOP]\n",
		"bad margin type":    "exchange:\n  margin_type: PORTFOLIO\n",
		"zero confirm":       "regime:\n  confirm_passes: 0\n",
		"hedge mode":         "exchange:\n  hedge_mode: true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestHedgeModeRejected(t *testing.T) {
	cfg := Default()
	cfg.Exchange.HedgeMode = true
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one-way")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "config.json", "{not json"))
	assert.Error(t, err)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 0.05, cfg.Regime.RangeBandWidth)
	assert.Equal(t, "data/trades.db", cfg.Storage.TradeDB)
}
