package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir moves into dir so no stray config.yaml or .env is picked up.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 0.5, cfg.Kelly.Fraction)
	assert.Equal(t, 0.25, cfg.Kelly.MaxPositionPct)
	assert.Equal(t, 5.0, cfg.Daily.MaxLossPct)
	assert.Equal(t, time.Hour, cfg.Correlation.CacheTTL)
	assert.Equal(t, 35.0, cfg.Regime.CrisisVIX)

	levels, err := cfg.DrawdownLevels()
	require.NoError(t, err)
	assert.Equal(t, breaker.DefaultDrawdownLevels(), levels)

	assert.Nil(t, cfg.DailyLossConfig().MaxDailyLossUSD)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
environment: Production
log_format: json
server:
  port: 9090
daily:
  max_loss_pct: 3
  max_loss_usd: 250
  reset_hour_utc: 8
breaker:
  levels:
    - threshold_pct: 4
      state: caution
      position_multiplier: 0.6
      cooldown_minutes: 30
    - threshold_pct: 12
      state: HALTED
      position_multiplier: 0
      cooldown_minutes: 180
correlation:
  clusters:
    majors: [BTC/USDT, ETH/USDT]
`)
	t.Setenv("RISK_KELLY_FRACTION", "0.25")
	t.Setenv("RISK_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 0.25, cfg.KellySizerConfig().KellyFraction)

	daily := cfg.DailyLossConfig()
	assert.Equal(t, 3.0, daily.MaxDailyLossPct)
	assert.Equal(t, 8, daily.ResetHourUTC)
	require.NotNil(t, daily.MaxDailyLossUSD)
	assert.Equal(t, "250", daily.MaxDailyLossUSD.String())

	cb := cfg.CircuitBreakerConfig()
	require.Len(t, cb.Levels, 2)
	assert.Equal(t, breaker.StateCaution, cb.Levels[0].State)
	assert.Equal(t, breaker.StateHalted, cb.Levels[1].State)
	assert.Equal(t, 180, cb.Levels[1].CooldownMinutes)

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.TrackerConfig().Clusters["majors"])
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad log level", "log_level: loud\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"kelly fraction", "kelly:\n  fraction: 1.5\n"},
		{"daily percent", "daily:\n  max_loss_pct: 0\n"},
		{"reset hour", "daily:\n  reset_hour_utc: 24\n"},
		{"unknown state", "breaker:\n  levels:\n    - threshold_pct: 5\n      state: panic\n"},
		{"normal tier", "breaker:\n  levels:\n    - threshold_pct: 5\n      state: normal\n"},
		{"vix order", "regime:\n  high_vol_vix: 40\n"},
		{"correlation cap", "correlation:\n  max_cluster_exposure_pct: 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConverters(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.TrackerConfig().WindowSize)
	assert.Equal(t, 20, cfg.DetectorConfig().PriceLookback)
	assert.Equal(t, 2, cfg.EventBusConfig().NumWorkers)
	assert.Equal(t, 0.5, cfg.CircuitBreakerConfig().ResetRecoveryRatio)
}
