// Package config loads the risk engine configuration from YAML, .env files
// and RISK_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/correlation"
	"github.com/atlas-desktop/risk-engine/internal/events"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/atlas-desktop/risk-engine/internal/sizing"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g.
// RISK_DAILY_MAX_LOSS_PCT overrides daily.max_loss_pct.
const EnvPrefix = "RISK"

type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
	Server      ServerConfig      `mapstructure:"server"`
	Events      EventsConfig      `mapstructure:"events"`
	Kelly       KellyConfig       `mapstructure:"kelly"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Daily       DailyConfig       `mapstructure:"daily"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Regime      RegimeConfig      `mapstructure:"regime"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
}

type EventsConfig struct {
	Workers    int `mapstructure:"workers"`
	BufferSize int `mapstructure:"buffer_size"`
}

type KellyConfig struct {
	Fraction                    float64 `mapstructure:"fraction"`
	MaxPositionPct              float64 `mapstructure:"max_position_pct"`
	MinEdge                     float64 `mapstructure:"min_edge"`
	MinConfidence               float64 `mapstructure:"min_confidence"`
	LookbackTrades              int     `mapstructure:"lookback_trades"`
	HistoryFullConfidenceTrades int     `mapstructure:"history_full_confidence_trades"`
}

type LevelConfig struct {
	ThresholdPct       float64 `mapstructure:"threshold_pct"`
	State              string  `mapstructure:"state"`
	PositionMultiplier float64 `mapstructure:"position_multiplier"`
	CooldownMinutes    int     `mapstructure:"cooldown_minutes"`
}

type BreakerConfig struct {
	Levels             []LevelConfig `mapstructure:"levels"`
	ResetRecoveryRatio float64       `mapstructure:"reset_recovery_ratio"`
	HistorySize        int           `mapstructure:"history_size"`
}

type DailyConfig struct {
	MaxLossPct   float64 `mapstructure:"max_loss_pct"`
	MaxLossUSD   float64 `mapstructure:"max_loss_usd"` // 0 disables the USD limit
	ResetHourUTC int     `mapstructure:"reset_hour_utc"`
}

type CorrelationConfig struct {
	WindowSize               int                 `mapstructure:"window_size"`
	Lookback                 int                 `mapstructure:"lookback"`
	MinObservations          int                 `mapstructure:"min_observations"`
	MinAlignedReturns        int                 `mapstructure:"min_aligned_returns"`
	CacheTTL                 time.Duration       `mapstructure:"cache_ttl"`
	HighCorrThreshold        float64             `mapstructure:"high_corr_threshold"`
	MaxClusterExposurePct    float64             `mapstructure:"max_cluster_exposure_pct"`
	MaxCorrelatedExposurePct float64             `mapstructure:"max_correlated_exposure_pct"`
	Clusters                 map[string][]string `mapstructure:"clusters"`
}

type RegimeConfig struct {
	CrisisVIX      float64 `mapstructure:"crisis_vix"`
	HighVolVIX     float64 `mapstructure:"high_vol_vix"`
	LowVolVIX      float64 `mapstructure:"low_vol_vix"`
	HighVolATRPct  float64 `mapstructure:"high_vol_atr_pct"`
	LowVolATRPct   float64 `mapstructure:"low_vol_atr_pct"`
	TrendADX       float64 `mapstructure:"trend_adx"`
	RangeADX       float64 `mapstructure:"range_adx"`
	TrendDeviation float64 `mapstructure:"trend_deviation"`
	PriceLookback  int     `mapstructure:"price_lookback"`
	HistorySize    int     `mapstructure:"history_size"`
}

// Load reads configuration. path may name a YAML file; when empty,
// config.yaml is searched in ./configs and the working directory. A missing
// file is not an error. Variables from .env are loaded before the
// environment is consulted.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	// Server
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.snapshot_interval", "10s")

	// Event bus
	v.SetDefault("events.workers", 2)
	v.SetDefault("events.buffer_size", 1024)

	// Kelly sizing
	kelly := sizing.DefaultKellyConfig()
	v.SetDefault("kelly.fraction", kelly.KellyFraction)
	v.SetDefault("kelly.max_position_pct", kelly.MaxPositionPct)
	v.SetDefault("kelly.min_edge", kelly.MinEdge)
	v.SetDefault("kelly.min_confidence", kelly.MinConfidence)
	v.SetDefault("kelly.lookback_trades", kelly.LookbackTrades)
	v.SetDefault("kelly.history_full_confidence_trades", kelly.HistoryFullConfidenceTrades)

	// Drawdown breaker
	levels := make([]map[string]any, 0, 3)
	for _, level := range breaker.DefaultDrawdownLevels() {
		levels = append(levels, map[string]any{
			"threshold_pct":       level.ThresholdPct,
			"state":               level.State.String(),
			"position_multiplier": level.PositionMultiplier,
			"cooldown_minutes":    level.CooldownMinutes,
		})
	}
	v.SetDefault("breaker.levels", levels)
	v.SetDefault("breaker.reset_recovery_ratio", 0.5)
	v.SetDefault("breaker.history_size", 200)

	// Daily loss breaker
	v.SetDefault("daily.max_loss_pct", 5.0)
	v.SetDefault("daily.max_loss_usd", 0.0)
	v.SetDefault("daily.reset_hour_utc", 0)

	// Correlation tracker
	corr := correlation.DefaultConfig()
	v.SetDefault("correlation.window_size", corr.WindowSize)
	v.SetDefault("correlation.lookback", corr.Lookback)
	v.SetDefault("correlation.min_observations", corr.MinObservations)
	v.SetDefault("correlation.min_aligned_returns", corr.MinAlignedReturns)
	v.SetDefault("correlation.cache_ttl", corr.CacheTTL.String())
	v.SetDefault("correlation.high_corr_threshold", corr.HighCorrThreshold)
	v.SetDefault("correlation.max_cluster_exposure_pct", corr.MaxClusterExposurePct)
	v.SetDefault("correlation.max_correlated_exposure_pct", corr.MaxCorrelatedExposurePct)
	v.SetDefault("correlation.clusters", map[string][]string{})

	// Regime detector
	det := regime.DefaultDetectorConfig()
	v.SetDefault("regime.crisis_vix", det.CrisisVIX)
	v.SetDefault("regime.high_vol_vix", det.HighVolVIX)
	v.SetDefault("regime.low_vol_vix", det.LowVolVIX)
	v.SetDefault("regime.high_vol_atr_pct", det.HighVolATRPct)
	v.SetDefault("regime.low_vol_atr_pct", det.LowVolATRPct)
	v.SetDefault("regime.trend_adx", det.TrendADX)
	v.SetDefault("regime.range_adx", det.RangeADX)
	v.SetDefault("regime.trend_deviation", det.TrendDeviation)
	v.SetDefault("regime.price_lookback", det.PriceLookback)
	v.SetDefault("regime.history_size", det.HistorySize)
}

// Validate checks ranges that the components cannot repair on their own.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Kelly.Fraction <= 0 || c.Kelly.Fraction > 1 {
		return fmt.Errorf("kelly.fraction must be in (0, 1], got %g", c.Kelly.Fraction)
	}
	if c.Kelly.MaxPositionPct <= 0 || c.Kelly.MaxPositionPct > 1 {
		return fmt.Errorf("kelly.max_position_pct must be in (0, 1], got %g", c.Kelly.MaxPositionPct)
	}
	if c.Kelly.MinConfidence < 0 || c.Kelly.MinConfidence > 1 {
		return fmt.Errorf("kelly.min_confidence must be in [0, 1], got %g", c.Kelly.MinConfidence)
	}

	if len(c.Breaker.Levels) == 0 {
		return errors.New("breaker.levels must not be empty")
	}
	if _, err := c.DrawdownLevels(); err != nil {
		return err
	}
	if c.Breaker.ResetRecoveryRatio <= 0 || c.Breaker.ResetRecoveryRatio > 1 {
		return fmt.Errorf("breaker.reset_recovery_ratio must be in (0, 1], got %g", c.Breaker.ResetRecoveryRatio)
	}

	if c.Daily.MaxLossPct <= 0 || c.Daily.MaxLossPct >= 100 {
		return fmt.Errorf("daily.max_loss_pct must be in (0, 100), got %g", c.Daily.MaxLossPct)
	}
	if c.Daily.MaxLossUSD < 0 {
		return fmt.Errorf("daily.max_loss_usd must not be negative, got %g", c.Daily.MaxLossUSD)
	}
	if c.Daily.ResetHourUTC < 0 || c.Daily.ResetHourUTC > 23 {
		return fmt.Errorf("daily.reset_hour_utc must be between 0 and 23, got %d", c.Daily.ResetHourUTC)
	}

	for name, value := range map[string]float64{
		"correlation.high_corr_threshold":         c.Correlation.HighCorrThreshold,
		"correlation.max_cluster_exposure_pct":    c.Correlation.MaxClusterExposurePct,
		"correlation.max_correlated_exposure_pct": c.Correlation.MaxCorrelatedExposurePct,
	} {
		if value <= 0 || value > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %g", name, value)
		}
	}

	if !(c.Regime.LowVolVIX < c.Regime.HighVolVIX && c.Regime.HighVolVIX < c.Regime.CrisisVIX) {
		return fmt.Errorf("regime VIX thresholds must satisfy low < high < crisis, got %g/%g/%g",
			c.Regime.LowVolVIX, c.Regime.HighVolVIX, c.Regime.CrisisVIX)
	}
	if c.Regime.RangeADX > c.Regime.TrendADX {
		return fmt.Errorf("regime.range_adx %g exceeds regime.trend_adx %g", c.Regime.RangeADX, c.Regime.TrendADX)
	}

	return nil
}

// DrawdownLevels converts the configured tiers, parsing state names.
func (c *Config) DrawdownLevels() ([]breaker.DrawdownLevel, error) {
	levels := make([]breaker.DrawdownLevel, 0, len(c.Breaker.Levels))
	for i, lc := range c.Breaker.Levels {
		state, err := breaker.ParseState(lc.State)
		if err != nil {
			return nil, fmt.Errorf("breaker.levels[%d]: %w", i, err)
		}
		if state == breaker.StateNormal {
			return nil, fmt.Errorf("breaker.levels[%d]: state must not be normal", i)
		}
		if lc.ThresholdPct <= 0 || lc.ThresholdPct >= 100 {
			return nil, fmt.Errorf("breaker.levels[%d]: threshold_pct must be in (0, 100), got %g", i, lc.ThresholdPct)
		}
		if lc.PositionMultiplier < 0 || lc.PositionMultiplier > 1 {
			return nil, fmt.Errorf("breaker.levels[%d]: position_multiplier must be in [0, 1], got %g", i, lc.PositionMultiplier)
		}
		if lc.CooldownMinutes < 0 {
			return nil, fmt.Errorf("breaker.levels[%d]: cooldown_minutes must not be negative", i)
		}
		levels = append(levels, breaker.DrawdownLevel{
			ThresholdPct:       lc.ThresholdPct,
			State:              state,
			PositionMultiplier: lc.PositionMultiplier,
			CooldownMinutes:    lc.CooldownMinutes,
		})
	}
	return levels, nil
}

// KellySizerConfig converts to the sizer's configuration.
func (c *Config) KellySizerConfig() *sizing.KellyConfig {
	return &sizing.KellyConfig{
		KellyFraction:               c.Kelly.Fraction,
		MaxPositionPct:              c.Kelly.MaxPositionPct,
		MinEdge:                     c.Kelly.MinEdge,
		MinConfidence:               c.Kelly.MinConfidence,
		LookbackTrades:              c.Kelly.LookbackTrades,
		HistoryFullConfidenceTrades: c.Kelly.HistoryFullConfidenceTrades,
	}
}

// CircuitBreakerConfig converts to the drawdown breaker's configuration.
// Call after Validate.
func (c *Config) CircuitBreakerConfig() *breaker.Config {
	levels, err := c.DrawdownLevels()
	if err != nil {
		levels = breaker.DefaultDrawdownLevels()
	}
	return &breaker.Config{
		Levels:             levels,
		ResetRecoveryRatio: c.Breaker.ResetRecoveryRatio,
		HistorySize:        c.Breaker.HistorySize,
	}
}

// DailyLossConfig converts to the daily loss breaker's configuration.
func (c *Config) DailyLossConfig() *breaker.DailyLossConfig {
	cfg := &breaker.DailyLossConfig{
		MaxDailyLossPct: c.Daily.MaxLossPct,
		ResetHourUTC:    c.Daily.ResetHourUTC,
	}
	if c.Daily.MaxLossUSD > 0 {
		limit := decimal.NewFromFloat(c.Daily.MaxLossUSD)
		cfg.MaxDailyLossUSD = &limit
	}
	return cfg
}

// TrackerConfig converts to the correlation tracker's configuration.
func (c *Config) TrackerConfig() *correlation.Config {
	return &correlation.Config{
		WindowSize:               c.Correlation.WindowSize,
		Lookback:                 c.Correlation.Lookback,
		MinObservations:          c.Correlation.MinObservations,
		MinAlignedReturns:        c.Correlation.MinAlignedReturns,
		CacheTTL:                 c.Correlation.CacheTTL,
		HighCorrThreshold:        c.Correlation.HighCorrThreshold,
		MaxClusterExposurePct:    c.Correlation.MaxClusterExposurePct,
		MaxCorrelatedExposurePct: c.Correlation.MaxCorrelatedExposurePct,
		Clusters:                 c.Correlation.Clusters,
	}
}

// DetectorConfig converts to the regime detector's configuration.
func (c *Config) DetectorConfig() *regime.DetectorConfig {
	return &regime.DetectorConfig{
		CrisisVIX:      c.Regime.CrisisVIX,
		HighVolVIX:     c.Regime.HighVolVIX,
		LowVolVIX:      c.Regime.LowVolVIX,
		HighVolATRPct:  c.Regime.HighVolATRPct,
		LowVolATRPct:   c.Regime.LowVolATRPct,
		TrendADX:       c.Regime.TrendADX,
		RangeADX:       c.Regime.RangeADX,
		TrendDeviation: c.Regime.TrendDeviation,
		PriceLookback:  c.Regime.PriceLookback,
		HistorySize:    c.Regime.HistorySize,
	}
}

// EventBusConfig converts to the event bus configuration.
func (c *Config) EventBusConfig() events.EventBusConfig {
	return events.EventBusConfig{
		NumWorkers: c.Events.Workers,
		BufferSize: c.Events.BufferSize,
	}
}
