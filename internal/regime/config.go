package regime

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy names understood by the default regime table.
const (
	StrategyAll             = "all"
	StrategyArbitrage       = "arbitrage"
	StrategyMarketMaking    = "market_making"
	StrategyMomentum        = "momentum"
	StrategyMeanReversion   = "mean_reversion"
	StrategyTrendFollowing  = "trend_following"
	StrategyPredictionValue = "prediction_value"
)

// Config is the parameter set applied while a regime is active.
type Config struct {
	PositionSizeMultiplier float64  `json:"position_size_multiplier"`
	StopLossMultiplier     float64  `json:"stop_loss_multiplier"`
	ScanIntervalMultiplier float64  `json:"scan_interval_multiplier"`
	MinProfitMultiplier    float64  `json:"min_profit_multiplier"`
	EnabledStrategies      []string `json:"enabled_strategies"`
	DisabledStrategies     []string `json:"disabled_strategies"`

	// Scales the correlation tracker's exposure caps
	ExposureLimitMultiplier float64 `json:"exposure_limit_multiplier"`
}

// DefaultConfigs returns the per-regime parameter table.
func DefaultConfigs() map[Regime]Config {
	return map[Regime]Config{
		RegimeLowVolatility: {
			PositionSizeMultiplier:  1.2,
			StopLossMultiplier:      0.8,
			ScanIntervalMultiplier:  1.5,
			MinProfitMultiplier:     0.8,
			EnabledStrategies:       []string{StrategyAll},
			ExposureLimitMultiplier: 1.0,
		},
		RegimeNormal: {
			PositionSizeMultiplier:  1.0,
			StopLossMultiplier:      1.0,
			ScanIntervalMultiplier:  1.0,
			MinProfitMultiplier:     1.0,
			EnabledStrategies:       []string{StrategyAll},
			ExposureLimitMultiplier: 1.0,
		},
		RegimeHighVolatility: {
			PositionSizeMultiplier:  0.5,
			StopLossMultiplier:      1.5,
			ScanIntervalMultiplier:  0.5,
			MinProfitMultiplier:     1.5,
			EnabledStrategies:       []string{StrategyAll},
			DisabledStrategies:      []string{StrategyMarketMaking},
			ExposureLimitMultiplier: 0.75,
		},
		RegimeCrisis: {
			PositionSizeMultiplier:  0.25,
			StopLossMultiplier:      2.0,
			ScanIntervalMultiplier:  0.25,
			MinProfitMultiplier:     2.0,
			EnabledStrategies:       []string{StrategyArbitrage},
			DisabledStrategies:      []string{StrategyMarketMaking, StrategyMomentum, StrategyTrendFollowing, StrategyMeanReversion},
			ExposureLimitMultiplier: 0.5,
		},
		RegimeTrendingUp: {
			PositionSizeMultiplier:  1.1,
			StopLossMultiplier:      1.2,
			ScanIntervalMultiplier:  1.0,
			MinProfitMultiplier:     1.0,
			EnabledStrategies:       []string{StrategyAll},
			DisabledStrategies:      []string{StrategyMeanReversion},
			ExposureLimitMultiplier: 1.0,
		},
		RegimeTrendingDown: {
			PositionSizeMultiplier:  0.7,
			StopLossMultiplier:      1.0,
			ScanIntervalMultiplier:  1.0,
			MinProfitMultiplier:     1.2,
			EnabledStrategies:       []string{StrategyAll},
			DisabledStrategies:      []string{StrategyMeanReversion, StrategyMomentum},
			ExposureLimitMultiplier: 0.8,
		},
		RegimeMeanReverting: {
			PositionSizeMultiplier:  1.0,
			StopLossMultiplier:      0.8,
			ScanIntervalMultiplier:  1.0,
			MinProfitMultiplier:     0.9,
			EnabledStrategies:       []string{StrategyAll},
			DisabledStrategies:      []string{StrategyTrendFollowing, StrategyMomentum},
			ExposureLimitMultiplier: 1.0,
		},
	}
}

// Config returns the parameter set of the active regime.
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.configFor(d.current.CurrentRegime)
}

// ConfigFor returns the parameter set of any regime.
func (d *Detector) ConfigFor(r Regime) Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.configFor(r)
}

func (d *Detector) configFor(r Regime) Config {
	if cfg, ok := d.regimes[r]; ok {
		return cfg
	}
	return d.regimes[RegimeNormal]
}

// AdjustPositionSize scales a USD position size by the active regime.
func (d *Detector) AdjustPositionSize(base decimal.Decimal) decimal.Decimal {
	m := d.Config().PositionSizeMultiplier
	return base.Mul(decimal.NewFromFloat(m)).Round(2)
}

// AdjustStopLoss scales a stop-loss distance.
func (d *Detector) AdjustStopLoss(base float64) float64 {
	return base * d.Config().StopLossMultiplier
}

// AdjustScanInterval scales how often scanners poll.
func (d *Detector) AdjustScanInterval(base time.Duration) time.Duration {
	return time.Duration(float64(base) * d.Config().ScanIntervalMultiplier)
}

// AdjustMinProfit scales the minimum profit threshold.
func (d *Detector) AdjustMinProfit(base float64) float64 {
	return base * d.Config().MinProfitMultiplier
}

// IsStrategyEnabled checks the disabled list first, then whether "all" or
// the strategy itself is enabled.
func (d *Detector) IsStrategyEnabled(strategy string) bool {
	cfg := d.Config()

	for _, s := range cfg.DisabledStrategies {
		if s == strategy {
			return false
		}
	}
	for _, s := range cfg.EnabledStrategies {
		if s == StrategyAll || s == strategy {
			return true
		}
	}
	return false
}
