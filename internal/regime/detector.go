// Package regime classifies the market environment into one of seven regimes
// and exposes the parameter set the rest of the engine retunes itself with.
package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/risk-engine/pkg/utils"
	"go.uber.org/zap"
)

// Regime represents a market regime
type Regime string

const (
	RegimeLowVolatility  Regime = "LOW_VOLATILITY"
	RegimeNormal         Regime = "NORMAL"
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
	RegimeCrisis         Regime = "CRISIS"
	RegimeTrendingUp     Regime = "TRENDING_UP"
	RegimeTrendingDown   Regime = "TRENDING_DOWN"
	RegimeMeanReverting  Regime = "MEAN_REVERTING"
)

// AllRegimes lists the regimes in classification priority order.
var AllRegimes = []Regime{
	RegimeCrisis,
	RegimeHighVolatility,
	RegimeLowVolatility,
	RegimeTrendingUp,
	RegimeTrendingDown,
	RegimeMeanReverting,
	RegimeNormal,
}

// ParseRegime parses a regime name.
func ParseRegime(name string) (Regime, error) {
	for _, r := range AllRegimes {
		if string(r) == name {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown regime %q", name)
}

// Indicators are the market inputs to classification. Every field is optional.
type Indicators struct {
	VIX                  *float64 `json:"vix,omitempty"`
	ATRPercent           *float64 `json:"atr_percent,omitempty"`  // Average true range as percent of price
	ADX                  *float64 `json:"adx,omitempty"`          // Trend strength
	PriceVsSMA           *float64 `json:"price_vs_sma,omitempty"` // Price over its moving average, 1.02 == 2% above
	CorrelationBreakdown bool     `json:"correlation_breakdown"`
}

// Float returns a pointer to v, for building Indicators.
func Float(v float64) *float64 {
	return &v
}

// State is the outcome of a classification.
type State struct {
	CurrentRegime       Regime     `json:"current_regime"`
	Confidence          float64    `json:"confidence"`
	DetectedAt          time.Time  `json:"detected_at"`
	Indicators          Indicators `json:"indicators"`
	PreviousRegime      Regime     `json:"previous_regime,omitempty"`
	RegimeDurationHours float64    `json:"regime_duration_hours"`
}

// Change is delivered to the regime change callback.
type Change struct {
	From       Regime    `json:"from"`
	To         Regime    `json:"to"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// DetectorConfig holds the classification thresholds.
type DetectorConfig struct {
	CrisisVIX      float64
	HighVolVIX     float64
	LowVolVIX      float64
	HighVolATRPct  float64
	LowVolATRPct   float64
	TrendADX       float64
	RangeADX       float64
	TrendDeviation float64 // Price-vs-SMA distance that confirms a trend, 0.02 == 2%
	PriceLookback  int
	HistorySize    int

	// Per-regime parameter table, DefaultConfigs() when nil
	Regimes map[Regime]Config
}

// DefaultDetectorConfig returns the default thresholds.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		CrisisVIX:      35,
		HighVolVIX:     25,
		LowVolVIX:      15,
		HighVolATRPct:  3,
		LowVolATRPct:   1,
		TrendADX:       25,
		RangeADX:       20,
		TrendDeviation: 0.02,
		PriceLookback:  20,
		HistorySize:    100,
	}
}

// Statistics summarises the classification history.
type Statistics struct {
	CurrentRegime     Regime             `json:"current_regime"`
	CurrentConfidence float64            `json:"current_confidence"`
	RegimeCounts      map[Regime]int     `json:"regime_counts"`
	RegimePercentages map[Regime]float64 `json:"regime_percentages"`
	Changes           int                `json:"changes"`
	TotalObservations int                `json:"total_observations"`
}

// Option customises a detector at construction.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithOnRegimeChange registers a callback invoked after the regime changes.
func WithOnRegimeChange(fn func(Change)) Option {
	return func(d *Detector) { d.onChange = fn }
}

// Detector classifies market regimes from indicators or raw prices.
type Detector struct {
	logger  *zap.Logger
	config  *DetectorConfig
	regimes map[Regime]Config
	now     func() time.Time

	mu          sync.RWMutex
	current     State
	regimeStart time.Time
	history     []State
	changes     int
	onChange    func(Change)
}

// NewDetector creates a new regime detector
func NewDetector(logger *zap.Logger, config *DetectorConfig, opts ...Option) *Detector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	if config.PriceLookback <= 0 {
		config.PriceLookback = 20
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}

	regimes := DefaultConfigs()
	for r, cfg := range config.Regimes {
		regimes[r] = cfg
	}

	d := &Detector{
		logger:  logger.Named("regime"),
		config:  config,
		regimes: regimes,
		now:     time.Now,
		history: make([]State, 0, config.HistorySize),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.regimeStart = d.now()
	d.current = State{
		CurrentRegime: RegimeNormal,
		Confidence:    0.5,
		DetectedAt:    d.regimeStart,
	}

	return d
}

// SetOnRegimeChange replaces the regime change callback.
func (d *Detector) SetOnRegimeChange(fn func(Change)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

type candidate struct {
	regime     Regime
	confidence float64
}

// classify returns the winning regime. Candidates are appended in priority
// order so the first of equal confidence wins.
func (d *Detector) classify(ind Indicators) (Regime, float64) {
	cfg := d.config
	var candidates []candidate

	crisis := 0.0
	if ind.CorrelationBreakdown {
		crisis = 0.95
	}
	if ind.VIX != nil && *ind.VIX > cfg.CrisisVIX {
		crisis = math.Max(crisis, math.Min(0.99, 0.90+(*ind.VIX-cfg.CrisisVIX)/100))
	}
	if crisis > 0 {
		candidates = append(candidates, candidate{RegimeCrisis, crisis})
	}

	volSignal := false
	switch {
	case ind.VIX != nil:
		if *ind.VIX > cfg.HighVolVIX {
			candidates = append(candidates, candidate{RegimeHighVolatility, 0.85})
			volSignal = true
		} else if *ind.VIX < cfg.LowVolVIX {
			candidates = append(candidates, candidate{RegimeLowVolatility, 0.80})
			volSignal = true
		}
	case ind.ATRPercent != nil:
		if *ind.ATRPercent > cfg.HighVolATRPct {
			candidates = append(candidates, candidate{RegimeHighVolatility, 0.75})
			volSignal = true
		} else if *ind.ATRPercent < cfg.LowVolATRPct {
			candidates = append(candidates, candidate{RegimeLowVolatility, 0.70})
			volSignal = true
		}
	}

	if ind.ADX != nil && *ind.ADX > cfg.TrendADX && ind.PriceVsSMA != nil {
		if *ind.PriceVsSMA >= 1+cfg.TrendDeviation {
			candidates = append(candidates, candidate{RegimeTrendingUp, 0.80})
		} else if *ind.PriceVsSMA <= 1-cfg.TrendDeviation {
			candidates = append(candidates, candidate{RegimeTrendingDown, 0.80})
		}
	}

	if ind.ADX != nil && *ind.ADX < cfg.RangeADX && !volSignal {
		candidates = append(candidates, candidate{RegimeMeanReverting, 0.70})
	}

	best := candidate{RegimeNormal, 0.5}
	for _, c := range candidates {
		if c.confidence > best.confidence {
			best = c
		}
	}
	return best.regime, best.confidence
}

// DetectRegime classifies the supplied indicators and records the result.
func (d *Detector) DetectRegime(ind Indicators) State {
	regime, confidence := d.classify(ind)

	d.mu.Lock()
	now := d.now()
	previous := d.current.CurrentRegime

	var change *Change
	if regime != previous {
		d.regimeStart = now
		d.changes++
		change = &Change{From: previous, To: regime, Confidence: confidence, At: now}
	}

	state := State{
		CurrentRegime:       regime,
		Confidence:          confidence,
		DetectedAt:          now,
		Indicators:          ind,
		PreviousRegime:      d.current.PreviousRegime,
		RegimeDurationHours: now.Sub(d.regimeStart).Hours(),
	}
	if change != nil {
		state.PreviousRegime = previous
	}

	d.current = state
	d.history = append(d.history, state)
	if len(d.history) > d.config.HistorySize {
		d.history = d.history[len(d.history)-d.config.HistorySize:]
	}
	callback := d.onChange
	d.mu.Unlock()

	if change != nil {
		d.logger.Info("Market regime changed",
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.Float64("confidence", confidence))
		if callback != nil {
			callback(*change)
		}
	} else {
		d.logger.Debug("Market regime confirmed",
			zap.String("regime", string(regime)),
			zap.Float64("confidence", confidence))
	}

	return state
}

// DeriveIndicators computes ATR percent and price-vs-SMA from a price series.
// ok is false when the series is too short or ends at a non-positive price.
func (d *Detector) DeriveIndicators(prices []float64) (Indicators, bool) {
	if len(prices) < 2 {
		return Indicators{}, false
	}
	last := prices[len(prices)-1]
	if last <= 0 {
		return Indicators{}, false
	}

	lookback := d.config.PriceLookback
	if lookback > len(prices)-1 {
		lookback = len(prices) - 1
	}

	sma := utils.SMA(prices, lookback)
	if sma <= 0 {
		return Indicators{}, false
	}

	atrPct := utils.MeanAbsChange(prices, lookback) / last * 100
	return Indicators{
		ATRPercent: Float(atrPct),
		PriceVsSMA: Float(last / sma),
	}, true
}

// DetectFromPrices derives indicators from raw prices, then classifies.
// Unusable input leaves the current regime untouched.
func (d *Detector) DetectFromPrices(prices []float64) State {
	ind, ok := d.DeriveIndicators(prices)
	if !ok {
		d.logger.Warn("Cannot derive indicators from prices",
			zap.Int("count", len(prices)))
		return d.CurrentState()
	}
	return d.DetectRegime(ind)
}

// CurrentState returns the latest classification.
func (d *Detector) CurrentState() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := d.current
	state.RegimeDurationHours = d.now().Sub(d.regimeStart).Hours()
	return state
}

// CurrentRegime returns the active regime.
func (d *Detector) CurrentRegime() Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current.CurrentRegime
}

// History returns up to limit recent classifications, oldest first.
func (d *Detector) History(limit int) []State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	result := make([]State, limit)
	copy(result, d.history[len(d.history)-limit:])
	return result
}

// Stats returns regime statistics over the retained history
func (d *Detector) Stats() Statistics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Statistics{
		CurrentRegime:     d.current.CurrentRegime,
		CurrentConfidence: d.current.Confidence,
		RegimeCounts:      make(map[Regime]int),
		RegimePercentages: make(map[Regime]float64),
		Changes:           d.changes,
		TotalObservations: len(d.history),
	}

	for _, state := range d.history {
		stats.RegimeCounts[state.CurrentRegime]++
	}
	if stats.TotalObservations > 0 {
		for r, count := range stats.RegimeCounts {
			stats.RegimePercentages[r] = float64(count) / float64(stats.TotalObservations)
		}
	}

	return stats
}
