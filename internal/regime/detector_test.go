package regime_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDetector(opts ...regime.Option) *regime.Detector {
	return regime.NewDetector(zap.NewNop(), nil, opts...)
}

func TestDetectRegimeClassification(t *testing.T) {
	f := regime.Float

	tests := []struct {
		name       string
		indicators regime.Indicators
		want       regime.Regime
		confidence float64
	}{
		{"empty is normal", regime.Indicators{}, regime.RegimeNormal, 0.5},
		{"breakdown flag", regime.Indicators{CorrelationBreakdown: true}, regime.RegimeCrisis, 0.95},
		{"crisis vix", regime.Indicators{VIX: f(40)}, regime.RegimeCrisis, 0.95},
		{"extreme vix capped", regime.Indicators{VIX: f(80)}, regime.RegimeCrisis, 0.99},
		{"high vix", regime.Indicators{VIX: f(28)}, regime.RegimeHighVolatility, 0.85},
		{"low vix", regime.Indicators{VIX: f(12)}, regime.RegimeLowVolatility, 0.80},
		{"high atr", regime.Indicators{ATRPercent: f(4)}, regime.RegimeHighVolatility, 0.75},
		{"low atr", regime.Indicators{ATRPercent: f(0.5)}, regime.RegimeLowVolatility, 0.70},
		{"vix overrides atr", regime.Indicators{VIX: f(20), ATRPercent: f(5)}, regime.RegimeNormal, 0.5},
		{"trend up", regime.Indicators{ADX: f(30), PriceVsSMA: f(1.05)}, regime.RegimeTrendingUp, 0.80},
		{"trend down", regime.Indicators{ADX: f(30), PriceVsSMA: f(0.95)}, regime.RegimeTrendingDown, 0.80},
		{"strong adx near sma", regime.Indicators{ADX: f(30), PriceVsSMA: f(1.01)}, regime.RegimeNormal, 0.5},
		{"range bound", regime.Indicators{ADX: f(15)}, regime.RegimeMeanReverting, 0.70},
		{"range bound with vol signal", regime.Indicators{ADX: f(15), ATRPercent: f(0.5)}, regime.RegimeLowVolatility, 0.70},
		{"high vol beats trend", regime.Indicators{VIX: f(30), ADX: f(30), PriceVsSMA: f(1.1)}, regime.RegimeHighVolatility, 0.85},
		{"low vol ties trend", regime.Indicators{VIX: f(12), ADX: f(30), PriceVsSMA: f(1.1)}, regime.RegimeLowVolatility, 0.80},
		{"trend beats low atr", regime.Indicators{ATRPercent: f(0.5), ADX: f(30), PriceVsSMA: f(1.1)}, regime.RegimeTrendingUp, 0.80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newDetector().DetectRegime(tt.indicators)
			assert.Equal(t, tt.want, state.CurrentRegime)
			assert.InDelta(t, tt.confidence, state.Confidence, 1e-9)
		})
	}
}

func TestCorrelationBreakdownOverridesVolatility(t *testing.T) {
	d := newDetector()

	state := d.DetectRegime(regime.Indicators{CorrelationBreakdown: true})
	assert.Equal(t, regime.RegimeCrisis, state.CurrentRegime)
	assert.GreaterOrEqual(t, state.Confidence, 0.9)

	state = d.DetectRegime(regime.Indicators{CorrelationBreakdown: true, VIX: regime.Float(12)})
	assert.Equal(t, regime.RegimeCrisis, state.CurrentRegime)
}

func TestDetectFromPrices(t *testing.T) {
	d := newDetector()

	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)*0.1
	}
	ind, ok := d.DeriveIndicators(rising)
	require.True(t, ok)
	// mean change 0.1 over a last price of 102.9
	assert.InDelta(t, 0.1/102.9*100, *ind.ATRPercent, 1e-9)
	assert.Greater(t, *ind.PriceVsSMA, 1.0)

	state := d.DetectFromPrices(rising)
	assert.Equal(t, regime.RegimeLowVolatility, state.CurrentRegime)

	choppy := make([]float64, 30)
	for i := range choppy {
		if i%2 == 0 {
			choppy[i] = 100
		} else {
			choppy[i] = 106
		}
	}
	state = d.DetectFromPrices(choppy)
	assert.Equal(t, regime.RegimeHighVolatility, state.CurrentRegime)
	assert.Equal(t, regime.RegimeLowVolatility, state.PreviousRegime)
}

func TestDetectFromPricesInsufficientKeepsState(t *testing.T) {
	d := newDetector()
	d.DetectRegime(regime.Indicators{CorrelationBreakdown: true})

	state := d.DetectFromPrices([]float64{100})
	assert.Equal(t, regime.RegimeCrisis, state.CurrentRegime)

	state = d.DetectFromPrices([]float64{100, 0})
	assert.Equal(t, regime.RegimeCrisis, state.CurrentRegime)
	assert.Len(t, d.History(0), 1)
}

func TestRegimeChangeCallbackAndDuration(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	var changes []regime.Change
	d := newDetector(
		regime.WithClock(func() time.Time { return now }),
		regime.WithOnRegimeChange(func(c regime.Change) { changes = append(changes, c) }),
	)

	d.DetectRegime(regime.Indicators{})
	assert.Empty(t, changes, "normal to normal is not a change")

	now = now.Add(time.Hour)
	d.DetectRegime(regime.Indicators{VIX: regime.Float(30)})
	require.Len(t, changes, 1)
	assert.Equal(t, regime.RegimeNormal, changes[0].From)
	assert.Equal(t, regime.RegimeHighVolatility, changes[0].To)

	now = now.Add(3 * time.Hour)
	state := d.DetectRegime(regime.Indicators{VIX: regime.Float(31)})
	assert.Len(t, changes, 1)
	assert.InDelta(t, 3.0, state.RegimeDurationHours, 1e-9)
	assert.Equal(t, regime.RegimeNormal, state.PreviousRegime)

	now = now.Add(time.Hour)
	assert.InDelta(t, 4.0, d.CurrentState().RegimeDurationHours, 1e-9)
}

func TestHistoryAndStats(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), &regime.DetectorConfig{
		CrisisVIX: 35, HighVolVIX: 25, LowVolVIX: 15,
		HighVolATRPct: 3, LowVolATRPct: 1,
		TrendADX: 25, RangeADX: 20, TrendDeviation: 0.02,
		HistorySize: 3,
	})

	d.DetectRegime(regime.Indicators{VIX: regime.Float(30)})
	d.DetectRegime(regime.Indicators{VIX: regime.Float(30)})
	d.DetectRegime(regime.Indicators{VIX: regime.Float(10)})
	d.DetectRegime(regime.Indicators{CorrelationBreakdown: true})

	history := d.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, regime.RegimeCrisis, history[2].CurrentRegime)
	assert.Len(t, d.History(2), 2)

	stats := d.Stats()
	assert.Equal(t, regime.RegimeCrisis, stats.CurrentRegime)
	assert.Equal(t, 3, stats.TotalObservations)
	assert.Equal(t, 3, stats.Changes)
	assert.Equal(t, 1, stats.RegimeCounts[regime.RegimeHighVolatility])
	assert.InDelta(t, 1.0/3, stats.RegimePercentages[regime.RegimeCrisis], 1e-9)
}

func TestAdjustments(t *testing.T) {
	d := newDetector()

	assert.True(t, d.AdjustPositionSize(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(1000)))

	d.DetectRegime(regime.Indicators{CorrelationBreakdown: true})
	assert.True(t, d.AdjustPositionSize(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(250)))
	assert.InDelta(t, 0.04, d.AdjustStopLoss(0.02), 1e-12)
	assert.Equal(t, 15*time.Second, d.AdjustScanInterval(time.Minute))
	assert.InDelta(t, 0.02, d.AdjustMinProfit(0.01), 1e-12)
	assert.Equal(t, 0.5, d.Config().ExposureLimitMultiplier)
}

func TestIsStrategyEnabled(t *testing.T) {
	d := newDetector()
	assert.True(t, d.IsStrategyEnabled(regime.StrategyMarketMaking))

	d.DetectRegime(regime.Indicators{VIX: regime.Float(40)})
	assert.True(t, d.IsStrategyEnabled(regime.StrategyArbitrage))
	assert.False(t, d.IsStrategyEnabled(regime.StrategyMarketMaking), "disabled list wins")
	assert.False(t, d.IsStrategyEnabled(regime.StrategyPredictionValue), "not in the enabled list")

	d.DetectRegime(regime.Indicators{ADX: regime.Float(10)})
	assert.False(t, d.IsStrategyEnabled(regime.StrategyTrendFollowing))
	assert.True(t, d.IsStrategyEnabled(regime.StrategyMeanReversion))
}

func TestRegimeTableOverride(t *testing.T) {
	cfg := regime.DefaultDetectorConfig()
	cfg.Regimes = map[regime.Regime]regime.Config{
		regime.RegimeNormal: {PositionSizeMultiplier: 0.9, EnabledStrategies: []string{"arbitrage"}},
	}
	d := regime.NewDetector(zap.NewNop(), cfg)

	assert.Equal(t, 0.9, d.Config().PositionSizeMultiplier)
	assert.False(t, d.IsStrategyEnabled("momentum"))
	assert.Equal(t, 0.25, d.ConfigFor(regime.RegimeCrisis).PositionSizeMultiplier)
}

func TestParseRegime(t *testing.T) {
	r, err := regime.ParseRegime("TRENDING_UP")
	require.NoError(t, err)
	assert.Equal(t, regime.RegimeTrendingUp, r)

	_, err = regime.ParseRegime("bullish")
	assert.Error(t, err)
}

func TestDetectRegimeConcurrent(t *testing.T) {
	var callbacks atomic.Int64
	d := newDetector(regime.WithOnRegimeChange(func(regime.Change) { callbacks.Add(1) }))

	inputs := []regime.Indicators{
		{CorrelationBreakdown: true},
		{VIX: regime.Float(30)},
		{VIX: regime.Float(10)},
		{},
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.DetectRegime(inputs[(g+i)%len(inputs)])
				d.CurrentState()
				d.Stats()
			}
		}(g)
	}
	wg.Wait()

	stats := d.Stats()
	assert.Equal(t, 100, stats.TotalObservations, "history stays bounded")
	assert.Equal(t, int64(stats.Changes), callbacks.Load())

	history := d.History(0)
	require.Len(t, history, 100)
	for i := 1; i < len(history); i++ {
		if history[i].CurrentRegime != history[i-1].CurrentRegime {
			assert.Equal(t, history[i-1].CurrentRegime, history[i].PreviousRegime)
		}
	}
	assert.Equal(t, history[len(history)-1].CurrentRegime, d.CurrentRegime())
}
