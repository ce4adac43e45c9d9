// Package sizing provides Kelly-criterion position sizing.
// f* = edge / variance, de-risked by confidence and a fractional-Kelly policy,
// then capped at a maximum share of the bankroll.
package sizing

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// arbFailedLegCostPct models the extra cost of unwinding a failed arbitrage leg.
const arbFailedLegCostPct = 0.5

// arbMaxConfidence caps the confidence derived from an execution success rate.
const arbMaxConfidence = 0.95

// KellyConfig configures the Kelly sizer. All values are fractions.
type KellyConfig struct {
	KellyFraction  float64 // Fraction of Kelly to use (default 0.5, half Kelly)
	MaxPositionPct float64 // Maximum position as fraction of bankroll (default 0.25)
	MinEdge        float64 // Minimum expected return to trade at all
	MinConfidence  float64 // Minimum estimate confidence to trade at all
	LookbackTrades int     // Trades kept for history-based sizing

	// Trade count at which history-based confidence saturates at 1.0
	HistoryFullConfidenceTrades int
}

// DefaultKellyConfig returns half-Kelly defaults capped at 25% per position.
func DefaultKellyConfig() *KellyConfig {
	return &KellyConfig{
		KellyFraction:               0.5,
		MaxPositionPct:              0.25,
		MinEdge:                     0.01,
		MinConfidence:               0.5,
		LookbackTrades:              100,
		HistoryFullConfidenceTrades: 50,
	}
}

// ConservativeKellyConfig uses quarter Kelly and a 10% cap.
func ConservativeKellyConfig() *KellyConfig {
	return &KellyConfig{
		KellyFraction:               0.25,
		MaxPositionPct:              0.10,
		MinEdge:                     0.02,
		MinConfidence:               0.6,
		LookbackTrades:              100,
		HistoryFullConfidenceTrades: 100,
	}
}

// KellyResult is the outcome of a sizing calculation. The zero value means
// "skip this trade".
type KellyResult struct {
	FullKelly    float64 `json:"full_kelly"`
	HalfKelly    float64 `json:"half_kelly"`
	QuarterKelly float64 `json:"quarter_kelly"`
	Recommended  float64 `json:"recommended"`
	Edge         float64 `json:"edge"`
	Variance     float64 `json:"variance"`
	Confidence   float64 `json:"confidence"`
}

// IsZero reports whether the result signals that no position should be taken.
func (r KellyResult) IsZero() bool {
	return !(r.Recommended > 0) || math.IsInf(r.Recommended, 0)
}

// KellyCriterion calculates optimal-growth position fractions.
type KellyCriterion struct {
	logger *zap.Logger
	config *KellyConfig

	mu           sync.RWMutex
	tradeHistory []*TradeResult
}

// NewKellyCriterion creates a new Kelly sizer
func NewKellyCriterion(logger *zap.Logger, config *KellyConfig) *KellyCriterion {
	if config == nil {
		config = DefaultKellyConfig()
	}
	if config.LookbackTrades <= 0 {
		config.LookbackTrades = 100
	}

	return &KellyCriterion{
		logger:       logger.Named("kelly"),
		config:       config,
		tradeHistory: make([]*TradeResult, 0, config.LookbackTrades*2),
	}
}

// Config returns the sizer configuration.
func (kc *KellyCriterion) Config() KellyConfig {
	return *kc.config
}

// CalculateBinary sizes a two-outcome bet.
// winReturn is the fractional gain on a win, lossReturn the fractional loss
// (negative) on a loss.
func (kc *KellyCriterion) CalculateBinary(winProbability, winReturn, lossReturn, confidence float64) KellyResult {
	if math.IsNaN(winProbability) || winProbability <= 0 || winProbability >= 1 {
		kc.logger.Warn("Win probability outside (0,1), skipping",
			zap.Float64("win_probability", winProbability))
		return KellyResult{}
	}
	if math.IsNaN(winReturn) || winReturn <= 0 {
		kc.logger.Warn("Non-positive win return, skipping",
			zap.Float64("win_return", winReturn))
		return KellyResult{}
	}
	if lossReturn > 0 {
		// Callers sometimes pass the loss as a magnitude
		kc.logger.Warn("Positive loss return coerced to negative",
			zap.Float64("loss_return", lossReturn))
		lossReturn = -lossReturn
	}

	p := winProbability
	q := 1 - p
	edge := p*winReturn + q*lossReturn
	variance := p*winReturn*winReturn + q*lossReturn*lossReturn

	return kc.finish(edge, variance, confidence)
}

// CalculateContinuous sizes a position with a normally distributed return.
func (kc *KellyCriterion) CalculateContinuous(expectedReturn, volatility, confidence float64) KellyResult {
	if math.IsNaN(volatility) || volatility <= 0 {
		kc.logger.Warn("Non-positive volatility, skipping",
			zap.Float64("volatility", volatility))
		return KellyResult{}
	}

	return kc.finish(expectedReturn, volatility*volatility, confidence)
}

// CalculateForArbitrage maps an arbitrage opportunity onto the binary form.
// profitPercent and slippagePct are in percent (3.0 == 3%).
func (kc *KellyCriterion) CalculateForArbitrage(profitPercent, executionSuccessRate, slippagePct float64) KellyResult {
	winReturn := (profitPercent - slippagePct) / 100
	lossReturn := -(slippagePct + arbFailedLegCostPct) / 100
	confidence := math.Min(executionSuccessRate, arbMaxConfidence)

	return kc.CalculateBinary(executionSuccessRate, winReturn, lossReturn, confidence)
}

// finish applies gating, confidence, fractional Kelly and the position cap.
func (kc *KellyCriterion) finish(edge, variance, confidence float64) KellyResult {
	if !finite(edge) || !finite(variance) || !finite(confidence) {
		kc.logger.Warn("Non-finite sizing input, skipping",
			zap.Float64("edge", edge),
			zap.Float64("variance", variance),
			zap.Float64("confidence", confidence))
		return KellyResult{}
	}
	if variance <= 0 {
		kc.logger.Warn("Non-positive variance, skipping", zap.Float64("variance", variance))
		return KellyResult{}
	}
	if confidence < 0 || confidence > 1 {
		kc.logger.Warn("Confidence outside [0,1], clamping", zap.Float64("confidence", confidence))
		confidence = math.Max(0, math.Min(1, confidence))
	}

	if edge < kc.config.MinEdge || confidence < kc.config.MinConfidence {
		kc.logger.Debug("Edge or confidence below minimum",
			zap.Float64("edge", edge),
			zap.Float64("confidence", confidence))
		return KellyResult{}
	}

	fullKelly := edge / variance
	adjusted := fullKelly * confidence

	recommended := adjusted * kc.config.KellyFraction
	if recommended > kc.config.MaxPositionPct {
		recommended = kc.config.MaxPositionPct
	}
	if recommended < 0 {
		recommended = 0
	}

	return KellyResult{
		FullKelly:    fullKelly,
		HalfKelly:    adjusted * 0.5,
		QuarterKelly: adjusted * 0.25,
		Recommended:  recommended,
		Edge:         edge,
		Variance:     variance,
		Confidence:   confidence,
	}
}

// AdjustForRegime scales the recommended fraction by a regime multiplier and
// re-applies the position cap.
func (kc *KellyCriterion) AdjustForRegime(result KellyResult, multiplier float64) KellyResult {
	if !finite(multiplier) || multiplier < 0 {
		multiplier = 0
	}

	result.Recommended *= multiplier
	if result.Recommended > kc.config.MaxPositionPct {
		result.Recommended = kc.config.MaxPositionPct
	}
	return result
}

// OptimalPositionUSD converts a result into a dollar amount. maxCap may be nil.
func (kc *KellyCriterion) OptimalPositionUSD(portfolioValue decimal.Decimal, result KellyResult, maxCap *decimal.Decimal) decimal.Decimal {
	if !portfolioValue.IsPositive() {
		if !portfolioValue.IsZero() {
			kc.logger.Warn("Negative portfolio value, sizing to zero",
				zap.String("portfolio_value", portfolioValue.String()))
		}
		return decimal.Zero
	}

	if !finite(result.Recommended) || result.Recommended <= 0 {
		return decimal.Zero
	}

	size := portfolioValue.Mul(decimal.NewFromFloat(result.Recommended))
	if maxCap != nil && size.GreaterThan(*maxCap) {
		size = *maxCap
	}
	if size.IsNegative() {
		size = decimal.Zero
	}

	return size.Round(2)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
