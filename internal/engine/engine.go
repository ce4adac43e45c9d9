// Package engine composes the sizing, breaker, correlation and regime
// components into the risk engine consumed before every trade.
package engine

import (
	"context"
	"sync"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/correlation"
	"github.com/atlas-desktop/risk-engine/internal/events"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/atlas-desktop/risk-engine/internal/sizing"
	"github.com/atlas-desktop/risk-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Components are the independently usable engine parts.
type Components struct {
	Kelly   *sizing.KellyCriterion
	Breaker *breaker.CircuitBreaker
	Daily   *breaker.DailyLossCircuitBreaker
	Tracker *correlation.Tracker
	Regime  *regime.Detector
}

// DefaultComponents builds every component with its default configuration.
func DefaultComponents(logger *zap.Logger) Components {
	return Components{
		Kelly:   sizing.NewKellyCriterion(logger, nil),
		Breaker: breaker.NewCircuitBreaker(logger, nil),
		Daily:   breaker.NewDailyLossCircuitBreaker(logger, nil),
		Tracker: correlation.NewTracker(logger, nil),
		Regime:  regime.NewDetector(logger, nil),
	}
}

// PortfolioUpdate is the result of feeding a portfolio valuation.
type PortfolioUpdate struct {
	BreakerState       breaker.State `json:"breaker_state"`
	DailyAllowed       bool          `json:"daily_allowed"`
	CanTrade           bool          `json:"can_trade"`
	PositionMultiplier float64       `json:"position_multiplier"`
}

// Snapshot is the observability view of the whole engine.
type Snapshot struct {
	CanTrade   bool                       `json:"can_trade"`
	Breaker    breaker.Status             `json:"breaker"`
	Daily      breaker.DailyLossStatus    `json:"daily"`
	Regime     regime.State               `json:"regime"`
	Assessment correlation.RiskAssessment `json:"assessment"`
}

// Engine owns the components, wires their callbacks onto the event bus and
// exposes the trade gate.
type Engine struct {
	Components

	logger *zap.Logger
	bus    *events.EventBus
	gate   *Gate

	// serialises applyRegime so the last caller always sees the latest regime
	regimeMu sync.Mutex
}

// New wires the components together. bus may be nil.
func New(logger *zap.Logger, c Components, bus *events.EventBus) *Engine {
	e := &Engine{
		Components: c,
		logger:     logger.Named("engine"),
		bus:        bus,
	}

	c.Breaker.SetOnStateChange(func(t breaker.Transition) {
		e.publish(events.NewBreakerTransitionEvent(t))
	})
	c.Daily.SetOnHalt(func(h breaker.DailyHalt) {
		e.publish(events.NewDailyHaltEvent(h))
	})
	c.Regime.SetOnRegimeChange(func(ch regime.Change) {
		e.applyRegime()
		e.publish(events.NewRegimeChangeEvent(ch))
	})
	e.applyRegime()

	e.gate = NewGate(logger, c, func(req types.TradeRequest, approval TradeApproval) {
		e.publish(events.NewTradeDecisionEvent(req.Symbol, req.Strategy, approval.Approved,
			approval.Stage, approval.Rejection, approval.PositionUSD))
	})

	return e
}

func (e *Engine) publish(event events.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

// applyRegime retunes the correlation caps for the active regime. Change
// callbacks can run out of order, so it reads the detector rather than the
// change that triggered it.
func (e *Engine) applyRegime() {
	e.regimeMu.Lock()
	defer e.regimeMu.Unlock()

	cfg := e.Regime.ConfigFor(e.Regime.CurrentRegime())
	e.Tracker.SetLimitMultiplier(cfg.ExposureLimitMultiplier)
}

// Evaluate runs the trade gate.
func (e *Engine) Evaluate(ctx context.Context, req types.TradeRequest) TradeApproval {
	return e.gate.Evaluate(ctx, req)
}

// UpdatePortfolio feeds a portfolio valuation to both breakers.
func (e *Engine) UpdatePortfolio(value decimal.Decimal) PortfolioUpdate {
	state := e.Breaker.Update(value)
	allowed := e.Daily.Update(value)

	return PortfolioUpdate{
		BreakerState:       state,
		DailyAllowed:       allowed,
		CanTrade:           state != breaker.StateHalted && allowed,
		PositionMultiplier: e.Breaker.PositionMultiplier(),
	}
}

// RecordPrices feeds price ticks to the correlation tracker and returns how
// many were usable.
func (e *Engine) RecordPrices(ticks []types.PriceTick) int {
	accepted := 0
	for _, tick := range ticks {
		if tick.Symbol == "" || tick.Price <= 0 {
			continue
		}
		e.Tracker.AddPrice(tick.Symbol, tick.Price, tick.Timestamp)
		accepted++
	}
	return accepted
}

// RecordTradeResult feeds a closed trade into the history-based sizer.
func (e *Engine) RecordTradeResult(result *sizing.TradeResult) {
	e.Kelly.AddTradeResult(result)
}

// ResetBreakers is the operator override: both breakers restart from value.
func (e *Engine) ResetBreakers(value decimal.Decimal) {
	e.logger.Warn("Manual breaker reset",
		zap.String("value", value.StringFixed(2)))
	e.Breaker.ForceReset(value)
	e.Daily.ForceReset(value)
}

// Status returns a snapshot of every component. The correlation assessment
// is taken against the latest portfolio value seen by the drawdown breaker.
func (e *Engine) Status() Snapshot {
	breakerStatus := e.Breaker.Status()
	daily := e.Daily.Status()

	snap := Snapshot{
		CanTrade: breakerStatus.CanTrade && !daily.Halted,
		Breaker:  breakerStatus,
		Daily:    daily,
		Regime:   e.Regime.CurrentState(),
	}
	// No assessment until the portfolio has been valued at least once.
	if breakerStatus.CurrentValue.IsPositive() {
		snap.Assessment = e.Tracker.AssessPortfolioRisk(breakerStatus.CurrentValue)
	}
	return snap
}
