package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/correlation"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/atlas-desktop/risk-engine/internal/sizing"
	"github.com/atlas-desktop/risk-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection stages, in evaluation order.
const (
	StageRequest     = "request"
	StageDrawdown    = "drawdown"
	StageDaily       = "daily_loss"
	StageRegime      = "regime"
	StageSizing      = "sizing"
	StageCorrelation = "correlation"
)

// TradeApproval is the gate's answer to a TradeRequest.
type TradeApproval struct {
	Approved          bool               `json:"approved"`
	PositionUSD       decimal.Decimal    `json:"position_usd"`
	Kelly             sizing.KellyResult `json:"kelly"`
	BreakerMultiplier float64            `json:"breaker_multiplier"`
	Regime            regime.Regime      `json:"regime"`
	RegimeMultiplier  float64            `json:"regime_multiplier"`
	Stage             string             `json:"stage,omitempty"`
	Rejection         string             `json:"rejection,omitempty"`
	EvaluatedAt       time.Time          `json:"evaluated_at"`
}

// Gate runs every pre-trade check in one call: breakers, regime strategy
// filter, Kelly sizing scaled by regime and drawdown tier, then correlation
// limits. It holds no lock of its own.
type Gate struct {
	logger  *zap.Logger
	kelly   *sizing.KellyCriterion
	breaker *breaker.CircuitBreaker
	daily   *breaker.DailyLossCircuitBreaker
	tracker *correlation.Tracker
	regime  *regime.Detector

	onDecision func(types.TradeRequest, TradeApproval)
}

// NewGate creates a gate over the given components
func NewGate(logger *zap.Logger, c Components, onDecision func(types.TradeRequest, TradeApproval)) *Gate {
	return &Gate{
		logger:     logger.Named("gate"),
		kelly:      c.Kelly,
		breaker:    c.Breaker,
		daily:      c.Daily,
		tracker:    c.Tracker,
		regime:     c.Regime,
		onDecision: onDecision,
	}
}

// Evaluate decides whether a trade may be taken and at what size.
func (g *Gate) Evaluate(ctx context.Context, req types.TradeRequest) TradeApproval {
	approval := g.evaluate(ctx, req)
	approval.EvaluatedAt = time.Now()

	if approval.Approved {
		g.logger.Debug("Trade approved",
			zap.String("symbol", req.Symbol),
			zap.String("strategy", req.Strategy),
			zap.String("position_usd", approval.PositionUSD.StringFixed(2)))
	} else {
		g.logger.Info("Trade rejected",
			zap.String("symbol", req.Symbol),
			zap.String("strategy", req.Strategy),
			zap.String("stage", approval.Stage),
			zap.String("reason", approval.Rejection))
	}

	if g.onDecision != nil {
		g.onDecision(req, approval)
	}
	return approval
}

func reject(approval TradeApproval, stage, reason string) TradeApproval {
	approval.Approved = false
	approval.PositionUSD = decimal.Zero
	approval.Stage = stage
	approval.Rejection = reason
	return approval
}

func (g *Gate) evaluate(ctx context.Context, req types.TradeRequest) TradeApproval {
	approval := TradeApproval{
		PositionUSD:       decimal.Zero,
		BreakerMultiplier: 1.0,
		RegimeMultiplier:  1.0,
	}

	if err := ctx.Err(); err != nil {
		return reject(approval, StageRequest, fmt.Sprintf("evaluation cancelled: %v", err))
	}
	if req.Symbol == "" {
		return reject(approval, StageRequest, "symbol is required")
	}
	if !req.PortfolioValue.IsPositive() {
		return reject(approval, StageRequest, "portfolio value must be positive")
	}

	if !g.breaker.CanTrade() {
		reason := fmt.Sprintf("drawdown circuit breaker %s", g.breaker.State())
		g.breaker.BlockTrade(reason)
		return reject(approval, StageDrawdown, reason)
	}
	if !g.daily.CanTrade() {
		reason := "daily loss limit reached"
		g.breaker.BlockTrade(reason)
		return reject(approval, StageDaily, reason)
	}

	regimeCfg := g.regime.Config()
	approval.Regime = g.regime.CurrentRegime()
	approval.RegimeMultiplier = regimeCfg.PositionSizeMultiplier
	if req.Strategy != "" && !g.regime.IsStrategyEnabled(req.Strategy) {
		return reject(approval, StageRegime,
			fmt.Sprintf("strategy %s disabled in %s regime", req.Strategy, approval.Regime))
	}

	result, err := g.size(req)
	if err != nil {
		return reject(approval, StageRequest, err.Error())
	}
	approval.Kelly = result
	if result.IsZero() {
		return reject(approval, StageSizing, "insufficient edge")
	}

	usd := g.kelly.OptimalPositionUSD(req.PortfolioValue, result, req.MaxPositionUSD)
	usd = g.regime.AdjustPositionSize(usd)

	approval.BreakerMultiplier = g.breaker.PositionMultiplier()
	usd = usd.Mul(decimal.NewFromFloat(approval.BreakerMultiplier)).Round(2)
	// The caller's cap binds after regime scaling, which can exceed 1.0
	if req.MaxPositionUSD != nil && usd.GreaterThan(*req.MaxPositionUSD) {
		usd = *req.MaxPositionUSD
	}
	if !usd.IsPositive() {
		return reject(approval, StageSizing, "position size rounds to zero")
	}

	if ok, reason := g.tracker.CanAddPosition(req.Symbol, usd, req.PortfolioValue); !ok {
		return reject(approval, StageCorrelation, reason)
	}

	approval.Approved = true
	approval.PositionUSD = usd
	return approval
}

// size dispatches to the Kelly calculator matching the request's edge kind.
func (g *Gate) size(req types.TradeRequest) (sizing.KellyResult, error) {
	switch req.Kind {
	case types.EdgeBinary:
		if req.Binary == nil {
			return sizing.KellyResult{}, errors.New("binary edge is required")
		}
		e := req.Binary
		return g.kelly.CalculateBinary(e.WinProbability, e.WinReturn, e.LossReturn, e.Confidence), nil
	case types.EdgeContinuous:
		if req.Continuous == nil {
			return sizing.KellyResult{}, errors.New("continuous edge is required")
		}
		e := req.Continuous
		return g.kelly.CalculateContinuous(e.ExpectedReturn, e.Volatility, e.Confidence), nil
	case types.EdgeArbitrage:
		if req.Arbitrage == nil {
			return sizing.KellyResult{}, errors.New("arbitrage edge is required")
		}
		e := req.Arbitrage
		return g.kelly.CalculateForArbitrage(e.ProfitPercent, e.ExecutionSuccessRate, e.SlippagePct), nil
	default:
		return sizing.KellyResult{}, fmt.Errorf("unknown edge kind %q", req.Kind)
	}
}
