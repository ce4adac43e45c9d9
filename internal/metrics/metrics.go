// Package metrics exposes the risk engine's state as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/engine"
	"github.com/atlas-desktop/risk-engine/internal/events"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry holds every risk engine metric on a private Prometheus registry.
type Registry struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	// Drawdown breaker
	BreakerState       prometheus.Gauge
	DrawdownPct        prometheus.Gauge
	PositionMultiplier prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	// Daily loss breaker
	DailyPnLPct prometheus.Gauge
	DailyHalted prometheus.Gauge
	DailyHalts  prometheus.Counter

	// Regime
	ActiveRegime     *prometheus.GaugeVec
	RegimeConfidence prometheus.Gauge
	RegimeSwitches   *prometheus.CounterVec

	// Correlation
	ExposureRatio prometheus.Gauge

	// Gate
	TradeDecisions *prometheus.CounterVec

	// Events arrive asynchronously; gauges only move forward in time.
	mu        sync.Mutex
	breakerAt time.Time
	regimeAt  time.Time
}

// NewRegistry creates and registers all risk metrics.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		logger:   logger.Named("metrics"),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_breaker_state",
				Help: "Drawdown breaker state (0=normal, 1=caution, 2=warning, 3=halted)",
			},
		),

		DrawdownPct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_drawdown_percent",
				Help: "Current drawdown from peak in percent",
			},
		),

		PositionMultiplier: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_position_multiplier",
				Help: "Position size multiplier applied by the drawdown breaker",
			},
		),

		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "risk_breaker_transitions_total",
				Help: "Total drawdown breaker transitions by from/to state",
			},
			[]string{"from", "to"},
		),

		DailyPnLPct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_daily_pnl_percent",
				Help: "PnL since the last daily reset in percent",
			},
		),

		DailyHalted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_daily_halted",
				Help: "1 when the daily loss breaker has halted trading",
			},
		),

		DailyHalts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "risk_daily_halts_total",
				Help: "Total daily loss breaker trips",
			},
		),

		ActiveRegime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "risk_active_regime",
				Help: "1 for the currently detected market regime, 0 otherwise",
			},
			[]string{"regime"},
		),

		RegimeConfidence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_regime_confidence",
				Help: "Confidence of the current regime classification (0.0 to 1.0)",
			},
		),

		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "risk_regime_switches_total",
				Help: "Total regime switches by from/to regime",
			},
			[]string{"from_regime", "to_regime"},
		),

		ExposureRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "risk_effective_exposure_ratio",
				Help: "Correlation-weighted exposure as a fraction of the portfolio",
			},
		),

		TradeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "risk_trade_decisions_total",
				Help: "Trade gate decisions by outcome and rejecting stage",
			},
			[]string{"decision", "stage"},
		),
	}

	r.registry.MustRegister(
		r.BreakerState,
		r.DrawdownPct,
		r.PositionMultiplier,
		r.BreakerTransitions,
		r.DailyPnLPct,
		r.DailyHalted,
		r.DailyHalts,
		r.ActiveRegime,
		r.RegimeConfidence,
		r.RegimeSwitches,
		r.ExposureRatio,
		r.TradeDecisions,
	)

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the registry to every event on the bus.
func (r *Registry) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(r.HandleEvent)
}

// HandleEvent updates counters from a bus event.
func (r *Registry) HandleEvent(event events.Event) error {
	switch e := event.(type) {
	case *events.BreakerTransitionEvent:
		r.BreakerTransitions.WithLabelValues(e.Transition.From.String(), e.Transition.To.String()).Inc()
		r.mu.Lock()
		if !e.Transition.At.Before(r.breakerAt) {
			r.breakerAt = e.Transition.At
			r.BreakerState.Set(float64(e.Transition.To))
		}
		r.mu.Unlock()
	case *events.DailyHaltEvent:
		r.DailyHalts.Inc()
		r.DailyHalted.Set(1)
	case *events.RegimeChangeEvent:
		r.RegimeSwitches.WithLabelValues(string(e.Change.From), string(e.Change.To)).Inc()
		r.mu.Lock()
		if !e.Change.At.Before(r.regimeAt) {
			r.regimeAt = e.Change.At
			r.setRegime(e.Change.To, e.Change.Confidence)
		}
		r.mu.Unlock()
	case *events.TradeDecisionEvent:
		decision := "blocked"
		if e.Approved {
			decision = "approved"
		}
		r.TradeDecisions.WithLabelValues(decision, e.Stage).Inc()
	default:
		r.logger.Debug("Ignoring event", zap.String("type", string(event.GetType())))
	}
	return nil
}

// ObserveSnapshot refreshes every gauge from an engine snapshot.
func (r *Registry) ObserveSnapshot(s engine.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.breakerAt = now
	r.regimeAt = now

	r.BreakerState.Set(float64(s.Breaker.State))
	r.DrawdownPct.Set(s.Breaker.DrawdownPct)
	r.PositionMultiplier.Set(s.Breaker.PositionMultiplier)

	r.DailyPnLPct.Set(s.Daily.DailyPnLPct)
	if s.Daily.Halted {
		r.DailyHalted.Set(1)
	} else {
		r.DailyHalted.Set(0)
	}

	r.setRegime(s.Regime.CurrentRegime, s.Regime.Confidence)
	r.ExposureRatio.Set(s.Assessment.ExposureRatio)
}

func (r *Registry) setRegime(current regime.Regime, confidence float64) {
	for _, candidate := range regime.AllRegimes {
		value := 0.0
		if candidate == current {
			value = 1
		}
		r.ActiveRegime.WithLabelValues(string(candidate)).Set(value)
	}
	r.RegimeConfidence.Set(confidence)
}
