package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/engine"
	"github.com/atlas-desktop/risk-engine/internal/events"
	"github.com/atlas-desktop/risk-engine/internal/metrics"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleEventCounts(t *testing.T) {
	m := metrics.NewRegistry(zap.NewNop())

	require.NoError(t, m.HandleEvent(events.NewBreakerTransitionEvent(breaker.Transition{
		From: breaker.StateNormal, To: breaker.StateWarning,
	})))
	require.NoError(t, m.HandleEvent(events.NewDailyHaltEvent(breaker.DailyHalt{Reason: "limit"})))
	require.NoError(t, m.HandleEvent(events.NewRegimeChangeEvent(regime.Change{
		From: regime.RegimeNormal, To: regime.RegimeCrisis, Confidence: 0.95,
	})))
	require.NoError(t, m.HandleEvent(events.NewTradeDecisionEvent("BTC/USDT", "", false, "drawdown", "halted", decimal.Zero)))
	require.NoError(t, m.HandleEvent(events.NewTradeDecisionEvent("BTC/USDT", "", true, "", "", decimal.NewFromInt(10))))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("normal", "warning")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DailyHalts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DailyHalted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegimeSwitches.WithLabelValues("NORMAL", "CRISIS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRegime.WithLabelValues("CRISIS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRegime.WithLabelValues("NORMAL")))
	assert.Equal(t, 0.95, testutil.ToFloat64(m.RegimeConfidence))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradeDecisions.WithLabelValues("blocked", "drawdown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradeDecisions.WithLabelValues("approved", "")))
}

func TestLateEventsDoNotRewindGauges(t *testing.T) {
	m := metrics.NewRegistry(zap.NewNop())
	now := time.Now()

	require.NoError(t, m.HandleEvent(events.NewBreakerTransitionEvent(breaker.Transition{
		From: breaker.StateWarning, To: breaker.StateHalted, At: now,
	})))
	require.NoError(t, m.HandleEvent(events.NewBreakerTransitionEvent(breaker.Transition{
		From: breaker.StateNormal, To: breaker.StateWarning, At: now.Add(-time.Second),
	})))
	require.NoError(t, m.HandleEvent(events.NewRegimeChangeEvent(regime.Change{
		From: regime.RegimeCrisis, To: regime.RegimeNormal, Confidence: 0.5, At: now,
	})))
	require.NoError(t, m.HandleEvent(events.NewRegimeChangeEvent(regime.Change{
		From: regime.RegimeNormal, To: regime.RegimeCrisis, Confidence: 0.95, At: now.Add(-time.Second),
	})))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("normal", "warning")) +
		testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("warning", "halted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRegime.WithLabelValues("NORMAL")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRegime.WithLabelValues("CRISIS")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.RegimeConfidence))
}

func TestObserveSnapshot(t *testing.T) {
	logger := zap.NewNop()
	e := engine.New(logger, engine.DefaultComponents(logger), nil)
	e.UpdatePortfolio(decimal.NewFromInt(1000))
	e.UpdatePortfolio(decimal.NewFromInt(940))

	m := metrics.NewRegistry(logger)
	m.ObserveSnapshot(e.Status())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState))
	assert.InDelta(t, 6.0, testutil.ToFloat64(m.DrawdownPct), 1e-9)
	assert.Equal(t, 0.5, testutil.ToFloat64(m.PositionMultiplier))
	assert.InDelta(t, -6.0, testutil.ToFloat64(m.DailyPnLPct), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DailyHalted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRegime.WithLabelValues("NORMAL")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := metrics.NewRegistry(zap.NewNop())
	m.DailyHalts.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "risk_daily_halts_total 1")
}
