package breaker_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestCircuitBreakerEscalation(t *testing.T) {
	clock := newClock()
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil, breaker.WithClock(clock.Now))

	want := []breaker.State{
		breaker.StateNormal,
		breaker.StateCaution,
		breaker.StateWarning,
		breaker.StateHalted,
	}
	for i, value := range []float64{1000, 950, 900, 850} {
		assert.Equal(t, want[i], cb.Update(d(value)), "value=%v", value)
	}

	assert.False(t, cb.CanTrade())
	assert.Equal(t, 0.0, cb.PositionMultiplier())

	status := cb.Status()
	assert.InDelta(t, 15.0, status.DrawdownPct, 1e-9)
	assert.True(t, status.PeakValue.Equal(d(1000)))
	require.NotNil(t, status.TriggerLevel)
	assert.Equal(t, breaker.StateHalted, status.TriggerLevel.State)
	assert.Equal(t, 240*time.Minute, status.CooldownRemaining)
	assert.Len(t, cb.History(0), 3)
}

func TestCircuitBreakerSkipsTiers(t *testing.T) {
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil)

	cb.Update(d(1000))
	assert.Equal(t, breaker.StateWarning, cb.Update(d(880)))
	assert.Equal(t, 0.25, cb.PositionMultiplier())
	assert.True(t, cb.CanTrade())
}

func TestCircuitBreakerRecoveryOrdering(t *testing.T) {
	clock := newClock()
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil, breaker.WithClock(clock.Now))

	cb.Update(d(1000))
	require.Equal(t, breaker.StateCaution, cb.Update(d(940)))
	assert.Equal(t, 0.5, cb.PositionMultiplier())

	// 3% drawdown is above half the 5% threshold
	assert.Equal(t, breaker.StateCaution, cb.Update(d(970)))
	clock.Advance(61 * time.Minute)
	assert.Equal(t, breaker.StateCaution, cb.Update(d(970)))

	assert.Equal(t, breaker.StateNormal, cb.Update(d(980)))
	assert.True(t, cb.Status().PeakValue.Equal(d(980)))
	assert.Equal(t, 1.0, cb.PositionMultiplier())

	// 3% below the new peak does not re-trigger
	assert.Equal(t, breaker.StateNormal, cb.Update(d(950.6)))
}

func TestCircuitBreakerNoResetBeforeCooldown(t *testing.T) {
	clock := newClock()
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil, breaker.WithClock(clock.Now))

	cb.Update(d(1000))
	cb.Update(d(940))
	clock.Advance(30 * time.Minute)

	assert.Equal(t, breaker.StateCaution, cb.Update(d(1000)))
}

func TestCircuitBreakerPeakFrozenWhileTripped(t *testing.T) {
	clock := newClock()
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil, breaker.WithClock(clock.Now))

	cb.Update(d(1000))
	require.Equal(t, breaker.StateWarning, cb.Update(d(890)))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, breaker.StateWarning, cb.Update(d(1100)))
	assert.True(t, cb.Status().PeakValue.Equal(d(1000)), "peak must not advance outside normal")

	clock.Advance(2 * time.Hour)
	assert.Equal(t, breaker.StateNormal, cb.Update(d(1100)))
	assert.True(t, cb.Status().PeakValue.Equal(d(1100)))
}

func TestCircuitBreakerIgnoresNonPositiveFirstValue(t *testing.T) {
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil)

	assert.Equal(t, breaker.StateNormal, cb.Update(decimal.Zero))
	assert.Equal(t, breaker.StateNormal, cb.Update(d(-10)))
	assert.True(t, cb.Status().PeakValue.IsZero())

	cb.Update(d(500))
	assert.True(t, cb.Status().PeakValue.Equal(d(500)))
}

func TestCircuitBreakerCallbackAndForceReset(t *testing.T) {
	clock := newClock()
	var transitions []breaker.Transition
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil,
		breaker.WithClock(clock.Now),
		breaker.WithOnStateChange(func(tr breaker.Transition) {
			transitions = append(transitions, tr)
		}))

	cb.Update(d(1000))
	cb.Update(d(800))
	require.Len(t, transitions, 1)
	assert.Equal(t, breaker.StateNormal, transitions[0].From)
	assert.Equal(t, breaker.StateHalted, transitions[0].To)
	assert.NotEmpty(t, transitions[0].ID)

	cb.ForceReset(d(800))
	require.Len(t, transitions, 2)
	assert.Equal(t, breaker.StateNormal, cb.State())
	assert.True(t, cb.CanTrade())
	assert.True(t, cb.Status().PeakValue.Equal(d(800)))

	// reset while already normal is silent
	cb.ForceReset(d(900))
	assert.Len(t, transitions, 2)
}

func TestCircuitBreakerBlockTrade(t *testing.T) {
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil)

	cb.BlockTrade("halted")
	cb.BlockTrade("halted again")

	status := cb.Status()
	assert.Equal(t, int64(2), status.BlockedTrades)
	assert.Equal(t, "halted again", status.LastBlockReason)
}

func TestCircuitBreakerHistoryLimit(t *testing.T) {
	clock := newClock()
	cb := breaker.NewCircuitBreaker(zap.NewNop(), &breaker.Config{HistorySize: 2}, breaker.WithClock(clock.Now))

	cb.Update(d(1000))
	cb.Update(d(950))
	cb.Update(d(900))
	cb.Update(d(850))

	history := cb.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, breaker.StateWarning, history[0].To)
	assert.Equal(t, breaker.StateHalted, history[1].To)

	latest := cb.History(1)
	require.Len(t, latest, 1)
	assert.Equal(t, breaker.StateHalted, latest[0].To)
	assert.Equal(t, 3, cb.Status().Transitions)
}

func TestCircuitBreakerSortsLevels(t *testing.T) {
	cb := breaker.NewCircuitBreaker(zap.NewNop(), &breaker.Config{
		Levels: []breaker.DrawdownLevel{
			{ThresholdPct: 20, State: breaker.StateHalted, CooldownMinutes: 10},
			{ThresholdPct: 8, State: breaker.StateCaution, PositionMultiplier: 0.6, CooldownMinutes: 10},
		},
	})

	levels := cb.Levels()
	require.Len(t, levels, 2)
	assert.Equal(t, 8.0, levels[0].ThresholdPct)

	cb.Update(d(100))
	assert.Equal(t, breaker.StateCaution, cb.Update(d(90)))
	assert.Equal(t, 0.6, cb.PositionMultiplier())
}

func TestParseState(t *testing.T) {
	s, err := breaker.ParseState(" Warning ")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateWarning, s)

	_, err = breaker.ParseState("panic")
	assert.Error(t, err)

	text, err := breaker.StateHalted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "halted", string(text))
}

func TestCircuitBreakerConcurrentUpdates(t *testing.T) {
	var callbacks atomic.Int64
	cb := breaker.NewCircuitBreaker(zap.NewNop(), nil,
		breaker.WithOnStateChange(func(breaker.Transition) { callbacks.Add(1) }))
	cb.Update(d(1000))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if g%2 == 0 {
					cb.Update(d(float64(1000 + i)))
				} else {
					cb.Update(d(float64(1000 - 2*i)))
				}
				cb.BlockTrade("load")
			}
		}(g)
	}
	wg.Wait()

	status := cb.Status()
	peak := status.PeakValue.InexactFloat64()
	current := status.CurrentValue.InexactFloat64()
	want := (peak - current) / peak * 100
	if want < 0 {
		want = 0
	}
	assert.InDelta(t, want, status.DrawdownPct, 1e-9)
	assert.Equal(t, int64(800), status.BlockedTrades)

	history := cb.History(0)
	require.Len(t, history, status.Transitions)
	assert.Equal(t, int64(status.Transitions), callbacks.Load())
	for i, tr := range history {
		assert.Greater(t, tr.To, tr.From, "only escalations before any cooldown elapses")
		if i > 0 {
			assert.Equal(t, history[i-1].To, tr.From, "transitions must chain")
		}
	}
	if len(history) > 0 {
		assert.Equal(t, history[len(history)-1].To, status.State)
	} else {
		assert.Equal(t, breaker.StateNormal, status.State)
	}
}
