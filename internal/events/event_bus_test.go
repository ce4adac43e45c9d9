package events_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/events"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBus(t *testing.T, cfg events.EventBusConfig) *events.EventBus {
	t.Helper()
	bus := events.NewEventBus(zap.NewNop(), cfg)
	t.Cleanup(bus.Stop)
	return bus
}

func TestPublishSyncRoutesByType(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	var typed, all []events.Event
	bus.Subscribe(events.EventTypeRegimeChange, func(e events.Event) error {
		typed = append(typed, e)
		return nil
	})
	bus.SubscribeAll(func(e events.Event) error {
		all = append(all, e)
		return nil
	})

	bus.PublishSync(events.NewRegimeChangeEvent(regime.Change{From: regime.RegimeNormal, To: regime.RegimeCrisis}))
	bus.PublishSync(events.NewBreakerTransitionEvent(breaker.Transition{From: breaker.StateNormal, To: breaker.StateHalted}))

	require.Len(t, typed, 1)
	assert.Equal(t, events.EventTypeRegimeChange, typed[0].GetType())
	assert.NotEmpty(t, typed[0].GetID())
	assert.Len(t, all, 2)

	stats := bus.GetStats()
	assert.Equal(t, int64(2), stats.EventsPublished)
	assert.Equal(t, int64(2), stats.EventsProcessed)
	assert.Equal(t, int64(2), stats.ActiveSubscribers)
}

func TestPublishDeliversAsynchronously(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventTypeTradeBlocked, func(e events.Event) error {
		received <- e
		return nil
	})

	bus.Publish(events.NewTradeDecisionEvent("BTC/USDT", "arbitrage", false, "drawdown", "halted", decimal.Zero))

	select {
	case e := <-received:
		decision, ok := e.(*events.TradeDecisionEvent)
		require.True(t, ok)
		assert.Equal(t, "BTC/USDT", decision.Symbol)
		assert.False(t, decision.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHandlerErrorsAndPanicsAreCounted(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	bus.SubscribeAll(func(events.Event) error { return errors.New("boom") })
	bus.SubscribeAll(func(events.Event) error { panic("boom") })

	bus.PublishSync(events.NewDailyHaltEvent(breaker.DailyHalt{Reason: "limit"}))

	assert.Equal(t, int64(2), bus.GetStats().ProcessingErrors)
}

func TestUnsubscribe(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	calls := 0
	sub := bus.SubscribeAll(func(events.Event) error {
		calls++
		return nil
	})

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.PublishSync(events.NewDailyHaltEvent(breaker.DailyHalt{}))

	assert.Equal(t, 0, calls)
	assert.False(t, sub.IsActive())
	assert.Equal(t, int64(0), bus.GetStats().ActiveSubscribers)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := newBus(t, events.EventBusConfig{NumWorkers: 1, BufferSize: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	bus.SubscribeAll(func(events.Event) error {
		if first {
			first = false
			close(started)
			<-release
		}
		return nil
	})

	bus.Publish(events.NewDailyHaltEvent(breaker.DailyHalt{}))
	<-started

	bus.Publish(events.NewDailyHaltEvent(breaker.DailyHalt{}))
	bus.Publish(events.NewDailyHaltEvent(breaker.DailyHalt{}))
	close(release)

	assert.Equal(t, int64(1), bus.GetStats().EventsDropped)
}

func TestTradeDecisionEventType(t *testing.T) {
	approved := events.NewTradeDecisionEvent("ETH/USDT", "", true, "", "", decimal.NewFromInt(100))
	assert.Equal(t, events.EventTypeTradeApproved, approved.GetType())
	assert.False(t, approved.GetTimestamp().IsZero())
}
