// Package events provides the in-process event bus that carries risk events
// (breaker transitions, daily halts, regime changes, trade decisions) from
// the engine to observers such as the WebSocket hub and metrics.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeBreakerTransition EventType = "breaker_transition"
	EventTypeDailyHalt         EventType = "daily_halt"
	EventTypeRegimeChange      EventType = "regime_change"
	EventTypeTradeBlocked      EventType = "trade_blocked"
	EventTypeTradeApproved     EventType = "trade_approved"
)

// Event is the base interface for all risk events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(eventType EventType, ts time.Time) BaseEvent {
	if ts.IsZero() {
		ts = time.Now()
	}
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: ts,
	}
}

// BreakerTransitionEvent reports a drawdown circuit breaker state change.
type BreakerTransitionEvent struct {
	BaseEvent
	Transition breaker.Transition `json:"transition"`
}

// DailyHaltEvent reports that the daily loss breaker tripped.
type DailyHaltEvent struct {
	BaseEvent
	Halt breaker.DailyHalt `json:"halt"`
}

// RegimeChangeEvent reports a new market regime.
type RegimeChangeEvent struct {
	BaseEvent
	Change regime.Change `json:"change"`
}

// TradeDecisionEvent reports the outcome of a trade evaluation.
type TradeDecisionEvent struct {
	BaseEvent
	Symbol      string          `json:"symbol"`
	Strategy    string          `json:"strategy,omitempty"`
	Approved    bool            `json:"approved"`
	Stage       string          `json:"stage,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	PositionUSD decimal.Decimal `json:"position_usd"`
}

// NewBreakerTransitionEvent wraps a breaker transition.
func NewBreakerTransitionEvent(t breaker.Transition) *BreakerTransitionEvent {
	return &BreakerTransitionEvent{
		BaseEvent:  newBaseEvent(EventTypeBreakerTransition, t.At),
		Transition: t,
	}
}

// NewDailyHaltEvent wraps a daily halt.
func NewDailyHaltEvent(h breaker.DailyHalt) *DailyHaltEvent {
	return &DailyHaltEvent{
		BaseEvent: newBaseEvent(EventTypeDailyHalt, h.At),
		Halt:      h,
	}
}

// NewRegimeChangeEvent wraps a regime change.
func NewRegimeChangeEvent(c regime.Change) *RegimeChangeEvent {
	return &RegimeChangeEvent{
		BaseEvent: newBaseEvent(EventTypeRegimeChange, c.At),
		Change:    c,
	}
}

// NewTradeDecisionEvent creates a trade_approved or trade_blocked event.
func NewTradeDecisionEvent(symbol, strategy string, approved bool, stage, reason string, positionUSD decimal.Decimal) *TradeDecisionEvent {
	eventType := EventTypeTradeBlocked
	if approved {
		eventType = EventTypeTradeApproved
	}
	return &TradeDecisionEvent{
		BaseEvent:   newBaseEvent(eventType, time.Time{}),
		Symbol:      symbol,
		Strategy:    strategy,
		Approved:    approved,
		Stage:       stage,
		Reason:      reason,
		PositionUSD: positionUSD,
	}
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType // "*" for all events
	Handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus throughput
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	MaxLatencyNs      int64 `json:"max_latency_ns"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 2,
		BufferSize: 1024,
	}
}

// EventBus routes events to subscribers on a small worker pool. Publish never
// blocks the caller, so engine locks are never held across delivery.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
	maxLatency        atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *zap.Logger
}

// NewEventBus creates an event bus and starts its workers
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultEventBusConfig().NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultEventBusConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)

	return eb
}

// worker processes events from the channel
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)

			latency := time.Since(start).Nanoseconds()
			for {
				current := eb.maxLatency.Load()
				if latency <= current || eb.maxLatency.CompareAndSwap(current, latency) {
					break
				}
			}
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		if sub.active.Load() {
			eb.executeHandler(sub, event)
		}
	}
	for _, sub := range allSubs {
		if sub.active.Load() {
			eb.executeHandler(sub, event)
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)

	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: "*",
		Handler:   handler,
	}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)

	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event for delivery without blocking.
// If the buffer is full, the event is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync delivers an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop shuts down the event bus gracefully
func (eb *EventBus) Stop() {
	eb.once.Do(func() {
		eb.logger.Info("Shutting down EventBus...")
		eb.cancel()

		done := make(chan struct{})
		go func() {
			eb.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			eb.logger.Info("EventBus shutdown complete",
				zap.Int64("events_processed", eb.eventsProcessed.Load()),
				zap.Int64("events_dropped", eb.eventsDropped.Load()),
			)
		case <-time.After(5 * time.Second):
			eb.logger.Warn("EventBus shutdown timed out")
		}
	})
}
