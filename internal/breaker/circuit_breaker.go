package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Config configures the drawdown circuit breaker.
type Config struct {
	Levels []DrawdownLevel // Sorted ascending by threshold on construction

	// A tripped breaker resets only once drawdown falls below
	// threshold * ResetRecoveryRatio (default 0.5) after the cooldown.
	ResetRecoveryRatio float64

	HistorySize int // Transitions kept for History()
}

// DefaultConfig returns the default tiers and half-threshold recovery.
func DefaultConfig() *Config {
	return &Config{
		Levels:             DefaultDrawdownLevels(),
		ResetRecoveryRatio: 0.5,
		HistorySize:        200,
	}
}

// Transition records a circuit breaker state change.
type Transition struct {
	ID           string          `json:"id"`
	From         State           `json:"from"`
	To           State           `json:"to"`
	DrawdownPct  float64         `json:"drawdown_pct"`
	PeakValue    decimal.Decimal `json:"peak_value"`
	CurrentValue decimal.Decimal `json:"current_value"`
	Level        *DrawdownLevel  `json:"level,omitempty"`
	Reason       string          `json:"reason"`
	At           time.Time       `json:"at"`
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	State              State           `json:"state"`
	CanTrade           bool            `json:"can_trade"`
	PositionMultiplier float64         `json:"position_multiplier"`
	PeakValue          decimal.Decimal `json:"peak_value"`
	CurrentValue       decimal.Decimal `json:"current_value"`
	DrawdownPct        float64         `json:"drawdown_pct"`
	TriggeredAt        *time.Time      `json:"triggered_at,omitempty"`
	TriggerLevel       *DrawdownLevel  `json:"trigger_level,omitempty"`
	CooldownRemaining  time.Duration   `json:"cooldown_remaining"`
	BlockedTrades      int64           `json:"blocked_trades"`
	LastBlockReason    string          `json:"last_block_reason,omitempty"`
	Transitions        int             `json:"transitions"`
}

// Option customises a breaker at construction.
type Option func(*options)

type options struct {
	now           func() time.Time
	onStateChange func(Transition)
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOnStateChange registers a callback invoked after every transition.
func WithOnStateChange(fn func(Transition)) Option {
	return func(o *options) { o.onStateChange = fn }
}

// CircuitBreaker is a drawdown-driven trading halt with tiered de-risking.
type CircuitBreaker struct {
	logger *zap.Logger
	config *Config
	now    func() time.Time

	mu            sync.RWMutex
	state         State
	peak          decimal.Decimal
	current       decimal.Decimal
	drawdownPct   float64
	initialized   bool
	triggeredAt   time.Time
	triggerLevel  int // index into config.Levels, -1 when normal
	blockedTrades int64
	lastBlock     string
	transitions   []Transition
	totalChanges  int
	onStateChange func(Transition)
}

// NewCircuitBreaker creates a new drawdown circuit breaker
func NewCircuitBreaker(logger *zap.Logger, config *Config, opts ...Option) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Levels) == 0 {
		config.Levels = DefaultDrawdownLevels()
	}
	if config.ResetRecoveryRatio <= 0 {
		config.ResetRecoveryRatio = 0.5
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 200
	}

	levels := make([]DrawdownLevel, len(config.Levels))
	copy(levels, config.Levels)
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ThresholdPct < levels[j].ThresholdPct
	})
	config.Levels = levels

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &CircuitBreaker{
		logger:        logger.Named("circuit-breaker"),
		config:        config,
		now:           o.now,
		state:         StateNormal,
		triggerLevel:  -1,
		transitions:   make([]Transition, 0, config.HistorySize),
		onStateChange: o.onStateChange,
	}
}

// SetOnStateChange replaces the transition callback.
func (cb *CircuitBreaker) SetOnStateChange(fn func(Transition)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Update feeds the latest portfolio value and returns the resulting state.
func (cb *CircuitBreaker) Update(currentValue decimal.Decimal) State {
	cb.mu.Lock()

	if !cb.initialized && !currentValue.IsPositive() {
		cb.logger.Warn("Ignoring non-positive initial portfolio value",
			zap.String("value", currentValue.String()))
		state := cb.state
		cb.mu.Unlock()
		return state
	}

	cb.current = currentValue
	if !cb.initialized {
		cb.peak = currentValue
		cb.initialized = true
	}

	// The peak only advances while normal so a drawdown cannot be masked
	if cb.state == StateNormal && currentValue.GreaterThan(cb.peak) {
		cb.peak = currentValue
	}

	cb.drawdownPct = cb.calculateDrawdown()

	var transition *Transition
	if cb.state != StateNormal {
		transition = cb.checkAutoReset()
	}
	if transition == nil {
		transition = cb.checkEscalation()
	}

	state := cb.state
	callback := cb.onStateChange
	cb.mu.Unlock()

	if transition != nil && callback != nil {
		callback(*transition)
	}

	return state
}

// calculateDrawdown returns max(0, (peak-current)/peak*100).
func (cb *CircuitBreaker) calculateDrawdown() float64 {
	if !cb.peak.IsPositive() {
		cb.logger.Warn("Non-positive peak value, treating drawdown as zero",
			zap.String("peak", cb.peak.String()))
		if cb.state == StateNormal && cb.current.IsPositive() {
			cb.peak = cb.current
		}
		return 0
	}

	dd := cb.peak.Sub(cb.current).Div(cb.peak).Mul(hundred)
	if dd.IsNegative() {
		return 0
	}
	return dd.InexactFloat64()
}

// checkAutoReset returns NORMAL once the cooldown has elapsed and the
// drawdown has recovered below the reset fraction of the trigger threshold.
func (cb *CircuitBreaker) checkAutoReset() *Transition {
	if cb.triggerLevel < 0 {
		return nil
	}
	level := cb.config.Levels[cb.triggerLevel]

	cooldown := time.Duration(level.CooldownMinutes) * time.Minute
	if cb.now().Sub(cb.triggeredAt) < cooldown {
		return nil
	}
	if cb.drawdownPct >= level.ThresholdPct*cb.config.ResetRecoveryRatio {
		return nil
	}

	// Fresh baseline so recovered noise does not re-trigger immediately
	cb.peak = cb.current
	cb.drawdownPct = 0
	return cb.transition(StateNormal, -1, "recovered after cooldown")
}

// checkEscalation moves to the highest tier whose threshold is breached.
func (cb *CircuitBreaker) checkEscalation() *Transition {
	idx := -1
	for i, level := range cb.config.Levels {
		if level.ThresholdPct <= cb.drawdownPct {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}

	target := cb.config.Levels[idx].State
	if target <= cb.state {
		return nil
	}

	return cb.transition(target, idx, "drawdown threshold breached")
}

// transition applies a state change. Caller holds the write lock.
func (cb *CircuitBreaker) transition(to State, levelIdx int, reason string) *Transition {
	now := cb.now()
	t := Transition{
		ID:           uuid.NewString(),
		From:         cb.state,
		To:           to,
		DrawdownPct:  cb.drawdownPct,
		PeakValue:    cb.peak,
		CurrentValue: cb.current,
		Reason:       reason,
		At:           now,
	}
	if levelIdx >= 0 {
		level := cb.config.Levels[levelIdx]
		t.Level = &level
	}

	cb.state = to
	cb.triggerLevel = levelIdx
	if to == StateNormal {
		cb.triggeredAt = time.Time{}
	} else {
		cb.triggeredAt = now
	}

	cb.totalChanges++
	cb.transitions = append(cb.transitions, t)
	if len(cb.transitions) > cb.config.HistorySize {
		cb.transitions = cb.transitions[len(cb.transitions)-cb.config.HistorySize:]
	}

	fields := []zap.Field{
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Float64("drawdown_pct", t.DrawdownPct),
		zap.String("peak", t.PeakValue.StringFixed(2)),
		zap.String("current", t.CurrentValue.StringFixed(2)),
		zap.String("reason", reason),
	}
	if to > t.From {
		cb.logger.Warn("Circuit breaker escalated", fields...)
	} else {
		cb.logger.Info("Circuit breaker de-escalated", fields...)
	}

	return &t
}

// CanTrade reports whether new positions may be opened.
func (cb *CircuitBreaker) CanTrade() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state != StateHalted
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// PositionMultiplier returns the active tier's size multiplier (1.0 when normal).
func (cb *CircuitBreaker) PositionMultiplier() float64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.positionMultiplier()
}

func (cb *CircuitBreaker) positionMultiplier() float64 {
	if cb.state == StateNormal || cb.triggerLevel < 0 {
		return 1.0
	}
	return cb.config.Levels[cb.triggerLevel].PositionMultiplier
}

// BlockTrade records a rejected trade attempt.
func (cb *CircuitBreaker) BlockTrade(reason string) {
	cb.mu.Lock()
	cb.blockedTrades++
	cb.lastBlock = reason
	count := cb.blockedTrades
	state := cb.state
	cb.mu.Unlock()

	cb.logger.Info("Trade blocked",
		zap.String("reason", reason),
		zap.Stringer("state", state),
		zap.Int64("blocked_total", count))
}

// ForceReset returns the breaker to normal with value as the new peak.
func (cb *CircuitBreaker) ForceReset(value decimal.Decimal) {
	cb.mu.Lock()

	if value.IsPositive() {
		cb.peak = value
		cb.current = value
		cb.initialized = true
	}
	cb.drawdownPct = 0

	var transition *Transition
	if cb.state != StateNormal {
		transition = cb.transition(StateNormal, -1, "manual reset")
	}
	callback := cb.onStateChange
	cb.mu.Unlock()

	if transition != nil && callback != nil {
		callback(*transition)
	}
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	status := Status{
		State:              cb.state,
		CanTrade:           cb.state != StateHalted,
		PositionMultiplier: cb.positionMultiplier(),
		PeakValue:          cb.peak,
		CurrentValue:       cb.current,
		DrawdownPct:        cb.drawdownPct,
		BlockedTrades:      cb.blockedTrades,
		LastBlockReason:    cb.lastBlock,
		Transitions:        cb.totalChanges,
	}

	if cb.state != StateNormal && cb.triggerLevel >= 0 {
		triggeredAt := cb.triggeredAt
		level := cb.config.Levels[cb.triggerLevel]
		status.TriggeredAt = &triggeredAt
		status.TriggerLevel = &level

		cooldown := time.Duration(level.CooldownMinutes) * time.Minute
		if remaining := cooldown - cb.now().Sub(triggeredAt); remaining > 0 {
			status.CooldownRemaining = remaining
		}
	}

	return status
}

// History returns the most recent transitions, oldest first.
func (cb *CircuitBreaker) History(limit int) []Transition {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if limit <= 0 || limit > len(cb.transitions) {
		limit = len(cb.transitions)
	}

	result := make([]Transition, limit)
	copy(result, cb.transitions[len(cb.transitions)-limit:])
	return result
}

// Levels returns the configured tiers in ascending order.
func (cb *CircuitBreaker) Levels() []DrawdownLevel {
	levels := make([]DrawdownLevel, len(cb.config.Levels))
	copy(levels, cb.config.Levels)
	return levels
}
