package breaker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DailyLossConfig configures the day-scoped loss breaker.
type DailyLossConfig struct {
	MaxDailyLossPct float64          // Halt when the day's loss exceeds this percent of the opening value
	MaxDailyLossUSD *decimal.Decimal // Optional absolute loss cap
	ResetHourUTC    int              // Hour of day (0-23) at which the baseline resets
}

// DefaultDailyLossConfig returns a 5% daily limit resetting at midnight UTC.
func DefaultDailyLossConfig() *DailyLossConfig {
	return &DailyLossConfig{
		MaxDailyLossPct: 5.0,
		ResetHourUTC:    0,
	}
}

// DailyLossStatus is a snapshot of the daily loss breaker.
type DailyLossStatus struct {
	Halted       bool            `json:"halted"`
	HaltReason   string          `json:"halt_reason,omitempty"`
	HaltedAt     *time.Time      `json:"halted_at,omitempty"`
	StartValue   decimal.Decimal `json:"start_value"`
	CurrentValue decimal.Decimal `json:"current_value"`
	DailyPnL     decimal.Decimal `json:"daily_pnl"`
	DailyPnLPct  float64         `json:"daily_pnl_pct"`
	LastReset    time.Time       `json:"last_reset"`
	NextReset    time.Time       `json:"next_reset"`
}

// DailyHalt describes a daily breaker trip.
type DailyHalt struct {
	Reason      string          `json:"reason"`
	StartValue  decimal.Decimal `json:"start_value"`
	Current     decimal.Decimal `json:"current_value"`
	DailyPnLPct float64         `json:"daily_pnl_pct"`
	At          time.Time       `json:"at"`
}

// DailyOption customises a daily loss breaker at construction.
type DailyOption func(*dailyOptions)

type dailyOptions struct {
	now    func() time.Time
	onHalt func(DailyHalt)
}

// WithDailyClock overrides the time source.
func WithDailyClock(now func() time.Time) DailyOption {
	return func(o *dailyOptions) { o.now = now }
}

// WithOnHalt registers a callback invoked when the breaker trips.
func WithOnHalt(fn func(DailyHalt)) DailyOption {
	return func(o *dailyOptions) { o.onHalt = fn }
}

// DailyLossCircuitBreaker halts trading for the rest of the day once the
// day's loss exceeds the configured limits.
type DailyLossCircuitBreaker struct {
	logger *zap.Logger
	config *DailyLossConfig
	now    func() time.Time

	mu         sync.RWMutex
	startValue decimal.Decimal
	current    decimal.Decimal
	lastReset  time.Time
	halted     bool
	haltReason string
	haltedAt   time.Time
	onHalt     func(DailyHalt)
}

// NewDailyLossCircuitBreaker creates a new daily loss breaker
func NewDailyLossCircuitBreaker(logger *zap.Logger, config *DailyLossConfig, opts ...DailyOption) *DailyLossCircuitBreaker {
	if config == nil {
		config = DefaultDailyLossConfig()
	}
	if config.ResetHourUTC < 0 || config.ResetHourUTC > 23 {
		config.ResetHourUTC = 0
	}

	o := dailyOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &DailyLossCircuitBreaker{
		logger: logger.Named("daily-loss"),
		config: config,
		now:    o.now,
		onHalt: o.onHalt,
	}
}

// SetOnHalt replaces the halt callback.
func (d *DailyLossCircuitBreaker) SetOnHalt(fn func(DailyHalt)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onHalt = fn
}

// resetBoundary returns the most recent reset instant at or before t.
func (d *DailyLossCircuitBreaker) resetBoundary(t time.Time) time.Time {
	t = t.UTC()
	boundary := time.Date(t.Year(), t.Month(), t.Day(), d.config.ResetHourUTC, 0, 0, 0, time.UTC)
	if t.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// Update feeds the current portfolio value and reports whether trading is allowed.
func (d *DailyLossCircuitBreaker) Update(currentValue decimal.Decimal) bool {
	d.mu.Lock()

	now := d.now()
	if d.lastReset.Before(d.resetBoundary(now)) {
		// A non-positive value cannot anchor the day; wait for a real valuation.
		if !currentValue.IsPositive() {
			d.logger.Warn("Ignoring non-positive value for daily start",
				zap.String("value", currentValue.String()))
			allowed := !d.halted
			d.mu.Unlock()
			return allowed
		}
		d.startValue = currentValue
		d.lastReset = now
		if d.halted {
			d.logger.Info("Daily loss breaker reset for new trading day",
				zap.String("start_value", currentValue.StringFixed(2)))
		}
		d.halted = false
		d.haltReason = ""
		d.haltedAt = time.Time{}
	}
	d.current = currentValue

	if d.halted {
		d.mu.Unlock()
		return false
	}

	var halt *DailyHalt
	if reason := d.checkLimits(); reason != "" {
		d.halted = true
		d.haltReason = reason
		d.haltedAt = now
		halt = &DailyHalt{
			Reason:      reason,
			StartValue:  d.startValue,
			Current:     d.current,
			DailyPnLPct: d.pnlPct(),
			At:          now,
		}
		d.logger.Warn("Daily loss limit hit, trading halted",
			zap.String("reason", reason),
			zap.String("start_value", d.startValue.StringFixed(2)),
			zap.String("current_value", d.current.StringFixed(2)),
			zap.Float64("daily_pnl_pct", halt.DailyPnLPct))
	}
	callback := d.onHalt
	allowed := !d.halted
	d.mu.Unlock()

	if halt != nil && callback != nil {
		callback(*halt)
	}
	return allowed
}

// checkLimits returns a halt reason, or "" when within limits.
func (d *DailyLossCircuitBreaker) checkLimits() string {
	if !d.startValue.IsPositive() || !d.current.IsPositive() {
		return "non-positive portfolio value"
	}

	if d.pnlPct() < -d.config.MaxDailyLossPct {
		return "daily loss percent limit exceeded"
	}

	if d.config.MaxDailyLossUSD != nil {
		loss := d.startValue.Sub(d.current)
		if loss.GreaterThan(*d.config.MaxDailyLossUSD) {
			return "daily loss USD limit exceeded"
		}
	}

	return ""
}

func (d *DailyLossCircuitBreaker) pnlPct() float64 {
	if !d.startValue.IsPositive() {
		return 0
	}
	return d.current.Sub(d.startValue).Div(d.startValue).Mul(hundred).InexactFloat64()
}

// CanTrade reports whether the breaker currently allows trading.
func (d *DailyLossCircuitBreaker) CanTrade() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.halted
}

// ForceReset clears a halt and restarts the day from value.
func (d *DailyLossCircuitBreaker) ForceReset(value decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startValue = value
	d.current = value
	d.lastReset = d.now()
	d.halted = false
	d.haltReason = ""
	d.haltedAt = time.Time{}

	d.logger.Info("Daily loss breaker manually reset",
		zap.String("start_value", value.StringFixed(2)))
}

// Status returns a snapshot of the breaker.
func (d *DailyLossCircuitBreaker) Status() DailyLossStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := DailyLossStatus{
		Halted:       d.halted,
		HaltReason:   d.haltReason,
		StartValue:   d.startValue,
		CurrentValue: d.current,
		DailyPnL:     d.current.Sub(d.startValue),
		DailyPnLPct:  d.pnlPct(),
		LastReset:    d.lastReset,
		NextReset:    d.resetBoundary(d.now()).AddDate(0, 0, 1),
	}
	if d.halted {
		haltedAt := d.haltedAt
		status.HaltedAt = &haltedAt
	}
	return status
}
