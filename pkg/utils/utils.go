// Package utils provides numeric and symbol helpers shared by the risk engine.
package utils

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatSymbol normalizes a trading symbol.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)

	// Normalize separators
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	return symbol
}

// SimpleReturns calculates period-over-period simple returns from a price
// series. A zero previous price yields a zero return for that period.
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
	}

	return returns
}

// Mean calculates the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// Pearson calculates the Pearson correlation coefficient of two equally
// sized series. ok is false when either series has zero variance or the
// lengths differ.
func Pearson(x, y []float64) (float64, bool) {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0, false
	}

	mx := Mean(x)
	my := Mean(y)

	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := x[i] - mx
		dy := y[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}

	if vx == 0 || vy == 0 {
		return 0, false
	}

	r := cov / math.Sqrt(vx*vy)

	// Guard against rounding just outside [-1, 1]
	return Clamp(r, -1, 1), true
}

// MeanAbsChange returns the mean absolute single-period change of the
// last lookback+1 prices.
func MeanAbsChange(prices []float64, lookback int) float64 {
	if len(prices) < 2 {
		return 0
	}
	if lookback <= 0 || lookback > len(prices)-1 {
		lookback = len(prices) - 1
	}

	window := prices[len(prices)-lookback-1:]
	sum := 0.0
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i] - window[i-1])
	}

	return sum / float64(lookback)
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}

	return Mean(values[len(values)-period:])
}

// Clamp clamps a value between min and max.
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// FormatPct renders a fraction as a percentage string, e.g. 0.125 -> "12.5%".
func FormatPct(pct float64) string {
	return decimal.NewFromFloat(pct*100).Round(1).String() + "%"
}
