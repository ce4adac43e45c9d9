package sizing_test

import (
	"testing"

	"github.com/atlas-desktop/risk-engine/internal/sizing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTradeStatistics(t *testing.T) {
	kc := sizing.NewKellyCriterion(zap.NewNop(), &sizing.KellyConfig{
		KellyFraction:               0.5,
		MaxPositionPct:              0.25,
		MinEdge:                     0.0,
		MinConfidence:               0.1,
		LookbackTrades:              10,
		HistoryFullConfidenceTrades: 10,
	})

	assert.Equal(t, 0, kc.GetTradeStatistics().TotalTrades)

	for i := 0; i < 6; i++ {
		kc.AddTradeResult(&sizing.TradeResult{Symbol: "BTC/USDT", ReturnPct: 0.04, PnL: decimal.NewFromInt(40)})
	}
	for i := 0; i < 4; i++ {
		kc.AddTradeResult(&sizing.TradeResult{Symbol: "BTC/USDT", ReturnPct: -0.02, PnL: decimal.NewFromInt(-20)})
	}

	stats := kc.GetTradeStatistics()
	assert.Equal(t, 10, stats.TotalTrades)
	assert.Equal(t, 6, stats.Wins)
	assert.Equal(t, 4, stats.Losses)
	assert.InDelta(t, 0.6, stats.WinRate, 1e-12)
	assert.InDelta(t, 0.04, stats.AvgWin, 1e-12)
	assert.InDelta(t, 0.02, stats.AvgLoss, 1e-12)
	assert.InDelta(t, 2.0, stats.PayoffRatio, 1e-12)
	assert.InDelta(t, 0.6*0.04-0.4*0.02, stats.Expectancy, 1e-12)
	assert.Greater(t, stats.KellyOptimal, 0.0)
	assert.Greater(t, stats.KellyRecommended, 0.0)
}

func TestTradeHistoryIsBounded(t *testing.T) {
	kc := sizing.NewKellyCriterion(zap.NewNop(), &sizing.KellyConfig{
		KellyFraction:  0.5,
		MaxPositionPct: 0.25,
		LookbackTrades: 5,
	})

	for i := 0; i < 50; i++ {
		kc.AddTradeResult(&sizing.TradeResult{ReturnPct: 0.01})
	}

	assert.Equal(t, 5, kc.GetTradeStatistics().TotalTrades)
}

func TestCalculateFromHistoryNeedsWinsAndLosses(t *testing.T) {
	kc := sizing.NewKellyCriterion(zap.NewNop(), nil)

	assert.True(t, kc.CalculateFromHistory(nil).IsZero())
	assert.True(t, kc.CalculateFromHistory(&sizing.TradeStatistics{TotalTrades: 3, Wins: 3}).IsZero())
}
