package sizing

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeResult represents a historical trade outcome
type TradeResult struct {
	Symbol    string          `json:"symbol"`
	Strategy  string          `json:"strategy"`
	PnL       decimal.Decimal `json:"pnl"`
	ReturnPct float64         `json:"return_pct"` // Fractional return on capital deployed
}

// IsWin reports whether the trade made money.
func (t *TradeResult) IsWin() bool {
	return t.ReturnPct > 0
}

// TradeStatistics contains trading statistics
type TradeStatistics struct {
	TotalTrades      int     `json:"total_trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	PayoffRatio      float64 `json:"payoff_ratio"`
	Expectancy       float64 `json:"expectancy"`
	KellyOptimal     float64 `json:"kelly_optimal"`
	KellyRecommended float64 `json:"kelly_recommended"`
}

// AddTradeResult adds a trade result for statistics
func (kc *KellyCriterion) AddTradeResult(result *TradeResult) {
	if result == nil {
		return
	}

	kc.mu.Lock()
	defer kc.mu.Unlock()

	kc.tradeHistory = append(kc.tradeHistory, result)

	// Trim to lookback
	if len(kc.tradeHistory) > kc.config.LookbackTrades*2 {
		kc.tradeHistory = kc.tradeHistory[len(kc.tradeHistory)-kc.config.LookbackTrades:]
	}
}

// GetTradeStatistics returns statistics over the most recent LookbackTrades.
func (kc *KellyCriterion) GetTradeStatistics() *TradeStatistics {
	kc.mu.RLock()
	history := kc.tradeHistory
	if len(history) > kc.config.LookbackTrades {
		history = history[len(history)-kc.config.LookbackTrades:]
	}
	trades := make([]*TradeResult, len(history))
	copy(trades, history)
	kc.mu.RUnlock()

	stats := &TradeStatistics{}
	if len(trades) == 0 {
		return stats
	}

	stats.TotalTrades = len(trades)

	var sumWins, sumLosses float64
	for _, trade := range trades {
		if trade.IsWin() {
			stats.Wins++
			sumWins += trade.ReturnPct
		} else {
			stats.Losses++
			sumLosses += math.Abs(trade.ReturnPct)
		}
	}

	stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)

	if stats.Wins > 0 {
		stats.AvgWin = sumWins / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = sumLosses / float64(stats.Losses)
	}
	if stats.AvgLoss > 0 {
		stats.PayoffRatio = stats.AvgWin / stats.AvgLoss
	}

	stats.Expectancy = stats.WinRate*stats.AvgWin - (1-stats.WinRate)*stats.AvgLoss

	result := kc.CalculateFromHistory(stats)
	stats.KellyOptimal = result.FullKelly
	stats.KellyRecommended = result.Recommended

	return stats
}

// CalculateFromHistory sizes from realised trade statistics. Confidence grows
// linearly with the number of trades observed.
func (kc *KellyCriterion) CalculateFromHistory(stats *TradeStatistics) KellyResult {
	if stats == nil || stats.TotalTrades == 0 || stats.Wins == 0 || stats.Losses == 0 {
		return KellyResult{}
	}

	full := kc.config.HistoryFullConfidenceTrades
	if full <= 0 {
		full = 50
	}
	confidence := math.Min(1, float64(stats.TotalTrades)/float64(full))

	kc.logger.Debug("Sizing from trade history",
		zap.Int("trades", stats.TotalTrades),
		zap.Float64("win_rate", stats.WinRate),
		zap.Float64("confidence", confidence))

	return kc.CalculateBinary(stats.WinRate, stats.AvgWin, -stats.AvgLoss, confidence)
}
