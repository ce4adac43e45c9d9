// Package types provides shared type definitions for the risk engine.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// ParsePositionSide normalizes a direction string. Anything that is not
// recognisably short is treated as long.
func ParsePositionSide(s string) PositionSide {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "sell", "no":
		return PositionSideShort
	default:
		return PositionSideLong
	}
}

// Position is an open position registered with the engine by the caller.
// The engine keeps a shallow copy; the caller owns the authoritative list.
type Position struct {
	Symbol    string          `json:"symbol"`
	Size      decimal.Decimal `json:"size"`
	Value     decimal.Decimal `json:"value"`
	Direction PositionSide    `json:"direction"`
	EntryTime time.Time       `json:"entryTime"`
}

// PriceTick is a single price observation pushed by a market-data client.
type PriceTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// EdgeKind selects how a trade request describes its edge.
type EdgeKind string

const (
	EdgeBinary     EdgeKind = "binary"
	EdgeContinuous EdgeKind = "continuous"
	EdgeArbitrage  EdgeKind = "arbitrage"
)

// BinaryEdge describes a two-outcome bet.
type BinaryEdge struct {
	WinProbability float64 `json:"winProbability"`
	WinReturn      float64 `json:"winReturn"`
	LossReturn     float64 `json:"lossReturn"`
	Confidence     float64 `json:"confidence"`
}

// ContinuousEdge describes a position with a normally distributed return.
type ContinuousEdge struct {
	ExpectedReturn float64 `json:"expectedReturn"`
	Volatility     float64 `json:"volatility"`
	Confidence     float64 `json:"confidence"`
}

// ArbitrageEdge describes a cross-venue arbitrage opportunity. Percentages
// are expressed in percent (3.0 == 3%).
type ArbitrageEdge struct {
	ProfitPercent        float64 `json:"profitPercent"`
	ExecutionSuccessRate float64 `json:"executionSuccessRate"`
	SlippagePct          float64 `json:"slippagePct"`
}

// TradeRequest is what a strategy scanner asks the engine before sizing.
type TradeRequest struct {
	Symbol         string           `json:"symbol"`
	Strategy       string           `json:"strategy"`
	Direction      PositionSide     `json:"direction"`
	PortfolioValue decimal.Decimal  `json:"portfolioValue"`
	MaxPositionUSD *decimal.Decimal `json:"maxPositionUsd,omitempty"`
	Kind           EdgeKind         `json:"kind"`
	Binary         *BinaryEdge      `json:"binary,omitempty"`
	Continuous     *ContinuousEdge  `json:"continuous,omitempty"`
	Arbitrage      *ArbitrageEdge   `json:"arbitrage,omitempty"`
}
