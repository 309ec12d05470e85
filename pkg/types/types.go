// Package types provides shared type definitions for the strategy simulator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade or position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide returns the order side that opens a position on this side
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that reduces a position on this side
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide returns the position side a fill on this order side builds
func (s OrderSide) PositionSide() Side {
	if s == OrderSideSell {
		return SideShort
	}
	return SideLong
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed
func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusPending
}

// ExitReason explains why a trade was closed
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonSignal     ExitReason = "signal"
	ExitReasonEndOfData  ExitReason = "end_of_data"
	ExitReasonManual     ExitReason = "manual"
)

// OrderIntent records what an order was submitted for
type OrderIntent string

const (
	IntentEntry  OrderIntent = "entry"
	IntentExit   OrderIntent = "exit"
	IntentManual OrderIntent = "manual"
)

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval, or zero for an unknown timeframe
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// OHLCV represents a single price bar
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// MarketTick represents one real-time price update. Zero Bid, Ask or
// Volume means the feed did not supply it.
type MarketTick struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
}

// Trade is a backtest round trip. Exit fields are populated together when
// the trade closes, after which it is never modified.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryTime  time.Time       `json:"entryTime"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit decimal.Decimal `json:"takeProfit,omitempty"`
	EntryFees  decimal.Decimal `json:"entryFees"`

	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`
	ExitTime   *time.Time      `json:"exitTime,omitempty"`
	ExitReason ExitReason      `json:"exitReason,omitempty"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     decimal.Decimal `json:"pnlPct"`
	Fees       decimal.Decimal `json:"fees"`
}

// IsOpen reports whether the trade has not been closed yet
func (t *Trade) IsOpen() bool {
	return t.ExitTime == nil
}

// Position represents an open paper-trading position
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	EntryFees     decimal.Decimal `json:"entryFees"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	OpenedAt      time.Time       `json:"openedAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ClosingTrade records the realized part of a paper position
type ClosingTrade struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	PositionID string          `json:"positionId"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	ExitReason ExitReason      `json:"exitReason"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     decimal.Decimal `json:"pnlPct"`
	Fees       decimal.Decimal `json:"fees"`
}

// Fill is one execution against an order
type Fill struct {
	OrderID    string          `json:"orderId"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Order represents a simulated paper-trading order
type Order struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limitPrice,omitempty"`
	Status       OrderStatus     `json:"status"`
	Intent       OrderIntent     `json:"intent"`
	ExitReason   ExitReason      `json:"exitReason,omitempty"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Commission   decimal.Decimal `json:"commission"`
	Fills        []Fill          `json:"fills,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	FilledAt     *time.Time      `json:"filledAt,omitempty"`
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Timestamp  time.Time       `json:"timestamp"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Cash       decimal.Decimal `json:"cash"`
	Drawdown   decimal.Decimal `json:"drawdown"`
}

// PerformanceMetrics summarizes closed trades and the equity curve.
// Percentages are expressed on a 0-100 scale. AvgLoss and LargestLoss keep
// the sign of the losing PnL, so they are zero or negative.
type PerformanceMetrics struct {
	TotalTrades     int                 `json:"totalTrades"`
	WinningTrades   int                 `json:"winningTrades"`
	LosingTrades    int                 `json:"losingTrades"`
	WinRate         decimal.Decimal     `json:"winRate"`
	ProfitFactor    decimal.NullDecimal `json:"profitFactor"`
	AvgWin          decimal.Decimal     `json:"avgWin"`
	AvgLoss         decimal.Decimal     `json:"avgLoss"`
	LargestWin      decimal.Decimal     `json:"largestWin"`
	LargestLoss     decimal.Decimal     `json:"largestLoss"`
	Expectancy      decimal.Decimal     `json:"expectancy"`
	TotalPnL        decimal.Decimal     `json:"totalPnl"`
	TotalFees       decimal.Decimal     `json:"totalFees"`
	TotalReturn     decimal.Decimal     `json:"totalReturn"`
	Volatility      decimal.Decimal     `json:"volatility"`
	SharpeRatio     decimal.Decimal     `json:"sharpeRatio"`
	SortinoRatio    decimal.Decimal     `json:"sortinoRatio"`
	MaxDrawdown     decimal.Decimal     `json:"maxDrawdown"`
	MaxDrawdownDate time.Time           `json:"maxDrawdownDate"`
	FinalCapital    decimal.Decimal     `json:"finalCapital"`
	PeakCapital     decimal.Decimal     `json:"peakCapital"`
	LowestCapital   decimal.Decimal     `json:"lowestCapital"`
	AvgHoldingTime  time.Duration       `json:"avgHoldingTime"`
}

// RiskMetrics represents tail-risk metrics over per-step returns
type RiskMetrics struct {
	VaR95  decimal.Decimal `json:"var95"`
	VaR99  decimal.Decimal `json:"var99"`
	CVaR95 decimal.Decimal `json:"cvar95"`
}

// MonteCarloResult represents trade-resampling results
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
}
