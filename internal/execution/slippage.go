// Package execution simulates order fills and position accounting for
// paper trading.
package execution

import (
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
)

// FillAction is what the simulator decided to do with a pending order
type FillAction int

const (
	FillNone FillAction = iota
	FillExecute
	FillExpire
)

func (a FillAction) String() string {
	switch a {
	case FillExecute:
		return "fill"
	case FillExpire:
		return "expire"
	default:
		return "none"
	}
}

// FillDecision is the outcome of evaluating an order against a tick
type FillDecision struct {
	Action FillAction
	Price  decimal.Decimal
}

// FillSimulator decides whether and at what price a pending order executes
// against a market tick.
type FillSimulator struct {
	// Slippage is a fraction applied to the last price when the tick carries
	// no bid/ask.
	Slippage decimal.Decimal
}

// NewFillSimulator creates a fill simulator
func NewFillSimulator(slippage decimal.Decimal) *FillSimulator {
	return &FillSimulator{Slippage: slippage}
}

// MarketPrice returns the price a market order on side executes at
func (s *FillSimulator) MarketPrice(side types.OrderSide, tick types.MarketTick) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == types.OrderSideBuy {
		if tick.Ask.IsPositive() {
			return tick.Ask
		}
		return tick.Price.Mul(one.Add(s.Slippage))
	}
	if tick.Bid.IsPositive() {
		return tick.Bid
	}
	return tick.Price.Mul(one.Sub(s.Slippage))
}

// Evaluate checks a pending order against a tick for the same symbol.
// Expiry is checked before any fill.
func (s *FillSimulator) Evaluate(order *types.Order, tick types.MarketTick) FillDecision {
	if order.Status != types.OrderStatusPending || order.Symbol != tick.Symbol {
		return FillDecision{}
	}
	if order.ExpiresAt != nil && !order.ExpiresAt.After(tick.Timestamp) {
		return FillDecision{Action: FillExpire}
	}

	switch order.Type {
	case types.OrderTypeMarket:
		return FillDecision{Action: FillExecute, Price: s.MarketPrice(order.Side, tick)}

	case types.OrderTypeLimit:
		limit := order.LimitPrice
		if order.Side == types.OrderSideBuy && tick.Price.LessThanOrEqual(limit) {
			price := limit
			if tick.Ask.IsPositive() && tick.Ask.LessThan(limit) {
				price = tick.Ask
			}
			return FillDecision{Action: FillExecute, Price: price}
		}
		if order.Side == types.OrderSideSell && tick.Price.GreaterThanOrEqual(limit) {
			price := limit
			if tick.Bid.GreaterThan(limit) {
				price = tick.Bid
			}
			return FillDecision{Action: FillExecute, Price: price}
		}
	}

	return FillDecision{}
}
