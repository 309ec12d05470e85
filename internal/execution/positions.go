package execution

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FillOutcome describes how a fill changed the book
type FillOutcome struct {
	// Position is the position after the fill, nil when it went flat.
	Position *types.Position
	// Closed is set when the fill reduced an existing position.
	Closed  *types.ClosingTrade
	Opened  bool
	Flipped bool
}

// PositionBook keeps cash and net positions per symbol for one session.
// Buys pay notional plus commission; sells receive notional minus
// commission, so a short adds cash and owes the mark-to-market value back.
type PositionBook struct {
	mu          sync.RWMutex
	sessionID   string
	initialCash decimal.Decimal
	cash        decimal.Decimal
	feeRate     decimal.Decimal

	positions map[string]*types.Position // by id
	bySymbol  map[string]string
	marks     map[string]decimal.Decimal
	closed    []types.ClosingTrade
	realized  decimal.Decimal
}

// NewPositionBook creates a book funded with initialCash
func NewPositionBook(sessionID string, initialCash, commission decimal.Decimal) *PositionBook {
	return &PositionBook{
		sessionID:   sessionID,
		initialCash: initialCash,
		cash:        initialCash,
		feeRate:     commission,
		positions:   make(map[string]*types.Position),
		bySymbol:    make(map[string]string),
		marks:       make(map[string]decimal.Decimal),
	}
}

// Commission returns the fee for a notional value
func (pb *PositionBook) Commission(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(pb.feeRate)
}

// CanAfford reports whether cash covers qty at price plus commission
func (pb *PositionBook) CanAfford(qty, price decimal.Decimal) bool {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	notional := qty.Mul(price)
	return notional.Add(pb.Commission(notional)).LessThanOrEqual(pb.cash)
}

// Cash returns available cash
func (pb *PositionBook) Cash() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.cash
}

// InitialCash returns the starting cash
func (pb *PositionBook) InitialCash() decimal.Decimal {
	return pb.initialCash
}

// RealizedPnL returns the sum of closing trade results
func (pb *PositionBook) RealizedPnL() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.realized
}

// ApplyFill books a filled order. reason tags the closing trade when the
// fill reduces a position.
func (pb *PositionBook) ApplyFill(order *types.Order, fill types.Fill, reason types.ExitReason) (FillOutcome, error) {
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return FillOutcome{}, types.NewInvariantError("apply_fill",
			"order %s: fill price %s and quantity %s must be positive", order.ID, fill.Price, fill.Quantity)
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	notional := fill.Quantity.Mul(fill.Price)
	if order.Side == types.OrderSideBuy {
		pb.cash = pb.cash.Sub(notional).Sub(fill.Commission)
	} else {
		pb.cash = pb.cash.Add(notional).Sub(fill.Commission)
	}
	pb.marks[order.Symbol] = fill.Price

	fillSide := order.Side.PositionSide()
	pos := pb.positionFor(order.Symbol)

	switch {
	case pos == nil:
		pos = &types.Position{
			ID:         utils.GeneratePositionID(),
			Symbol:     order.Symbol,
			Side:       fillSide,
			Quantity:   fill.Quantity,
			EntryPrice: fill.Price,
			EntryFees:  fill.Commission,
			OpenedAt:   fill.Timestamp,
		}
		pb.positions[pos.ID] = pos
		pb.bySymbol[pos.Symbol] = pos.ID
		pb.markPosition(pos, fill.Price, fill.Timestamp)
		return FillOutcome{Position: copyPosition(pos), Opened: true}, nil

	case pos.Side == fillSide:
		total := pos.Quantity.Add(fill.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(notional).Div(total)
		pos.Quantity = total
		pos.EntryFees = pos.EntryFees.Add(fill.Commission)
		pb.markPosition(pos, fill.Price, fill.Timestamp)
		return FillOutcome{Position: copyPosition(pos)}, nil
	}

	// Opposing fill: reduce, close or flip.
	closeQty := utils.MinDecimal(pos.Quantity, fill.Quantity)
	closeCommission := fill.Commission.Mul(closeQty).Div(fill.Quantity)
	entryFeeShare := pos.EntryFees.Mul(closeQty).Div(pos.Quantity)
	gross := grossPnL(pos.Side, closeQty, pos.EntryPrice, fill.Price)
	pnl := gross.Sub(entryFeeShare).Sub(closeCommission)

	closing := types.ClosingTrade{
		ID:         utils.GenerateTradeID(),
		SessionID:  pb.sessionID,
		PositionID: pos.ID,
		OrderID:    order.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  fill.Price,
		Quantity:   closeQty,
		EntryTime:  pos.OpenedAt,
		ExitTime:   fill.Timestamp,
		ExitReason: reason,
		PnL:        pnl,
		PnLPct:     pnl.Div(closeQty.Mul(pos.EntryPrice)).Mul(hundred),
		Fees:       entryFeeShare.Add(closeCommission),
	}
	pb.closed = append(pb.closed, closing)
	pb.realized = pb.realized.Add(pnl)

	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.EntryFees = pos.EntryFees.Sub(entryFeeShare)
	pos.Quantity = pos.Quantity.Sub(closeQty)

	outcome := FillOutcome{Closed: &closing}
	residual := fill.Quantity.Sub(closeQty)

	switch {
	case pos.Quantity.IsPositive():
		pb.markPosition(pos, fill.Price, fill.Timestamp)
		outcome.Position = copyPosition(pos)

	case residual.IsPositive():
		pos.Side = fillSide
		pos.Quantity = residual
		pos.EntryPrice = fill.Price
		pos.EntryFees = fill.Commission.Sub(closeCommission)
		pos.OpenedAt = fill.Timestamp
		pos.StopLoss = decimal.Zero
		pos.TakeProfit = decimal.Zero
		pb.markPosition(pos, fill.Price, fill.Timestamp)
		outcome.Position = copyPosition(pos)
		outcome.Flipped = true

	default:
		delete(pb.positions, pos.ID)
		delete(pb.bySymbol, pos.Symbol)
	}
	return outcome, nil
}

// SetProtection sets the stop-loss and take-profit prices of a position
func (pb *PositionBook) SetProtection(symbol string, stop, take decimal.Decimal) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pos := pb.positionFor(symbol)
	if pos == nil {
		return fmt.Errorf("no open position for %s", symbol)
	}
	pos.StopLoss = stop
	pos.TakeProfit = take
	return nil
}

// Mark revalues the position on symbol at price
func (pb *PositionBook) Mark(symbol string, price decimal.Decimal, at time.Time) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.marks[symbol] = price
	if pos := pb.positionFor(symbol); pos != nil {
		pb.markPosition(pos, price, at)
	}
}

// TotalValue returns cash plus the signed mark-to-market value of positions
func (pb *PositionBook) TotalValue() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := pb.cash
	for _, pos := range pb.positions {
		value := pos.Quantity.Mul(pos.CurrentPrice)
		if pos.Side == types.SideShort {
			total = total.Sub(value)
		} else {
			total = total.Add(value)
		}
	}
	return total
}

// UnrealizedPnL sums unrealized results across open positions
func (pb *PositionBook) UnrealizedPnL() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	var sum decimal.Decimal
	for _, pos := range pb.positions {
		sum = sum.Add(pos.UnrealizedPnL)
	}
	return sum
}

// Position returns a copy of the open position on symbol
func (pb *PositionBook) Position(symbol string) (*types.Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	pos := pb.positionFor(symbol)
	if pos == nil {
		return nil, false
	}
	return copyPosition(pos), true
}

// Positions returns copies of open positions sorted by symbol
func (pb *PositionBook) Positions() []*types.Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]*types.Position, 0, len(pb.positions))
	for _, pos := range pb.positions {
		out = append(out, copyPosition(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenCount returns the number of open positions
func (pb *PositionBook) OpenCount() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return len(pb.positions)
}

// ClosedTrades returns the realized trades in closing order
func (pb *PositionBook) ClosedTrades() []types.ClosingTrade {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return append([]types.ClosingTrade(nil), pb.closed...)
}

// Prices returns the last marked price per symbol
func (pb *PositionBook) Prices() map[string]decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(pb.marks))
	for k, v := range pb.marks {
		out[k] = v
	}
	return out
}

func (pb *PositionBook) positionFor(symbol string) *types.Position {
	id, ok := pb.bySymbol[symbol]
	if !ok {
		return nil
	}
	return pb.positions[id]
}

func (pb *PositionBook) markPosition(pos *types.Position, price decimal.Decimal, at time.Time) {
	pos.CurrentPrice = price
	pos.UnrealizedPnL = grossPnL(pos.Side, pos.Quantity, pos.EntryPrice, price)
	pos.UpdatedAt = at
}

func grossPnL(side types.Side, qty, entry, exit decimal.Decimal) decimal.Decimal {
	if side == types.SideShort {
		return entry.Sub(exit).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}

func copyPosition(pos *types.Position) *types.Position {
	c := *pos
	return &c
}
