// Package ledger tracks cash, open trades and the equity curve of a single
// backtest run.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
)

// RejectReason explains why Open declined to create a trade
type RejectReason string

const (
	RejectInsufficientCash RejectReason = "insufficient_cash"
)

var (
	hundred = decimal.NewFromInt(100)

	// identityTolerance absorbs rounding from divisions upstream; the ledger
	// itself only adds and multiplies.
	identityTolerance = decimal.New(1, -8)
)

// OpenRequest describes a trade to open
type OpenRequest struct {
	Symbol   string
	Side     types.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
	Risk     types.RiskParams
}

// OpenResult is the outcome of Open. Exactly one of Trade or Rejected is set.
type OpenResult struct {
	Trade    *types.Trade
	Rejected RejectReason
}

// Ledger is the accounting state of one backtest. Both sides post the
// entry notional plus fees as collateral; closing returns the collateral
// plus the gross result minus the exit fee.
type Ledger struct {
	mu          sync.RWMutex
	initialCash decimal.Decimal
	cash        decimal.Decimal
	feeRate     decimal.Decimal

	open      map[string]*types.Trade
	openOrder []string
	closed    []types.Trade
	marks     map[string]decimal.Decimal

	equity     []types.EquityPoint
	peakEquity decimal.Decimal
	seq        int
}

// New creates a ledger funded with initialCapital. commission is a rate
// applied to notional on both entry and exit.
func New(initialCapital, commission decimal.Decimal) (*Ledger, error) {
	if !initialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital must be positive, got %s", initialCapital)
	}
	if commission.IsNegative() {
		return nil, fmt.Errorf("commission must not be negative, got %s", commission)
	}
	return &Ledger{
		initialCash: initialCapital,
		cash:        initialCapital,
		feeRate:     commission,
		open:        make(map[string]*types.Trade),
		marks:       make(map[string]decimal.Decimal),
		peakEquity:  initialCapital,
	}, nil
}

// Fee returns the commission charged on a notional value
func (l *Ledger) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(l.feeRate)
}

// Cash returns available cash
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// InitialCapital returns the starting cash
func (l *Ledger) InitialCapital() decimal.Decimal {
	return l.initialCash
}

// Open debits collateral and records a new open trade. Running out of cash
// is a business outcome reported through OpenResult; non-positive price or
// quantity is a caller bug.
func (l *Ledger) Open(req OpenRequest) (OpenResult, error) {
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return OpenResult{}, types.NewInvariantError("open",
			"%s %s: price %s and quantity %s must be positive", req.Side, req.Symbol, req.Price, req.Quantity)
	}
	if req.Side != types.SideLong && req.Side != types.SideShort {
		return OpenResult{}, types.NewInvariantError("open", "unknown side %q", req.Side)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	notional := req.Quantity.Mul(req.Price)
	fee := l.Fee(notional)
	cost := notional.Add(fee)
	if cost.GreaterThan(l.cash) {
		return OpenResult{Rejected: RejectInsufficientCash}, nil
	}

	l.seq++
	stop, take := req.Risk.ProtectiveLevels(req.Side, req.Price)
	trade := &types.Trade{
		ID:         fmt.Sprintf("trade_%d", l.seq),
		Symbol:     req.Symbol,
		Side:       req.Side,
		EntryPrice: req.Price,
		Quantity:   req.Quantity,
		EntryTime:  req.Time,
		StopLoss:   stop,
		TakeProfit: take,
		EntryFees:  fee,
		Fees:       fee,
	}

	l.cash = l.cash.Sub(cost)
	l.open[trade.ID] = trade
	l.openOrder = append(l.openOrder, trade.ID)
	if _, ok := l.marks[req.Symbol]; !ok {
		l.marks[req.Symbol] = req.Price
	}

	out := *trade
	return OpenResult{Trade: &out}, nil
}

// Close exits an open trade at price and returns the closed copy
func (l *Ledger) Close(id string, price decimal.Decimal, at time.Time, reason types.ExitReason) (*types.Trade, error) {
	if !price.IsPositive() {
		return nil, types.NewInvariantError("close", "trade %s: exit price %s must be positive", id, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	trade, ok := l.open[id]
	if !ok {
		return nil, types.NewInvariantError("close", "trade %s is not open", id)
	}
	if at.Before(trade.EntryTime) {
		return nil, types.NewInvariantError("close", "trade %s: exit %s precedes entry %s", id, at, trade.EntryTime)
	}

	entryNotional := trade.Quantity.Mul(trade.EntryPrice)
	gross := grossPnL(trade.Side, trade.Quantity, trade.EntryPrice, price)
	exitFee := l.Fee(trade.Quantity.Mul(price))
	// A short is liquidated once its loss eats the collateral; cash never
	// goes below what was left after entry.
	proceeds := entryNotional.Add(gross)
	if exitFee.GreaterThan(proceeds) {
		exitFee = proceeds
	}

	exitTime := at
	trade.ExitPrice = price
	trade.ExitTime = &exitTime
	trade.ExitReason = reason
	trade.PnL = gross.Sub(trade.EntryFees).Sub(exitFee)
	trade.Fees = trade.EntryFees.Add(exitFee)
	trade.PnLPct = trade.PnL.Div(entryNotional).Mul(hundred)

	l.cash = l.cash.Add(proceeds).Sub(exitFee)

	delete(l.open, id)
	for i, openID := range l.openOrder {
		if openID == id {
			l.openOrder = append(l.openOrder[:i], l.openOrder[i+1:]...)
			break
		}
	}
	l.closed = append(l.closed, *trade)

	out := *trade
	return &out, nil
}

// Mark records the latest price for a symbol
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
}

// LastPrice returns the latest marked price for a symbol
func (l *Ledger) LastPrice(symbol string) (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.marks[symbol]
	return p, ok
}

// TotalValue returns cash plus the mark-to-market value of open trades
func (l *Ledger) TotalValue() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalValue()
}

// OpenTrades returns copies of open trades in the order they were opened
func (l *Ledger) OpenTrades() []types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Trade, 0, len(l.openOrder))
	for _, id := range l.openOrder {
		out = append(out, *l.open[id])
	}
	return out
}

// OpenCount returns the number of open trades
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

// ClosedTrades returns copies of closed trades in closing order
func (l *Ledger) ClosedTrades() []types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Trade(nil), l.closed...)
}

// Exposure returns the signed open quantity for a symbol (short negative)
func (l *Ledger) Exposure(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var qty decimal.Decimal
	for _, t := range l.open {
		if t.Symbol != symbol {
			continue
		}
		if t.Side == types.SideShort {
			qty = qty.Sub(t.Quantity)
		} else {
			qty = qty.Add(t.Quantity)
		}
	}
	return qty
}

// EquityCurve returns a copy of the recorded equity points
func (l *Ledger) EquityCurve() []types.EquityPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.EquityPoint(nil), l.equity...)
}

// RecordEquity appends an equity point at ts after checking the ledger's
// accounting identities.
func (l *Ledger) RecordEquity(ts time.Time) (types.EquityPoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.equity); n > 0 && !ts.After(l.equity[n-1].Timestamp) {
		return types.EquityPoint{}, types.NewInvariantError("record_equity",
			"timestamp %s does not follow %s", ts, l.equity[n-1].Timestamp)
	}
	if l.cash.IsNegative() {
		return types.EquityPoint{}, types.NewInvariantError("record_equity", "cash is negative (%s)", l.cash)
	}

	total := l.totalValue()

	// Independent derivation: capital + realized - open entry fees + open gross.
	expected := l.initialCash
	for _, t := range l.closed {
		expected = expected.Add(t.PnL)
	}
	for _, t := range l.open {
		mark := l.markFor(t)
		expected = expected.Sub(t.EntryFees).Add(grossPnL(t.Side, t.Quantity, t.EntryPrice, mark))
	}
	if total.Sub(expected).Abs().GreaterThan(identityTolerance) {
		return types.EquityPoint{}, types.NewInvariantError("record_equity",
			"total value %s diverges from realized+unrealized %s", total, expected)
	}

	if total.GreaterThan(l.peakEquity) {
		l.peakEquity = total
	}
	drawdown := decimal.Zero
	if l.peakEquity.IsPositive() {
		drawdown = l.peakEquity.Sub(total).Div(l.peakEquity).Mul(hundred)
	}

	point := types.EquityPoint{
		Timestamp:  ts,
		TotalValue: total,
		Cash:       l.cash,
		Drawdown:   drawdown,
	}
	l.equity = append(l.equity, point)
	return point, nil
}

// totalValue must be called with the lock held
func (l *Ledger) totalValue() decimal.Decimal {
	total := l.cash
	for _, t := range l.open {
		total = total.Add(markValue(t, l.markFor(t)))
	}
	return total
}

func (l *Ledger) markFor(t *types.Trade) decimal.Decimal {
	if p, ok := l.marks[t.Symbol]; ok {
		return p
	}
	return t.EntryPrice
}

// markValue is the collateral plus unrealized gross result of a trade
func markValue(t *types.Trade, mark decimal.Decimal) decimal.Decimal {
	return t.Quantity.Mul(t.EntryPrice).Add(grossPnL(t.Side, t.Quantity, t.EntryPrice, mark))
}

// grossPnL is the price result of a trade. A short's loss is capped at its
// entry notional.
func grossPnL(side types.Side, qty, entry, exit decimal.Decimal) decimal.Decimal {
	if side == types.SideShort {
		return decimal.Max(entry.Sub(exit), entry.Neg()).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}
