package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderBook holds every order of a session. Orders live in an arena keyed
// by id; pending ids are kept in submission order so fills are processed
// first-in first-out.
type OrderBook struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	orders  map[string]*types.Order
	ids     []string
	pending []string
}

// NewOrderBook creates an empty order book
func NewOrderBook(logger *zap.Logger) *OrderBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderBook{
		logger: logger,
		orders: make(map[string]*types.Order),
	}
}

// Submit validates an order and adds it as pending. The book takes a copy;
// the returned order is the stored state.
func (ob *OrderBook) Submit(order types.Order) (*types.Order, error) {
	if err := validateOrder(&order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = utils.GenerateOrderID()
	}
	if order.Intent == "" {
		order.Intent = types.IntentManual
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.Status = types.OrderStatusPending
	order.FilledQty = decimal.Zero
	order.Fills = nil

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orders[order.ID]; exists {
		return nil, fmt.Errorf("%w: duplicate id %s", types.ErrInvalidOrder, order.ID)
	}
	stored := order
	ob.orders[stored.ID] = &stored
	ob.ids = append(ob.ids, stored.ID)
	ob.pending = append(ob.pending, stored.ID)

	ob.logger.Debug("Order submitted",
		zap.String("id", stored.ID),
		zap.String("symbol", stored.Symbol),
		zap.String("side", string(stored.Side)),
		zap.String("type", string(stored.Type)),
		zap.String("quantity", stored.Quantity.String()),
	)
	return copyOrder(&stored), nil
}

func validateOrder(order *types.Order) error {
	if order.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", types.ErrInvalidOrder)
	}
	if order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell {
		return fmt.Errorf("%w: unknown side %q", types.ErrInvalidOrder, order.Side)
	}
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrInvalidOrder)
	}
	switch order.Type {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		if !order.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive limit price", types.ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", types.ErrInvalidOrder, order.Type)
	}
	return nil
}

// Cancel cancels a pending order
func (ob *OrderBook) Cancel(id string, at time.Time) (*types.Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, err := ob.pendingOrder(id)
	if err != nil {
		return nil, err
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = at
	ob.removePending(id)

	ob.logger.Debug("Order cancelled", zap.String("id", id))
	return copyOrder(order), nil
}

// RecordFill executes a pending order in full
func (ob *OrderBook) RecordFill(id string, fill types.Fill) (*types.Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, err := ob.pendingOrder(id)
	if err != nil {
		return nil, err
	}
	fill.OrderID = id
	filledAt := fill.Timestamp

	order.Fills = append(order.Fills, fill)
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.Commission = order.Commission.Add(fill.Commission)
	order.AvgFillPrice = averageFillPrice(order.Fills)
	order.Status = types.OrderStatusFilled
	order.UpdatedAt = filledAt
	order.FilledAt = &filledAt
	ob.removePending(id)

	ob.logger.Debug("Order filled",
		zap.String("id", id),
		zap.String("price", fill.Price.String()),
		zap.String("commission", fill.Commission.String()),
	)
	return copyOrder(order), nil
}

// Reject moves a pending order to rejected with a reason
func (ob *OrderBook) Reject(id, reason string, at time.Time) (*types.Order, error) {
	return ob.finish(id, types.OrderStatusRejected, reason, at)
}

// Expire moves a pending order to expired
func (ob *OrderBook) Expire(id string, at time.Time) (*types.Order, error) {
	return ob.finish(id, types.OrderStatusExpired, "", at)
}

func (ob *OrderBook) finish(id string, status types.OrderStatus, reason string, at time.Time) (*types.Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, err := ob.pendingOrder(id)
	if err != nil {
		return nil, err
	}
	order.Status = status
	order.RejectReason = reason
	order.UpdatedAt = at
	ob.removePending(id)
	return copyOrder(order), nil
}

// Get returns a copy of an order
func (ob *OrderBook) Get(id string) (*types.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	order, ok := ob.orders[id]
	if !ok {
		return nil, false
	}
	return copyOrder(order), true
}

// Pending returns pending orders for symbol in submission order. An empty
// symbol returns all of them.
func (ob *OrderBook) Pending(symbol string) []*types.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]*types.Order, 0, len(ob.pending))
	for _, id := range ob.pending {
		order := ob.orders[id]
		if symbol == "" || order.Symbol == symbol {
			out = append(out, copyOrder(order))
		}
	}
	return out
}

// PendingCount returns the number of pending orders
func (ob *OrderBook) PendingCount() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.pending)
}

// PendingByIntent counts pending orders with the given intent, optionally
// restricted to one symbol.
func (ob *OrderBook) PendingByIntent(symbol string, intent types.OrderIntent) int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	n := 0
	for _, id := range ob.pending {
		order := ob.orders[id]
		if order.Intent == intent && (symbol == "" || order.Symbol == symbol) {
			n++
		}
	}
	return n
}

// All returns every order in submission order
func (ob *OrderBook) All() []*types.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]*types.Order, 0, len(ob.ids))
	for _, id := range ob.ids {
		out = append(out, copyOrder(ob.orders[id]))
	}
	return out
}

// pendingOrder must be called with the lock held
func (ob *OrderBook) pendingOrder(id string) (*types.Order, error) {
	order, ok := ob.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, id)
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrOrderNotPending, id, order.Status)
	}
	return order, nil
}

func (ob *OrderBook) removePending(id string) {
	for i, pid := range ob.pending {
		if pid == id {
			ob.pending = append(ob.pending[:i], ob.pending[i+1:]...)
			return
		}
	}
}

func averageFillPrice(fills []types.Fill) decimal.Decimal {
	var qty, notional decimal.Decimal
	for _, f := range fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Quantity.Mul(f.Price))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

func copyOrder(order *types.Order) *types.Order {
	c := *order
	c.Fills = append([]types.Fill(nil), order.Fills...)
	return &c
}
