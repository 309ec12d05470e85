// Package feed delivers real-time market ticks to paper-trading sessions.
package feed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"go.uber.org/zap"
)

// ErrStaleTick is returned when a tick is older than the last one published
// for its symbol.
var ErrStaleTick = errors.New("tick older than last published tick")

// Handler receives ticks for a subscribed symbol
type Handler func(tick types.MarketTick)

// SubscriptionID identifies one subscription
type SubscriptionID uint64

// Source is the market data interface sessions depend on
type Source interface {
	Subscribe(symbol string, handler Handler) SubscriptionID
	Unsubscribe(symbol string, id SubscriptionID)
	CurrentPrice(symbol string) (types.MarketTick, bool)
}

// HubStats tracks delivery counters
type HubStats struct {
	TicksPublished int64 `json:"ticks_published"`
	TicksRejected  int64 `json:"ticks_rejected"`
	Deliveries     int64 `json:"deliveries"`
	HandlerPanics  int64 `json:"handler_panics"`
	Subscribers    int64 `json:"subscribers"`
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Hub fans ticks out to subscribers synchronously, in publish order, so
// every subscriber of a symbol sees that symbol's ticks in timestamp order.
type Hub struct {
	mu     sync.RWMutex
	logger *zap.Logger
	subs   map[string][]subscription
	last   map[string]types.MarketTick
	nextID atomic.Uint64

	published   atomic.Int64
	rejected    atomic.Int64
	deliveries  atomic.Int64
	panics      atomic.Int64
	subscribers atomic.Int64
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("feed-hub"),
		subs:   make(map[string][]subscription),
		last:   make(map[string]types.MarketTick),
	}
}

// Subscribe registers handler for symbol's ticks
func (h *Hub) Subscribe(symbol string, handler Handler) SubscriptionID {
	id := SubscriptionID(h.nextID.Add(1))

	h.mu.Lock()
	h.subs[symbol] = append(h.subs[symbol], subscription{id: id, handler: handler})
	h.mu.Unlock()
	h.subscribers.Add(1)

	h.logger.Debug("Subscription added", zap.String("symbol", symbol), zap.Uint64("id", uint64(id)))
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (h *Hub) Unsubscribe(symbol string, id SubscriptionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[symbol]
	for i, sub := range subs {
		if sub.id == id {
			h.subs[symbol] = append(subs[:i:i], subs[i+1:]...)
			h.subscribers.Add(-1)
			return
		}
	}
}

// Symbols returns the symbols with at least one subscriber
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for symbol, subs := range h.subs {
		if len(subs) > 0 {
			out = append(out, symbol)
		}
	}
	return out
}

// CurrentPrice returns the last tick published for symbol
func (h *Hub) CurrentPrice(symbol string) (types.MarketTick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tick, ok := h.last[symbol]
	return tick, ok
}

// Publish records tick as the symbol's latest and delivers it to every
// subscriber before returning.
func (h *Hub) Publish(tick types.MarketTick) error {
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		h.rejected.Add(1)
		return fmt.Errorf("invalid tick for %q at price %s", tick.Symbol, tick.Price)
	}

	h.mu.Lock()
	if prev, ok := h.last[tick.Symbol]; ok && tick.Timestamp.Before(prev.Timestamp) {
		h.mu.Unlock()
		h.rejected.Add(1)
		return fmt.Errorf("%w: %s at %s, last %s", ErrStaleTick, tick.Symbol, tick.Timestamp, prev.Timestamp)
	}
	h.last[tick.Symbol] = tick
	subs := append([]subscription(nil), h.subs[tick.Symbol]...)
	h.mu.Unlock()

	h.published.Add(1)
	for _, sub := range subs {
		h.deliver(sub, tick)
	}
	return nil
}

func (h *Hub) deliver(sub subscription, tick types.MarketTick) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			h.logger.Error("Tick handler panic",
				zap.Uint64("subscription_id", uint64(sub.id)),
				zap.String("symbol", tick.Symbol),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(tick)
	h.deliveries.Add(1)
}

// Stats returns current delivery counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		TicksPublished: h.published.Load(),
		TicksRejected:  h.rejected.Load(),
		Deliveries:     h.deliveries.Load(),
		HandlerPanics:  h.panics.Load(),
		Subscribers:    h.subscribers.Load(),
	}
}
