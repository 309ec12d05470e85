// Package storage persists paper-trading activity. Every write is an
// upsert keyed by the record's id, so replaying a write is harmless.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
)

// Sink receives session activity for persistence
type Sink interface {
	SaveTrade(ctx context.Context, trade *types.Trade) error
	SaveClosingTrade(ctx context.Context, trade *types.ClosingTrade) error
	SaveOrder(ctx context.Context, order *types.Order) error
	SaveSnapshot(ctx context.Context, snapshot *types.SessionSnapshot) error
	SaveAlert(ctx context.Context, alert *types.Alert) error
	Close() error
}

// Config selects and configures a sink
type Config struct {
	Type     string // none, memory, sqlite, postgres, mysql, pebble
	DSN      string // database DSN or pebble directory
	LogLevel string
	Async    bool
}

// Open builds the sink described by cfg
func Open(cfg Config) (Sink, error) {
	switch cfg.Type {
	case "", "none":
		return NopSink{}, nil
	case "memory":
		return NewMemorySink(), nil
	case "sqlite", "postgres", "postgresql", "mysql":
		return NewGormSink(&DBConfig{Type: cfg.Type, DSN: cfg.DSN, LogLevel: cfg.LogLevel})
	case "pebble":
		return NewPebbleSink(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) SaveTrade(context.Context, *types.Trade) error { return nil }
func (NopSink) SaveClosingTrade(context.Context, *types.ClosingTrade) error { return nil }
func (NopSink) SaveOrder(context.Context, *types.Order) error { return nil }
func (NopSink) SaveSnapshot(context.Context, *types.SessionSnapshot) error { return nil }
func (NopSink) SaveAlert(context.Context, *types.Alert) error { return nil }
func (NopSink) Close() error { return nil }

// MemorySink keeps the latest version of every record in memory. Useful in
// tests and for short-lived sessions.
type MemorySink struct {
	mu            sync.RWMutex
	trades        map[string]types.Trade
	closingTrades map[string]types.ClosingTrade
	orders        map[string]types.Order
	snapshots     map[string][]types.SessionSnapshot
	alerts        map[string]types.Alert
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		trades:        make(map[string]types.Trade),
		closingTrades: make(map[string]types.ClosingTrade),
		orders:        make(map[string]types.Order),
		snapshots:     make(map[string][]types.SessionSnapshot),
		alerts:        make(map[string]types.Alert),
	}
}

func (m *MemorySink) SaveTrade(_ context.Context, trade *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.ID] = *trade
	return nil
}

func (m *MemorySink) SaveClosingTrade(_ context.Context, trade *types.ClosingTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closingTrades[trade.ID] = *trade
	return nil
}

func (m *MemorySink) SaveOrder(_ context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	cp.Fills = append([]types.Fill(nil), order.Fills...)
	m.orders[order.ID] = cp
	return nil
}

// SaveSnapshot appends unless a snapshot with the same timestamp exists
func (m *MemorySink) SaveSnapshot(_ context.Context, snapshot *types.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.snapshots[snapshot.SessionID]
	for i := range list {
		if list[i].Timestamp.Equal(snapshot.Timestamp) {
			list[i] = *snapshot
			return nil
		}
	}
	m.snapshots[snapshot.SessionID] = append(list, *snapshot)
	return nil
}

func (m *MemorySink) SaveAlert(_ context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = *alert
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Order returns the stored copy of an order
func (m *MemorySink) Order(id string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

// Orders returns stored orders sorted by creation time
func (m *MemorySink) Orders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ClosingTrades returns stored closing trades sorted by exit time
func (m *MemorySink) ClosingTrades() []types.ClosingTrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ClosingTrade, 0, len(m.closingTrades))
	for _, t := range m.closingTrades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExitTime.Equal(out[j].ExitTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExitTime.Before(out[j].ExitTime)
	})
	return out
}

// Trades returns the number of stored backtest trades
func (m *MemorySink) Trades() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}

// Snapshots returns the snapshots stored for a session
func (m *MemorySink) Snapshots(sessionID string) []types.SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.SessionSnapshot(nil), m.snapshots[sessionID]...)
}

// Alerts returns the number of stored alerts
func (m *MemorySink) Alerts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}
