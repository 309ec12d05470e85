package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/cockroachdb/pebble"
)

// PebbleSink stores JSON records in an embedded pebble database.
//
// keys: t:<trade>, ct:<session>:<trade>, o:<session>:<order>,
// s:<session>:<8-byte unix nanos>, a:<session>:<alert>
type PebbleSink struct {
	db *pebble.DB
}

// NewPebbleSink opens (or creates) a pebble database at path
func NewPebbleSink(path string) (*PebbleSink, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleSink{db: db}, nil
}

func (s *PebbleSink) Close() error { return s.db.Close() }

func kTrade(id string) []byte { return []byte("t:" + id) }
func kClosing(session, id string) []byte {
	return []byte("ct:" + session + ":" + id)
}
func kOrder(session, id string) []byte { return []byte("o:" + session + ":" + id) }
func kAlert(session, id string) []byte { return []byte("a:" + session + ":" + id) }
func kSnapshot(session string, nanos int64) []byte {
	key := []byte("s:" + session + ":")
	return binary.BigEndian.AppendUint64(key, uint64(nanos))
}

// keyUpperBound returns the smallest key greater than every key with prefix
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleSink) put(ctx context.Context, key []byte, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *PebbleSink) SaveTrade(ctx context.Context, trade *types.Trade) error {
	return s.put(ctx, kTrade(trade.ID), trade)
}

func (s *PebbleSink) SaveClosingTrade(ctx context.Context, trade *types.ClosingTrade) error {
	return s.put(ctx, kClosing(trade.SessionID, trade.ID), trade)
}

func (s *PebbleSink) SaveOrder(ctx context.Context, order *types.Order) error {
	return s.put(ctx, kOrder(order.SessionID, order.ID), order)
}

func (s *PebbleSink) SaveSnapshot(ctx context.Context, snapshot *types.SessionSnapshot) error {
	return s.put(ctx, kSnapshot(snapshot.SessionID, snapshot.Timestamp.UnixNano()), snapshot)
}

func (s *PebbleSink) SaveAlert(ctx context.Context, alert *types.Alert) error {
	return s.put(ctx, kAlert(alert.SessionID, alert.ID), alert)
}

// LoadOrder returns a stored order, or nil if it doesn't exist
func (s *PebbleSink) LoadOrder(sessionID, orderID string) (*types.Order, error) {
	data, closer, err := s.db.Get(kOrder(sessionID, orderID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var order types.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &order, nil
}

// LoadOrders returns a session's orders sorted by creation time
func (s *PebbleSink) LoadOrders(sessionID string) ([]*types.Order, error) {
	var orders []*types.Order
	err := s.scan([]byte("o:"+sessionID+":"), func(value []byte) error {
		var o types.Order
		if err := json.Unmarshal(value, &o); err != nil {
			return err
		}
		orders = append(orders, &o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// LoadClosingTrades returns a session's realized trades sorted by exit time
func (s *PebbleSink) LoadClosingTrades(sessionID string) ([]*types.ClosingTrade, error) {
	var trades []*types.ClosingTrade
	err := s.scan([]byte("ct:"+sessionID+":"), func(value []byte) error {
		var t types.ClosingTrade
		if err := json.Unmarshal(value, &t); err != nil {
			return err
		}
		trades = append(trades, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExitTime.Before(trades[j].ExitTime)
	})
	return trades, nil
}

// LoadSnapshots returns a session's snapshots in time order
func (s *PebbleSink) LoadSnapshots(sessionID string) ([]*types.SessionSnapshot, error) {
	var snaps []*types.SessionSnapshot
	err := s.scan([]byte("s:"+sessionID+":"), func(value []byte) error {
		var snap types.SessionSnapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			return err
		}
		snaps = append(snaps, &snap)
		return nil
	})
	return snaps, err
}

func (s *PebbleSink) scan(prefix []byte, fn func(value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}
