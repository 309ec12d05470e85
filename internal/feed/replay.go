package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"go.uber.org/zap"
)

// BarLoader loads historical bars; data.Store satisfies it
type BarLoader interface {
	LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
}

// Replayer publishes historical bars into a hub as ticks, one tick per
// bar close, in timestamp order across symbols.
type Replayer struct {
	logger *zap.Logger
	hub    *Hub
	loader BarLoader
	pace   time.Duration
}

// NewReplayer creates a replayer. pace is the wall-clock delay between
// ticks; zero replays as fast as subscribers consume.
func NewReplayer(logger *zap.Logger, hub *Hub, loader BarLoader, pace time.Duration) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		logger: logger.Named("replayer"),
		hub:    hub,
		loader: loader,
		pace:   pace,
	}
}

// Replay loads bars for every symbol and publishes them until done or ctx
// is cancelled. It returns the number of ticks published.
func (r *Replayer) Replay(ctx context.Context, symbols []string, timeframe types.Timeframe, start, end time.Time) (int, error) {
	var ticks []types.MarketTick
	for _, symbol := range symbols {
		bars, err := r.loader.LoadOHLCV(ctx, symbol, timeframe, start, end)
		if err != nil {
			return 0, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
		}
		for _, bar := range bars {
			if bar == nil {
				continue
			}
			ticks = append(ticks, types.MarketTick{
				Symbol:    symbol,
				Timestamp: bar.Timestamp,
				Price:     bar.Close,
				Volume:    bar.Volume,
			})
		}
	}
	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].Timestamp.Before(ticks[j].Timestamp)
	})

	r.logger.Info("Replaying bars", zap.Strings("symbols", symbols), zap.Int("ticks", len(ticks)))

	published := 0
	for _, tick := range ticks {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := r.hub.Publish(tick); err != nil {
			r.logger.Debug("Skipped tick", zap.String("symbol", tick.Symbol), zap.Error(err))
			continue
		}
		published++

		if r.pace > 0 {
			select {
			case <-ctx.Done():
				return published, ctx.Err()
			case <-time.After(r.pace):
			}
		}
	}
	return published, nil
}
