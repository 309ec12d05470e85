package storage

import (
	"context"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/internal/workers"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AsyncSink hands writes to a single background worker so session tick
// processing never waits on the database. Records are copied before they
// are queued. Failed writes are retried with backoff, then logged and
// dropped.
type AsyncSink struct {
	inner    Sink
	logger   *zap.Logger
	recorder *metrics.Recorder
	pool     *workers.Pool
	retry    utils.RetryConfig
	timeout  time.Duration
}

// NewAsyncSink wraps inner. One worker keeps writes in submission order,
// so a later status of the same order always lands last.
func NewAsyncSink(logger *zap.Logger, inner Sink, recorder *metrics.Recorder, queueSize int) *AsyncSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := workers.DefaultPoolConfig("persist")
	cfg.NumWorkers = 1
	if queueSize > 0 {
		cfg.QueueSize = queueSize
	}
	s := &AsyncSink{
		inner:    inner,
		logger:   logger.Named("async-sink"),
		recorder: recorder,
		pool:     workers.NewPool(logger, cfg),
		retry:    utils.DefaultRetryConfig(),
		timeout:  10 * time.Second,
	}
	s.pool.Start()
	return s
}

func (s *AsyncSink) submit(kind string, write func(ctx context.Context) error) error {
	err := s.pool.SubmitFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		err := utils.Retry(ctx, s.retry, func() error { return write(ctx) })
		if err != nil {
			s.recorder.PersistError(kind)
			s.logger.Error("Persist failed", zap.String("kind", kind), zap.Error(err))
		}
		return err
	})
	if err != nil {
		s.recorder.PersistError(kind)
		s.logger.Warn("Persist dropped", zap.String("kind", kind), zap.Error(err))
	}
	return err
}

func (s *AsyncSink) SaveTrade(_ context.Context, trade *types.Trade) error {
	cp := *trade
	return s.submit("trade", func(ctx context.Context) error { return s.inner.SaveTrade(ctx, &cp) })
}

func (s *AsyncSink) SaveClosingTrade(_ context.Context, trade *types.ClosingTrade) error {
	cp := *trade
	return s.submit("closing_trade", func(ctx context.Context) error { return s.inner.SaveClosingTrade(ctx, &cp) })
}

func (s *AsyncSink) SaveOrder(_ context.Context, order *types.Order) error {
	cp := *order
	cp.Fills = append([]types.Fill(nil), order.Fills...)
	return s.submit("order", func(ctx context.Context) error { return s.inner.SaveOrder(ctx, &cp) })
}

func (s *AsyncSink) SaveSnapshot(_ context.Context, snapshot *types.SessionSnapshot) error {
	cp := *snapshot
	cp.Prices = make(map[string]decimal.Decimal, len(snapshot.Prices))
	for k, v := range snapshot.Prices {
		cp.Prices[k] = v
	}
	return s.submit("snapshot", func(ctx context.Context) error { return s.inner.SaveSnapshot(ctx, &cp) })
}

func (s *AsyncSink) SaveAlert(_ context.Context, alert *types.Alert) error {
	cp := *alert
	return s.submit("alert", func(ctx context.Context) error { return s.inner.SaveAlert(ctx, &cp) })
}

// Flush waits until every write queued so far has been attempted
func (s *AsyncSink) Flush(ctx context.Context) error {
	return s.pool.SubmitWait(ctx, workers.TaskFunc(func() error { return nil }))
}

// Close drains the queue, then closes the wrapped sink
func (s *AsyncSink) Close() error {
	if err := s.pool.Stop(); err != nil {
		s.logger.Warn("Persist queue not drained", zap.Error(err))
	}
	return s.inner.Close()
}
