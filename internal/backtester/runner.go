package backtester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/workers"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"go.uber.org/zap"
)

// Job is one independent backtest
type Job struct {
	Config   *types.BacktestConfig
	Strategy *types.StrategyDefinition
}

// JobResult pairs a job with its outcome
type JobResult struct {
	Job    Job
	Result *types.BacktestResult
	Err    error
}

// Runner executes batches of backtests in parallel. Jobs share nothing
// but the data loader.
type Runner struct {
	logger     *zap.Logger
	dataLoader DataLoader
	numWorkers int
	opts       []Option
}

// NewRunner creates a runner with numWorkers parallel engines
func NewRunner(logger *zap.Logger, dataLoader DataLoader, numWorkers int, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Runner{
		logger:     logger,
		dataLoader: dataLoader,
		numWorkers: numWorkers,
		opts:       opts,
	}
}

// RunBatch runs every job and returns results in job order
func (r *Runner) RunBatch(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	pool := workers.NewPool(r.logger, &workers.PoolConfig{
		Name:            "backtest",
		NumWorkers:      r.numWorkers,
		QueueSize:       len(jobs),
		ShutdownTimeout: time.Minute,
	})
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for i, job := range jobs {
		i, job := i, job
		results[i].Job = job

		wg.Add(1)
		err := pool.SubmitFunc(func() error {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					results[i].Err = fmt.Errorf("backtest job %d panicked: %v", i, rec)
				}
			}()

			engine := NewEngine(r.logger, r.dataLoader, r.opts...)
			results[i].Result, results[i].Err = engine.Run(ctx, job.Config, job.Strategy)
			return results[i].Err
		})
		if err != nil {
			wg.Done()
			results[i].Err = fmt.Errorf("submit backtest job %d: %w", i, err)
		}
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	r.logger.Info("Backtest batch finished", zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	return results
}
