// Package backtester replays historical bars through a strategy definition.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/condition"
	"github.com/atlas-desktop/strategy-sim/internal/indicators"
	"github.com/atlas-desktop/strategy-sim/internal/ledger"
	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/internal/performance"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultProgressInterval = 100

var (
	ErrAlreadyRunning = errors.New("backtest already running")
	ErrCancelled      = errors.New("backtest cancelled")
)

// DataLoader loads historical bars for one symbol
type DataLoader interface {
	LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder publishes run activity to Prometheus
func WithRecorder(rec *metrics.Recorder) Option {
	return func(e *Engine) {
		e.recorder = rec
	}
}

// WithProgressInterval sets how many time slices pass between progress updates
func WithProgressInterval(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

// Engine runs one backtest at a time. Each run owns a fresh ledger.
type Engine struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	dataLoader    DataLoader
	recorder      *metrics.Recorder
	calculator    *performance.Calculator
	progressEvery int

	// State
	running   atomic.Bool
	cancelled atomic.Bool
	warnings  atomic.Int64
	progress  types.BacktestProgress

	progressChan chan *types.BacktestProgress
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger, dataLoader DataLoader, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:        logger.Named("backtester"),
		dataLoader:    dataLoader,
		calculator:    performance.NewCalculator(),
		progressEvery: defaultProgressInterval,
		progressChan:  make(chan *types.BacktestProgress, 100),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a backtest of def over the configured symbols. A run that
// breaks an accounting invariant returns its partial result with status
// failed together with the error.
func (e *Engine) Run(ctx context.Context, cfg *types.BacktestConfig, def *types.StrategyDefinition) (*types.BacktestResult, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("%w: strategy is required", types.ErrInvalidStrategy)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)
	e.cancelled.Store(false)
	e.warnings.Store(0)

	strategy := def.WithDefaults()
	id := cfg.ID
	if id == "" {
		id = utils.GenerateID("bt")
	}
	logger := e.logger.With(zap.String("backtest_id", id), zap.String("strategy", strategy.Name))
	startTime := time.Now()

	feeds, err := e.loadFeeds(ctx, logger, cfg, strategy)
	if err != nil {
		return nil, err
	}
	slices := mergeSlices(feeds)
	totalBars := 0
	for _, f := range feeds {
		totalBars += len(f.bars)
	}

	book, err := ledger.New(cfg.InitialCapital, cfg.Commission)
	if err != nil {
		return nil, err
	}
	evaluator := condition.NewEvaluator(logger, condition.WithWarningHook(func(w *condition.Warning) {
		e.warnings.Add(1)
		e.recorder.ConditionWarning(string(w.Kind))
	}))
	sim := &simulation{
		logger:    logger,
		strategy:  strategy,
		ledger:    book,
		evaluator: evaluator,
		recorder:  e.recorder,
	}

	e.setProgress(types.BacktestProgress{ID: id, Status: types.RunStatusRunning, TotalBars: totalBars, CurrentEquity: cfg.InitialCapital})

	logger.Info("Starting backtest",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("timeframe", string(cfg.Timeframe)),
		zap.Int("bars", totalBars),
	)

	status := types.RunStatusCompleted
	var runErr error
	barsProcessed := 0
	for i, slice := range slices {
		if ctx.Err() != nil {
			status, runErr = types.RunStatusCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			break
		}
		if e.cancelled.Load() {
			status, runErr = types.RunStatusCancelled, ErrCancelled
			break
		}

		if err := sim.step(slice, i == len(slices)-1); err != nil {
			status, runErr = types.RunStatusFailed, err
			break
		}
		barsProcessed += len(slice.bars)

		if (i+1)%e.progressEvery == 0 || i == len(slices)-1 {
			e.sendProgress(types.BacktestProgress{
				ID:             id,
				Status:         types.RunStatusRunning,
				Progress:       float64(barsProcessed) / float64(totalBars) * 100,
				BarsProcessed:  barsProcessed,
				TotalBars:      totalBars,
				CurrentDate:    slice.timestamp,
				TradesExecuted: len(book.ClosedTrades()) + book.OpenCount(),
				CurrentEquity:  book.TotalValue(),
			})
		}
	}

	if status == types.RunStatusCompleted {
		if err := verifyFinalState(book); err != nil {
			status, runErr = types.RunStatusFailed, err
		}
	}

	result := &types.BacktestResult{
		ID:            id,
		Strategy:      strategy.Name,
		Config:        cfg,
		Status:        status,
		EquityCurve:   book.EquityCurve(),
		Trades:        append(book.ClosedTrades(), book.OpenTrades()...),
		BarsProcessed: barsProcessed,
		StartedAt:     startTime,
	}

	closed := performance.FromTrades(book.ClosedTrades())
	result.Metrics = e.calculator.Calculate(closed, result.EquityCurve, cfg.InitialCapital, performance.PeriodsPerYear(cfg.Timeframe))
	result.RiskMetrics = e.calculator.CalculateRisk(result.EquityCurve)
	if cfg.Validation.MonteCarlo.Enabled && status == types.RunStatusCompleted {
		result.MonteCarlo = performance.NewMonteCarlo(logger, cfg.Validation.MonteCarlo).Run(closed, cfg.InitialCapital)
	}

	result.Warnings = int(e.warnings.Load())
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(startTime)
	if runErr != nil {
		result.Error = runErr.Error()
	}
	e.recorder.BacktestFinished(string(status), result.Duration, barsProcessed)

	final := e.GetProgress()
	final.Status = status
	final.Error = result.Error
	final.CurrentEquity = book.TotalValue()
	e.sendProgress(*final)

	switch status {
	case types.RunStatusFailed:
		logger.Error("Backtest failed", zap.Error(runErr), zap.Int("bars_processed", barsProcessed))
		return result, fmt.Errorf("backtest %s: %w", id, runErr)
	case types.RunStatusCancelled:
		logger.Info("Backtest cancelled", zap.Int("bars_processed", barsProcessed))
		return result, runErr
	}

	logger.Info("Backtest completed",
		zap.Duration("duration", result.Duration),
		zap.Int("trades", len(result.Trades)),
		zap.Int("warnings", result.Warnings),
		zap.String("totalReturn", result.Metrics.TotalReturn.StringFixed(2)),
	)
	return result, nil
}

// Cancel cancels a running backtest
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// IsRunning reports whether a run is in progress
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// GetProgress returns the current progress
func (e *Engine) GetProgress() *types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.progress
	return &p
}

// ProgressChan returns the progress channel
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress {
	return e.progressChan
}

func (e *Engine) setProgress(p types.BacktestProgress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

// sendProgress stores p and offers it to listeners without blocking the run
func (e *Engine) sendProgress(p types.BacktestProgress) {
	e.setProgress(p)
	select {
	case e.progressChan <- &p:
	default:
	}
}

// loadFeeds loads, cleans and computes indicators for every symbol
func (e *Engine) loadFeeds(ctx context.Context, logger *zap.Logger, cfg *types.BacktestConfig, def *types.StrategyDefinition) ([]*symbolFeed, error) {
	feeds := make([]*symbolFeed, 0, len(cfg.Symbols))
	for _, symbol := range sortedSymbols(cfg.Symbols) {
		raw, err := e.dataLoader.LoadOHLCV(ctx, symbol, cfg.Timeframe, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, fmt.Errorf("failed to load data for %s: %w", symbol, err)
		}

		bars, dropped := sanitizeBars(raw)
		if dropped > 0 {
			e.warnings.Add(int64(dropped))
			logger.Warn("Dropped invalid or out-of-order bars",
				zap.String("symbol", symbol),
				zap.Int("dropped", dropped),
				zap.Int("kept", len(bars)),
			)
		}
		if len(bars) == 0 {
			logger.Warn("No usable bars for symbol", zap.String("symbol", symbol))
			continue
		}

		set, err := indicators.Compute(def, bars)
		if err != nil {
			return nil, fmt.Errorf("indicators for %s: %w", symbol, err)
		}
		feeds = append(feeds, &symbolFeed{symbol: symbol, bars: bars, set: set})
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("%w for %v", types.ErrNoData, cfg.Symbols)
	}
	return feeds, nil
}

func validateConfig(cfg *types.BacktestConfig) error {
	if cfg == nil {
		return errors.New("backtest config is required")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if !cfg.InitialCapital.IsPositive() {
		return fmt.Errorf("initial capital must be positive, got %s", cfg.InitialCapital)
	}
	if cfg.Commission.IsNegative() {
		return fmt.Errorf("commission must not be negative, got %s", cfg.Commission)
	}
	if !cfg.StartDate.IsZero() && !cfg.EndDate.IsZero() && !cfg.EndDate.After(cfg.StartDate) {
		return fmt.Errorf("end date %s must follow start date %s", cfg.EndDate, cfg.StartDate)
	}
	return nil
}

// verifyFinalState checks that a completed run left nothing open and that
// cash equals starting capital plus realized PnL.
func verifyFinalState(l *ledger.Ledger) error {
	if n := l.OpenCount(); n != 0 {
		return types.NewInvariantError("finish", "%d trades still open after end of data", n)
	}
	cash := l.Cash()
	if total := l.TotalValue(); !total.Equal(cash) {
		return types.NewInvariantError("finish", "total value %s differs from cash %s", total, cash)
	}
	expected := l.InitialCapital()
	for _, t := range l.ClosedTrades() {
		expected = expected.Add(t.PnL)
	}
	if cash.Sub(expected).Abs().GreaterThan(decimal.New(1, -8)) {
		return types.NewInvariantError("finish", "cash %s differs from capital plus realized pnl %s", cash, expected)
	}
	return nil
}
