// Package main is the entry point for the strategy simulator. It runs
// backtests over historical bars or paper-trades live ticks, and serves
// the ops API while it does.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/api"
	"github.com/atlas-desktop/strategy-sim/internal/backtester"
	"github.com/atlas-desktop/strategy-sim/internal/config"
	"github.com/atlas-desktop/strategy-sim/internal/data"
	"github.com/atlas-desktop/strategy-sim/internal/feed"
	"github.com/atlas-desktop/strategy-sim/internal/logging"
	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/internal/papertrading"
	"github.com/atlas-desktop/strategy-sim/internal/storage"
	"github.com/atlas-desktop/strategy-sim/internal/strategy"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	mode := flag.String("mode", "backtest", "Run mode (backtest, paper)")
	strategies := flag.String("strategy", "", "Comma-separated strategy names (default from config)")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	output := flag.String("out", "", "Write backtest results as JSON to this file")
	serve := flag.Bool("serve", false, "Keep the API server running after backtests finish")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	names := strategyNames(*strategies, cfg.Strategies.Default)
	logger.Info("Starting strategy simulator",
		zap.String("mode", *mode),
		zap.Strings("strategies", names),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.close()

	defs := make([]*types.StrategyDefinition, 0, len(names))
	for _, name := range names {
		def, err := app.strategies.Get(ctx, name)
		if err != nil {
			logger.Fatal("Unknown strategy", zap.String("name", name), zap.Error(err))
		}
		defs = append(defs, def)
	}

	go func() {
		if err := app.server.Start(); err != nil {
			logger.Error("API server stopped", zap.Error(err))
		}
	}()

	switch *mode {
	case "backtest":
		err = app.runBacktests(ctx, defs, *output)
		if err == nil && *serve {
			logger.Info("Backtests finished, serving until interrupted")
			<-ctx.Done()
		}
	case "paper":
		err = app.runPaper(ctx, defs)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Simulator failed", zap.Error(err))
		app.close()
		os.Exit(1)
	}
	logger.Info("Simulator stopped")
}

func strategyNames(flagValue, fallback string) []string {
	var names []string
	for _, name := range strings.Split(flagValue, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		names = []string{fallback}
	}
	return names
}

// app holds the wired components shared by both modes
type app struct {
	logger     *zap.Logger
	cfg        *config.Config
	recorder   *metrics.Recorder
	store      *data.Store
	strategies strategy.Source
	sink       storage.Sink
	sessions   *papertrading.Registry
	hub        *feed.Hub
	server     *api.Server
	closed     bool
}

func newApp(logger *zap.Logger, cfg *config.Config) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	var storeOpts []data.StoreOption
	if cfg.Data.GenerateSamples {
		storeOpts = append(storeOpts, data.WithSampleData(cfg.Data.Seed))
	}
	store, err := data.NewStore(logger, cfg.Data.Dir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("data store: %w", err)
	}

	var source strategy.Source
	if cfg.Strategies.Dir != "" {
		fs, err := strategy.NewFileSource(logger, cfg.Strategies.Dir)
		if err != nil {
			return nil, fmt.Errorf("strategies: %w", err)
		}
		source = fs
	} else {
		source = strategy.NewCatalog(logger)
	}

	sink, err := storage.Open(storage.Config{
		Type:     cfg.Storage.Type,
		DSN:      cfg.Storage.DSN,
		LogLevel: cfg.Storage.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if cfg.Storage.Async {
		if _, nop := sink.(storage.NopSink); !nop {
			sink = storage.NewAsyncSink(logger, sink, recorder, cfg.Storage.QueueSize)
		}
	}

	hub := feed.NewHub(logger)
	sessions := papertrading.NewRegistry(logger, hub, sink, recorder)

	server := api.NewServer(logger, cfg.Server, api.Dependencies{
		DataStore:     store,
		Strategies:    source,
		Sessions:      sessions,
		Gatherer:      reg,
		EngineOptions: []backtester.Option{backtester.WithRecorder(recorder)},
		SnapshotPush:  time.Second,
	})

	return &app{
		logger:     logger,
		cfg:        cfg,
		recorder:   recorder,
		store:      store,
		strategies: source,
		sink:       sink,
		sessions:   sessions,
		hub:        hub,
		server:     server,
	}, nil
}

// runBacktests runs one backtest per strategy in parallel and logs a summary
func (a *app) runBacktests(ctx context.Context, defs []*types.StrategyDefinition, output string) error {
	runner := backtester.NewRunner(a.logger, a.store, a.cfg.Backtest.Workers, backtester.WithRecorder(a.recorder))

	jobs := make([]backtester.Job, 0, len(defs))
	for _, def := range defs {
		run := a.cfg.BacktestRun(def.Name + "-" + time.Now().UTC().Format("20060102T150405"))
		jobs = append(jobs, backtester.Job{Config: &run, Strategy: def})
	}

	results := a.runBatch(ctx, runner, jobs)
	var failed int
	for _, jr := range results {
		if jr.Err != nil {
			failed++
			a.logger.Error("Backtest failed", zap.String("strategy", jr.Job.Strategy.Name), zap.Error(jr.Err))
			continue
		}
		m := jr.Result.Metrics
		a.logger.Info("Backtest result",
			zap.String("strategy", jr.Result.Strategy),
			zap.Int("trades", m.TotalTrades),
			zap.String("totalReturn", m.TotalReturn.StringFixed(2)),
			zap.String("winRate", m.WinRate.StringFixed(2)),
			zap.String("sharpe", m.SharpeRatio.StringFixed(2)),
			zap.String("maxDrawdown", m.MaxDrawdown.StringFixed(2)),
			zap.Int("warnings", jr.Result.Warnings),
		)
		for i := range jr.Result.Trades {
			if err := a.sink.SaveTrade(ctx, &jr.Result.Trades[i]); err != nil {
				a.logger.Warn("Failed to persist trade", zap.Error(err))
				break
			}
		}
	}

	if output != "" {
		if err := writeResults(output, results); err != nil {
			return err
		}
		a.logger.Info("Wrote backtest results", zap.String("path", output))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d backtests failed", failed, len(results))
	}
	return nil
}

func (a *app) runBatch(ctx context.Context, runner *backtester.Runner, jobs []backtester.Job) []backtester.JobResult {
	start := time.Now()
	results := runner.RunBatch(ctx, jobs)
	a.logger.Info("Backtest batch finished",
		zap.Int("jobs", len(jobs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results
}

func writeResults(path string, results []backtester.JobResult) error {
	out := make([]*types.BacktestResult, 0, len(results))
	for _, jr := range results {
		if jr.Result != nil {
			out = append(out, jr.Result)
		}
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// runPaper starts one session per strategy and feeds them until ctx is
// done or, for replays, the data runs out.
func (a *app) runPaper(ctx context.Context, defs []*types.StrategyDefinition) error {
	for _, def := range defs {
		if _, err := a.sessions.Start(ctx, a.cfg.Session(def.Name), def); err != nil {
			return fmt.Errorf("failed to start session for %s: %w", def.Name, err)
		}
	}

	switch a.cfg.Feed.Source {
	case "replay":
		replayer := feed.NewReplayer(a.logger, a.hub, a.store, a.cfg.Feed.ReplayPace)
		n, err := replayer.Replay(ctx, a.cfg.Paper.Symbols, types.Timeframe(a.cfg.Feed.ReplayTimeframe), time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		a.logger.Info("Replay finished", zap.Int("ticks", n))
	default:
		wsFeed := feed.NewWebSocketFeed(a.logger, a.hub, feed.WebSocketConfig{
			URL:               a.cfg.Feed.URL,
			Symbols:           a.cfg.Paper.Symbols,
			ReconnectInterval: a.cfg.Feed.ReconnectInterval,
			HandshakeTimeout:  10 * time.Second,
		}, a.recorder)
		if err := wsFeed.Start(ctx); err != nil {
			return err
		}
		defer wsFeed.Stop()
		<-ctx.Done()
	}

	for _, snap := range a.sessions.List() {
		a.logger.Info("Session summary",
			zap.String("session", snap.SessionID),
			zap.String("totalValue", snap.TotalValue.StringFixed(2)),
			zap.String("totalReturn", snap.TotalReturn.StringFixed(2)),
			zap.Int("openPositions", snap.OpenPositions),
		)
	}
	return nil
}

// close stops sessions, the API server and the sink, in that order
func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true

	a.sessions.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Error stopping API server", zap.Error(err))
	}
	if err := a.sink.Close(); err != nil {
		a.logger.Error("Error closing storage", zap.Error(err))
	}
}
