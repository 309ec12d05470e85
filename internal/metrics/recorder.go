// Package metrics exposes simulator activity as Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the simulator's collectors. A nil *Recorder is valid and
// records nothing, so components can take one unconditionally.
type Recorder struct {
	backtestRuns      *prometheus.CounterVec
	backtestDuration  prometheus.Histogram
	barsProcessed     prometheus.Counter
	tradesClosed      *prometheus.CounterVec
	realizedPnL       *prometheus.CounterVec
	entriesRejected   *prometheus.CounterVec
	conditionWarnings *prometheus.CounterVec
	ordersTotal       *prometheus.CounterVec
	ticksProcessed    *prometheus.CounterVec
	ticksDropped      *prometheus.CounterVec
	sessionEquity     *prometheus.GaugeVec
	activeSessions    prometheus.Gauge
	feedReconnects    *prometheus.CounterVec
	persistErrors     *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		backtestRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_backtest_runs_total",
				Help: "Backtest runs by final status",
			},
			[]string{"status"},
		),
		backtestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strategysim_backtest_duration_seconds",
				Help:    "Wall-clock duration of backtest runs",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
		barsProcessed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "strategysim_backtest_bars_processed_total",
				Help: "Bars consumed by backtests",
			},
		),
		tradesClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_trades_closed_total",
				Help: "Closed trades by mode and exit reason",
			},
			[]string{"mode", "symbol", "reason"},
		),
		realizedPnL: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_realized_pnl_abs_total",
				Help: "Absolute realized PnL split by sign",
			},
			[]string{"mode", "sign"},
		),
		entriesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_entries_rejected_total",
				Help: "Entry signals that did not open a trade",
			},
			[]string{"mode", "reason"},
		),
		conditionWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_condition_warnings_total",
				Help: "Conditions that evaluated to false because they could not be evaluated",
			},
			[]string{"kind"},
		),
		ordersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_paper_orders_total",
				Help: "Paper orders by terminal status",
			},
			[]string{"session", "status"},
		),
		ticksProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_paper_ticks_processed_total",
				Help: "Ticks processed by paper sessions",
			},
			[]string{"session", "symbol"},
		),
		ticksDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_paper_ticks_dropped_total",
				Help: "Ticks ignored by paper sessions",
			},
			[]string{"session", "reason"},
		),
		sessionEquity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strategysim_paper_session_equity",
				Help: "Latest total value of a paper session",
			},
			[]string{"session"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "strategysim_paper_sessions_active",
				Help: "Paper sessions currently registered",
			},
		),
		feedReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_feed_reconnects_total",
				Help: "Market data websocket reconnect attempts",
			},
			[]string{"stream"},
		),
		persistErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategysim_persist_errors_total",
				Help: "Failed writes to the persistence sink",
			},
			[]string{"kind"},
		),
	}
}

// BacktestFinished records a completed, failed or cancelled run
func (r *Recorder) BacktestFinished(status string, duration time.Duration, bars int) {
	if r == nil {
		return
	}
	r.backtestRuns.WithLabelValues(status).Inc()
	r.backtestDuration.Observe(duration.Seconds())
	r.barsProcessed.Add(float64(bars))
}

// TradeClosed records a closed trade
func (r *Recorder) TradeClosed(mode, symbol, reason string, pnl float64) {
	if r == nil {
		return
	}
	r.tradesClosed.WithLabelValues(mode, symbol, reason).Inc()
	if pnl >= 0 {
		r.realizedPnL.WithLabelValues(mode, "profit").Add(pnl)
	} else {
		r.realizedPnL.WithLabelValues(mode, "loss").Add(-pnl)
	}
}

// EntryRejected records an entry signal that did not open a trade
func (r *Recorder) EntryRejected(mode, reason string) {
	if r == nil {
		return
	}
	r.entriesRejected.WithLabelValues(mode, reason).Inc()
}

// ConditionWarning records a condition evaluation warning
func (r *Recorder) ConditionWarning(kind string) {
	if r == nil {
		return
	}
	r.conditionWarnings.WithLabelValues(kind).Inc()
}

// OrderFinished records a paper order reaching a terminal status
func (r *Recorder) OrderFinished(session, status string) {
	if r == nil {
		return
	}
	r.ordersTotal.WithLabelValues(session, status).Inc()
}

// TickProcessed records a tick consumed by a session
func (r *Recorder) TickProcessed(session, symbol string) {
	if r == nil {
		return
	}
	r.ticksProcessed.WithLabelValues(session, symbol).Inc()
}

// TickDropped records a tick a session ignored
func (r *Recorder) TickDropped(session, reason string) {
	if r == nil {
		return
	}
	r.ticksDropped.WithLabelValues(session, reason).Inc()
}

// SetSessionEquity publishes a session's latest total value
func (r *Recorder) SetSessionEquity(session string, value float64) {
	if r == nil {
		return
	}
	r.sessionEquity.WithLabelValues(session).Set(value)
}

// SetActiveSessions publishes the number of registered sessions
func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.activeSessions.Set(float64(n))
}

// FeedReconnect records a websocket reconnect attempt
func (r *Recorder) FeedReconnect(stream string) {
	if r == nil {
		return
	}
	r.feedReconnects.WithLabelValues(stream).Inc()
}

// PersistError records a failed sink write
func (r *Recorder) PersistError(kind string) {
	if r == nil {
		return
	}
	r.persistErrors.WithLabelValues(kind).Inc()
}
