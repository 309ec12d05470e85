// Package types provides configuration types for the strategy simulator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	ID             string           `json:"id"`
	Symbols        []string         `json:"symbols"`
	Timeframe      Timeframe        `json:"timeframe"`
	StartDate      time.Time        `json:"startDate"`
	EndDate        time.Time        `json:"endDate"`
	InitialCapital decimal.Decimal  `json:"initialCapital"`
	Commission     decimal.Decimal  `json:"commission"`
	Validation     ValidationConfig `json:"validation"`
}

// ValidationConfig represents optional post-run analysis
type ValidationConfig struct {
	MonteCarlo MonteCarloConfig `json:"monteCarlo,omitempty"`
}

// MonteCarloConfig represents trade-resampling configuration
type MonteCarloConfig struct {
	Enabled    bool  `json:"enabled"`
	Iterations int   `json:"iterations"`
	Seed       int64 `json:"seed"`
}

// RunStatus represents the final state of a backtest
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// BacktestResult represents the results of a backtest
type BacktestResult struct {
	ID            string              `json:"id"`
	Strategy      string              `json:"strategy"`
	Config        *BacktestConfig     `json:"config"`
	Status        RunStatus           `json:"status"`
	Error         string              `json:"error,omitempty"`
	Metrics       *PerformanceMetrics `json:"metrics"`
	RiskMetrics   *RiskMetrics        `json:"riskMetrics"`
	EquityCurve   []EquityPoint       `json:"equityCurve"`
	Trades        []Trade             `json:"trades"`
	MonteCarlo    *MonteCarloResult   `json:"monteCarlo,omitempty"`
	Warnings      int                 `json:"warnings"`
	BarsProcessed int                 `json:"barsProcessed"`
	StartedAt     time.Time           `json:"startedAt"`
	CompletedAt   time.Time           `json:"completedAt"`
	Duration      time.Duration       `json:"duration"`
}

// BacktestProgress represents the progress of a running backtest
type BacktestProgress struct {
	ID             string          `json:"id"`
	Status         RunStatus       `json:"status"`
	Progress       float64         `json:"progress"` // 0-100
	BarsProcessed  int             `json:"barsProcessed"`
	TotalBars      int             `json:"totalBars"`
	CurrentDate    time.Time       `json:"currentDate"`
	TradesExecuted int             `json:"tradesExecuted"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
	Error          string          `json:"error,omitempty"`
}

// SessionStatus represents the lifecycle of a paper-trading session
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusPaused  SessionStatus = "paused"
	SessionStatusStopped SessionStatus = "stopped"
)

// SessionConfig represents the configuration of a paper-trading session
type SessionConfig struct {
	ID               string          `json:"id"`
	Symbols          []string        `json:"symbols"`
	InitialCapital   decimal.Decimal `json:"initialCapital"`
	Commission       decimal.Decimal `json:"commission"`
	Slippage         decimal.Decimal `json:"slippage"`
	UpdateInterval   time.Duration   `json:"updateInterval"`
	SnapshotInterval time.Duration   `json:"snapshotInterval"`
	OrderTTL         time.Duration   `json:"orderTtl"`
	TickBuffer       int             `json:"tickBuffer"`
}

// DefaultSessionConfig returns session defaults for a symbol
func DefaultSessionConfig(id string, symbols ...string) SessionConfig {
	return SessionConfig{
		ID:               id,
		Symbols:          symbols,
		InitialCapital:   decimal.NewFromInt(10000),
		Commission:       decimal.NewFromFloat(0.001),
		Slippage:         decimal.NewFromFloat(0.001),
		UpdateInterval:   5 * time.Second,
		SnapshotInterval: time.Minute,
		TickBuffer:       1024,
	}
}

// SessionSnapshot is a point-in-time portfolio summary of a session
type SessionSnapshot struct {
	SessionID     string                     `json:"sessionId"`
	Strategy      string                     `json:"strategy"`
	Timestamp     time.Time                  `json:"timestamp"`
	Status        SessionStatus              `json:"status"`
	Cash          decimal.Decimal            `json:"cash"`
	TotalValue    decimal.Decimal            `json:"totalValue"`
	UnrealizedPnL decimal.Decimal            `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal            `json:"realizedPnl"`
	TotalReturn   decimal.Decimal            `json:"totalReturn"`
	OpenPositions int                        `json:"openPositions"`
	PendingOrders int                        `json:"pendingOrders"`
	Prices        map[string]decimal.Decimal `json:"prices"`
}

// AlertType categorizes session alerts
type AlertType string

const (
	AlertOrderPlaced     AlertType = "order_placed"
	AlertOrderFilled     AlertType = "order_filled"
	AlertOrderRejected   AlertType = "order_rejected"
	AlertOrderExpired    AlertType = "order_expired"
	AlertPositionClosed  AlertType = "position_closed"
	AlertEvaluationError AlertType = "evaluation_error"
)

// AlertSeverity grades alerts for display
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeveritySuccess AlertSeverity = "success"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
)

// Alert is a notable session event
type Alert struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Symbol    string        `json:"symbol,omitempty"`
	OrderID   string        `json:"orderId,omitempty"`
	TradeID   string        `json:"tradeId,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}
