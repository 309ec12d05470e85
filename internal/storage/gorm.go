package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DBConfig configures a SQL sink
type DBConfig struct {
	Type            string // sqlite, postgres, mysql
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
}

// TradeRecord is a backtest trade row
type TradeRecord struct {
	ID         string          `gorm:"primaryKey;size:64"`
	Symbol     string          `gorm:"index;size:32"`
	Side       string          `gorm:"size:8"`
	EntryPrice decimal.Decimal `gorm:"type:decimal(36,18)"`
	Quantity   decimal.Decimal `gorm:"type:decimal(36,18)"`
	EntryTime  time.Time
	ExitPrice  decimal.Decimal `gorm:"type:decimal(36,18)"`
	ExitTime   *time.Time
	ExitReason string          `gorm:"size:32"`
	PnL        decimal.Decimal `gorm:"type:decimal(36,18)"`
	Fees       decimal.Decimal `gorm:"type:decimal(36,18)"`
}

// ClosingTradeRecord is a realized paper-trade row
type ClosingTradeRecord struct {
	ID         string          `gorm:"primaryKey;size:64"`
	SessionID  string          `gorm:"index:idx_closing_session_time;size:64"`
	PositionID string          `gorm:"size:64"`
	OrderID    string          `gorm:"size:64"`
	Symbol     string          `gorm:"size:32"`
	Side       string          `gorm:"size:8"`
	EntryPrice decimal.Decimal `gorm:"type:decimal(36,18)"`
	ExitPrice  decimal.Decimal `gorm:"type:decimal(36,18)"`
	Quantity   decimal.Decimal `gorm:"type:decimal(36,18)"`
	EntryTime  time.Time
	ExitTime   time.Time       `gorm:"index:idx_closing_session_time"`
	ExitReason string          `gorm:"size:32"`
	PnL        decimal.Decimal `gorm:"type:decimal(36,18)"`
	PnLPct     decimal.Decimal `gorm:"type:decimal(36,18)"`
	Fees       decimal.Decimal `gorm:"type:decimal(36,18)"`
}

// OrderRecord is a paper order row. Fills are kept as JSON.
type OrderRecord struct {
	ID           string          `gorm:"primaryKey;size:64"`
	SessionID    string          `gorm:"index:idx_order_session;size:64"`
	Symbol       string          `gorm:"size:32"`
	Side         string          `gorm:"size:8"`
	Type         string          `gorm:"size:16"`
	Intent       string          `gorm:"size:16"`
	Status       string          `gorm:"index;size:16"`
	Quantity     decimal.Decimal `gorm:"type:decimal(36,18)"`
	LimitPrice   decimal.Decimal `gorm:"type:decimal(36,18)"`
	FilledQty    decimal.Decimal `gorm:"type:decimal(36,18)"`
	AvgFillPrice decimal.Decimal `gorm:"type:decimal(36,18)"`
	Commission   decimal.Decimal `gorm:"type:decimal(36,18)"`
	ExitReason   string          `gorm:"size:32"`
	RejectReason string          `gorm:"size:255"`
	Fills        string          `gorm:"type:text"`
	CreatedAt    time.Time       `gorm:"index:idx_order_session"`
	UpdatedAt    time.Time
	ExpiresAt    *time.Time
	FilledAt     *time.Time
}

// SnapshotRecord is a periodic session summary row
type SnapshotRecord struct {
	SessionID     string          `gorm:"primaryKey;size:64"`
	Timestamp     time.Time       `gorm:"primaryKey"`
	Strategy      string          `gorm:"size:128"`
	Status        string          `gorm:"size:16"`
	Cash          decimal.Decimal `gorm:"type:decimal(36,18)"`
	TotalValue    decimal.Decimal `gorm:"type:decimal(36,18)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(36,18)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(36,18)"`
	TotalReturn   decimal.Decimal `gorm:"type:decimal(36,18)"`
	OpenPositions int
	PendingOrders int
	Prices        string `gorm:"type:text"`
}

// AlertRecord is a session alert row
type AlertRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64"`
	Type      string `gorm:"size:32"`
	Severity  string `gorm:"size:16"`
	Title     string `gorm:"size:255"`
	Message   string `gorm:"type:text"`
	Symbol    string `gorm:"size:32"`
	OrderID   string `gorm:"size:64"`
	TradeID   string `gorm:"size:64"`
	CreatedAt time.Time
}

// GormSink persists to sqlite, postgres or mysql through gorm
type GormSink struct {
	db *gorm.DB
}

// NewGormSink opens the database and migrates the schema
func NewGormSink(config *DBConfig) (*GormSink, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&TradeRecord{},
		&ClosingTradeRecord{},
		&OrderRecord{},
		&SnapshotRecord{},
		&AlertRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormSink{db: db}, nil
}

func (g *GormSink) upsert(ctx context.Context, value interface{}) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// SaveTrade upserts a backtest trade
func (g *GormSink) SaveTrade(ctx context.Context, t *types.Trade) error {
	return g.upsert(ctx, &TradeRecord{
		ID:         t.ID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		EntryPrice: t.EntryPrice,
		Quantity:   t.Quantity,
		EntryTime:  t.EntryTime,
		ExitPrice:  t.ExitPrice,
		ExitTime:   t.ExitTime,
		ExitReason: string(t.ExitReason),
		PnL:        t.PnL,
		Fees:       t.Fees,
	})
}

// SaveClosingTrade upserts a realized paper trade
func (g *GormSink) SaveClosingTrade(ctx context.Context, t *types.ClosingTrade) error {
	return g.upsert(ctx, &ClosingTradeRecord{
		ID:         t.ID,
		SessionID:  t.SessionID,
		PositionID: t.PositionID,
		OrderID:    t.OrderID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Quantity:   t.Quantity,
		EntryTime:  t.EntryTime,
		ExitTime:   t.ExitTime,
		ExitReason: string(t.ExitReason),
		PnL:        t.PnL,
		PnLPct:     t.PnLPct,
		Fees:       t.Fees,
	})
}

// SaveOrder upserts an order with its current status
func (g *GormSink) SaveOrder(ctx context.Context, o *types.Order) error {
	fills, err := json.Marshal(o.Fills)
	if err != nil {
		return fmt.Errorf("failed to marshal fills: %w", err)
	}
	return g.upsert(ctx, &OrderRecord{
		ID:           o.ID,
		SessionID:    o.SessionID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Intent:       string(o.Intent),
		Status:       string(o.Status),
		Quantity:     o.Quantity,
		LimitPrice:   o.LimitPrice,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Commission:   o.Commission,
		ExitReason:   string(o.ExitReason),
		RejectReason: o.RejectReason,
		Fills:        string(fills),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		ExpiresAt:    o.ExpiresAt,
		FilledAt:     o.FilledAt,
	})
}

// SaveSnapshot upserts a snapshot keyed by session and timestamp
func (g *GormSink) SaveSnapshot(ctx context.Context, s *types.SessionSnapshot) error {
	prices, err := json.Marshal(s.Prices)
	if err != nil {
		return fmt.Errorf("failed to marshal prices: %w", err)
	}
	return g.upsert(ctx, &SnapshotRecord{
		SessionID:     s.SessionID,
		Timestamp:     s.Timestamp,
		Strategy:      s.Strategy,
		Status:        string(s.Status),
		Cash:          s.Cash,
		TotalValue:    s.TotalValue,
		UnrealizedPnL: s.UnrealizedPnL,
		RealizedPnL:   s.RealizedPnL,
		TotalReturn:   s.TotalReturn,
		OpenPositions: s.OpenPositions,
		PendingOrders: s.PendingOrders,
		Prices:        string(prices),
	})
}

// SaveAlert upserts an alert
func (g *GormSink) SaveAlert(ctx context.Context, a *types.Alert) error {
	return g.upsert(ctx, &AlertRecord{
		ID:        a.ID,
		SessionID: a.SessionID,
		Type:      string(a.Type),
		Severity:  string(a.Severity),
		Title:     a.Title,
		Message:   a.Message,
		Symbol:    a.Symbol,
		OrderID:   a.OrderID,
		TradeID:   a.TradeID,
		CreatedAt: a.CreatedAt,
	})
}

// Orders returns a session's orders, oldest first
func (g *GormSink) Orders(ctx context.Context, sessionID string) ([]*OrderRecord, error) {
	var orders []*OrderRecord
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ClosingTrades returns a session's realized trades, oldest first
func (g *GormSink) ClosingTrades(ctx context.Context, sessionID string) ([]*ClosingTradeRecord, error) {
	var trades []*ClosingTradeRecord
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("exit_time ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// LatestSnapshot returns the most recent snapshot of a session
func (g *GormSink) LatestSnapshot(ctx context.Context, sessionID string) (*SnapshotRecord, error) {
	var snap SnapshotRecord
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Ping checks the connection
func (g *GormSink) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (g *GormSink) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
