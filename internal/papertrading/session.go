// Package papertrading runs strategies against a live tick feed. Each
// session owns its books, pending orders and indicator state; the
// registry is the only thing shared between sessions.
package papertrading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/condition"
	"github.com/atlas-desktop/strategy-sim/internal/execution"
	"github.com/atlas-desktop/strategy-sim/internal/feed"
	"github.com/atlas-desktop/strategy-sim/internal/indicators"
	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/internal/performance"
	"github.com/atlas-desktop/strategy-sim/internal/storage"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	tradingMode     = "paper"
	maxAlerts       = 500
	maxEquityPoints = 50000
	persistTimeout  = 5 * time.Second
)

var hundred = decimal.NewFromInt(100)

// OrderRequest is a manually placed order
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	Type       types.OrderType `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
}

// Session is one paper-trading run of a strategy over a set of symbols.
// Ticks are processed one at a time under the session mutex.
type Session struct {
	mu       sync.Mutex
	id       string
	config   types.SessionConfig
	strategy *types.StrategyDefinition
	logger   *zap.Logger
	recorder *metrics.Recorder
	source   feed.Source
	sink     storage.Sink

	evaluator *condition.Evaluator
	fills     *execution.FillSimulator
	orders    *execution.OrderBook
	book      *execution.PositionBook

	streams  map[string]*indicators.Stream
	limiters map[string]*rate.Limiter
	lastTick map[string]types.MarketTick
	// exits maps a symbol to its in-flight exit order
	exits        map[string]string
	symbolErrors map[string]int

	equity     []types.EquityPoint
	peakEquity decimal.Decimal
	alerts     []types.Alert

	status    types.SessionStatus
	startedAt time.Time

	inbox  chan types.MarketTick
	subs   map[string]feed.SubscriptionID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession builds a session in the active state. It does not consume
// the feed until Start is called.
func NewSession(
	logger *zap.Logger,
	config types.SessionConfig,
	def *types.StrategyDefinition,
	source feed.Source,
	sink storage.Sink,
	recorder *metrics.Recorder,
) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ID == "" {
		config.ID = utils.GenerateID("paper")
	}
	if len(config.Symbols) == 0 {
		return nil, fmt.Errorf("session %s: at least one symbol is required", config.ID)
	}
	if !config.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("session %s: initial capital must be positive", config.ID)
	}
	if config.Commission.IsNegative() || config.Slippage.IsNegative() {
		return nil, fmt.Errorf("session %s: commission and slippage must not be negative", config.ID)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", types.ErrInvalidStrategy)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if config.TickBuffer <= 0 {
		config.TickBuffer = 1024
	}
	if sink == nil {
		sink = storage.NopSink{}
	}

	s := &Session{
		id:           config.ID,
		config:       config,
		strategy:     def.WithDefaults(),
		logger:       logger.Named("paper-session").With(zap.String("session", config.ID)),
		recorder:     recorder,
		source:       source,
		sink:         sink,
		fills:        execution.NewFillSimulator(config.Slippage),
		orders:       execution.NewOrderBook(logger),
		book:         execution.NewPositionBook(config.ID, config.InitialCapital, config.Commission),
		streams:      make(map[string]*indicators.Stream, len(config.Symbols)),
		limiters:     make(map[string]*rate.Limiter, len(config.Symbols)),
		lastTick:     make(map[string]types.MarketTick),
		exits:        make(map[string]string),
		symbolErrors: make(map[string]int),
		peakEquity:   config.InitialCapital,
		status:       types.SessionStatusActive,
		inbox:        make(chan types.MarketTick, config.TickBuffer),
		subs:         make(map[string]feed.SubscriptionID),
	}
	s.evaluator = condition.NewEvaluator(logger, condition.WithWarningHook(func(w *condition.Warning) {
		recorder.ConditionWarning(string(w.Kind))
	}))

	limit := rate.Inf
	if config.UpdateInterval > 0 {
		limit = rate.Every(config.UpdateInterval)
	}
	for _, symbol := range config.Symbols {
		stream, err := indicators.NewStream(s.strategy)
		if err != nil {
			return nil, err
		}
		s.streams[symbol] = stream
		s.limiters[symbol] = rate.NewLimiter(limit, 1)
	}
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Strategy returns the strategy name
func (s *Session) Strategy() string { return s.strategy.Name }

// StartedAt returns when Start was called, zero before that
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Status returns the lifecycle state
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start subscribes to the feed and starts the tick and snapshot loops
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == types.SessionStatusStopped {
		s.mu.Unlock()
		return types.ErrSessionStopped
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()
	if s.source != nil {
		for _, symbol := range s.config.Symbols {
			s.subs[symbol] = s.source.Subscribe(symbol, s.enqueue)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	if s.config.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop(runCtx)
	}

	s.logger.Info("Paper session started",
		zap.String("strategy", s.strategy.Name),
		zap.Strings("symbols", s.config.Symbols),
		zap.String("capital", s.config.InitialCapital.String()))
	return nil
}

// enqueue is the feed callback. It never blocks the publisher.
func (s *Session) enqueue(tick types.MarketTick) {
	select {
	case s.inbox <- tick:
	default:
		s.recorder.TickDropped(s.id, "inbox_full")
		s.logger.Warn("Tick dropped, session inbox full",
			zap.String("symbol", tick.Symbol),
			zap.Time("timestamp", tick.Timestamp))
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.inbox:
			if err := s.ProcessTick(tick); err != nil && !errors.Is(err, types.ErrSessionStopped) {
				s.logger.Error("Tick processing failed",
					zap.String("symbol", tick.Symbol),
					zap.Error(err))
			}
		}
	}
}

func (s *Session) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			s.persist("snapshot", func(ctx context.Context) error {
				return s.sink.SaveSnapshot(ctx, &snap)
			})
		}
	}
}

// Pause stops strategy evaluation. Pending orders and protective exits
// keep working.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.SessionStatusStopped {
		return types.ErrSessionStopped
	}
	if s.status != types.SessionStatusPaused {
		s.status = types.SessionStatusPaused
		s.logger.Info("Paper session paused")
	}
	return nil
}

// Resume re-enables strategy evaluation
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.SessionStatusStopped {
		return types.ErrSessionStopped
	}
	if s.status != types.SessionStatusActive {
		s.status = types.SessionStatusActive
		s.logger.Info("Paper session resumed")
	}
	return nil
}

// Stop unsubscribes from the feed and stops the loops. Pending orders stay
// pending and open positions stay open. Stopping twice is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status == types.SessionStatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = types.SessionStatusStopped
	cancel := s.cancel
	subs := s.subs
	s.subs = make(map[string]feed.SubscriptionID)
	s.mu.Unlock()

	for symbol, id := range subs {
		s.source.Unsubscribe(symbol, id)
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	snap := s.Snapshot()
	s.persist("snapshot", func(ctx context.Context) error {
		return s.sink.SaveSnapshot(ctx, &snap)
	})
	s.recorder.SetSessionEquity(s.id, snap.TotalValue.InexactFloat64())

	s.logger.Info("Paper session stopped",
		zap.String("total_value", snap.TotalValue.String()),
		zap.Int("open_positions", snap.OpenPositions),
		zap.Int("pending_orders", snap.PendingOrders))
}

// ProcessTick runs one tick through the session. Ticks for other symbols
// and ticks older than the last one seen for their symbol are ignored. An
// error is only returned for a stopped session or a broken accounting
// invariant.
func (s *Session) ProcessTick(tick types.MarketTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == types.SessionStatusStopped {
		return types.ErrSessionStopped
	}
	stream, ok := s.streams[tick.Symbol]
	if !ok {
		s.logger.Debug("Ignoring tick for untraded symbol", zap.String("symbol", tick.Symbol))
		return nil
	}
	if !tick.Price.IsPositive() {
		s.logger.Warn("Ignoring tick without a price", zap.String("symbol", tick.Symbol))
		return nil
	}
	if last, seen := s.lastTick[tick.Symbol]; seen && tick.Timestamp.Before(last.Timestamp) {
		s.logger.Warn("Ignoring out-of-order tick",
			zap.String("symbol", tick.Symbol),
			zap.Time("timestamp", tick.Timestamp),
			zap.Time("last", last.Timestamp))
		return nil
	}

	s.lastTick[tick.Symbol] = tick
	stream.Update(tick)
	s.book.Mark(tick.Symbol, tick.Price, tick.Timestamp)
	s.recorder.TickProcessed(s.id, tick.Symbol)

	if err := s.processPendingOrders(tick); err != nil {
		s.symbolErrors[tick.Symbol]++
		s.addAlert(types.Alert{
			Type:      types.AlertEvaluationError,
			Severity:  types.SeverityError,
			Title:     "Tick processing failed",
			Message:   err.Error(),
			Symbol:    tick.Symbol,
			CreatedAt: tick.Timestamp,
		})
		return err
	}

	s.checkProtectiveExits(tick)

	if s.status == types.SessionStatusActive && s.limiters[tick.Symbol].AllowN(tick.Timestamp, 1) {
		s.evaluateStrategy(tick, stream.Values())
	}

	s.recordEquity(tick.Timestamp)
	return nil
}

func (s *Session) processPendingOrders(tick types.MarketTick) error {
	for _, order := range s.orders.Pending(tick.Symbol) {
		decision := s.fills.Evaluate(order, tick)
		switch decision.Action {
		case execution.FillExpire:
			expired, err := s.orders.Expire(order.ID, tick.Timestamp)
			if err != nil {
				return err
			}
			s.finishOrder(expired)
			s.addAlert(types.Alert{
				Type:      types.AlertOrderExpired,
				Severity:  types.SeverityWarning,
				Title:     "Order expired",
				Message:   fmt.Sprintf("%s %s %s expired unfilled", order.Side, order.Quantity, order.Symbol),
				Symbol:    order.Symbol,
				OrderID:   order.ID,
				CreatedAt: tick.Timestamp,
			})
		case execution.FillExecute:
			if err := s.executeOrder(order, decision.Price, tick.Timestamp); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeOrder fills order at price. Orders that open exposure are checked
// against cash again; exit orders always execute, trimmed to the position.
func (s *Session) executeOrder(order *types.Order, price decimal.Decimal, at time.Time) error {
	qty := order.Quantity
	pos, hasPos := s.book.Position(order.Symbol)

	if order.Intent == types.IntentExit {
		if !hasPos || pos.Side.ExitOrderSide() != order.Side {
			return s.rejectOrder(order, "no open position to close", at)
		}
		qty = utils.MinDecimal(qty, pos.Quantity)
	} else {
		opening := !hasPos || pos.Side.EntryOrderSide() == order.Side
		if opening && !s.book.CanAfford(qty, price) {
			s.recorder.EntryRejected(tradingMode, "insufficient_cash")
			return s.rejectOrder(order, types.ErrInsufficientCash.Error(), at)
		}
	}

	fill := types.Fill{
		Price:      price,
		Quantity:   qty,
		Commission: s.book.Commission(qty.Mul(price)),
		Timestamp:  at,
	}
	filled, err := s.orders.RecordFill(order.ID, fill)
	if err != nil {
		return err
	}

	reason := order.ExitReason
	if reason == "" {
		reason = types.ExitReasonSignal
		if order.Intent == types.IntentManual {
			reason = types.ExitReasonManual
		}
	}
	outcome, err := s.book.ApplyFill(filled, fill, reason)
	if err != nil {
		return err
	}
	if s.exits[order.Symbol] == order.ID {
		delete(s.exits, order.Symbol)
	}

	if outcome.Position != nil {
		stop, take := s.strategy.Risk.ProtectiveLevels(outcome.Position.Side, outcome.Position.EntryPrice)
		if err := s.book.SetProtection(order.Symbol, stop, take); err != nil {
			return types.NewInvariantError("set_protection", "%v", err)
		}
	}

	s.finishOrder(filled)
	s.addAlert(types.Alert{
		Type:      types.AlertOrderFilled,
		Severity:  types.SeveritySuccess,
		Title:     "Order filled",
		Message:   fmt.Sprintf("%s %s %s at %s", filled.Side, qty, filled.Symbol, price.StringFixed(2)),
		Symbol:    filled.Symbol,
		OrderID:   filled.ID,
		CreatedAt: at,
	})

	if closed := outcome.Closed; closed != nil {
		s.recorder.TradeClosed(tradingMode, closed.Symbol, string(closed.ExitReason), closed.PnL.InexactFloat64())
		s.persist("closing_trade", func(ctx context.Context) error {
			return s.sink.SaveClosingTrade(ctx, closed)
		})
		severity := types.SeveritySuccess
		if !closed.PnL.IsPositive() {
			severity = types.SeverityWarning
		}
		s.addAlert(types.Alert{
			Type:      types.AlertPositionClosed,
			Severity:  severity,
			Title:     "Position closed",
			Message:   fmt.Sprintf("%s %s closed (%s), PnL %s", closed.Side, closed.Symbol, closed.ExitReason, closed.PnL.StringFixed(2)),
			Symbol:    closed.Symbol,
			OrderID:   filled.ID,
			TradeID:   closed.ID,
			CreatedAt: at,
		})
		s.logger.Info("Position closed",
			zap.String("symbol", closed.Symbol),
			zap.String("side", string(closed.Side)),
			zap.String("reason", string(closed.ExitReason)),
			zap.String("pnl", closed.PnL.String()))
	}
	return nil
}

func (s *Session) rejectOrder(order *types.Order, reason string, at time.Time) error {
	rejected, err := s.orders.Reject(order.ID, reason, at)
	if err != nil {
		return err
	}
	if s.exits[order.Symbol] == order.ID {
		delete(s.exits, order.Symbol)
	}
	s.finishOrder(rejected)
	s.addAlert(types.Alert{
		Type:      types.AlertOrderRejected,
		Severity:  types.SeverityWarning,
		Title:     "Order rejected",
		Message:   fmt.Sprintf("%s %s %s: %s", order.Side, order.Quantity, order.Symbol, reason),
		Symbol:    order.Symbol,
		OrderID:   order.ID,
		CreatedAt: at,
	})
	s.logger.Info("Order rejected",
		zap.String("order", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("reason", reason))
	return nil
}

// finishOrder records a terminal order
func (s *Session) finishOrder(order *types.Order) {
	s.recorder.OrderFinished(s.id, string(order.Status))
	s.persist("order", func(ctx context.Context) error {
		return s.sink.SaveOrder(ctx, order)
	})
}

// checkProtectiveExits runs on every tick regardless of the evaluation
// limiter. A stop-loss wins when both levels are crossed.
func (s *Session) checkProtectiveExits(tick types.MarketTick) {
	pos, ok := s.book.Position(tick.Symbol)
	if !ok || s.exits[tick.Symbol] != "" {
		return
	}

	price := tick.Price
	var reason types.ExitReason
	switch pos.Side {
	case types.SideLong:
		if pos.StopLoss.IsPositive() && price.LessThanOrEqual(pos.StopLoss) {
			reason = types.ExitReasonStopLoss
		} else if pos.TakeProfit.IsPositive() && price.GreaterThanOrEqual(pos.TakeProfit) {
			reason = types.ExitReasonTakeProfit
		}
	case types.SideShort:
		if pos.StopLoss.IsPositive() && price.GreaterThanOrEqual(pos.StopLoss) {
			reason = types.ExitReasonStopLoss
		} else if pos.TakeProfit.IsPositive() && price.LessThanOrEqual(pos.TakeProfit) {
			reason = types.ExitReasonTakeProfit
		}
	}
	if reason != "" {
		s.submitExit(pos, reason, tick.Timestamp)
	}
}

func (s *Session) evaluateStrategy(tick types.MarketTick, vars map[string]float64) {
	symbol := tick.Symbol

	if pos, ok := s.book.Position(symbol); ok {
		if s.exits[symbol] != "" {
			return
		}
		if expr := s.strategy.Exit.For(pos.Side); expr != "" && s.evaluate(symbol, expr, vars) {
			s.submitExit(pos, types.ExitReasonSignal, tick.Timestamp)
		}
		return
	}
	if s.orders.PendingByIntent(symbol, types.IntentEntry) > 0 {
		return
	}

	var side types.Side
	switch {
	case s.strategy.Entry.Long != "" && s.evaluate(symbol, s.strategy.Entry.Long, vars):
		side = types.SideLong
	case s.strategy.Entry.Short != "" && s.evaluate(symbol, s.strategy.Entry.Short, vars):
		side = types.SideShort
	default:
		return
	}

	if s.book.OpenCount()+s.orders.PendingByIntent("", types.IntentEntry) >= s.strategy.Risk.MaxOpenPositions {
		s.recorder.EntryRejected(tradingMode, "max_positions")
		s.logger.Debug("Entry skipped, position cap reached", zap.String("symbol", symbol))
		return
	}

	cash := s.book.Cash()
	qty := utils.PercentOf(cash, s.strategy.Risk.MaxPositionSizePct).Div(tick.Price)
	if !qty.IsPositive() || !s.book.CanAfford(qty, tick.Price) {
		s.recorder.EntryRejected(tradingMode, "insufficient_cash")
		s.logger.Info("Entry skipped, insufficient cash",
			zap.String("symbol", symbol),
			zap.String("cash", cash.String()))
		return
	}

	order, err := s.submit(types.Order{
		Symbol:    symbol,
		Side:      side.EntryOrderSide(),
		Type:      types.OrderTypeMarket,
		Quantity:  qty,
		Intent:    types.IntentEntry,
		CreatedAt: tick.Timestamp,
	})
	if err != nil {
		s.logger.Error("Failed to submit entry order", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	s.logger.Info("Entry signal",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("order", order.ID),
		zap.String("quantity", qty.String()))
}

// evaluate checks a condition. Missing indicator values during warm-up are
// expected; other warnings count against the symbol.
func (s *Session) evaluate(symbol, expr string, vars map[string]float64) bool {
	res := s.evaluator.Evaluate(expr, vars)
	if w := res.Warning; w != nil && w.Kind != condition.WarningMissingVariable {
		s.symbolErrors[symbol]++
		s.addAlert(types.Alert{
			Type:      types.AlertEvaluationError,
			Severity:  types.SeverityWarning,
			Title:     "Condition not evaluated",
			Message:   w.String(),
			Symbol:    symbol,
			CreatedAt: s.lastTick[symbol].Timestamp,
		})
	}
	return res.Value
}

// submitExit places a market order closing pos, tracked as the symbol's
// in-flight exit.
func (s *Session) submitExit(pos *types.Position, reason types.ExitReason, at time.Time) (*types.Order, error) {
	order, err := s.submit(types.Order{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitOrderSide(),
		Type:       types.OrderTypeMarket,
		Quantity:   pos.Quantity,
		Intent:     types.IntentExit,
		ExitReason: reason,
		CreatedAt:  at,
	})
	if err != nil {
		s.logger.Error("Failed to submit exit order", zap.String("symbol", pos.Symbol), zap.Error(err))
		return nil, err
	}
	s.exits[pos.Symbol] = order.ID
	s.logger.Info("Exit triggered",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.String("order", order.ID))
	return order, nil
}

// submit adds an order to the book with the session's id and TTL
func (s *Session) submit(order types.Order) (*types.Order, error) {
	order.SessionID = s.id
	if s.config.OrderTTL > 0 && order.ExpiresAt == nil {
		expires := order.CreatedAt.Add(s.config.OrderTTL)
		order.ExpiresAt = &expires
	}
	placed, err := s.orders.Submit(order)
	if err != nil {
		return nil, err
	}
	s.persist("order", func(ctx context.Context) error {
		return s.sink.SaveOrder(ctx, placed)
	})
	s.addAlert(types.Alert{
		Type:      types.AlertOrderPlaced,
		Severity:  types.SeverityInfo,
		Title:     "Order placed",
		Message:   fmt.Sprintf("%s %s %s %s", placed.Type, placed.Side, placed.Quantity, placed.Symbol),
		Symbol:    placed.Symbol,
		OrderID:   placed.ID,
		CreatedAt: placed.CreatedAt,
	})
	return placed, nil
}

// PlaceOrder submits a manual order. It fills on a later tick.
func (s *Session) PlaceOrder(req OrderRequest) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == types.SessionStatusStopped {
		return nil, types.ErrSessionStopped
	}
	if _, ok := s.streams[req.Symbol]; !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownSymbol, req.Symbol)
	}
	if req.Type == "" {
		req.Type = types.OrderTypeMarket
	}
	return s.submit(types.Order{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		Intent:     types.IntentManual,
		CreatedAt:  s.now(req.Symbol),
	})
}

// CancelOrder cancels a pending order
func (s *Session) CancelOrder(id string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, id)
	}
	cancelled, err := s.orders.Cancel(id, s.now(order.Symbol))
	if err != nil {
		return nil, err
	}
	if s.exits[order.Symbol] == id {
		delete(s.exits, order.Symbol)
	}
	s.finishOrder(cancelled)
	return cancelled, nil
}

// ClosePosition places a market exit for the open position on symbol
func (s *Session) ClosePosition(symbol string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == types.SessionStatusStopped {
		return nil, types.ErrSessionStopped
	}
	pos, ok := s.book.Position(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no open position on %s", types.ErrInvalidOrder, symbol)
	}
	if id := s.exits[symbol]; id != "" {
		return nil, fmt.Errorf("%w: exit order %s already pending", types.ErrInvalidOrder, id)
	}
	return s.submitExit(pos, types.ExitReasonManual, s.now(symbol))
}

// now is the session clock for symbol: the last tick time, or wall time
// before the first tick.
func (s *Session) now(symbol string) time.Time {
	if tick, ok := s.lastTick[symbol]; ok {
		return tick.Timestamp
	}
	return time.Now().UTC()
}

func (s *Session) recordEquity(ts time.Time) {
	total := s.book.TotalValue()
	if total.GreaterThan(s.peakEquity) {
		s.peakEquity = total
	}
	drawdown := decimal.Zero
	if s.peakEquity.IsPositive() {
		drawdown = s.peakEquity.Sub(total).Div(s.peakEquity).Mul(hundred)
	}
	point := types.EquityPoint{
		Timestamp:  ts,
		TotalValue: total,
		Cash:       s.book.Cash(),
		Drawdown:   drawdown,
	}

	// Symbols tick independently, so a tick may be older than the last
	// point. Fold it into that point to keep timestamps increasing.
	if n := len(s.equity); n > 0 && !ts.After(s.equity[n-1].Timestamp) {
		point.Timestamp = s.equity[n-1].Timestamp
		s.equity[n-1] = point
	} else {
		s.equity = append(s.equity, point)
		if len(s.equity) > maxEquityPoints {
			s.equity = append([]types.EquityPoint(nil), s.equity[len(s.equity)-maxEquityPoints:]...)
		}
	}
	s.recorder.SetSessionEquity(s.id, total.InexactFloat64())
}

func (s *Session) addAlert(alert types.Alert) {
	alert.ID = utils.GenerateAlertID()
	alert.SessionID = s.id
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > maxAlerts {
		s.alerts = append([]types.Alert(nil), s.alerts[len(s.alerts)-maxAlerts:]...)
	}
	s.persist("alert", func(ctx context.Context) error {
		return s.sink.SaveAlert(ctx, &alert)
	})
}

func (s *Session) persist(kind string, write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		s.recorder.PersistError(kind)
		s.logger.Warn("Failed to persist record", zap.String("kind", kind), zap.Error(err))
	}
}

// Snapshot summarizes the session's portfolio
func (s *Session) Snapshot() types.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.book.TotalValue()
	ts := time.Now().UTC()
	if n := len(s.equity); n > 0 {
		ts = s.equity[n-1].Timestamp
	}
	initial := s.book.InitialCash()
	return types.SessionSnapshot{
		SessionID:     s.id,
		Strategy:      s.strategy.Name,
		Timestamp:     ts,
		Status:        s.status,
		Cash:          s.book.Cash(),
		TotalValue:    total,
		UnrealizedPnL: s.book.UnrealizedPnL(),
		RealizedPnL:   s.book.RealizedPnL(),
		TotalReturn:   utils.CalculatePercentageChange(initial, total),
		OpenPositions: s.book.OpenCount(),
		PendingOrders: s.orders.PendingCount(),
		Prices:        s.book.Prices(),
	}
}

// Metrics computes performance over closed trades and the equity curve.
// Equity points are annualized as if spaced by the update interval.
func (s *Session) Metrics() *types.PerformanceMetrics {
	s.mu.Lock()
	trades := performance.FromClosingTrades(s.book.ClosedTrades())
	equity := append([]types.EquityPoint(nil), s.equity...)
	s.mu.Unlock()

	periods := 252.0
	if s.config.UpdateInterval > 0 {
		periods = float64(365*24*time.Hour) / float64(s.config.UpdateInterval)
	}
	return performance.NewCalculator().Calculate(trades, equity, s.config.InitialCapital, periods)
}

// Orders returns every order in submission order
func (s *Session) Orders() []*types.Order {
	return s.orders.All()
}

// Order returns one order
func (s *Session) Order(id string) (*types.Order, bool) {
	return s.orders.Get(id)
}

// Positions returns open positions sorted by symbol
func (s *Session) Positions() []*types.Position {
	return s.book.Positions()
}

// ClosedTrades returns realized trades in closing order
func (s *Session) ClosedTrades() []types.ClosingTrade {
	return s.book.ClosedTrades()
}

// Alerts returns the most recent alerts, oldest first
func (s *Session) Alerts() []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Alert(nil), s.alerts...)
}

// EquityCurve returns the recorded equity points
func (s *Session) EquityCurve() []types.EquityPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.EquityPoint(nil), s.equity...)
}

// SymbolErrors returns how many ticks or evaluations failed per symbol
func (s *Session) SymbolErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.symbolErrors))
	for k, v := range s.symbolErrors {
		out[k] = v
	}
	return out
}
