package papertrading_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/feed"
	"github.com/atlas-desktop/strategy-sim/internal/papertrading"
	"github.com/atlas-desktop/strategy-sim/internal/storage"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func tick(symbol string, at time.Duration, price float64) types.MarketTick {
	return types.MarketTick{Symbol: symbol, Timestamp: t0.Add(at), Price: d(price)}
}

func sessionConfig(id string, symbols ...string) types.SessionConfig {
	return types.SessionConfig{
		ID:             id,
		Symbols:        symbols,
		InitialCapital: decimal.NewFromInt(10000),
		TickBuffer:     16,
	}
}

func priceStrategy(entry string, risk types.RiskParams) *types.StrategyDefinition {
	return &types.StrategyDefinition{
		Name:  "price_rule",
		Entry: types.EntryConditions{Long: entry},
		Risk:  risk,
	}
}

// neverEnter keeps the strategy quiet so tests drive orders by hand.
var neverEnter = priceStrategy("price > 1000000", types.RiskParams{})

func newSession(t *testing.T, cfg types.SessionConfig, def *types.StrategyDefinition, sink storage.Sink) *papertrading.Session {
	t.Helper()
	s, err := papertrading.NewSession(zap.NewNop(), cfg, def, nil, sink, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func process(t *testing.T, s *papertrading.Session, ticks ...types.MarketTick) {
	t.Helper()
	for _, tk := range ticks {
		if err := s.ProcessTick(tk); err != nil {
			t.Fatalf("ProcessTick(%s @ %s) failed: %v", tk.Symbol, tk.Price, err)
		}
	}
}

func TestEntryFillsOnNextTick(t *testing.T) {
	def := priceStrategy("price >= 100", types.RiskParams{MaxPositionSizePct: d(10)})
	s := newSession(t, sessionConfig("entry", "BTC/USDT"), def, nil)

	process(t, s, tick("BTC/USDT", 0, 100))
	orders := s.Orders()
	if len(orders) != 1 || orders[0].Status != types.OrderStatusPending || orders[0].Intent != types.IntentEntry {
		t.Fatalf("Expected one pending entry order, got %+v", orders)
	}
	if !orders[0].Quantity.Equal(d(10)) {
		t.Errorf("Expected quantity 10, got %s", orders[0].Quantity)
	}

	process(t, s, tick("BTC/USDT", time.Second, 100))
	order, _ := s.Order(orders[0].ID)
	if order.Status != types.OrderStatusFilled || !order.AvgFillPrice.Equal(d(100)) {
		t.Errorf("Expected fill at 100, got %s at %s", order.Status, order.AvgFillPrice)
	}
	positions := s.Positions()
	if len(positions) != 1 || positions[0].Side != types.SideLong {
		t.Fatalf("Expected one long position, got %+v", positions)
	}

	snap := s.Snapshot()
	if !snap.Cash.Equal(d(9000)) || !snap.TotalValue.Equal(d(10000)) {
		t.Errorf("Expected cash 9000 and value 10000, got %s and %s", snap.Cash, snap.TotalValue)
	}
}

func TestOpposingFillFlipsPosition(t *testing.T) {
	sink := storage.NewMemorySink()
	s := newSession(t, sessionConfig("flip", "BTC/USDT"), neverEnter, sink)

	if _, err := s.PlaceOrder(papertrading.OrderRequest{
		Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d(10),
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	process(t, s, tick("BTC/USDT", 0, 100))

	if _, err := s.PlaceOrder(papertrading.OrderRequest{
		Symbol: "BTC/USDT", Side: types.OrderSideSell, Quantity: d(15),
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	process(t, s, tick("BTC/USDT", time.Second, 110))

	positions := s.Positions()
	if len(positions) != 1 {
		t.Fatalf("Expected one position after flip, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Side != types.SideShort || !pos.Quantity.Equal(d(5)) || !pos.EntryPrice.Equal(d(110)) {
		t.Errorf("Expected short 5 @ 110, got %s %s @ %s", pos.Side, pos.Quantity, pos.EntryPrice)
	}

	closed := s.ClosedTrades()
	if len(closed) != 1 || !closed[0].PnL.Equal(d(100)) || closed[0].ExitReason != types.ExitReasonManual {
		t.Fatalf("Expected one manual close with PnL 100, got %+v", closed)
	}

	snap := s.Snapshot()
	if !snap.Cash.Equal(d(10650)) || !snap.TotalValue.Equal(d(10100)) {
		t.Errorf("Expected cash 10650 and value 10100, got %s and %s", snap.Cash, snap.TotalValue)
	}
	if !snap.RealizedPnL.Equal(d(100)) {
		t.Errorf("Expected realized 100, got %s", snap.RealizedPnL)
	}

	if len(sink.ClosingTrades()) != 1 {
		t.Errorf("Expected closing trade persisted, got %d", len(sink.ClosingTrades()))
	}
	for _, o := range sink.Orders() {
		if o.Status != types.OrderStatusFilled {
			t.Errorf("Expected persisted order %s to be filled, got %s", o.ID, o.Status)
		}
	}
}

func TestLimitFillsNeverCrossLimit(t *testing.T) {
	s := newSession(t, sessionConfig("limit", "ETH/USDT"), neverEnter, nil)

	buy, err := s.PlaceOrder(papertrading.OrderRequest{
		Symbol: "ETH/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeLimit,
		Quantity: d(1), LimitPrice: d(100),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	process(t, s, tick("ETH/USDT", 0, 101))
	if o, _ := s.Order(buy.ID); o.Status != types.OrderStatusPending {
		t.Fatalf("Expected buy limit to rest above the limit, got %s", o.Status)
	}

	dip := tick("ETH/USDT", time.Second, 99)
	dip.Bid, dip.Ask = d(99), d(99.5)
	process(t, s, dip)
	o, _ := s.Order(buy.ID)
	if o.Status != types.OrderStatusFilled || o.AvgFillPrice.GreaterThan(d(100)) {
		t.Fatalf("Expected fill at or below 100, got %s at %s", o.Status, o.AvgFillPrice)
	}
	if !o.AvgFillPrice.Equal(d(99.5)) {
		t.Errorf("Expected fill at the ask 99.5, got %s", o.AvgFillPrice)
	}

	sell, _ := s.PlaceOrder(papertrading.OrderRequest{
		Symbol: "ETH/USDT", Side: types.OrderSideSell, Type: types.OrderTypeLimit,
		Quantity: d(1), LimitPrice: d(120),
	})
	spike := tick("ETH/USDT", 2*time.Second, 121)
	spike.Bid, spike.Ask = d(120.5), d(121.5)
	process(t, s, spike)
	o, _ = s.Order(sell.ID)
	if o.Status != types.OrderStatusFilled || o.AvgFillPrice.LessThan(d(120)) {
		t.Errorf("Expected fill at or above 120, got %s at %s", o.Status, o.AvgFillPrice)
	}
}

func TestStopLossIgnoresEvaluationLimit(t *testing.T) {
	cfg := sessionConfig("stops", "BTC/USDT")
	cfg.UpdateInterval = time.Hour
	def := priceStrategy("price >= 100", types.RiskParams{MaxPositionSizePct: d(10), StopLossPct: d(5)})
	s := newSession(t, cfg, def, nil)

	process(t, s,
		tick("BTC/USDT", 0, 100),             // entry signal
		tick("BTC/USDT", time.Second, 100),   // entry fill, stop at 95
		tick("BTC/USDT", 2*time.Second, 94),  // stop crossed
		tick("BTC/USDT", 3*time.Second, 94),  // exit fill
		tick("BTC/USDT", 4*time.Second, 100), // still rate limited
	)

	closed := s.ClosedTrades()
	if len(closed) != 1 || closed[0].ExitReason != types.ExitReasonStopLoss {
		t.Fatalf("Expected a stop-loss exit inside the evaluation window, got %+v", closed)
	}
	if !closed[0].ExitPrice.Equal(d(94)) {
		t.Errorf("Expected exit at 94, got %s", closed[0].ExitPrice)
	}
	if n := len(s.Orders()); n != 2 {
		t.Errorf("Expected no re-entry while rate limited, got %d orders", n)
	}

	process(t, s, tick("BTC/USDT", time.Hour+5*time.Second, 100))
	if n := len(s.Orders()); n != 3 {
		t.Errorf("Expected a new entry once the interval passed, got %d orders", n)
	}
}

func TestEntryRejectedWhenFillUnaffordable(t *testing.T) {
	def := priceStrategy("price >= 100", types.RiskParams{MaxPositionSizePct: d(99)})
	s := newSession(t, sessionConfig("cash", "BTC/USDT"), def, nil)

	process(t, s, tick("BTC/USDT", 0, 100), tick("BTC/USDT", time.Second, 200))

	orders := s.Orders()
	if len(orders) == 0 || orders[0].Status != types.OrderStatusRejected {
		t.Fatalf("Expected the entry to be rejected at fill time, got %+v", orders)
	}
	if len(s.Positions()) != 0 {
		t.Errorf("Expected no position, got %d", len(s.Positions()))
	}
	if !s.Snapshot().Cash.Equal(d(10000)) {
		t.Errorf("Expected cash untouched, got %s", s.Snapshot().Cash)
	}
}

func TestPositionCapCountsPendingEntries(t *testing.T) {
	def := priceStrategy("price > 0", types.RiskParams{MaxPositionSizePct: d(10), MaxOpenPositions: 1})
	s := newSession(t, sessionConfig("cap", "AAA/USDT", "BBB/USDT"), def, nil)

	process(t, s, tick("AAA/USDT", 0, 10), tick("BBB/USDT", 0, 20))

	orders := s.Orders()
	if len(orders) != 1 || orders[0].Symbol != "AAA/USDT" {
		t.Errorf("Expected a single entry on AAA/USDT, got %+v", orders)
	}
}

func TestDataErrorsAreIgnored(t *testing.T) {
	s := newSession(t, sessionConfig("data", "BTC/USDT"), neverEnter, nil)

	process(t, s,
		tick("DOGE/USDT", 0, 1),
		tick("BTC/USDT", time.Minute, 100),
		tick("BTC/USDT", 0, 50),
	)
	curve := s.EquityCurve()
	if len(curve) != 1 || !curve[0].Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("Expected one equity point from the in-order tick, got %+v", curve)
	}
	if price := s.Snapshot().Prices["BTC/USDT"]; !price.Equal(d(100)) {
		t.Errorf("Expected stale tick ignored, price %s", price)
	}
	if _, ok := s.Snapshot().Prices["DOGE/USDT"]; ok {
		t.Error("Expected untraded symbol to leave no mark")
	}
}

func TestEquityTimestampsIncrease(t *testing.T) {
	s := newSession(t, sessionConfig("equity", "AAA/USDT", "BBB/USDT"), neverEnter, nil)

	process(t, s,
		tick("AAA/USDT", 2*time.Second, 10),
		tick("BBB/USDT", time.Second, 20),
		tick("BBB/USDT", 3*time.Second, 21),
	)
	curve := s.EquityCurve()
	for i := 1; i < len(curve); i++ {
		if !curve[i].Timestamp.After(curve[i-1].Timestamp) {
			t.Errorf("Equity timestamp %s does not follow %s", curve[i].Timestamp, curve[i-1].Timestamp)
		}
	}
	if len(curve) != 2 {
		t.Errorf("Expected 2 points, got %d", len(curve))
	}
}

func TestPauseKeepsOrdersWorking(t *testing.T) {
	def := priceStrategy("price > 0", types.RiskParams{MaxPositionSizePct: d(10)})
	s := newSession(t, sessionConfig("pause", "BTC/USDT"), def, nil)

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	s.PlaceOrder(papertrading.OrderRequest{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: d(1)})
	process(t, s, tick("BTC/USDT", 0, 100))

	if len(s.Positions()) != 1 {
		t.Errorf("Expected the manual order to fill while paused")
	}
	if n := len(s.Orders()); n != 1 {
		t.Errorf("Expected no strategy orders while paused, got %d orders", n)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.Status() != types.SessionStatusActive {
		t.Errorf("Expected active, got %s", s.Status())
	}
}

func TestClosePositionAndCancel(t *testing.T) {
	s := newSession(t, sessionConfig("close", "BTC/USDT"), neverEnter, nil)

	if _, err := s.ClosePosition("BTC/USDT"); !errors.Is(err, types.ErrInvalidOrder) {
		t.Errorf("Expected ErrInvalidOrder without a position, got %v", err)
	}
	if _, err := s.PlaceOrder(papertrading.OrderRequest{Symbol: "XRP/USDT", Side: types.OrderSideBuy, Quantity: d(1)}); !errors.Is(err, types.ErrUnknownSymbol) {
		t.Errorf("Expected ErrUnknownSymbol, got %v", err)
	}

	s.PlaceOrder(papertrading.OrderRequest{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: d(2)})
	process(t, s, tick("BTC/USDT", 0, 100))

	exit, err := s.ClosePosition("BTC/USDT")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if _, err := s.ClosePosition("BTC/USDT"); !errors.Is(err, types.ErrInvalidOrder) {
		t.Errorf("Expected a second close to be refused, got %v", err)
	}
	if _, err := s.CancelOrder(exit.ID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if _, err := s.CancelOrder(exit.ID); !errors.Is(err, types.ErrOrderNotPending) {
		t.Errorf("Expected ErrOrderNotPending, got %v", err)
	}

	exit, err = s.ClosePosition("BTC/USDT")
	if err != nil {
		t.Fatalf("ClosePosition after cancel failed: %v", err)
	}
	process(t, s, tick("BTC/USDT", time.Second, 105))
	closed := s.ClosedTrades()
	if len(closed) != 1 || closed[0].ExitReason != types.ExitReasonManual || closed[0].OrderID != exit.ID {
		t.Errorf("Expected a manual close from %s, got %+v", exit.ID, closed)
	}
}

func TestStopLeavesOrdersPending(t *testing.T) {
	sink := storage.NewMemorySink()
	s := newSession(t, sessionConfig("stop", "BTC/USDT"), neverEnter, sink)

	order, _ := s.PlaceOrder(papertrading.OrderRequest{
		Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeLimit,
		Quantity: d(1), LimitPrice: d(50),
	})
	process(t, s, tick("BTC/USDT", 0, 100))
	s.Stop()

	if o, _ := s.Order(order.ID); o.Status != types.OrderStatusPending {
		t.Errorf("Expected order to stay pending after stop, got %s", o.Status)
	}
	if err := s.ProcessTick(tick("BTC/USDT", time.Second, 40)); !errors.Is(err, types.ErrSessionStopped) {
		t.Errorf("Expected ErrSessionStopped, got %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != types.SessionStatusStopped || snap.PendingOrders != 1 {
		t.Errorf("Expected stopped with 1 pending order, got %s with %d", snap.Status, snap.PendingOrders)
	}
	if len(sink.Snapshots("stop")) != 1 {
		t.Errorf("Expected a final snapshot to be persisted")
	}
	// Stopping again is harmless.
	s.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}

func TestRegistryLifecycle(t *testing.T) {
	hub := feed.NewHub(zap.NewNop())
	sink := storage.NewMemorySink()
	registry := papertrading.NewRegistry(zap.NewNop(), hub, sink, nil)
	ctx := context.Background()

	session, err := registry.Start(ctx, sessionConfig("s1", "BTC/USDT"), neverEnter)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := registry.Start(ctx, sessionConfig("s1", "BTC/USDT"), neverEnter); !errors.Is(err, types.ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
	if _, err := registry.Start(ctx, sessionConfig("s2", "ETH/USDT"), neverEnter); err != nil {
		t.Fatalf("Start s2 failed: %v", err)
	}
	if got, _ := registry.Get("s1"); got != session {
		t.Error("Expected Get to return the started session")
	}

	if err := hub.Publish(tick("BTC/USDT", 0, 100)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, func() bool { return len(session.EquityCurve()) == 1 })

	list := registry.List()
	if len(list) != 2 || list[0].SessionID != "s1" || list[1].SessionID != "s2" {
		t.Fatalf("Unexpected session list %+v", list)
	}

	if err := registry.Stop("s1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := registry.Get("s1"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := registry.Stop("s1"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on second stop, got %v", err)
	}

	hub.Publish(tick("BTC/USDT", time.Second, 101))
	if n := len(session.EquityCurve()); n != 1 {
		t.Errorf("Expected no ticks after stop, got %d points", n)
	}

	registry.StopAll()
	if len(registry.List()) != 0 {
		t.Errorf("Expected empty registry")
	}
	if subs := hub.Stats().Subscribers; subs != 0 {
		t.Errorf("Expected all subscriptions released, got %d", subs)
	}
	if len(sink.Snapshots("s1")) == 0 || len(sink.Snapshots("s2")) == 0 {
		t.Errorf("Expected final snapshots for both sessions")
	}
}
