package execution_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/execution"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func tick(price, bid, ask float64) types.MarketTick {
	return types.MarketTick{Symbol: "BTC/USDT", Timestamp: t0, Price: d(price), Bid: d(bid), Ask: d(ask)}
}

func TestMarketFillPrice(t *testing.T) {
	sim := execution.NewFillSimulator(d(0.001))
	tests := []struct {
		name string
		side types.OrderSide
		tick types.MarketTick
		want decimal.Decimal
	}{
		{"buy at ask", types.OrderSideBuy, tick(100, 99, 101), d(101)},
		{"buy without book", types.OrderSideBuy, tick(100, 0, 0), d(100.1)},
		{"sell at bid", types.OrderSideSell, tick(100, 99, 101), d(99)},
		{"sell without book", types.OrderSideSell, tick(100, 0, 0), d(99.9)},
	}
	for _, tt := range tests {
		order := &types.Order{Symbol: "BTC/USDT", Side: tt.side, Type: types.OrderTypeMarket, Status: types.OrderStatusPending}
		got := sim.Evaluate(order, tt.tick)
		if got.Action != execution.FillExecute || !got.Price.Equal(tt.want) {
			t.Errorf("%s: expected fill at %s, got %s at %s", tt.name, tt.want, got.Action, got.Price)
		}
	}
}

func TestLimitFillNeverWorseThanLimit(t *testing.T) {
	sim := execution.NewFillSimulator(d(0.01))
	tests := []struct {
		name   string
		side   types.OrderSide
		tick   types.MarketTick
		action execution.FillAction
		price  decimal.Decimal
	}{
		{"buy above limit", types.OrderSideBuy, tick(101, 100.5, 101.5), execution.FillNone, decimal.Zero},
		{"buy improved by ask", types.OrderSideBuy, tick(99, 98.5, 99.5), execution.FillExecute, d(99.5)},
		{"buy at limit when ask is worse", types.OrderSideBuy, tick(100, 99.5, 100.5), execution.FillExecute, d(100)},
		{"buy without book", types.OrderSideBuy, tick(99, 0, 0), execution.FillExecute, d(100)},
		{"sell below limit", types.OrderSideSell, tick(99, 98.5, 99.5), execution.FillNone, decimal.Zero},
		{"sell improved by bid", types.OrderSideSell, tick(101, 100.5, 101.5), execution.FillExecute, d(100.5)},
		{"sell at limit when bid is worse", types.OrderSideSell, tick(100, 99, 101), execution.FillExecute, d(100)},
	}
	for _, tt := range tests {
		order := &types.Order{
			Symbol: "BTC/USDT", Side: tt.side, Type: types.OrderTypeLimit,
			LimitPrice: d(100), Status: types.OrderStatusPending,
		}
		got := sim.Evaluate(order, tt.tick)
		if got.Action != tt.action {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.action, got.Action)
			continue
		}
		if tt.action != execution.FillExecute {
			continue
		}
		if !got.Price.Equal(tt.price) {
			t.Errorf("%s: expected price %s, got %s", tt.name, tt.price, got.Price)
		}
		if tt.side == types.OrderSideBuy && got.Price.GreaterThan(order.LimitPrice) {
			t.Errorf("%s: buy filled above limit", tt.name)
		}
		if tt.side == types.OrderSideSell && got.Price.LessThan(order.LimitPrice) {
			t.Errorf("%s: sell filled below limit", tt.name)
		}
	}
}

func TestFillSimulatorExpiryAndGuards(t *testing.T) {
	sim := execution.NewFillSimulator(decimal.Zero)
	expires := t0
	order := &types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Status: types.OrderStatusPending, ExpiresAt: &expires}
	if got := sim.Evaluate(order, tick(100, 0, 0)); got.Action != execution.FillExpire {
		t.Errorf("Expected expiry at the deadline, got %s", got.Action)
	}

	order.ExpiresAt = nil
	other := tick(100, 0, 0)
	other.Symbol = "ETH/USDT"
	if got := sim.Evaluate(order, other); got.Action != execution.FillNone {
		t.Errorf("Tick for another symbol must not fill, got %s", got.Action)
	}

	order.Status = types.OrderStatusCancelled
	if got := sim.Evaluate(order, tick(100, 0, 0)); got.Action != execution.FillNone {
		t.Errorf("Terminal order must not fill, got %s", got.Action)
	}
}

func TestOrderBookLifecycle(t *testing.T) {
	ob := execution.NewOrderBook(zap.NewNop())

	if _, err := ob.Submit(types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket}); !errors.Is(err, types.ErrInvalidOrder) {
		t.Errorf("Expected ErrInvalidOrder for zero quantity, got %v", err)
	}
	if _, err := ob.Submit(types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d(1)}); !errors.Is(err, types.ErrInvalidOrder) {
		t.Errorf("Expected ErrInvalidOrder for missing limit, got %v", err)
	}

	entry, err := ob.Submit(types.Order{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d(1), Intent: types.IntentEntry, CreatedAt: t0})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if entry.ID == "" || entry.Status != types.OrderStatusPending {
		t.Errorf("Unexpected submitted order %+v", entry)
	}
	limit, _ := ob.Submit(types.Order{Symbol: "ETH/USDT", Side: types.OrderSideSell, Type: types.OrderTypeLimit, Quantity: d(2), LimitPrice: d(3000), CreatedAt: t0})

	if n := ob.PendingByIntent("BTC/USDT", types.IntentEntry); n != 1 {
		t.Errorf("Expected 1 pending entry, got %d", n)
	}
	if got := ob.Pending("ETH/USDT"); len(got) != 1 || got[0].ID != limit.ID {
		t.Errorf("Expected pending ETH order, got %v", got)
	}

	filled, err := ob.RecordFill(entry.ID, types.Fill{Price: d(100), Quantity: d(1), Commission: d(0.1), Timestamp: t0.Add(time.Second)})
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if filled.Status != types.OrderStatusFilled || !filled.AvgFillPrice.Equal(d(100)) || filled.FilledAt == nil || len(filled.Fills) != 1 {
		t.Errorf("Unexpected filled order %+v", filled)
	}

	if _, err := ob.Cancel(entry.ID, t0); !errors.Is(err, types.ErrOrderNotPending) {
		t.Errorf("Expected ErrOrderNotPending, got %v", err)
	}
	if _, err := ob.Cancel("missing", t0); !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}

	cancelled, err := ob.Cancel(limit.ID, t0)
	if err != nil || cancelled.Status != types.OrderStatusCancelled {
		t.Errorf("Cancel failed: %v %+v", err, cancelled)
	}
	if ob.PendingCount() != 0 {
		t.Errorf("Expected no pending orders, got %d", ob.PendingCount())
	}
	if all := ob.All(); len(all) != 2 || all[0].ID != entry.ID {
		t.Errorf("Expected both orders in submission order, got %d", len(all))
	}
}

func TestOrderBookRejectAndExpire(t *testing.T) {
	ob := execution.NewOrderBook(nil)
	a, _ := ob.Submit(types.Order{Symbol: "X", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d(1)})
	b, _ := ob.Submit(types.Order{Symbol: "X", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d(1)})

	rejected, err := ob.Reject(a.ID, "insufficient cash", t0)
	if err != nil || rejected.Status != types.OrderStatusRejected || rejected.RejectReason != "insufficient cash" {
		t.Errorf("Reject failed: %v %+v", err, rejected)
	}
	expired, err := ob.Expire(b.ID, t0)
	if err != nil || expired.Status != types.OrderStatusExpired {
		t.Errorf("Expire failed: %v %+v", err, expired)
	}
	if _, err := ob.RecordFill(b.ID, types.Fill{Price: d(1), Quantity: d(1)}); !errors.Is(err, types.ErrOrderNotPending) {
		t.Errorf("Expired order must not fill, got %v", err)
	}
}

func buy() *types.Order {
	return &types.Order{ID: "buy", Symbol: "BTC/USDT", Side: types.OrderSideBuy}
}

func sell() *types.Order {
	return &types.Order{ID: "sell", Symbol: "BTC/USDT", Side: types.OrderSideSell}
}

func fill(price, qty, commission float64, at time.Time) types.Fill {
	return types.Fill{Price: d(price), Quantity: d(qty), Commission: d(commission), Timestamp: at}
}

func TestPositionBookAverageReduceFlip(t *testing.T) {
	pb := execution.NewPositionBook("s1", d(10000), d(0.001))

	out, err := pb.ApplyFill(buy(), fill(100, 10, 1, t0), types.ExitReasonSignal)
	if err != nil || !out.Opened {
		t.Fatalf("Expected open, got %+v %v", out, err)
	}
	out, _ = pb.ApplyFill(buy(), fill(110, 10, 1.1, t0.Add(time.Minute)), types.ExitReasonSignal)
	if !out.Position.EntryPrice.Equal(d(105)) || !out.Position.Quantity.Equal(d(20)) {
		t.Errorf("Expected weighted entry 105 x 20, got %s x %s", out.Position.EntryPrice, out.Position.Quantity)
	}
	if !pb.Cash().Equal(d(7897.9)) {
		t.Errorf("Expected cash 7897.9, got %s", pb.Cash())
	}

	out, err = pb.ApplyFill(sell(), fill(120, 30, 3.6, t0.Add(2*time.Minute)), types.ExitReasonSignal)
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	if !out.Flipped || out.Closed == nil {
		t.Fatalf("Expected flip with closing trade, got %+v", out)
	}
	if !out.Closed.Quantity.Equal(d(20)) || !out.Closed.PnL.Equal(d(295.5)) {
		t.Errorf("Expected close 20 with pnl 295.5, got %s / %s", out.Closed.Quantity, out.Closed.PnL)
	}
	if out.Position.Side != types.SideShort || !out.Position.Quantity.Equal(d(10)) || !out.Position.EntryPrice.Equal(d(120)) {
		t.Errorf("Expected short 10 @ 120, got %s %s @ %s", out.Position.Side, out.Position.Quantity, out.Position.EntryPrice)
	}
	if !pb.TotalValue().Equal(d(10294.3)) {
		t.Errorf("Expected total 10294.3, got %s", pb.TotalValue())
	}

	pb.Mark("BTC/USDT", d(100), t0.Add(3*time.Minute))
	pos, _ := pb.Position("BTC/USDT")
	if !pos.UnrealizedPnL.Equal(d(200)) {
		t.Errorf("Expected short unrealized 200, got %s", pos.UnrealizedPnL)
	}

	out, _ = pb.ApplyFill(buy(), fill(100, 10, 1, t0.Add(4*time.Minute)), types.ExitReasonStopLoss)
	if out.Position != nil {
		t.Errorf("Expected flat book, got %+v", out.Position)
	}
	if out.Closed.ExitReason != types.ExitReasonStopLoss || !out.Closed.PnL.Equal(d(197.8)) {
		t.Errorf("Expected stop-loss close with pnl 197.8, got %s / %s", out.Closed.ExitReason, out.Closed.PnL)
	}
	if !pb.Cash().Equal(d(10493.3)) || !pb.TotalValue().Equal(pb.Cash()) {
		t.Errorf("Expected flat cash 10493.3, got %s / %s", pb.Cash(), pb.TotalValue())
	}
	if !pb.RealizedPnL().Equal(d(493.3)) {
		t.Errorf("Expected realized 493.3, got %s", pb.RealizedPnL())
	}
	if len(pb.ClosedTrades()) != 2 || pb.OpenCount() != 0 {
		t.Errorf("Expected 2 closing trades and no positions")
	}
}

func TestPositionBookPartialReduce(t *testing.T) {
	pb := execution.NewPositionBook("s1", d(1000), decimal.Zero)
	pb.ApplyFill(buy(), fill(10, 4, 0, t0), types.ExitReasonSignal)
	out, _ := pb.ApplyFill(sell(), fill(12, 1, 0, t0.Add(time.Minute)), types.ExitReasonManual)
	if out.Flipped || out.Position == nil || !out.Position.Quantity.Equal(d(3)) {
		t.Fatalf("Expected long 3 remaining, got %+v", out.Position)
	}
	if !out.Position.EntryPrice.Equal(d(10)) || !out.Closed.PnL.Equal(d(2)) {
		t.Errorf("Reduction must keep entry and realize 2, got %s / %s", out.Position.EntryPrice, out.Closed.PnL)
	}
	if !out.Closed.PnLPct.Equal(d(20)) {
		t.Errorf("Expected pnl pct 20, got %s", out.Closed.PnLPct)
	}
}

func TestPositionBookCanAfford(t *testing.T) {
	pb := execution.NewPositionBook("s1", d(100), d(0.01))
	if !pb.CanAfford(d(0.99), d(100)) {
		t.Error("99 + 0.99 fee should be affordable")
	}
	if pb.CanAfford(d(1), d(100)) {
		t.Error("100 + 1 fee should not be affordable")
	}
}
