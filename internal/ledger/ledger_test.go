package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/ledger"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newLedger(t *testing.T, capital, fee float64) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(d(capital), d(fee))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestOpenDebitsCollateralAndFees(t *testing.T) {
	l := newLedger(t, 10000, 0.001)
	res, err := l.Open(ledger.OpenRequest{
		Symbol:   "BTC/USDT",
		Side:     types.SideLong,
		Price:    d(100),
		Quantity: d(25),
		Time:     t0,
		Risk:     types.RiskParams{StopLossPct: d(5), TakeProfitPct: d(10)},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if res.Trade == nil {
		t.Fatalf("Expected trade, got rejection %q", res.Rejected)
	}
	if !res.Trade.StopLoss.Equal(d(95)) || !res.Trade.TakeProfit.Equal(d(110)) {
		t.Errorf("Expected SL 95 / TP 110, got %s / %s", res.Trade.StopLoss, res.Trade.TakeProfit)
	}
	// 2500 notional + 2.5 fee
	if !l.Cash().Equal(d(7497.5)) {
		t.Errorf("Expected cash 7497.5, got %s", l.Cash())
	}
	if !l.TotalValue().Equal(d(9997.5)) {
		t.Errorf("Expected total 9997.5, got %s", l.TotalValue())
	}
	if l.OpenCount() != 1 {
		t.Errorf("Expected 1 open trade, got %d", l.OpenCount())
	}
}

func TestOpenRejectsWhenCashShort(t *testing.T) {
	l := newLedger(t, 50, 0.001)
	res, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: types.SideLong, Price: d(100), Quantity: d(5), Time: t0})
	if err != nil {
		t.Fatalf("Rejection must not be an error: %v", err)
	}
	if res.Trade != nil || res.Rejected != ledger.RejectInsufficientCash {
		t.Errorf("Expected insufficient_cash rejection, got %+v", res)
	}
	if !l.Cash().Equal(d(50)) {
		t.Errorf("Cash must stay 50, got %s", l.Cash())
	}
	if l.OpenCount() != 0 {
		t.Error("No trade should be open")
	}
}

func TestOpenInvalidQuantityIsInvariantError(t *testing.T) {
	l := newLedger(t, 1000, 0)
	_, err := l.Open(ledger.OpenRequest{Symbol: "X", Side: types.SideLong, Price: d(10), Quantity: decimal.Zero, Time: t0})
	if !types.IsInvariantViolation(err) {
		t.Errorf("Expected invariant violation, got %v", err)
	}
}

func TestCloseLongStopLoss(t *testing.T) {
	l := newLedger(t, 10000, 0.001)
	res, _ := l.Open(ledger.OpenRequest{Symbol: "BTC/USDT", Side: types.SideLong, Price: d(100), Quantity: d(25), Time: t0})

	closed, err := l.Close(res.Trade.ID, d(95), t0.Add(5*time.Hour), types.ExitReasonStopLoss)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// gross -125, fees 2.5 + 2.375
	if !closed.PnL.Equal(d(-129.875)) {
		t.Errorf("Expected pnl -129.875, got %s", closed.PnL)
	}
	if !closed.Fees.Equal(d(4.875)) {
		t.Errorf("Expected fees 4.875, got %s", closed.Fees)
	}
	if !closed.PnLPct.Equal(d(-5.195)) {
		t.Errorf("Expected pnl pct -5.195, got %s", closed.PnLPct)
	}
	if closed.ExitReason != types.ExitReasonStopLoss || closed.IsOpen() {
		t.Errorf("Unexpected exit fields: %+v", closed)
	}
	if !l.Cash().Equal(d(10000).Add(closed.PnL)) {
		t.Errorf("Expected cash = capital + pnl, got %s", l.Cash())
	}

	if _, err := l.Close(res.Trade.ID, d(95), t0.Add(6*time.Hour), types.ExitReasonSignal); !errors.Is(err, types.ErrInvariantViolation) {
		t.Errorf("Closing twice must be an invariant violation, got %v", err)
	}
}

func TestShortCollateral(t *testing.T) {
	l := newLedger(t, 1000, 0)
	res, err := l.Open(ledger.OpenRequest{
		Symbol: "SOL/USDT", Side: types.SideShort, Price: d(50), Quantity: d(10), Time: t0,
		Risk: types.RiskParams{StopLossPct: d(10), TakeProfitPct: d(20)},
	})
	if err != nil || res.Trade == nil {
		t.Fatalf("Open failed: %v %+v", err, res)
	}
	if !res.Trade.StopLoss.Equal(d(55)) || !res.Trade.TakeProfit.Equal(d(40)) {
		t.Errorf("Expected short SL 55 / TP 40, got %s / %s", res.Trade.StopLoss, res.Trade.TakeProfit)
	}

	l.Mark("SOL/USDT", d(45))
	if !l.TotalValue().Equal(d(1050)) {
		t.Errorf("Expected mark-to-market 1050, got %s", l.TotalValue())
	}
	if !l.Exposure("SOL/USDT").Equal(d(-10)) {
		t.Errorf("Expected exposure -10, got %s", l.Exposure("SOL/USDT"))
	}

	closed, err := l.Close(res.Trade.ID, d(45), t0.Add(time.Hour), types.ExitReasonSignal)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !closed.PnL.Equal(d(50)) || !l.Cash().Equal(d(1050)) {
		t.Errorf("Expected pnl 50 and cash 1050, got %s / %s", closed.PnL, l.Cash())
	}
}

func TestShortLossCappedAtCollateral(t *testing.T) {
	l := newLedger(t, 10000, 0.001)
	res, err := l.Open(ledger.OpenRequest{Symbol: "BTC/USDT", Side: types.SideShort, Price: d(100), Quantity: d(90), Time: t0})
	if err != nil || res.Trade == nil {
		t.Fatalf("Open failed: %v %+v", err, res)
	}
	if !l.Cash().Equal(d(991)) {
		t.Fatalf("Expected cash 991 after entry, got %s", l.Cash())
	}

	l.Mark("BTC/USDT", d(300))
	point, err := l.RecordEquity(t0)
	if err != nil {
		t.Fatalf("RecordEquity failed: %v", err)
	}
	if !point.TotalValue.Equal(d(991)) {
		t.Errorf("Expected total 991 with the collateral wiped out, got %s", point.TotalValue)
	}

	closed, err := l.Close(res.Trade.ID, d(300), t0.Add(time.Hour), types.ExitReasonEndOfData)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// 9000 collateral plus the 9 entry fee; no exit fee on nothing returned
	if !closed.PnL.Equal(d(-9009)) {
		t.Errorf("Expected pnl -9009, got %s", closed.PnL)
	}
	if !l.Cash().Equal(d(991)) {
		t.Errorf("Expected cash 991, got %s", l.Cash())
	}
	if _, err := l.RecordEquity(t0.Add(time.Hour)); err != nil {
		t.Errorf("Expected a valid equity point after the loss, got %v", err)
	}
}

func TestRecordEquity(t *testing.T) {
	l := newLedger(t, 1000, 0.01)
	res, _ := l.Open(ledger.OpenRequest{Symbol: "A", Side: types.SideLong, Price: d(10), Quantity: d(50), Time: t0})

	l.Mark("A", d(12))
	p1, err := l.RecordEquity(t0)
	if err != nil {
		t.Fatalf("RecordEquity failed: %v", err)
	}
	// 1000 - 5 fee + 100 gain
	if !p1.TotalValue.Equal(d(1095)) {
		t.Errorf("Expected 1095, got %s", p1.TotalValue)
	}

	l.Mark("A", d(8))
	p2, err := l.RecordEquity(t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("RecordEquity failed: %v", err)
	}
	if !p2.TotalValue.Equal(d(895)) {
		t.Errorf("Expected 895, got %s", p2.TotalValue)
	}
	if !p2.Drawdown.Equal(d(200).Div(d(1095)).Mul(d(100))) {
		t.Errorf("Unexpected drawdown %s", p2.Drawdown)
	}

	if _, err := l.RecordEquity(t0.Add(time.Hour)); !types.IsInvariantViolation(err) {
		t.Errorf("Repeated timestamp must be an invariant violation, got %v", err)
	}

	if _, err := l.Close(res.Trade.ID, d(8), t0.Add(2*time.Hour), types.ExitReasonEndOfData); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	last, err := l.RecordEquity(t0.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("RecordEquity failed: %v", err)
	}
	if !last.TotalValue.Equal(last.Cash) {
		t.Errorf("With nothing open total %s must equal cash %s", last.TotalValue, last.Cash)
	}
	if len(l.EquityCurve()) != 3 {
		t.Errorf("Expected 3 points, got %d", len(l.EquityCurve()))
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := ledger.New(decimal.Zero, decimal.Zero); err == nil {
		t.Error("Expected error for zero capital")
	}
	if _, err := ledger.New(d(100), d(-0.1)); err == nil {
		t.Error("Expected error for negative commission")
	}
}
