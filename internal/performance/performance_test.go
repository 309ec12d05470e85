package performance_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/performance"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func results(pnls ...float64) []performance.TradeResult {
	out := make([]performance.TradeResult, len(pnls))
	for i, p := range pnls {
		out[i] = performance.TradeResult{
			PnL:       d(p),
			Fees:      d(1),
			EntryTime: t0,
			ExitTime:  t0.Add(2 * time.Hour),
		}
	}
	return out
}

func curve(values ...float64) []types.EquityPoint {
	out := make([]types.EquityPoint, len(values))
	for i, v := range values {
		out[i] = types.EquityPoint{Timestamp: t0.Add(time.Duration(i) * 24 * time.Hour), TotalValue: d(v), Cash: d(v)}
	}
	return out
}

func TestTradeStatistics(t *testing.T) {
	calc := performance.NewCalculator()
	m := calc.Calculate(results(100, -50, 0, 30), nil, d(1000), 365)

	if m.TotalTrades != 4 || m.WinningTrades != 2 || m.LosingTrades != 2 {
		t.Errorf("Expected 4/2/2 trades, got %d/%d/%d", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	}
	if !m.WinRate.Equal(d(50)) {
		t.Errorf("Expected win rate 50, got %s", m.WinRate)
	}
	if !m.ProfitFactor.Valid || !m.ProfitFactor.Decimal.Equal(d(2.6)) {
		t.Errorf("Expected profit factor 2.6, got %v", m.ProfitFactor)
	}
	if !m.AvgWin.Equal(d(65)) || !m.AvgLoss.Equal(d(-25)) {
		t.Errorf("Expected avg win/loss 65/-25, got %s/%s", m.AvgWin, m.AvgLoss)
	}
	if !m.LargestWin.Equal(d(100)) || !m.LargestLoss.Equal(d(-50)) {
		t.Errorf("Expected largest 100/-50, got %s/%s", m.LargestWin, m.LargestLoss)
	}
	if !m.Expectancy.Equal(d(20)) || !m.TotalPnL.Equal(d(80)) || !m.TotalFees.Equal(d(4)) {
		t.Errorf("Unexpected expectancy %s, pnl %s, fees %s", m.Expectancy, m.TotalPnL, m.TotalFees)
	}
	if m.AvgHoldingTime != 2*time.Hour {
		t.Errorf("Expected 2h holding time, got %s", m.AvgHoldingTime)
	}
	// No curve: final capital falls back to capital + pnl.
	if !m.FinalCapital.Equal(d(1080)) || !m.TotalReturn.Equal(d(8)) {
		t.Errorf("Expected final 1080 / return 8, got %s / %s", m.FinalCapital, m.TotalReturn)
	}
}

func TestProfitFactorUndefined(t *testing.T) {
	calc := performance.NewCalculator()
	if m := calc.Calculate(results(10, 20), nil, d(1000), 365); m.ProfitFactor.Valid {
		t.Errorf("Profit factor must be undefined without losers, got %s", m.ProfitFactor.Decimal)
	}
	if m := calc.Calculate(results(10, 0), nil, d(1000), 365); m.ProfitFactor.Valid {
		t.Errorf("Profit factor must be undefined when losses sum to zero, got %s", m.ProfitFactor.Decimal)
	}
	if m := calc.Calculate(nil, nil, d(1000), 365); m.ProfitFactor.Valid || !m.WinRate.IsZero() {
		t.Errorf("Empty trade list must produce zero stats, got %+v", m)
	}
}

func TestEquityStatistics(t *testing.T) {
	calc := performance.NewCalculator()
	eq := curve(100, 110, 99, 120)
	m := calc.Calculate(nil, eq, d(100), 365)

	if !m.MaxDrawdown.Equal(d(10)) {
		t.Errorf("Expected max drawdown 10, got %s", m.MaxDrawdown)
	}
	if !m.MaxDrawdownDate.Equal(eq[2].Timestamp) {
		t.Errorf("Expected drawdown at %s, got %s", eq[2].Timestamp, m.MaxDrawdownDate)
	}
	if !m.PeakCapital.Equal(d(120)) || !m.LowestCapital.Equal(d(99)) || !m.TotalReturn.Equal(d(20)) {
		t.Errorf("Unexpected peak %s, low %s, return %s", m.PeakCapital, m.LowestCapital, m.TotalReturn)
	}

	returns := performance.StepReturns(eq)
	var sum float64
	for _, r := range returns {
		sum += r
	}
	avg := sum / 3
	var sq float64
	for _, r := range returns {
		sq += (r - avg) * (r - avg)
	}
	sd := math.Sqrt(sq / 2)
	wantSharpe := avg / sd * math.Sqrt(365)
	if math.Abs(m.SharpeRatio.InexactFloat64()-wantSharpe) > 1e-9 {
		t.Errorf("Expected sharpe %f, got %s", wantSharpe, m.SharpeRatio)
	}
	if math.Abs(m.Volatility.InexactFloat64()-sd*math.Sqrt(365)*100) > 1e-9 {
		t.Errorf("Unexpected volatility %s", m.Volatility)
	}
}

func TestSharpeZeroOnFlatCurve(t *testing.T) {
	m := performance.NewCalculator().Calculate(nil, curve(100, 100, 100), d(100), 252)
	if !m.SharpeRatio.IsZero() || !m.Volatility.IsZero() || !m.MaxDrawdown.IsZero() {
		t.Errorf("Flat curve must give zero sharpe/volatility/drawdown, got %s/%s/%s", m.SharpeRatio, m.Volatility, m.MaxDrawdown)
	}
}

func TestCalculateRisk(t *testing.T) {
	calc := performance.NewCalculator()
	if r := calc.CalculateRisk(curve(100)); !r.VaR95.IsZero() {
		t.Errorf("Single point must give zero VaR, got %s", r.VaR95)
	}
	r := calc.CalculateRisk(curve(100, 90, 99, 99))
	// worst step is -10%
	if math.Abs(r.VaR95.InexactFloat64()-10) > 1e-9 || math.Abs(r.CVaR95.InexactFloat64()-10) > 1e-9 {
		t.Errorf("Expected VaR95/CVaR95 of 10, got %s/%s", r.VaR95, r.CVaR95)
	}
}

func TestPeriodsPerYear(t *testing.T) {
	tests := []struct {
		tf   types.Timeframe
		want float64
	}{
		{types.Timeframe1d, 365},
		{types.Timeframe1h, 8760},
		{types.Timeframe4h, 2190},
		{"2w", 252},
	}
	for _, tt := range tests {
		if got := performance.PeriodsPerYear(tt.tf); got != tt.want {
			t.Errorf("PeriodsPerYear(%s): expected %f, got %f", tt.tf, tt.want, got)
		}
	}
}

func TestMonteCarloDeterministic(t *testing.T) {
	cfg := types.MonteCarloConfig{Enabled: true, Iterations: 200, Seed: 42}
	trades := results(50, -20, 35, -10, 5)

	a := performance.NewMonteCarlo(zap.NewNop(), cfg).Run(trades, d(1000))
	b := performance.NewMonteCarlo(zap.NewNop(), cfg).Run(trades, d(1000))

	if a.Iterations != 200 {
		t.Errorf("Expected 200 iterations, got %d", a.Iterations)
	}
	if !a.MedianReturn.Equal(b.MedianReturn) || !a.P5Return.Equal(b.P5Return) || !a.MaxDrawdownP95.Equal(b.MaxDrawdownP95) {
		t.Error("Same seed must produce identical results")
	}
	if a.P5Return.GreaterThan(a.MedianReturn) || a.MedianReturn.GreaterThan(a.P95Return) {
		t.Errorf("Percentiles out of order: %s %s %s", a.P5Return, a.MedianReturn, a.P95Return)
	}
	if !a.ProbabilityRuin.IsZero() {
		t.Errorf("Small trades cannot ruin 1000, got %s", a.ProbabilityRuin)
	}

	empty := performance.NewMonteCarlo(nil, cfg).Run(nil, d(1000))
	if empty.Iterations != 0 {
		t.Errorf("Expected empty result, got %d iterations", empty.Iterations)
	}
}
