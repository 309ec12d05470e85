// Package performance derives summary statistics from closed trades and
// equity curves.
package performance

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// TradeResult is the part of a closed trade the calculator needs
type TradeResult struct {
	PnL       decimal.Decimal
	Fees      decimal.Decimal
	EntryTime time.Time
	ExitTime  time.Time
}

// FromTrades converts closed backtest trades. Open trades are skipped.
func FromTrades(trades []types.Trade) []TradeResult {
	out := make([]TradeResult, 0, len(trades))
	for _, t := range trades {
		if t.IsOpen() {
			continue
		}
		out = append(out, TradeResult{PnL: t.PnL, Fees: t.Fees, EntryTime: t.EntryTime, ExitTime: *t.ExitTime})
	}
	return out
}

// FromClosingTrades converts paper-trading closing trades
func FromClosingTrades(trades []types.ClosingTrade) []TradeResult {
	out := make([]TradeResult, len(trades))
	for i, t := range trades {
		out[i] = TradeResult{PnL: t.PnL, Fees: t.Fees, EntryTime: t.EntryTime, ExitTime: t.ExitTime}
	}
	return out
}

// PeriodsPerYear returns how many bars of tf fit in a 365-day year. Unknown
// timeframes fall back to 252 trading days.
func PeriodsPerYear(tf types.Timeframe) float64 {
	d := tf.Duration()
	if d <= 0 {
		return 252
	}
	return float64(365*24*time.Hour) / float64(d)
}

// Calculator computes performance metrics
type Calculator struct{}

// NewCalculator creates a new metrics calculator
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate summarizes trades and the equity curve. A trade with zero PnL
// counts as a loser. Profit factor is left undefined when there is no
// losing PnL to divide by.
func (c *Calculator) Calculate(
	trades []TradeResult,
	equity []types.EquityPoint,
	initialCapital decimal.Decimal,
	periodsPerYear float64,
) *types.PerformanceMetrics {
	m := &types.PerformanceMetrics{
		FinalCapital:  initialCapital,
		PeakCapital:   initialCapital,
		LowestCapital: initialCapital,
	}

	var grossWins, grossLosses decimal.Decimal
	var holding time.Duration
	for _, t := range trades {
		m.TotalPnL = m.TotalPnL.Add(t.PnL)
		m.TotalFees = m.TotalFees.Add(t.Fees)
		holding += t.ExitTime.Sub(t.EntryTime)

		if t.PnL.IsPositive() {
			m.WinningTrades++
			grossWins = grossWins.Add(t.PnL)
			if t.PnL.GreaterThan(m.LargestWin) {
				m.LargestWin = t.PnL
			}
			continue
		}
		m.LosingTrades++
		grossLosses = grossLosses.Add(t.PnL.Neg())
		if t.PnL.LessThan(m.LargestLoss) {
			m.LargestLoss = t.PnL
		}
	}

	m.TotalTrades = len(trades)
	if m.TotalTrades > 0 {
		total := decimal.NewFromInt(int64(m.TotalTrades))
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(total).Mul(hundred)
		m.Expectancy = m.TotalPnL.Div(total)
		m.AvgHoldingTime = holding / time.Duration(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossWins.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLosses.Neg().Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	if m.LosingTrades > 0 && grossLosses.IsPositive() {
		m.ProfitFactor = decimal.NewNullDecimal(grossWins.Div(grossLosses))
	}

	if len(equity) > 0 {
		m.FinalCapital = equity[len(equity)-1].TotalValue
		for _, p := range equity {
			if p.TotalValue.GreaterThan(m.PeakCapital) {
				m.PeakCapital = p.TotalValue
			}
			if p.TotalValue.LessThan(m.LowestCapital) {
				m.LowestCapital = p.TotalValue
			}
		}
	} else {
		m.FinalCapital = initialCapital.Add(m.TotalPnL)
	}
	if initialCapital.IsPositive() {
		m.TotalReturn = m.FinalCapital.Sub(initialCapital).Div(initialCapital).Mul(hundred)
	}

	returns := StepReturns(equity)
	annualize := math.Sqrt(periodsPerYear)
	if sd := stdDev(returns); sd > 0 {
		avg := mean(returns)
		m.Volatility = decimal.NewFromFloat(sd * annualize * 100)
		m.SharpeRatio = decimal.NewFromFloat(avg / sd * annualize)
	}
	if dd := stdDev(negatives(returns)); dd > 0 {
		m.SortinoRatio = decimal.NewFromFloat(mean(returns) / dd * annualize)
	}

	m.MaxDrawdown, m.MaxDrawdownDate = MaxDrawdown(equity)
	return m
}

// CalculateRisk computes historical VaR and CVaR of per-step returns, as
// positive percentages.
func (c *Calculator) CalculateRisk(equity []types.EquityPoint) *types.RiskMetrics {
	returns := StepReturns(equity)
	if len(returns) == 0 {
		return &types.RiskMetrics{}
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	m := &types.RiskMetrics{}
	idx95 := int(float64(len(sorted)) * 0.05)
	idx99 := int(float64(len(sorted)) * 0.01)
	m.VaR95 = decimal.NewFromFloat(-sorted[idx95] * 100)
	m.VaR99 = decimal.NewFromFloat(-sorted[idx99] * 100)

	tail := sorted[:idx95+1]
	m.CVaR95 = decimal.NewFromFloat(-mean(tail) * 100)
	return m
}

// StepReturns returns the fractional change between consecutive points
func StepReturns(equity []types.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].TotalValue
		if prev.IsZero() {
			continue
		}
		returns = append(returns, equity[i].TotalValue.Sub(prev).Div(prev).InexactFloat64())
	}
	return returns
}

// MaxDrawdown returns the largest peak-to-trough decline as a positive
// percentage and when it occurred.
func MaxDrawdown(equity []types.EquityPoint) (decimal.Decimal, time.Time) {
	if len(equity) == 0 {
		return decimal.Zero, time.Time{}
	}
	var maxDD decimal.Decimal
	var at time.Time
	peak := equity[0].TotalValue
	for _, p := range equity {
		if p.TotalValue.GreaterThan(peak) {
			peak = p.TotalValue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.TotalValue).Div(peak).Mul(hundred)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			at = p.Timestamp
		}
	}
	return maxDD, at
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		diff := v - m
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func negatives(values []float64) []float64 {
	var out []float64
	for _, v := range values {
		if v < 0 {
			out = append(out, v)
		}
	}
	return out
}
