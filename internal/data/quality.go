package data

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
)

// IssueKind names a class of data problem
type IssueKind string

const (
	IssueGap          IssueKind = "gap"
	IssueNonPositive  IssueKind = "non_positive_price"
	IssueExtremeRange IssueKind = "extreme_range"
	IssueGapMove      IssueKind = "gap_move"
	IssueInconsistent IssueKind = "ohlc_inconsistent"
	IssueDuplicate    IssueKind = "duplicate_timestamp"
	IssueOutOfOrder   IssueKind = "out_of_order"
	IssueZeroVolume   IssueKind = "zero_volume"
)

// Severity grades an issue. Critical issues make bars unusable; the
// backtester drops those bars.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityPenalty = map[Severity]float64{
	SeverityCritical: 10,
	SeverityHigh:     5,
	SeverityMedium:   2,
	SeverityLow:      0.5,
}

// Issue is one problem found in a bar series
type Issue struct {
	Kind      IssueKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"barIndex"`
	Message   string    `json:"message"`
}

// QualityReport summarizes a bar series
type QualityReport struct {
	Symbol    string            `json:"symbol"`
	Timeframe types.Timeframe   `json:"timeframe"`
	TotalBars int               `json:"totalBars"`
	Issues    []Issue           `json:"issues"`
	Counts    map[IssueKind]int `json:"counts"`
	Score     int               `json:"score"` // 0-100
	Usable    bool              `json:"usable"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
}

// QualityThresholds bound what counts as an anomaly
type QualityThresholds struct {
	MaxBarRange float64 // (high-low)/low
	MaxGapMove  float64 // |open-prevClose|/prevClose
	GapFactor   int     // missing intervals before a gap is reported
}

// DefaultQualityThresholds suits crypto bars
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{MaxBarRange: 0.30, MaxGapMove: 0.20, GapFactor: 3}
}

// InspectBars checks bars for gaps, price anomalies, OHLC consistency,
// duplicates and ordering. The expected spacing comes from timeframe.
func InspectBars(symbol string, timeframe types.Timeframe, bars []*types.OHLCV, th QualityThresholds) *QualityReport {
	report := &QualityReport{
		Symbol:    symbol,
		Timeframe: timeframe,
		TotalBars: len(bars),
		Counts:    make(map[IssueKind]int),
	}
	if len(bars) == 0 {
		return report
	}
	report.Start = bars[0].Timestamp
	report.End = bars[len(bars)-1].Timestamp

	add := func(kind IssueKind, sev Severity, i int, format string, args ...any) {
		report.Issues = append(report.Issues, Issue{
			Kind:      kind,
			Severity:  sev,
			Timestamp: bars[i].Timestamp,
			BarIndex:  i,
			Message:   fmt.Sprintf(format, args...),
		})
		report.Counts[kind]++
	}

	interval := timeframe.Duration()
	seen := make(map[int64]int, len(bars))
	for i, bar := range bars {
		if bar == nil {
			continue
		}
		if first, dup := seen[bar.Timestamp.UnixNano()]; dup {
			add(IssueDuplicate, SeverityHigh, i, "duplicate of bar %d", first)
		} else {
			seen[bar.Timestamp.UnixNano()] = i
		}

		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			add(IssueNonPositive, SeverityCritical, i, "non-positive price O:%s H:%s L:%s C:%s", bar.Open, bar.High, bar.Low, bar.Close)
			continue
		}
		if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) || bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close)) {
			add(IssueInconsistent, SeverityCritical, i, "high/low do not bound the bar O:%s H:%s L:%s C:%s", bar.Open, bar.High, bar.Low, bar.Close)
		}
		if r, _ := bar.High.Sub(bar.Low).Div(bar.Low).Float64(); r > th.MaxBarRange {
			add(IssueExtremeRange, SeverityHigh, i, "bar range %.2f%%", r*100)
		}
		if bar.Volume.IsZero() {
			add(IssueZeroVolume, SeverityLow, i, "zero volume")
		}

		if i == 0 || bars[i-1] == nil {
			continue
		}
		prev := bars[i-1]
		step := bar.Timestamp.Sub(prev.Timestamp)
		switch {
		case step < 0:
			add(IssueOutOfOrder, SeverityCritical, i, "bar precedes bar %d", i-1)
		case interval > 0 && th.GapFactor > 0 && step > interval*time.Duration(th.GapFactor):
			sev := SeverityHigh
			if step > interval*10*time.Duration(th.GapFactor) {
				sev = SeverityCritical
			}
			add(IssueGap, sev, i, "gap of %s, expected %s", step, interval)
		}
		if prev.Close.IsPositive() {
			if move, _ := bar.Open.Sub(prev.Close).Div(prev.Close).Abs().Float64(); move > th.MaxGapMove {
				add(IssueGapMove, SeverityMedium, i, "open moved %.2f%% from previous close", move*100)
			}
		}
	}

	report.Score = qualityScore(len(bars), report.Issues)
	report.Usable = report.Score >= 70 && report.Counts[IssueOutOfOrder] == 0
	return report
}

// qualityScore weights issues by severity, normalized per hundred bars
func qualityScore(totalBars int, issues []Issue) int {
	var penalty float64
	for _, issue := range issues {
		penalty += severityPenalty[issue.Severity]
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}
