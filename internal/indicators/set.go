package indicators

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
)

// DefaultBandMultiplier is the Bollinger standard-deviation multiplier used
// when a spec does not set one.
const DefaultBandMultiplier = 2.0

// Point is one value of an indicator series.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Set holds every indicator series computed for one symbol's bars.
type Set struct {
	bars   []*types.OHLCV
	fields map[string][]float64
	series map[string][]float64
	names  []string
}

// Compute evaluates every indicator of the strategy over bars.
func Compute(def *types.StrategyDefinition, bars []*types.OHLCV) (*Set, error) {
	n := len(bars)
	s := &Set{
		bars:   bars,
		fields: make(map[string][]float64, 5),
		series: make(map[string][]float64, len(def.Indicators)),
	}

	open, high, low, closes, volume := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i, bar := range bars {
		open[i] = bar.Open.InexactFloat64()
		high[i] = bar.High.InexactFloat64()
		low[i] = bar.Low.InexactFloat64()
		closes[i] = bar.Close.InexactFloat64()
		volume[i] = bar.Volume.InexactFloat64()
	}
	s.fields["open"] = open
	s.fields["high"] = high
	s.fields["low"] = low
	s.fields["close"] = closes
	s.fields["price"] = closes
	s.fields["volume"] = volume

	for _, name := range def.IndicatorNames() {
		spec := def.Indicators[name]
		kind, err := types.ParseIndicatorType(string(spec.Type))
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", name, err)
		}
		if _, clash := s.fields[name]; clash {
			return nil, fmt.Errorf("indicator %s shadows a price field", name)
		}

		switch kind {
		case types.IndicatorSMA:
			s.series[name] = SMA(closes, spec.Period)
		case types.IndicatorEMA:
			s.series[name] = EMA(closes, spec.Period)
		case types.IndicatorRSI:
			s.series[name] = RSI(closes, spec.Period)
		case types.IndicatorATR:
			s.series[name] = ATR(high, low, closes, spec.Period)
		case types.IndicatorBollinger:
			bands := Bollinger(closes, spec.Period, BandMultiplier(spec))
			s.series[name+"_upper"] = bands.Upper
			s.series[name+"_middle"] = bands.Middle
			s.series[name+"_lower"] = bands.Lower
		}
	}

	for name := range s.series {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// BandMultiplier reads the Bollinger multiplier, accepting "std" as an alias.
func BandMultiplier(spec types.IndicatorSpec) float64 {
	if v, ok := spec.Params["std_multiplier"]; ok {
		return v
	}
	return spec.Param("std", DefaultBandMultiplier)
}

// Len returns the number of bars in the set.
func (s *Set) Len() int {
	return len(s.bars)
}

// Names returns the output series names in sorted order.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// Series returns the raw values of an output series.
func (s *Set) Series(name string) ([]float64, bool) {
	v, ok := s.series[name]
	return v, ok
}

// Points returns an output series paired with bar timestamps.
func (s *Set) Points(name string) []Point {
	values, ok := s.series[name]
	if !ok {
		return nil
	}
	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{Timestamp: s.bars[i].Timestamp, Value: v}
	}
	return points
}

// Values returns the variables visible to conditions at bar i. Indicators
// still warming up are left out.
func (s *Set) Values(i int) map[string]float64 {
	vars := make(map[string]float64, len(s.fields)+len(s.series))
	if i < 0 || i >= len(s.bars) {
		return vars
	}
	for name, values := range s.fields {
		vars[name] = values[i]
	}
	for name, values := range s.series {
		if Ready(values[i]) {
			vars[name] = values[i]
		}
	}
	return vars
}
