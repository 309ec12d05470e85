package indicators

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
)

// streamCalc is one online indicator.
type streamCalc interface {
	update(price float64)
	emit(name string, vars map[string]float64)
}

// Stream maintains online indicators for a single symbol's tick stream.
// It is not safe for concurrent use; each paper session owns its streams.
type Stream struct {
	calcs map[string]streamCalc
	names []string
	last  types.MarketTick
	ticks int
}

// NewStream builds online calculators for every indicator of the strategy.
func NewStream(def *types.StrategyDefinition) (*Stream, error) {
	s := &Stream{calcs: make(map[string]streamCalc, len(def.Indicators))}
	for _, name := range def.IndicatorNames() {
		spec := def.Indicators[name]
		kind, err := types.ParseIndicatorType(string(spec.Type))
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", name, err)
		}
		if spec.Period <= 0 {
			return nil, fmt.Errorf("indicator %s: period must be positive", name)
		}

		var calc streamCalc
		switch kind {
		case types.IndicatorSMA, types.IndicatorEMA:
			// Both use exponential smoothing online; SMA is approximated
			// until a true window would be available.
			calc = &smoothed{alpha: 2.0 / float64(spec.Period+1)}
		case types.IndicatorRSI:
			calc = &wilderRSI{period: spec.Period}
		case types.IndicatorBollinger:
			calc = &bands{window: newRing(spec.Period), mult: BandMultiplier(spec)}
		case types.IndicatorATR:
			calc = &tickATR{window: newRing(spec.Period)}
		}
		s.calcs[name] = calc
		s.names = append(s.names, name)
	}
	return s, nil
}

// Update feeds one tick into every indicator.
func (s *Stream) Update(tick types.MarketTick) {
	price := tick.Price.InexactFloat64()
	for _, name := range s.names {
		s.calcs[name].update(price)
	}
	s.last = tick
	s.ticks++
}

// Ticks returns how many ticks have been consumed.
func (s *Stream) Ticks() int {
	return s.ticks
}

// Values returns the variables visible to conditions after the last tick.
func (s *Stream) Values() map[string]float64 {
	vars := make(map[string]float64, len(s.names)+5)
	if s.ticks == 0 {
		return vars
	}
	price := s.last.Price.InexactFloat64()
	vars["price"] = price
	vars["close"] = price
	if s.last.Bid.IsPositive() {
		vars["bid"] = s.last.Bid.InexactFloat64()
	}
	if s.last.Ask.IsPositive() {
		vars["ask"] = s.last.Ask.InexactFloat64()
	}
	if s.last.Volume.IsPositive() {
		vars["volume"] = s.last.Volume.InexactFloat64()
	}
	for _, name := range s.names {
		s.calcs[name].emit(name, vars)
	}
	return vars
}

// smoothed is an exponential moving average seeded by the first tick.
type smoothed struct {
	alpha  float64
	value  float64
	seeded bool
}

func (e *smoothed) update(price float64) {
	if !e.seeded {
		e.value = price
		e.seeded = true
		return
	}
	e.value = (price-e.value)*e.alpha + e.value
}

func (e *smoothed) emit(name string, vars map[string]float64) {
	if e.seeded {
		vars[name] = e.value
	}
}

// wilderRSI accumulates the first period changes, then applies Wilder
// smoothing.
type wilderRSI struct {
	period           int
	prev             float64
	hasPrev          bool
	changes          int
	avgGain, avgLoss float64
}

func (r *wilderRSI) update(price float64) {
	if !r.hasPrev {
		r.prev = price
		r.hasPrev = true
		return
	}
	gain, loss := change(r.prev, price)
	r.prev = price
	r.changes++

	p := float64(r.period)
	if r.changes <= r.period {
		r.avgGain += gain / p
		r.avgLoss += loss / p
		return
	}
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
}

func (r *wilderRSI) emit(name string, vars map[string]float64) {
	if r.changes >= r.period {
		vars[name] = rsiFromAverages(r.avgGain, r.avgLoss)
	}
}

// ring is a fixed-size window of the most recent values.
type ring struct {
	buf   []float64
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) full() bool {
	return r.count == len(r.buf)
}

func (r *ring) mean() float64 {
	var sum float64
	for _, v := range r.buf[:r.count] {
		sum += v
	}
	return sum / float64(r.count)
}

type bands struct {
	window *ring
	mult   float64
}

func (b *bands) update(price float64) {
	b.window.push(price)
}

func (b *bands) emit(name string, vars map[string]float64) {
	if !b.window.full() {
		return
	}
	mid := b.window.mean()
	sd := sampleStdDev(b.window.buf, mid)
	vars[name+"_upper"] = mid + b.mult*sd
	vars[name+"_middle"] = mid
	vars[name+"_lower"] = mid - b.mult*sd
}

// tickATR averages absolute tick-to-tick moves; ticks carry no high/low.
type tickATR struct {
	window  *ring
	prev    float64
	hasPrev bool
}

func (a *tickATR) update(price float64) {
	if a.hasPrev {
		a.window.push(math.Abs(price - a.prev))
	}
	a.prev = price
	a.hasPrev = true
}

func (a *tickATR) emit(name string, vars map[string]float64) {
	if a.window.full() {
		vars[name] = a.window.mean()
	}
}
