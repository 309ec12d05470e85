// Package indicators computes technical indicators over bar histories
// (batch) and tick streams (online).
//
// Batch outputs are aligned index-for-index with their input. Points that
// are not defined yet are NaN, which the condition evaluator treats as a
// missing variable.
package indicators

import "math"

// NaNSeries returns a series of n undefined points.
func NaNSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Ready reports whether v is a defined indicator value.
func Ready(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SMA over the last p points; NaN for the first p-1.
func SMA(x []float64, p int) []float64 {
	out := NaNSeries(len(x))
	if p <= 0 {
		return out
	}
	var sum float64
	for i := range x {
		sum += x[i]
		if i >= p {
			sum -= x[i-p]
		}
		if i >= p-1 {
			out[i] = sum / float64(p)
		}
	}
	return out
}

// EMA with smoothing 2/(p+1), seeded with the SMA of the first p points.
func EMA(x []float64, p int) []float64 {
	out := NaNSeries(len(x))
	if p <= 0 || len(x) < p {
		return out
	}
	k := 2.0 / float64(p+1)

	var seed float64
	for i := 0; i < p; i++ {
		seed += x[i]
	}
	out[p-1] = seed / float64(p)
	for i := p; i < len(x); i++ {
		out[i] = (x[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// RSI with Wilder smoothing. The first p changes seed the averages, so
// indices below p are NaN. No losses in the window yields 100.
func RSI(x []float64, p int) []float64 {
	out := NaNSeries(len(x))
	if p <= 0 || len(x) <= p {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= p; i++ {
		gain, loss := change(x[i-1], x[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(p)
	avgLoss /= float64(p)
	out[p] = rsiFromAverages(avgGain, avgLoss)

	for i := p + 1; i < len(x); i++ {
		gain, loss := change(x[i-1], x[i])
		avgGain = (avgGain*float64(p-1) + gain) / float64(p)
		avgLoss = (avgLoss*float64(p-1) + loss) / float64(p)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Bands holds Bollinger band series.
type Bands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger computes SMA(p) ± mult × rolling sample standard deviation.
func Bollinger(x []float64, p int, mult float64) Bands {
	n := len(x)
	b := Bands{Upper: NaNSeries(n), Middle: SMA(x, p), Lower: NaNSeries(n)}
	if p <= 0 {
		return b
	}
	for i := p - 1; i < n; i++ {
		sd := sampleStdDev(x[i-p+1:i+1], b.Middle[i])
		b.Upper[i] = b.Middle[i] + mult*sd
		b.Lower[i] = b.Middle[i] - mult*sd
	}
	return b
}

func sampleStdDev(window []float64, mean float64) float64 {
	if len(window) < 2 {
		return 0
	}
	var ss float64
	for _, v := range window {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(window)-1))
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|); the
// first bar has no previous close and uses high-low.
func TrueRange(high, low, closes []float64) []float64 {
	out := make([]float64, len(high))
	for i := range high {
		tr := high[i] - low[i]
		if i > 0 {
			tr = math.Max(tr, math.Abs(high[i]-closes[i-1]))
			tr = math.Max(tr, math.Abs(low[i]-closes[i-1]))
		}
		out[i] = tr
	}
	return out
}

// ATR is the rolling mean of the true range over p bars.
func ATR(high, low, closes []float64, p int) []float64 {
	return SMA(TrueRange(high, low, closes), p)
}
