package performance

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultIterations = 1000
	// ruinFraction of initial capital left counts as ruin.
	ruinFraction = 0.5
)

// MonteCarlo resamples trade results with replacement to estimate the
// spread of outcomes. The same seed always yields the same result.
type MonteCarlo struct {
	logger     *zap.Logger
	iterations int
	rng        *rand.Rand
}

// NewMonteCarlo creates a resampler from config
func NewMonteCarlo(logger *zap.Logger, config types.MonteCarloConfig) *MonteCarlo {
	if logger == nil {
		logger = zap.NewNop()
	}
	iterations := config.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return &MonteCarlo{
		logger:     logger,
		iterations: iterations,
		rng:        rand.New(rand.NewSource(config.Seed)),
	}
}

// Run simulates paths of len(trades) resampled trades starting from
// initialCapital. Returns are percentages of initial capital.
func (mc *MonteCarlo) Run(trades []TradeResult, initialCapital decimal.Decimal) *types.MonteCarloResult {
	if len(trades) == 0 || !initialCapital.IsPositive() {
		return &types.MonteCarloResult{}
	}

	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL.InexactFloat64()
	}
	capital := initialCapital.InexactFloat64()

	finals := make([]float64, mc.iterations)
	drawdowns := make([]float64, mc.iterations)
	ruined := 0
	for i := 0; i < mc.iterations; i++ {
		ret, dd, ruin := mc.simulatePath(pnls, capital)
		finals[i] = ret
		drawdowns[i] = dd
		if ruin {
			ruined++
		}
	}
	sort.Float64s(finals)
	sort.Float64s(drawdowns)

	result := &types.MonteCarloResult{
		Iterations:      mc.iterations,
		MedianReturn:    decimal.NewFromFloat(percentile(finals, 50)),
		P5Return:        decimal.NewFromFloat(percentile(finals, 5)),
		P95Return:       decimal.NewFromFloat(percentile(finals, 95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruined) / float64(mc.iterations) * 100),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(drawdowns, 95)),
	}

	mc.logger.Debug("Monte Carlo simulation complete",
		zap.Int("iterations", mc.iterations),
		zap.String("medianReturn", result.MedianReturn.String()),
		zap.String("p5Return", result.P5Return.String()),
		zap.String("probabilityRuin", result.ProbabilityRuin.String()),
	)
	return result
}

func (mc *MonteCarlo) simulatePath(pnls []float64, capital float64) (ret, maxDD float64, ruin bool) {
	equity := capital
	peak := capital
	for range pnls {
		equity += pnls[mc.rng.Intn(len(pnls))]
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
		if equity <= capital*ruinFraction {
			ruin = true
		}
	}
	return (equity - capital) / capital * 100, maxDD, ruin
}

// percentile interpolates the pth percentile of sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
