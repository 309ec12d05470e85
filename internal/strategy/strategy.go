// Package strategy provides strategy definitions to the simulators.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-sim/internal/condition"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source resolves strategy definitions by name. Returned definitions are
// copies the caller may keep.
type Source interface {
	Get(ctx context.Context, name string) (*types.StrategyDefinition, error)
}

// Catalog is an in-memory strategy registry
type Catalog struct {
	logger     *zap.Logger
	validator  *condition.Evaluator
	strategies map[string]*types.StrategyDefinition
	mu         sync.RWMutex
}

// NewCatalog creates a catalog preloaded with the built-in strategies
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		logger:     logger.Named("strategy-catalog"),
		validator:  condition.NewEvaluator(logger),
		strategies: make(map[string]*types.StrategyDefinition),
	}
	for _, def := range Builtins() {
		if err := c.Register(def); err != nil {
			c.logger.Error("Built-in strategy rejected", zap.String("name", def.Name), zap.Error(err))
		}
	}
	return c
}

// Register adds or replaces a definition after validating its structure
// and expressions.
func (c *Catalog) Register(def *types.StrategyDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", types.ErrInvalidStrategy)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	for _, src := range []string{def.Entry.Long, def.Entry.Short, def.Exit.Exit, def.Exit.LongExit, def.Exit.ShortExit} {
		if src == "" {
			continue
		}
		if err := c.validator.Validate(src); err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrInvalidStrategy, def.Name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[def.Name] = def.Clone()
	c.logger.Debug("Registered strategy", zap.String("name", def.Name))
	return nil
}

// Get returns a copy of the named definition
func (c *Catalog) Get(ctx context.Context, name string) (*types.StrategyDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrStrategyNotFound, name)
	}
	return def.Clone(), nil
}

// List returns registered names in sorted order
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.strategies))
	for name := range c.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pct(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// Builtins returns the stock strategies
func Builtins() []*types.StrategyDefinition {
	return []*types.StrategyDefinition{
		{
			Name: "momentum",
			Indicators: map[string]types.IndicatorSpec{
				"ema_fast": {Type: types.IndicatorEMA, Period: 12},
				"ema_slow": {Type: types.IndicatorEMA, Period: 26},
				"rsi":      {Type: types.IndicatorRSI, Period: 14},
			},
			Entry: types.EntryConditions{
				Long:  "ema_fast > ema_slow AND rsi > 50 AND rsi < 70",
				Short: "ema_fast < ema_slow AND rsi < 50 AND rsi > 30",
			},
			Exit: types.ExitConditions{
				LongExit:  "ema_fast < ema_slow",
				ShortExit: "ema_fast > ema_slow",
			},
			Risk: types.RiskParams{StopLossPct: pct(3), TakeProfitPct: pct(6)},
		},
		{
			Name: "mean_reversion",
			Indicators: map[string]types.IndicatorSpec{
				"bb":  {Type: types.IndicatorBollinger, Period: 20, Params: map[string]float64{"std": 2}},
				"rsi": {Type: types.IndicatorRSI, Period: 14},
			},
			Entry: types.EntryConditions{
				Long:  "close < bb_lower AND rsi < 30",
				Short: "close > bb_upper AND rsi > 70",
			},
			Exit: types.ExitConditions{
				LongExit:  "close >= bb_middle",
				ShortExit: "close <= bb_middle",
			},
			Risk: types.RiskParams{StopLossPct: pct(2), TakeProfitPct: pct(4)},
		},
		{
			Name: "trend_following",
			Indicators: map[string]types.IndicatorSpec{
				"sma_fast": {Type: types.IndicatorSMA, Period: 20},
				"sma_slow": {Type: types.IndicatorSMA, Period: 50},
			},
			Entry: types.EntryConditions{Long: "sma_fast > sma_slow AND close > sma_fast"},
			Exit:  types.ExitConditions{Exit: "sma_fast < sma_slow"},
			Risk:  types.RiskParams{StopLossPct: pct(5), TakeProfitPct: pct(15), MaxOpenPositions: 5},
		},
		{
			Name: "rsi_reversal",
			Indicators: map[string]types.IndicatorSpec{
				"rsi": {Type: types.IndicatorRSI, Period: 14},
				"atr": {Type: types.IndicatorATR, Period: 14},
			},
			Entry: types.EntryConditions{
				Long:  "rsi < 25",
				Short: "rsi > 75",
			},
			Exit: types.ExitConditions{
				LongExit:  "rsi > 55",
				ShortExit: "rsi < 45",
			},
			Risk: types.RiskParams{MaxPositionSizePct: pct(10), StopLossPct: pct(4)},
		},
	}
}
