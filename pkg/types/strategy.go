package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// IndicatorType names a supported technical indicator
type IndicatorType string

const (
	IndicatorSMA       IndicatorType = "sma"
	IndicatorEMA       IndicatorType = "ema"
	IndicatorRSI       IndicatorType = "rsi"
	IndicatorBollinger IndicatorType = "bollinger"
	IndicatorATR       IndicatorType = "atr"
)

// ParseIndicatorType normalizes user-supplied indicator type names
func ParseIndicatorType(s string) (IndicatorType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sma":
		return IndicatorSMA, nil
	case "ema":
		return IndicatorEMA, nil
	case "rsi":
		return IndicatorRSI, nil
	case "bb", "bbands", "bollinger", "bollinger_bands":
		return IndicatorBollinger, nil
	case "atr":
		return IndicatorATR, nil
	default:
		return "", fmt.Errorf("unknown indicator type %q", s)
	}
}

// IndicatorSpec configures one named indicator
type IndicatorSpec struct {
	Type   IndicatorType      `json:"type"`
	Period int                `json:"period"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Param returns a named parameter or the fallback
func (s IndicatorSpec) Param(name string, fallback float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return fallback
}

// EntryConditions holds the boolean expressions that open trades
type EntryConditions struct {
	Long  string `json:"long,omitempty"`
	Short string `json:"short,omitempty"`
}

// ExitConditions holds the boolean expressions that close trades.
// LongExit/ShortExit take precedence over Exit for their side.
type ExitConditions struct {
	Exit      string `json:"exit,omitempty"`
	LongExit  string `json:"longExit,omitempty"`
	ShortExit string `json:"shortExit,omitempty"`
}

// For returns the exit expression that applies to a side
func (e ExitConditions) For(side Side) string {
	switch {
	case side == SideLong && e.LongExit != "":
		return e.LongExit
	case side == SideShort && e.ShortExit != "":
		return e.ShortExit
	default:
		return e.Exit
	}
}

// RiskParams holds sizing and protective exit settings. Percentages use
// a 0-100 scale; a zero stop-loss or take-profit disables it.
type RiskParams struct {
	MaxPositionSizePct decimal.Decimal `json:"maxPositionSizePct"`
	StopLossPct        decimal.Decimal `json:"stopLossPct"`
	TakeProfitPct      decimal.Decimal `json:"takeProfitPct"`
	MaxOpenPositions   int             `json:"maxOpenPositions"`
}

const (
	DefaultMaxPositionSizePct = 25
	DefaultMaxOpenPositions   = 3
)

// StrategyDefinition is the immutable description of a strategy
type StrategyDefinition struct {
	Name       string                   `json:"name"`
	Indicators map[string]IndicatorSpec `json:"indicators"`
	Entry      EntryConditions          `json:"entry"`
	Exit       ExitConditions           `json:"exit"`
	Risk       RiskParams               `json:"risk"`
}

// WithDefaults returns a copy with unset risk parameters filled in
func (d *StrategyDefinition) WithDefaults() *StrategyDefinition {
	c := d.Clone()
	if c.Risk.MaxPositionSizePct.IsZero() {
		c.Risk.MaxPositionSizePct = decimal.NewFromInt(DefaultMaxPositionSizePct)
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = DefaultMaxOpenPositions
	}
	return c
}

// Clone returns a deep copy so callers cannot mutate a running strategy
func (d *StrategyDefinition) Clone() *StrategyDefinition {
	c := *d
	c.Indicators = make(map[string]IndicatorSpec, len(d.Indicators))
	for name, spec := range d.Indicators {
		params := make(map[string]float64, len(spec.Params))
		for k, v := range spec.Params {
			params[k] = v
		}
		spec.Params = params
		c.Indicators[name] = spec
	}
	return &c
}

// IndicatorNames returns the indicator names in a stable order
func (d *StrategyDefinition) IndicatorNames() []string {
	names := make([]string, 0, len(d.Indicators))
	for name := range d.Indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the definition for structural errors
func (d *StrategyDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidStrategy)
	}
	for _, name := range d.IndicatorNames() {
		spec := d.Indicators[name]
		if _, err := ParseIndicatorType(string(spec.Type)); err != nil {
			return fmt.Errorf("%w: indicator %s: %v", ErrInvalidStrategy, name, err)
		}
		if spec.Period <= 0 {
			return fmt.Errorf("%w: indicator %s: period must be positive", ErrInvalidStrategy, name)
		}
	}
	if d.Entry.Long == "" && d.Entry.Short == "" {
		return fmt.Errorf("%w: at least one entry condition is required", ErrInvalidStrategy)
	}
	hundred := decimal.NewFromInt(100)
	if d.Risk.MaxPositionSizePct.IsNegative() || d.Risk.MaxPositionSizePct.GreaterThan(hundred) {
		return fmt.Errorf("%w: max position size must be within 0-100", ErrInvalidStrategy)
	}
	if d.Risk.StopLossPct.IsNegative() || d.Risk.TakeProfitPct.IsNegative() {
		return fmt.Errorf("%w: stop-loss and take-profit must not be negative", ErrInvalidStrategy)
	}
	if d.Risk.StopLossPct.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: stop-loss must be below 100", ErrInvalidStrategy)
	}
	if d.Risk.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: max open positions must not be negative", ErrInvalidStrategy)
	}
	return nil
}

// ProtectiveLevels returns the stop-loss and take-profit prices for an
// entry. A zero percentage yields a zero price, meaning disabled.
func (r RiskParams) ProtectiveLevels(side Side, entry decimal.Decimal) (stop, take decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)
	if r.StopLossPct.IsPositive() {
		pct := r.StopLossPct.Div(hundred)
		if side == SideLong {
			stop = entry.Mul(one.Sub(pct))
		} else {
			stop = entry.Mul(one.Add(pct))
		}
	}
	if r.TakeProfitPct.IsPositive() {
		pct := r.TakeProfitPct.Div(hundred)
		if side == SideLong {
			take = entry.Mul(one.Add(pct))
		} else {
			take = entry.Mul(one.Sub(pct))
		}
	}
	return stop, take
}
