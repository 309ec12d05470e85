package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// definitionFile is the on-disk form of a strategy. JSON documents are
// valid YAML, so one decoder reads both.
type definitionFile struct {
	Name       string                   `yaml:"name"`
	Indicators map[string]indicatorFile `yaml:"indicators"`
	Entry      struct {
		Long  string `yaml:"long"`
		Short string `yaml:"short"`
	} `yaml:"entry"`
	Exit struct {
		Exit      string `yaml:"exit"`
		LongExit  string `yaml:"long_exit"`
		ShortExit string `yaml:"short_exit"`
	} `yaml:"exit"`
	Risk struct {
		MaxPositionSizePct float64 `yaml:"max_position_size_pct"`
		StopLossPct        float64 `yaml:"stop_loss_pct"`
		TakeProfitPct      float64 `yaml:"take_profit_pct"`
		MaxOpenPositions   int     `yaml:"max_open_positions"`
	} `yaml:"risk"`
}

type indicatorFile struct {
	Type   string             `yaml:"type"`
	Period int                `yaml:"period"`
	Params map[string]float64 `yaml:"params"`
}

func (f *definitionFile) definition() (*types.StrategyDefinition, error) {
	def := &types.StrategyDefinition{
		Name:       f.Name,
		Indicators: make(map[string]types.IndicatorSpec, len(f.Indicators)),
		Entry:      types.EntryConditions{Long: f.Entry.Long, Short: f.Entry.Short},
		Exit: types.ExitConditions{
			Exit:      f.Exit.Exit,
			LongExit:  f.Exit.LongExit,
			ShortExit: f.Exit.ShortExit,
		},
		Risk: types.RiskParams{
			MaxPositionSizePct: decimal.NewFromFloat(f.Risk.MaxPositionSizePct),
			StopLossPct:        decimal.NewFromFloat(f.Risk.StopLossPct),
			TakeProfitPct:      decimal.NewFromFloat(f.Risk.TakeProfitPct),
			MaxOpenPositions:   f.Risk.MaxOpenPositions,
		},
	}
	for name, ind := range f.Indicators {
		kind, err := types.ParseIndicatorType(ind.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: indicator %s: %v", types.ErrInvalidStrategy, name, err)
		}
		def.Indicators[name] = types.IndicatorSpec{Type: kind, Period: ind.Period, Params: ind.Params}
	}
	return def, nil
}

// ParseDefinition decodes a YAML or JSON strategy document
func ParseDefinition(data []byte) (*types.StrategyDefinition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidStrategy, err)
	}
	def, err := f.definition()
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile reads one strategy file
func LoadFile(path string) (*types.StrategyDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// FileSource serves strategies loaded from a directory of .yaml, .yml
// and .json files, on top of the built-in catalog.
type FileSource struct {
	*Catalog
	dir string
}

// NewFileSource loads every strategy file in dir. Any invalid file fails
// the whole load so a typo never silently drops a strategy.
func NewFileSource(logger *zap.Logger, dir string) (*FileSource, error) {
	s := &FileSource{Catalog: NewCatalog(logger), dir: dir}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the directory, replacing definitions with the same name
func (s *FileSource) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read strategy directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(s.dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		def, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := s.Register(def); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	s.logger.Info("Loaded strategies", zap.String("dir", s.dir), zap.Int("files", len(paths)))
	return nil
}
