// Package data provides historical bar storage and loading.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultSampleBars is how many bars are generated when a request has no
// time range.
const DefaultSampleBars = 500

var sampleEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Store provides access to historical market data kept as JSON files
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]*types.OHLCV
	metadata map[string]*SymbolMetadata

	generate bool
	seed     int64
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithSampleData generates a deterministic random walk, seeded by seed and
// the symbol, for symbols that have no file on disk.
func WithSampleData(seed int64) StoreOption {
	return func(s *Store) {
		s.generate = true
		s.seed = seed
	}
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{
		logger:   logger.Named("data-store"),
		dataDir:  dataDir,
		cache:    make(map[string][]*types.OHLCV),
		metadata: make(map[string]*SymbolMetadata),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadOHLCV loads bars for a symbol within [start, end]. A zero bound is
// open.
func (s *Store) LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(symbol, timeframe)
	if cached, ok := s.cache[key]; ok {
		return filterByTimeRange(cached, start, end), nil
	}

	raw, err := os.ReadFile(s.path(symbol, timeframe))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !s.generate {
				return nil, fmt.Errorf("%w: %s %s", types.ErrNoData, symbol, timeframe)
			}
			s.logger.Info("Generating sample data",
				zap.String("symbol", symbol),
				zap.String("timeframe", string(timeframe)),
			)
			bars := s.generateSampleData(symbol, timeframe, start, end)
			s.cache[key] = bars
			return bars, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []*types.OHLCV
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data for %s: %w", symbol, err)
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[key] = bars
	return filterByTimeRange(bars, start, end), nil
}

// GetAvailableSymbols returns the symbols that have data on disk
func (s *Store) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetDataRange returns the available data range for a symbol
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w for symbol %s", types.ErrNoData, symbol)
}

// SaveOHLCV saves bars to disk and refreshes the cache
func (s *Store) SaveOHLCV(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.path(symbol, timeframe), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[cacheKey(symbol, timeframe)] = bars
	if len(bars) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(timeframe),
		}
	}
	return s.saveMetadata()
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]*types.OHLCV)
}

// GetCacheSize returns the number of cached datasets
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Store) path(symbol string, timeframe types.Timeframe) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", utils.ExchangeSymbol(symbol), timeframe))
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s_%s", symbol, timeframe)
}

func filterByTimeRange(bars []*types.OHLCV, start, end time.Time) []*types.OHLCV {
	filtered := make([]*types.OHLCV, 0, len(bars))
	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}
	return filtered
}

// generateSampleData builds a random walk that depends only on the seed,
// the symbol and the requested range.
func (s *Store) generateSampleData(symbol string, timeframe types.Timeframe, start, end time.Time) []*types.OHLCV {
	interval := timeframe.Duration()
	if interval == 0 {
		interval = time.Minute
	}
	if start.IsZero() {
		start = sampleEpoch
	}
	if end.IsZero() || !end.After(start) {
		end = start.Add(time.Duration(DefaultSampleBars-1) * interval)
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(s.seed ^ int64(h.Sum64())))

	price := startingPrice(symbol)
	var bars []*types.OHLCV
	for current := start; !current.After(end); current = current.Add(interval) {
		open := decimal.NewFromFloat(price).Round(4)
		price += (rng.Float64() - 0.5) * 0.02 * price
		closePrice := decimal.NewFromFloat(price).Round(4)

		high := decimal.Max(open, closePrice).Mul(decimal.NewFromFloat(1 + rng.Float64()*0.005)).Round(4)
		low := decimal.Min(open, closePrice).Mul(decimal.NewFromFloat(1 - rng.Float64()*0.005)).Round(4)
		volume := decimal.NewFromFloat(rng.Float64() * 1000000).Round(2)

		bars = append(bars, &types.OHLCV{
			Timestamp: current,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}
	return bars
}

func startingPrice(symbol string) float64 {
	switch utils.FormatSymbol(symbol) {
	case "SOL/USDT":
		return 100.0
	case "ETH/USDT":
		return 2000.0
	case "BTC/USDT":
		return 40000.0
	default:
		return 100.0
	}
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

// saveMetadata must be called with the lock held
func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0o644)
}
