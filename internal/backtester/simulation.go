package backtester

import (
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/condition"
	"github.com/atlas-desktop/strategy-sim/internal/indicators"
	"github.com/atlas-desktop/strategy-sim/internal/ledger"
	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const mode = "backtest"

var hundred = decimal.NewFromInt(100)

// symbolFeed is one symbol's cleaned bars and their indicators
type symbolFeed struct {
	symbol string
	bars   []*types.OHLCV
	set    *indicators.Set
}

type barRef struct {
	feed  *symbolFeed
	index int
}

func (r barRef) bar() *types.OHLCV {
	return r.feed.bars[r.index]
}

// timeSlice groups the bars of every symbol sharing one timestamp, ordered
// by symbol.
type timeSlice struct {
	timestamp time.Time
	bars      []barRef
}

func sortedSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// sanitizeBars drops nil, malformed and non-increasing bars
func sanitizeBars(raw []*types.OHLCV) ([]*types.OHLCV, int) {
	out := make([]*types.OHLCV, 0, len(raw))
	for _, bar := range raw {
		if bar == nil || !bar.Close.IsPositive() || !bar.Low.IsPositive() || bar.High.LessThan(bar.Low) {
			continue
		}
		if n := len(out); n > 0 && !bar.Timestamp.After(out[n-1].Timestamp) {
			continue
		}
		out = append(out, bar)
	}
	return out, len(raw) - len(out)
}

// mergeSlices walks every feed in timestamp order. feeds must be sorted by
// symbol.
func mergeSlices(feeds []*symbolFeed) []timeSlice {
	var stamps []time.Time
	seen := make(map[int64]bool)
	for _, f := range feeds {
		for _, bar := range f.bars {
			key := bar.Timestamp.UnixNano()
			if !seen[key] {
				seen[key] = true
				stamps = append(stamps, bar.Timestamp)
			}
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	cursor := make([]int, len(feeds))
	slices := make([]timeSlice, 0, len(stamps))
	for _, ts := range stamps {
		slice := timeSlice{timestamp: ts}
		for i, f := range feeds {
			if cursor[i] < len(f.bars) && f.bars[cursor[i]].Timestamp.Equal(ts) {
				slice.bars = append(slice.bars, barRef{feed: f, index: cursor[i]})
				cursor[i]++
			}
		}
		slices = append(slices, slice)
	}
	return slices
}

// simulation applies one strategy to one ledger, a time slice at a time
type simulation struct {
	logger    *zap.Logger
	strategy  *types.StrategyDefinition
	ledger    *ledger.Ledger
	evaluator *condition.Evaluator
	recorder  *metrics.Recorder
}

// step processes one slice: marks, exits, entries, the end-of-data close
// on the last slice, then the equity point.
func (s *simulation) step(slice timeSlice, last bool) error {
	vars := make(map[string]map[string]float64, len(slice.bars))
	present := make(map[string]barRef, len(slice.bars))
	for _, ref := range slice.bars {
		s.ledger.Mark(ref.feed.symbol, ref.bar().Close)
		present[ref.feed.symbol] = ref
		vars[ref.feed.symbol] = ref.feed.set.Values(ref.index)
	}

	if err := s.processExits(slice.timestamp, present, vars); err != nil {
		return err
	}
	if err := s.processEntries(slice, vars); err != nil {
		return err
	}
	if last {
		if err := s.closeAll(slice.timestamp); err != nil {
			return err
		}
	}
	_, err := s.ledger.RecordEquity(slice.timestamp)
	return err
}

// processExits checks stop-loss, then take-profit, then the exit condition
// for every open trade whose symbol has a bar in this slice.
func (s *simulation) processExits(ts time.Time, present map[string]barRef, vars map[string]map[string]float64) error {
	for _, trade := range s.ledger.OpenTrades() {
		ref, ok := present[trade.Symbol]
		if !ok {
			continue
		}
		bar := ref.bar()

		price, reason, hit := protectiveExit(&trade, bar)
		if !hit {
			cond := s.strategy.Exit.For(trade.Side)
			if cond == "" || !s.evaluator.Bool(cond, vars[trade.Symbol]) {
				continue
			}
			price, reason = bar.Close, types.ExitReasonSignal
		}
		if err := s.close(trade.ID, price, ts, reason); err != nil {
			return err
		}
	}
	return nil
}

// protectiveExit reports whether the bar's range crossed the trade's stop
// or target. The stop wins when both were crossed.
func protectiveExit(t *types.Trade, bar *types.OHLCV) (decimal.Decimal, types.ExitReason, bool) {
	stop, take := t.StopLoss, t.TakeProfit
	if t.Side == types.SideShort {
		if stop.IsPositive() && bar.High.GreaterThanOrEqual(stop) {
			return stop, types.ExitReasonStopLoss, true
		}
		if take.IsPositive() && bar.Low.LessThanOrEqual(take) {
			return take, types.ExitReasonTakeProfit, true
		}
		return decimal.Zero, "", false
	}
	if stop.IsPositive() && bar.Low.LessThanOrEqual(stop) {
		return stop, types.ExitReasonStopLoss, true
	}
	if take.IsPositive() && bar.High.GreaterThanOrEqual(take) {
		return take, types.ExitReasonTakeProfit, true
	}
	return decimal.Zero, "", false
}

// processEntries opens a trade for every signalled side, long before short,
// while the open-position cap and cash allow. Trades on one symbol stack.
func (s *simulation) processEntries(slice timeSlice, vars map[string]map[string]float64) error {
	risk := s.strategy.Risk
	for _, ref := range slice.bars {
		symbol := ref.feed.symbol
		bar := ref.bar()

		for _, side := range []types.Side{types.SideLong, types.SideShort} {
			cond := s.strategy.Entry.Long
			if side == types.SideShort {
				cond = s.strategy.Entry.Short
			}
			if cond == "" || !s.evaluator.Bool(cond, vars[symbol]) {
				continue
			}

			if s.ledger.OpenCount() >= risk.MaxOpenPositions {
				s.reject(symbol, side, types.ErrMaxPositions.Error(), "max_positions")
				continue
			}

			qty := s.ledger.Cash().Mul(risk.MaxPositionSizePct).Div(hundred).Div(bar.Close)
			res, err := s.ledger.Open(ledger.OpenRequest{
				Symbol:   symbol,
				Side:     side,
				Price:    bar.Close,
				Quantity: qty,
				Time:     slice.timestamp,
				Risk:     risk,
			})
			if err != nil {
				return err
			}
			if res.Trade == nil {
				s.reject(symbol, side, types.ErrInsufficientCash.Error(), string(res.Rejected))
				continue
			}

			s.logger.Debug("Opened trade",
				zap.String("trade_id", res.Trade.ID),
				zap.String("symbol", symbol),
				zap.String("side", string(side)),
				zap.String("price", res.Trade.EntryPrice.String()),
				zap.String("quantity", res.Trade.Quantity.String()),
			)
		}
	}
	return nil
}

// closeAll force-closes every open trade at its symbol's last known price
func (s *simulation) closeAll(ts time.Time) error {
	for _, trade := range s.ledger.OpenTrades() {
		price, ok := s.ledger.LastPrice(trade.Symbol)
		if !ok {
			price = trade.EntryPrice
		}
		if err := s.close(trade.ID, price, ts, types.ExitReasonEndOfData); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulation) close(id string, price decimal.Decimal, ts time.Time, reason types.ExitReason) error {
	closed, err := s.ledger.Close(id, price, ts, reason)
	if err != nil {
		return err
	}
	s.recorder.TradeClosed(mode, closed.Symbol, string(reason), closed.PnL.InexactFloat64())
	s.logger.Debug("Closed trade",
		zap.String("trade_id", closed.ID),
		zap.String("symbol", closed.Symbol),
		zap.String("reason", string(reason)),
		zap.String("price", price.String()),
		zap.String("pnl", closed.PnL.String()),
	)
	return nil
}

func (s *simulation) reject(symbol string, side types.Side, detail, reason string) {
	s.recorder.EntryRejected(mode, reason)
	s.logger.Debug("Entry rejected",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("reason", detail),
	)
}
