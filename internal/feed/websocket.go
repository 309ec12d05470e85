package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/atlas-desktop/strategy-sim/pkg/utils"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WebSocketConfig configures the exchange websocket feed
type WebSocketConfig struct {
	URL               string
	Symbols           []string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultWebSocketConfig returns default config
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:               "wss://stream.binance.com:9443/ws",
		Symbols:           []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		ReconnectInterval: 5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// WebSocketFeed streams Binance-style ticker and book ticker messages into
// a Hub. It implements Source by delegating to the hub.
type WebSocketFeed struct {
	*Hub

	logger   *zap.Logger
	config   WebSocketConfig
	recorder *metrics.Recorder
	dialer   *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu   sync.RWMutex
	symbols map[string]bool

	// latest best bid/ask per exchange symbol, merged into ticker ticks
	bookMu sync.RWMutex
	books  map[string][2]decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketFeed creates a feed publishing into hub
func NewWebSocketFeed(logger *zap.Logger, hub *Hub, config WebSocketConfig, recorder *metrics.Recorder) *WebSocketFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	return &WebSocketFeed{
		Hub:      hub,
		logger:   logger.Named("websocket-feed"),
		config:   config,
		recorder: recorder,
		dialer:   &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		symbols:  make(map[string]bool),
		books:    make(map[string][2]decimal.Decimal),
	}
}

// Start connects, subscribes to the configured symbols and starts the read
// and reconnect loops.
func (f *WebSocketFeed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		f.cancel()
		return fmt.Errorf("failed to connect to market data stream: %w", err)
	}
	for _, symbol := range f.config.Symbols {
		if err := f.Track(symbol); err != nil {
			f.logger.Warn("Failed to subscribe", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	f.wg.Add(2)
	go f.readLoop()
	go f.reconnectMonitor()

	f.logger.Info("Market data feed started", zap.Int("symbols", len(f.config.Symbols)))
	return nil
}

// Stop closes the connection and waits for the loops to exit
func (f *WebSocketFeed) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
	f.wg.Wait()

	f.logger.Info("Market data feed stopped")
	return nil
}

// Track asks the exchange to stream symbol
func (f *WebSocketFeed) Track(symbol string) error {
	symbol = utils.FormatSymbol(symbol)
	f.subMu.Lock()
	f.symbols[symbol] = true
	f.subMu.Unlock()
	return f.sendStreams("SUBSCRIBE", []string{symbol})
}

// Untrack stops streaming symbol
func (f *WebSocketFeed) Untrack(symbol string) error {
	symbol = utils.FormatSymbol(symbol)
	f.subMu.Lock()
	delete(f.symbols, symbol)
	f.subMu.Unlock()
	return f.sendStreams("UNSUBSCRIBE", []string{symbol})
}

func (f *WebSocketFeed) sendStreams(method string, symbols []string) error {
	streams := make([]string, 0, 2*len(symbols))
	for _, symbol := range symbols {
		name := strings.ToLower(utils.ExchangeSymbol(symbol))
		streams = append(streams, name+"@ticker", name+"@bookTicker")
	}
	msg := map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errors.New("websocket not connected")
	}
	return f.conn.WriteJSON(msg)
}

func (f *WebSocketFeed) connect() error {
	conn, _, err := f.dialer.DialContext(f.ctx, f.config.URL, nil)
	if err != nil {
		return err
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.logger.Debug("Connected to market data stream", zap.String("url", f.config.URL))
	return nil
}

func (f *WebSocketFeed) currentConn() *websocket.Conn {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn
}

// dropConn discards a broken connection so the monitor redials
func (f *WebSocketFeed) dropConn(conn *websocket.Conn) {
	f.connMu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.connMu.Unlock()
	conn.Close()
}

func (f *WebSocketFeed) readLoop() {
	defer f.wg.Done()
	for {
		if f.ctx.Err() != nil {
			return
		}
		conn := f.currentConn()
		if conn == nil {
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				f.logger.Warn("WebSocket read error", zap.Error(err))
				f.dropConn(conn)
			}
			continue
		}
		f.handleMessage(message)
	}
}

func (f *WebSocketFeed) reconnectMonitor() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			if f.currentConn() != nil {
				continue
			}
			f.recorder.FeedReconnect("ticker")
			f.logger.Info("Attempting to reconnect to market data stream")
			if err := f.connect(); err != nil {
				f.logger.Error("Reconnection failed", zap.Error(err))
				continue
			}

			f.subMu.RLock()
			symbols := make([]string, 0, len(f.symbols))
			for symbol := range f.symbols {
				symbols = append(symbols, symbol)
			}
			f.subMu.RUnlock()
			if err := f.sendStreams("SUBSCRIBE", symbols); err != nil {
				f.logger.Warn("Resubscribe failed", zap.Error(err))
			}
		}
	}
}

// streamMessage covers the 24hrTicker and bookTicker payloads. The
// upper-case twins are declared so encoding/json's case-insensitive
// matching cannot write them into the lower-case fields.
type streamMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	CloseTime int64  `json:"C"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	Volume    string `json:"v"`
	BookID    int64  `json:"u"`
}

// combinedMessage wraps payloads on the /stream endpoint
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (f *WebSocketFeed) handleMessage(raw []byte) {
	var combined combinedMessage
	if err := json.Unmarshal(raw, &combined); err == nil && len(combined.Data) > 0 {
		raw = combined.Data
	}

	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Symbol == "" {
		return
	}

	switch {
	case msg.Event == "24hrTicker":
		f.handleTicker(msg)
	case msg.Event == "" && msg.BookID != 0:
		f.handleBookTicker(msg)
	}
}

func (f *WebSocketFeed) handleTicker(msg streamMessage) {
	price, err := decimal.NewFromString(msg.Last)
	if err != nil {
		f.logger.Debug("Malformed ticker price", zap.String("symbol", msg.Symbol), zap.String("price", msg.Last))
		return
	}
	bid, _ := decimal.NewFromString(msg.Bid)
	ask, _ := decimal.NewFromString(msg.Ask)
	volume, _ := decimal.NewFromString(msg.Volume)

	f.bookMu.RLock()
	if book, ok := f.books[msg.Symbol]; ok {
		bid, ask = book[0], book[1]
	}
	f.bookMu.RUnlock()

	ts := time.Now().UTC()
	if msg.EventTime > 0 {
		ts = time.UnixMilli(msg.EventTime).UTC()
	}
	tick := types.MarketTick{
		Symbol:    utils.FormatSymbol(msg.Symbol),
		Timestamp: ts,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
	}
	if err := f.Publish(tick); err != nil {
		f.logger.Debug("Tick not published", zap.String("symbol", tick.Symbol), zap.Error(err))
	}
}

// handleBookTicker caches best bid/ask; bookTicker carries no event time so
// it never publishes on its own.
func (f *WebSocketFeed) handleBookTicker(msg streamMessage) {
	bid, errBid := decimal.NewFromString(msg.Bid)
	ask, errAsk := decimal.NewFromString(msg.Ask)
	if errBid != nil || errAsk != nil {
		return
	}
	f.bookMu.Lock()
	f.books[msg.Symbol] = [2]decimal.Decimal{bid, ask}
	f.bookMu.Unlock()
}
