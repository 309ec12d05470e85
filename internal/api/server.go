// Package api provides the ops HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/backtester"
	"github.com/atlas-desktop/strategy-sim/internal/config"
	"github.com/atlas-desktop/strategy-sim/internal/data"
	"github.com/atlas-desktop/strategy-sim/internal/papertrading"
	"github.com/atlas-desktop/strategy-sim/internal/strategy"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Dependencies are the components the server exposes. Nil members turn
// the matching routes into 503s.
type Dependencies struct {
	DataStore  *data.Store
	Strategies strategy.Source
	Sessions   *papertrading.Registry
	Gatherer   prometheus.Gatherer

	// EngineOptions are applied to every backtest engine the server creates.
	EngineOptions []backtester.Option
	// SnapshotPush is how often session snapshots are pushed to WebSocket
	// subscribers. Zero disables the push.
	SnapshotPush time.Duration
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     config.ServerConfig
	deps       Dependencies
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	events     *EventHub
	backtests  map[string]*BacktestState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, cfg config.ServerConfig, deps Dependencies) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:    logger.Named("api"),
		config:    cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		events:    NewEventHub(logger),
		backtests: make(map[string]*BacktestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.setupRoutes()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.events.Run(ctx)
	}()
	if deps.Sessions != nil && deps.SnapshotPush > 0 {
		s.wg.Add(1)
		go s.pushSnapshots(ctx)
	}
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Data and strategies
	api.HandleFunc("/data/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/data/history/{symbol}", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/data/quality/{symbol}", s.handleGetQuality).Methods("GET")
	api.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")
	api.HandleFunc("/strategies/{name}", s.handleGetStrategy).Methods("GET")

	// Backtests
	api.HandleFunc("/backtests", s.handleRunBacktest).Methods("POST")
	api.HandleFunc("/backtests/{id}", s.handleGetBacktest).Methods("GET")
	api.HandleFunc("/backtests/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	api.HandleFunc("/backtests/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	// Paper sessions, read-only
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/orders", s.handleSessionOrders).Methods("GET")
	api.HandleFunc("/sessions/{id}/positions", s.handleSessionPositions).Methods("GET")
	api.HandleFunc("/sessions/{id}/trades", s.handleSessionTrades).Methods("GET")
	api.HandleFunc("/sessions/{id}/alerts", s.handleSessionAlerts).Methods("GET")
	api.HandleFunc("/sessions/{id}/equity", s.handleSessionEquity).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router wrapped in CORS handling
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Events returns the WebSocket event hub
func (s *Server) Events() *EventHub {
	return s.events
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and cancels running backtests
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	srv := s.httpServer
	for _, state := range s.backtests {
		if state.Status == types.RunStatusRunning {
			state.Engine.Cancel()
		}
	}
	s.mu.RUnlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}
	if s.deps.Sessions != nil {
		body["sessions"] = len(s.deps.Sessions.List())
	}
	s.writeJSON(w, body)
}

// handleGetSymbols returns symbols with stored history
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	if s.deps.DataStore == nil {
		s.writeError(w, http.StatusServiceUnavailable, "data store not configured")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"symbols": s.deps.DataStore.GetAvailableSymbols(),
	})
}

// handleGetHistory returns historical bars for a symbol. Symbols use a
// dash in the path, BTC-USDT for BTC/USDT.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.DataStore == nil {
		s.writeError(w, http.StatusServiceUnavailable, "data store not configured")
		return
	}
	symbol := pathSymbol(mux.Vars(r)["symbol"])

	query := r.URL.Query()
	timeframe := types.Timeframe(query.Get("timeframe"))
	if timeframe == "" {
		timeframe = types.Timeframe1h
	}
	if timeframe.Duration() == 0 {
		s.writeError(w, http.StatusBadRequest, "unsupported timeframe")
		return
	}

	var start, end time.Time
	if v := query.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		start = t
	}
	if v := query.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		end = t
	}

	bars, err := s.deps.DataStore.LoadOHLCV(r.Context(), symbol, timeframe, start, end)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

// handleGetQuality inspects a symbol's stored bars for gaps and anomalies
func (s *Server) handleGetQuality(w http.ResponseWriter, r *http.Request) {
	if s.deps.DataStore == nil {
		s.writeError(w, http.StatusServiceUnavailable, "data store not configured")
		return
	}
	symbol := pathSymbol(mux.Vars(r)["symbol"])
	timeframe := types.Timeframe(r.URL.Query().Get("timeframe"))
	if timeframe == "" {
		timeframe = types.Timeframe1h
	}
	if timeframe.Duration() == 0 {
		s.writeError(w, http.StatusBadRequest, "unsupported timeframe")
		return
	}

	bars, err := s.deps.DataStore.LoadOHLCV(r.Context(), symbol, timeframe, time.Time{}, time.Time{})
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, data.InspectBars(symbol, timeframe, bars, data.DefaultQualityThresholds()))
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.deps.Strategies.(interface{ List() []string })
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "strategy listing not available")
		return
	}
	s.writeJSON(w, map[string]interface{}{"strategies": lister.List()})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Strategies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "strategies not configured")
		return
	}
	def, err := s.deps.Strategies.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, def)
}

// handleWebSocket upgrades the connection and hands it to the event hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.events.serveClient(conn)
}

// pushSnapshots publishes every session's snapshot on a fixed interval
func (s *Server) pushSnapshots(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.deps.SnapshotPush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range s.deps.Sessions.List() {
				s.events.PublishToChannel(ChannelSessions, MsgTypeSessionSnapshot, snap)
				s.events.PublishToChannel(ChannelSessions+":"+snap.SessionID, MsgTypeSessionSnapshot, snap)
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrSessionNotFound),
		errors.Is(err, types.ErrStrategyNotFound),
		errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, types.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidStrategy),
		errors.Is(err, types.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
