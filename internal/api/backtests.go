package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/backtester"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// BacktestRequest starts a backtest of a named strategy
type BacktestRequest struct {
	types.BacktestConfig
	Strategy string `json:"strategy"`
}

// BacktestState tracks a backtest started through the API
type BacktestState struct {
	ID       string                `json:"id"`
	Strategy string                `json:"strategy"`
	Config   *types.BacktestConfig `json:"config"`
	Status   types.RunStatus       `json:"status"`
	Error    string                `json:"error,omitempty"`
	Started  time.Time             `json:"started"`
	Engine   *backtester.Engine    `json:"-"`
	Result   *types.BacktestResult `json:"-"`
}

// handleRunBacktest starts a new backtest in the background
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	if s.deps.DataStore == nil || s.deps.Strategies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "backtests not configured")
		return
	}

	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def, err := s.deps.Strategies.Get(r.Context(), req.Strategy)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}

	config := req.BacktestConfig
	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	s.mu.Lock()
	if _, exists := s.backtests[config.ID]; exists {
		s.mu.Unlock()
		s.writeError(w, http.StatusConflict, "backtest id already in use")
		return
	}
	engine := backtester.NewEngine(s.logger, s.deps.DataStore, s.deps.EngineOptions...)
	state := &BacktestState{
		ID:       config.ID,
		Strategy: def.Name,
		Config:   &config,
		Engine:   engine,
		Status:   types.RunStatusRunning,
		Started:  time.Now(),
	}
	s.backtests[config.ID] = state
	s.mu.Unlock()

	done := make(chan struct{})
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.forwardProgress(config.ID, engine, done)
	}()
	go func() {
		defer s.wg.Done()
		defer close(done)

		result, err := engine.Run(s.ctx, &config, def)

		s.mu.Lock()
		state.Result = result
		switch {
		case errors.Is(err, backtester.ErrCancelled):
			state.Status = types.RunStatusCancelled
		case err != nil:
			state.Status = types.RunStatusFailed
			state.Error = err.Error()
			s.logger.Error("Backtest failed", zap.String("id", config.ID), zap.Error(err))
		default:
			state.Status = types.RunStatusCompleted
		}
		snapshot := *state
		s.mu.Unlock()

		s.events.PublishToChannel(ChannelBacktests, MsgTypeBacktestComplete, snapshot)
		s.events.PublishToChannel(ChannelBacktests+":"+config.ID, MsgTypeBacktestComplete, snapshot)
	}()

	s.writeJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"id":     config.ID,
		"status": types.RunStatusRunning,
	})
}

// forwardProgress relays engine progress to WebSocket subscribers
func (s *Server) forwardProgress(id string, engine *backtester.Engine, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case p := <-engine.ProgressChan():
			p.ID = id
			s.events.PublishToChannel(ChannelBacktests, MsgTypeBacktestProgress, p)
			s.events.PublishToChannel(ChannelBacktests+":"+id, MsgTypeBacktestProgress, p)
		}
	}
}

// handleGetBacktest returns a backtest's state, with its result once finished
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backtest(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	body := map[string]interface{}{
		"id":       state.ID,
		"strategy": state.Strategy,
		"status":   state.Status,
		"started":  state.Started,
	}
	if state.Error != "" {
		body["error"] = state.Error
	}
	if state.Result != nil {
		body["result"] = state.Result
	}
	running := state.Status == types.RunStatusRunning
	s.mu.RUnlock()

	if running {
		body["progress"] = state.Engine.GetProgress()
	}
	s.writeJSON(w, body)
}

// handleGetBacktestTrades returns the closed trades of a finished backtest
func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backtest(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	result := state.Result
	s.mu.RUnlock()
	if result == nil {
		s.writeError(w, http.StatusConflict, "backtest has no result yet")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

// handleCancelBacktest cancels a running backtest
func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backtest(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	running := state.Status == types.RunStatusRunning
	s.mu.RUnlock()
	if !running {
		s.writeError(w, http.StatusConflict, "backtest is not running")
		return
	}
	state.Engine.Cancel()
	s.writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) backtest(id string) (*BacktestState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.backtests[id]
	return state, ok
}

// pathSymbol turns a URL-safe symbol like BTC-USDT into BTC/USDT
func pathSymbol(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "/"))
}
