// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/api"
	"github.com/atlas-desktop/strategy-sim/internal/config"
	"github.com/atlas-desktop/strategy-sim/internal/data"
	"github.com/atlas-desktop/strategy-sim/internal/feed"
	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/internal/papertrading"
	"github.com/atlas-desktop/strategy-sim/internal/strategy"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type testEnv struct {
	server   *api.Server
	ts       *httptest.Server
	hub      *feed.Hub
	sessions *papertrading.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir(), data.WithSampleData(42))
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)
	hub := feed.NewHub(logger)
	sessions := papertrading.NewRegistry(logger, hub, nil, recorder)

	server := api.NewServer(logger, config.ServerConfig{AllowedOrigins: []string{"*"}}, api.Dependencies{
		DataStore:    dataStore,
		Strategies:   strategy.NewCatalog(logger),
		Sessions:     sessions,
		Gatherer:     reg,
		SnapshotPush: 20 * time.Millisecond,
	})
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		sessions.StopAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	})
	return &testEnv{server: server, ts: ts, hub: hub, sessions: sessions}
}

func startSession(t *testing.T, env *testEnv, id string) *papertrading.Session {
	t.Helper()
	cfg := types.DefaultSessionConfig(id, "SOL/USDT")
	cfg.SnapshotInterval = 0
	def := &types.StrategyDefinition{
		Name:  "quiet",
		Entry: types.EntryConditions{Long: "price > 1000000"},
	}
	session, err := env.sessions.Start(context.Background(), cfg, def)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	return session
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	var result map[string]interface{}
	if code := getJSON(t, env.ts.URL+"/healthz", &result); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	startSession(t, env, "metrics")

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "strategysim_paper_sessions_active 1") {
		t.Errorf("Expected active session gauge of 1 in metrics output")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := setupTestServer(t)

	var result struct {
		Symbol string        `json:"symbol"`
		Bars   []types.OHLCV `json:"bars"`
		Count  int           `json:"count"`
	}
	code := getJSON(t, env.ts.URL+"/api/v1/data/history/sol-usdt?timeframe=1h", &result)
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if result.Symbol != "SOL/USDT" {
		t.Errorf("Expected symbol SOL/USDT, got %s", result.Symbol)
	}
	if result.Count == 0 || result.Count != len(result.Bars) {
		t.Errorf("Expected generated bars, got count %d with %d bars", result.Count, len(result.Bars))
	}

	if code := getJSON(t, env.ts.URL+"/api/v1/data/history/sol-usdt?timeframe=3w", nil); code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown timeframe, got %d", code)
	}
}

func TestQualityEndpoint(t *testing.T) {
	env := setupTestServer(t)

	var report data.QualityReport
	if code := getJSON(t, env.ts.URL+"/api/v1/data/quality/btc-usdt", &report); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if report.TotalBars == 0 {
		t.Error("Expected generated bars to be inspected")
	}
	if report.Counts[data.IssueOutOfOrder] != 0 {
		t.Errorf("Expected ordered sample data, got %d out-of-order bars", report.Counts[data.IssueOutOfOrder])
	}
}

func TestStrategiesEndpoint(t *testing.T) {
	env := setupTestServer(t)

	var result struct {
		Strategies []string `json:"strategies"`
	}
	getJSON(t, env.ts.URL+"/api/v1/strategies", &result)
	found := false
	for _, name := range result.Strategies {
		if name == "momentum" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected momentum in %v", result.Strategies)
	}

	if code := getJSON(t, env.ts.URL+"/api/v1/strategies/nope", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}
}

func TestBacktestEndpoints(t *testing.T) {
	env := setupTestServer(t)

	body, _ := json.Marshal(api.BacktestRequest{
		BacktestConfig: types.BacktestConfig{
			Symbols:        []string{"SOL/USDT"},
			Timeframe:      types.Timeframe1h,
			InitialCapital: decimal.NewFromInt(10000),
			Commission:     decimal.NewFromFloat(0.001),
		},
		Strategy: "momentum",
	})
	resp, err := http.Post(env.ts.URL+"/api/v1/backtests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Backtest request failed: %v", err)
	}
	var started map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	id, _ := started["id"].(string)
	if id == "" {
		t.Fatal("Expected a backtest id")
	}

	var state struct {
		Status types.RunStatus       `json:"status"`
		Error  string                `json:"error"`
		Result *types.BacktestResult `json:"result"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		getJSON(t, env.ts.URL+"/api/v1/backtests/"+id, &state)
		if state.Status != types.RunStatusRunning || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if state.Status != types.RunStatusCompleted {
		t.Fatalf("Expected completed backtest, got %s (%s)", state.Status, state.Error)
	}
	if state.Result == nil || state.Result.BarsProcessed == 0 {
		t.Fatal("Expected a result with processed bars")
	}

	var trades struct {
		Count int `json:"count"`
	}
	if code := getJSON(t, env.ts.URL+"/api/v1/backtests/"+id+"/trades", &trades); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if trades.Count != len(state.Result.Trades) {
		t.Errorf("Expected %d trades, got %d", len(state.Result.Trades), trades.Count)
	}

	resp, err = http.Post(env.ts.URL+"/api/v1/backtests/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("Cancel request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 cancelling a finished backtest, got %d", resp.StatusCode)
	}
}

func TestBacktestUnknownStrategy(t *testing.T) {
	env := setupTestServer(t)

	body := []byte(`{"symbols":["SOL/USDT"],"initialCapital":"1000","strategy":"missing"}`)
	resp, err := http.Post(env.ts.URL+"/api/v1/backtests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Backtest request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}

	if code := getJSON(t, env.ts.URL+"/api/v1/backtests/unknown", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := setupTestServer(t)

	if code := getJSON(t, env.ts.URL+"/api/v1/sessions/missing", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}

	session := startSession(t, env, "s1")
	env.hub.Publish(types.MarketTick{
		Symbol:    "SOL/USDT",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Price:     decimal.NewFromInt(100),
	})
	deadline := time.Now().Add(5 * time.Second)
	for len(session.EquityCurve()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var list struct {
		Sessions []types.SessionSnapshot `json:"sessions"`
		Count    int                     `json:"count"`
	}
	getJSON(t, env.ts.URL+"/api/v1/sessions", &list)
	if list.Count != 1 || list.Sessions[0].SessionID != "s1" {
		t.Fatalf("Expected session s1 in list, got %+v", list)
	}

	var detail struct {
		Snapshot types.SessionSnapshot `json:"snapshot"`
	}
	getJSON(t, env.ts.URL+"/api/v1/sessions/s1", &detail)
	if !detail.Snapshot.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Expected cash 10000, got %s", detail.Snapshot.Cash)
	}

	var equity struct {
		EquityCurve []types.EquityPoint `json:"equityCurve"`
	}
	getJSON(t, env.ts.URL+"/api/v1/sessions/s1/equity", &equity)
	if len(equity.EquityCurve) != 1 {
		t.Errorf("Expected 1 equity point, got %d", len(equity.EquityCurve))
	}

	for _, path := range []string{"orders", "positions", "trades", "alerts"} {
		if code := getJSON(t, env.ts.URL+"/api/v1/sessions/s1/"+path, nil); code != http.StatusOK {
			t.Errorf("Expected status 200 for %s, got %d", path, code)
		}
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, want api.MessageType) api.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocketPing(t *testing.T) {
	env := setupTestServer(t)
	conn := dialWS(t, env)

	if err := conn.WriteJSON(api.WSMessage{ID: "p1", Type: api.MsgTypePing}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	msg := readUntil(t, conn, api.MsgTypePong)
	if msg.ID != "p1" {
		t.Errorf("Expected pong for p1, got %s", msg.ID)
	}
}

func TestWebSocketSessionSnapshots(t *testing.T) {
	env := setupTestServer(t)
	startSession(t, env, "ws-session")
	conn := dialWS(t, env)

	err := conn.WriteJSON(api.WSMessage{ID: "sub", Type: api.MsgTypeSubscribe, Channel: api.ChannelSessions + ":ws-session"})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	ack := readUntil(t, conn, api.MsgTypeAck)
	if !ack.Success || ack.ID != "sub" {
		t.Errorf("Expected successful ack for sub, got %+v", ack)
	}

	msg := readUntil(t, conn, api.MsgTypeSessionSnapshot)
	var snap types.SessionSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.SessionID != "ws-session" {
		t.Errorf("Expected snapshot of ws-session, got %s", snap.SessionID)
	}
}

func TestServerShutdown(t *testing.T) {
	env := setupTestServer(t)
	dialWS(t, env)

	deadline := time.Now().Add(2 * time.Second)
	for env.server.Events().ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.server.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for env.server.Events().ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := env.server.Events().ClientCount(); n != 0 {
		t.Errorf("Expected 0 clients after stop, got %d", n)
	}
}
