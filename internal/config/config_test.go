package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/config"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/shopspring/decimal"
)

const sample = `
server:
  port: 9090
log:
  level: debug
  encoding: json
backtest:
  symbols: [BTC/USDT, SOL/USDT]
  timeframe: 1d
  start: "2024-01-01"
  end: "2024-06-30"
  initial_capital: 25000
  monte_carlo: true
paper:
  update_interval: 2s
  order_ttl: 10m
storage:
  type: sqlite
  dsn: sim.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simulator.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Unexpected server config %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Encoding != "json" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
	if cfg.Paper.UpdateInterval != 2*time.Second || cfg.Paper.OrderTTL != 10*time.Minute {
		t.Errorf("Unexpected paper intervals %+v", cfg.Paper)
	}
	// Unset keys keep their defaults.
	if cfg.Paper.TickBuffer != 1024 || cfg.Feed.Source != "websocket" {
		t.Errorf("Expected defaults, got tick buffer %d and feed %q", cfg.Paper.TickBuffer, cfg.Feed.Source)
	}

	run := cfg.BacktestRun("bt-1")
	if run.Timeframe != types.Timeframe1d || len(run.Symbols) != 2 {
		t.Errorf("Unexpected run %+v", run)
	}
	if !run.InitialCapital.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("Expected capital 25000, got %s", run.InitialCapital)
	}
	if !run.StartDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || run.EndDate.Month() != time.June {
		t.Errorf("Unexpected window %s - %s", run.StartDate, run.EndDate)
	}
	if !run.Validation.MonteCarlo.Enabled || run.Validation.MonteCarlo.Iterations != 1000 {
		t.Errorf("Unexpected monte carlo config %+v", run.Validation.MonteCarlo)
	}

	session := cfg.Session("s-1")
	if session.UpdateInterval != 2*time.Second || !session.Commission.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("Unexpected session config %+v", session)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("SIMULATOR_SERVER_PORT", "7070")
	t.Setenv("SIMULATOR_PAPER_SYMBOLS", "ETH/USDT,XRP/USDT")
	t.Setenv("SIMULATOR_STORAGE_TYPE", "pebble")

	cfg, err := config.Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected env port 7070, got %d", cfg.Server.Port)
	}
	if strings.Join(cfg.Paper.Symbols, ",") != "ETH/USDT,XRP/USDT" {
		t.Errorf("Expected env symbols, got %v", cfg.Paper.Symbols)
	}
	if cfg.Storage.Type != "pebble" {
		t.Errorf("Expected pebble storage, got %s", cfg.Storage.Type)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad timeframe", "backtest:\n  timeframe: 7m\n", "timeframe"},
		{"bad dates", "backtest:\n  start: \"2024-05-01\"\n  end: \"2024-01-01\"\n", "before"},
		{"bad feed", "feed:\n  source: carrier-pigeon\n", "feed.source"},
		{"bad storage", "storage:\n  type: cassandra\n", "storage.type"},
		{"bad capital", "paper:\n  initial_capital: 0\n", "capital"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
