// Package config loads simulator settings from a YAML file, a .env file
// and SIMULATOR_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "SIMULATOR"

// Config is the full simulator configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Data       DataConfig       `mapstructure:"data"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Paper      PaperConfig      `mapstructure:"paper"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

// ServerConfig configures the ops HTTP server
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures zap
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // console or json
}

// DataConfig configures the historical bar store
type DataConfig struct {
	Dir             string `mapstructure:"dir"`
	GenerateSamples bool   `mapstructure:"generate_samples"`
	Seed            int64  `mapstructure:"seed"`
}

// StrategiesConfig points at strategy definition files
type StrategiesConfig struct {
	Dir     string `mapstructure:"dir"`
	Default string `mapstructure:"default"`
}

// BacktestConfig configures backtest mode
type BacktestConfig struct {
	Symbols              []string `mapstructure:"symbols"`
	Timeframe            string   `mapstructure:"timeframe"`
	Start                string   `mapstructure:"start"` // YYYY-MM-DD, empty for all data
	End                  string   `mapstructure:"end"`
	InitialCapital       float64  `mapstructure:"initial_capital"`
	Commission           float64  `mapstructure:"commission"`
	Workers              int      `mapstructure:"workers"`
	MonteCarlo           bool     `mapstructure:"monte_carlo"`
	MonteCarloIterations int      `mapstructure:"monte_carlo_iterations"`
	Seed                 int64    `mapstructure:"seed"`
}

// PaperConfig configures paper-trading sessions
type PaperConfig struct {
	Symbols          []string      `mapstructure:"symbols"`
	InitialCapital   float64       `mapstructure:"initial_capital"`
	Commission       float64       `mapstructure:"commission"`
	Slippage         float64       `mapstructure:"slippage"`
	UpdateInterval   time.Duration `mapstructure:"update_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	OrderTTL         time.Duration `mapstructure:"order_ttl"`
	TickBuffer       int           `mapstructure:"tick_buffer"`
}

// FeedConfig selects the paper-trading market data source
type FeedConfig struct {
	Source            string        `mapstructure:"source"` // websocket or replay
	URL               string        `mapstructure:"url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	ReplayTimeframe   string        `mapstructure:"replay_timeframe"`
	ReplayPace        time.Duration `mapstructure:"replay_pace"`
}

// StorageConfig selects the persistence sink
type StorageConfig struct {
	Type      string `mapstructure:"type"` // none, memory, sqlite, postgres, mysql, pebble
	DSN       string `mapstructure:"dsn"`
	LogLevel  string `mapstructure:"log_level"`
	Async     bool   `mapstructure:"async"`
	QueueSize int    `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.generate_samples", true)
	v.SetDefault("data.seed", 42)

	v.SetDefault("strategies.dir", "")
	v.SetDefault("strategies.default", "momentum")

	v.SetDefault("backtest.symbols", []string{"BTC/USDT"})
	v.SetDefault("backtest.timeframe", "1h")
	v.SetDefault("backtest.start", "")
	v.SetDefault("backtest.end", "")
	v.SetDefault("backtest.initial_capital", 10000.0)
	v.SetDefault("backtest.commission", 0.001)
	v.SetDefault("backtest.workers", 4)
	v.SetDefault("backtest.monte_carlo", false)
	v.SetDefault("backtest.monte_carlo_iterations", 1000)
	v.SetDefault("backtest.seed", 42)

	v.SetDefault("paper.symbols", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("paper.initial_capital", 10000.0)
	v.SetDefault("paper.commission", 0.001)
	v.SetDefault("paper.slippage", 0.001)
	v.SetDefault("paper.update_interval", 5*time.Second)
	v.SetDefault("paper.snapshot_interval", time.Minute)
	v.SetDefault("paper.order_ttl", time.Duration(0))
	v.SetDefault("paper.tick_buffer", 1024)

	v.SetDefault("feed.source", "websocket")
	v.SetDefault("feed.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feed.reconnect_interval", 5*time.Second)
	v.SetDefault("feed.replay_timeframe", "1m")
	v.SetDefault("feed.replay_pace", time.Millisecond)

	v.SetDefault("storage.type", "none")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.log_level", "silent")
	v.SetDefault("storage.async", true)
	v.SetDefault("storage.queue_size", 4096)
}

// Load reads configuration. A .env file in the working directory is
// loaded into the environment first. With an empty path, simulator.yaml is
// searched in . and ./configs and may be absent.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("simulator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.encoding must be console or json, got %q", c.Log.Encoding))
	}
	if types.Timeframe(c.Backtest.Timeframe).Duration() == 0 {
		errs = append(errs, fmt.Errorf("backtest.timeframe %q is not supported", c.Backtest.Timeframe))
	}
	if _, _, err := c.Backtest.window(); err != nil {
		errs = append(errs, err)
	}
	if c.Backtest.InitialCapital <= 0 || c.Paper.InitialCapital <= 0 {
		errs = append(errs, errors.New("initial capital must be positive"))
	}
	if c.Backtest.Commission < 0 || c.Paper.Commission < 0 || c.Paper.Slippage < 0 {
		errs = append(errs, errors.New("commission and slippage must not be negative"))
	}
	if c.Paper.UpdateInterval < 0 || c.Paper.SnapshotInterval < 0 || c.Paper.OrderTTL < 0 {
		errs = append(errs, errors.New("paper intervals must not be negative"))
	}
	switch c.Feed.Source {
	case "websocket", "replay":
	default:
		errs = append(errs, fmt.Errorf("feed.source must be websocket or replay, got %q", c.Feed.Source))
	}
	switch c.Storage.Type {
	case "none", "memory", "sqlite", "postgres", "postgresql", "mysql", "pebble":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not supported", c.Storage.Type))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (b BacktestConfig) window() (start, end time.Time, err error) {
	if b.Start != "" {
		if start, err = time.Parse(time.DateOnly, b.Start); err != nil {
			return start, end, fmt.Errorf("backtest.start: %w", err)
		}
	}
	if b.End != "" {
		if end, err = time.Parse(time.DateOnly, b.End); err != nil {
			return start, end, fmt.Errorf("backtest.end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, errors.New("backtest.end is before backtest.start")
	}
	return start, end, nil
}

// BacktestRun converts the backtest section into a run configuration
func (c *Config) BacktestRun(id string) types.BacktestConfig {
	start, end, _ := c.Backtest.window()
	return types.BacktestConfig{
		ID:             id,
		Symbols:        append([]string(nil), c.Backtest.Symbols...),
		Timeframe:      types.Timeframe(c.Backtest.Timeframe),
		StartDate:      start,
		EndDate:        end,
		InitialCapital: decimal.NewFromFloat(c.Backtest.InitialCapital),
		Commission:     decimal.NewFromFloat(c.Backtest.Commission),
		Validation: types.ValidationConfig{
			MonteCarlo: types.MonteCarloConfig{
				Enabled:    c.Backtest.MonteCarlo,
				Iterations: c.Backtest.MonteCarloIterations,
				Seed:       c.Backtest.Seed,
			},
		},
	}
}

// Session converts the paper section into a session configuration
func (c *Config) Session(id string) types.SessionConfig {
	return types.SessionConfig{
		ID:               id,
		Symbols:          append([]string(nil), c.Paper.Symbols...),
		InitialCapital:   decimal.NewFromFloat(c.Paper.InitialCapital),
		Commission:       decimal.NewFromFloat(c.Paper.Commission),
		Slippage:         decimal.NewFromFloat(c.Paper.Slippage),
		UpdateInterval:   c.Paper.UpdateInterval,
		SnapshotInterval: c.Paper.SnapshotInterval,
		OrderTTL:         c.Paper.OrderTTL,
		TickBuffer:       c.Paper.TickBuffer,
	}
}
