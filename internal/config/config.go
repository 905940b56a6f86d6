package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Fees      FeeConfig       `yaml:"fees"`
	Risk      RiskConfig      `yaml:"risk"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	UI        UIConfig        `yaml:"ui"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	SpotURL        string        `yaml:"spot_url"`
	PerpURL        string        `yaml:"perp_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StrategyConfig struct {
	Symbol              string        `yaml:"symbol"`
	StartCashUSD        float64       `yaml:"start_cash_usd"`
	AllocFraction       float64       `yaml:"alloc_fraction"`
	EntryBasisPct       float64       `yaml:"entry_basis_pct"`
	ExitBasisPct        float64       `yaml:"exit_basis_pct"`
	CompressionFraction float64       `yaml:"compression_fraction"`
	TakeProfitUSD       float64       `yaml:"take_profit_usd"`
	StopLossUSD         float64       `yaml:"stop_loss_usd"`
	TrendTau            time.Duration `yaml:"trend_tau"`
	TrendSlopeMax       float64       `yaml:"trend_slope_max"`
	MinFundingRate      float64       `yaml:"min_funding_rate"`
	StdMultiplier       float64       `yaml:"std_multiplier"`
	SafetyBufferPct     float64       `yaml:"safety_buffer_pct"`
	BasisWindow         time.Duration `yaml:"basis_window"`
	MaxHold             time.Duration `yaml:"max_hold"`
	TickInterval        time.Duration `yaml:"tick_interval"`
}

type FeeConfig struct {
	SpotTakerPct    float64 `yaml:"spot_taker_pct"`
	PerpTakerPct    float64 `yaml:"perp_taker_pct"`
	SpotSlippageBps float64 `yaml:"spot_slippage_bps"`
	PerpSlippageBps float64 `yaml:"perp_slippage_bps"`
}

type RiskConfig struct {
	Leverage             float64 `yaml:"leverage"`
	MaintenanceMarginPct float64 `yaml:"maintenance_margin_pct"`
	PnLWindowTrades      int     `yaml:"pnl_window_trades"`
}

type StateConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	TradeLogPath string `yaml:"tradelog_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type UIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Refresh time.Duration `yaml:"refresh"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides lets secrets come from the environment (or the .env
// overlay) instead of the config file.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BASIS_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("BASIS_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("BASIS_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.SpotURL == "" {
		cfg.Feed.SpotURL = "wss://stream.bybit.com/v5/public/spot"
	}
	if cfg.Feed.PerpURL == "" {
		cfg.Feed.PerpURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 20 * time.Second
	}
	if cfg.Strategy.StartCashUSD == 0 {
		cfg.Strategy.StartCashUSD = 100
	}
	if cfg.Strategy.AllocFraction == 0 {
		cfg.Strategy.AllocFraction = 0.95
	}
	if cfg.Strategy.EntryBasisPct == 0 {
		cfg.Strategy.EntryBasisPct = 0.60
	}
	if cfg.Strategy.ExitBasisPct == 0 {
		cfg.Strategy.ExitBasisPct = 0.10
	}
	if cfg.Strategy.CompressionFraction == 0 {
		cfg.Strategy.CompressionFraction = 0.25
	}
	if cfg.Strategy.TakeProfitUSD == 0 {
		cfg.Strategy.TakeProfitUSD = 1.0
	}
	if cfg.Strategy.StopLossUSD == 0 {
		cfg.Strategy.StopLossUSD = 2.0
	}
	if cfg.Strategy.TrendTau == 0 {
		cfg.Strategy.TrendTau = 30 * time.Second
	}
	if cfg.Strategy.TrendSlopeMax == 0 {
		cfg.Strategy.TrendSlopeMax = 0.05
	}
	if cfg.Strategy.MinFundingRate == 0 {
		cfg.Strategy.MinFundingRate = 0.0001
	}
	if cfg.Strategy.StdMultiplier == 0 {
		cfg.Strategy.StdMultiplier = 1.5
	}
	if cfg.Strategy.SafetyBufferPct == 0 {
		cfg.Strategy.SafetyBufferPct = 0.05
	}
	if cfg.Strategy.BasisWindow == 0 {
		cfg.Strategy.BasisWindow = 10 * time.Minute
	}
	if cfg.Strategy.MaxHold == 0 {
		cfg.Strategy.MaxHold = 6 * time.Hour
	}
	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = time.Second
	}
	if cfg.Fees.SpotTakerPct == 0 {
		cfg.Fees.SpotTakerPct = 0.10
	}
	if cfg.Fees.PerpTakerPct == 0 {
		cfg.Fees.PerpTakerPct = 0.055
	}
	if cfg.Fees.SpotSlippageBps == 0 {
		cfg.Fees.SpotSlippageBps = 2.0
	}
	if cfg.Fees.PerpSlippageBps == 0 {
		cfg.Fees.PerpSlippageBps = 2.0
	}
	if cfg.Risk.Leverage == 0 {
		cfg.Risk.Leverage = 3.0
	}
	if cfg.Risk.MaintenanceMarginPct == 0 {
		cfg.Risk.MaintenanceMarginPct = 0.50
	}
	if cfg.Risk.PnLWindowTrades == 0 {
		cfg.Risk.PnLWindowTrades = 5
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/basis-sim.db"
	}
	if cfg.State.TradeLogPath == "" {
		cfg.State.TradeLogPath = "data/trades.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.UI.Refresh == 0 {
		cfg.UI.Refresh = time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.StartCashUSD <= 0 {
		return errors.New("strategy.start_cash_usd must be > 0")
	}
	if cfg.Strategy.AllocFraction <= 0 || cfg.Strategy.AllocFraction > 1 {
		return errors.New("strategy.alloc_fraction must be in (0, 1]")
	}
	if cfg.Strategy.EntryBasisPct <= 0 {
		return errors.New("strategy.entry_basis_pct must be > 0")
	}
	if cfg.Strategy.ExitBasisPct < 0 {
		return errors.New("strategy.exit_basis_pct must be >= 0")
	}
	if cfg.Strategy.CompressionFraction < 0 || cfg.Strategy.CompressionFraction >= 1 {
		return errors.New("strategy.compression_fraction must be in [0, 1)")
	}
	if cfg.Risk.Leverage < 1 {
		return errors.New("risk.leverage must be >= 1")
	}
	if cfg.Risk.PnLWindowTrades < 1 {
		return errors.New("risk.pnl_window_trades must be >= 1")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
