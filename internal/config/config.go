// Package config loads and validates the application configuration
// from a YAML file.
package config

import (
	"fmt"
	"strings"

	"keel/internal/risk"
	"keel/internal/scheduler"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `toml:"app"`
	Store     StoreConfig     `toml:"store"`
	Venue     VenueConfig     `toml:"venue"`
	Market    MarketConfig    `toml:"market"`
	Trading   TradingConfig   `toml:"trading"`
	Risk      RiskConfig      `toml:"risk"`
	StopLoss  StopLossConfig  `toml:"stop_loss"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	// BackupDir enables periodic online backups when the backend
	// supports them. Empty disables backups.
	BackupDir      string `toml:"backup_dir"`
	BackupInterval string `toml:"backup_interval"`
}

type VenueConfig struct {
	// Primary is the venue orders go to first; "sim" runs without the
	// exchange entirely.
	Primary string        `toml:"primary"`
	Binance BinanceConfig `toml:"binance"`
}

type BinanceConfig struct {
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	RESTBaseURL string   `toml:"rest_base_url"`
	Symbols     []string `toml:"symbols"`
}

type MarketConfig struct {
	// Source is "static" or "stream".
	Source       string       `toml:"source"`
	Symbols      []string     `toml:"symbols"`
	HistoryDepth int          `toml:"history_depth"`
	Stream       StreamConfig `toml:"stream"`
}

type StreamConfig struct {
	URL          string `toml:"url"`
	SymbolPath   string `toml:"symbol_path"`
	PricePath    string `toml:"price_path"`
	SubscribeMsg string `toml:"subscribe_msg"`
}

type TradingConfig struct {
	DryRun           bool     `toml:"dry_run"`
	EvaluateInterval string   `toml:"evaluate_interval"`
	Strategies       []string `toml:"strategies"`

	SMAFast       int     `toml:"sma_fast"`
	SMASlow       int     `toml:"sma_slow"`
	RSIPeriod     int     `toml:"rsi_period"`
	RSIOversold   float64 `toml:"rsi_oversold"`
	RSIOverbought float64 `toml:"rsi_overbought"`
	OrderQuantity float64 `toml:"order_quantity"`
}

type RiskConfig struct {
	// LimitsFile, when set, overrides Limits and is watched for
	// changes.
	LimitsFile string      `toml:"limits_file"`
	Limits     risk.Limits `toml:"limits"`
}

type StopLossConfig struct {
	Enabled bool `toml:"enabled"`
	// AutoStart arms monitoring as soon as the app boots.
	AutoStart bool `toml:"auto_start"`
}

type ReconcileConfig struct {
	OnStartup bool   `toml:"on_startup"`
	Interval  string `toml:"interval"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	applyDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.http_addr", ":9991")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "data/keel.db")
	v.SetDefault("store.backup_interval", "24h")
	v.SetDefault("venue.primary", "sim")
	v.SetDefault("venue.binance.rest_base_url", "https://api.binance.com")
	v.SetDefault("market.source", "static")
	v.SetDefault("market.history_depth", 300)
	v.SetDefault("trading.evaluate_interval", "1m")
	v.SetDefault("trading.strategies", []string{"sma-cross"})
	v.SetDefault("trading.sma_fast", 3)
	v.SetDefault("trading.sma_slow", 10)
	v.SetDefault("trading.rsi_period", 14)
	v.SetDefault("trading.rsi_oversold", 30)
	v.SetDefault("trading.rsi_overbought", 70)
	v.SetDefault("trading.order_quantity", 1)
	v.SetDefault("stop_loss.enabled", true)
	v.SetDefault("stop_loss.auto_start", true)
	v.SetDefault("reconcile.on_startup", true)
	v.SetDefault("reconcile.interval", "15m")
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite or memory, got %q", cfg.Store.Backend)
	}
	if cfg.Store.BackupDir != "" {
		if _, ok := scheduler.ParseIntervalDuration(cfg.Store.BackupInterval); !ok {
			return fmt.Errorf("store.backup_interval %q is not a valid interval", cfg.Store.BackupInterval)
		}
	}

	switch cfg.Venue.Primary {
	case "sim":
	case "binance":
		if cfg.Venue.Binance.APIKey == "" || cfg.Venue.Binance.APISecret == "" {
			return fmt.Errorf("venue.binance api_key and api_secret are required when binance is primary")
		}
		if len(cfg.Venue.Binance.Symbols) == 0 {
			return fmt.Errorf("venue.binance.symbols must list the symbols the account trades")
		}
	default:
		return fmt.Errorf("venue.primary must be sim or binance, got %q", cfg.Venue.Primary)
	}

	switch cfg.Market.Source {
	case "static":
	case "stream":
		if strings.TrimSpace(cfg.Market.Stream.URL) == "" {
			return fmt.Errorf("market.stream.url is required for the stream source")
		}
	default:
		return fmt.Errorf("market.source must be static or stream, got %q", cfg.Market.Source)
	}

	if _, ok := scheduler.ParseIntervalDuration(cfg.Trading.EvaluateInterval); !ok {
		return fmt.Errorf("trading.evaluate_interval %q is not a valid interval", cfg.Trading.EvaluateInterval)
	}
	if cfg.Reconcile.Interval != "" {
		if _, ok := scheduler.ParseIntervalDuration(cfg.Reconcile.Interval); !ok {
			return fmt.Errorf("reconcile.interval %q is not a valid interval", cfg.Reconcile.Interval)
		}
	}
	if cfg.Trading.SMAFast >= cfg.Trading.SMASlow {
		return fmt.Errorf("trading.sma_fast must be below trading.sma_slow")
	}
	if cfg.Trading.OrderQuantity <= 0 {
		return fmt.Errorf("trading.order_quantity must be positive")
	}
	return nil
}
