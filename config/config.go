package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Exchange     ExchangeConfig     `json:"exchange"`
	Trading      TradingConfig      `json:"trading"`
	Symbols      []SymbolConfig     `json:"symbols"`
	Breaker      BreakerConfig      `json:"circuit_breaker"`
	Storage      StorageConfig      `json:"storage"`
	Notification NotificationConfig `json:"notification"`
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
}

// ExchangeConfig holds the futures API connection settings. Credentials come
// from the environment only, never from the config file.
type ExchangeConfig struct {
	APIKey     string `json:"-"`
	APISecret  string `json:"-"`
	Testnet    bool   `json:"testnet"`
	QuoteAsset string `json:"quote_asset"` // e.g. USDT
}

// TradingConfig holds the bot-wide trading settings.
type TradingConfig struct {
	Interval             string  `json:"interval"` // kline interval, e.g. 5m
	MaxOpenPositions     int     `json:"max_open_positions"`
	MaxConcurrentSymbols int     `json:"max_concurrent_symbols"`
	MaxTradesPerDay      int     `json:"max_trades_per_day"`
	TradingStartHour     int     `json:"trading_start_hour"` // UTC; start==end means always
	TradingEndHour       int     `json:"trading_end_hour"`
	Capital              float64 `json:"capital"` // 0 means use live account balance
}

// SymbolConfig is the per-symbol risk and trailing-stop policy.
type SymbolConfig struct {
	Symbol   string         `json:"symbol"`
	Risk     RiskConfig     `json:"risk"`
	Trailing TrailingConfig `json:"trailing"`
}

type RiskConfig struct {
	RiskPct              float64 `json:"risk_pct"`     // fraction of capital risked per trade
	Leverage             int     `json:"leverage"`
	MinStopPct           float64 `json:"min_stop_pct"` // floor on stop distance, percent of price
	ATRMultiplier        float64 `json:"atr_multiplier"`
	RewardRisk           float64 `json:"reward_risk"`
	MaxSlippagePct       float64 `json:"max_slippage_pct"`
	LiquidationThreshold float64 `json:"liquidation_threshold"` // reject when 1/leverage <= this
	MaxHoldBars          int     `json:"max_hold_bars"`
}

type TrailingConfig struct {
	Enabled       bool    `json:"enabled"`
	Mode          string  `json:"mode"` // percent or atr
	OffsetPct     float64 `json:"offset_pct"`
	ATRMultiplier float64 `json:"atr_multiplier"`
	TriggerPct    float64 `json:"trigger_pct"`
	BreakevenPct  float64 `json:"breakeven_pct"`
}

type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxDailyLoss         float64 `json:"max_daily_loss"` // quote currency
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CheckIntervalSec     int     `json:"check_interval_sec"`
}

type StorageConfig struct {
	PositionsPath    string `json:"positions_path"`
	JournalPath      string `json:"journal_path"`
	BreakerStatePath string `json:"breaker_state_path"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type LoggingConfig struct {
	Level  string `json:"level"` // debug, info, warn, error
	Pretty bool   `json:"pretty"`
}

// Load reads the config file (default config.json, overridable via
// CONFIG_PATH), applies environment overrides and validates the result.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_PATH", "config.json")
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Exchange.QuoteAsset == "" {
		cfg.Exchange.QuoteAsset = "USDT"
	}
	if cfg.Trading.Interval == "" {
		cfg.Trading.Interval = "5m"
	}
	if cfg.Trading.MaxOpenPositions == 0 {
		cfg.Trading.MaxOpenPositions = 3
	}
	if cfg.Trading.MaxConcurrentSymbols == 0 {
		cfg.Trading.MaxConcurrentSymbols = 3
	}
	if cfg.Breaker.CheckIntervalSec == 0 {
		cfg.Breaker.CheckIntervalSec = 10
	}
	if cfg.Storage.PositionsPath == "" {
		cfg.Storage.PositionsPath = "data/positions.json"
	}
	if cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = "data/trades.db"
	}
	if cfg.Storage.BreakerStatePath == "" {
		cfg.Storage.BreakerStatePath = "data/breaker.json"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	for i := range cfg.Symbols {
		s := &cfg.Symbols[i]
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		if s.Risk.Leverage == 0 {
			s.Risk.Leverage = 5
		}
		if s.Risk.RewardRisk == 0 {
			s.Risk.RewardRisk = 2
		}
		if s.Risk.MinStopPct == 0 {
			s.Risk.MinStopPct = 0.5
		}
		if s.Trailing.Mode == "" {
			s.Trailing.Mode = "percent"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.APISecret = getEnvOrDefault("BINANCE_API_SECRET", cfg.Exchange.APISecret)
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		cfg.Exchange.Testnet = v == "true"
	}

	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)

	cfg.Server.Addr = getEnvOrDefault("SERVER_ADDR", cfg.Server.Addr)
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.Logging.Pretty = v == "true"
	}

	cfg.Breaker.MaxDailyLoss = getEnvFloatOrDefault("BREAKER_MAX_DAILY_LOSS", cfg.Breaker.MaxDailyLoss)
	cfg.Breaker.MaxConsecutiveLosses = getEnvIntOrDefault("BREAKER_MAX_CONSECUTIVE_LOSSES", cfg.Breaker.MaxConsecutiveLosses)
}

// Validate rejects configurations that could place unintended orders.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return errors.New("exchange API credentials are required (BINANCE_API_KEY / BINANCE_API_SECRET)")
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol must be configured")
	}

	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return errors.New("symbol entry with empty symbol name")
		}
		if seen[s.Symbol] {
			return fmt.Errorf("symbol %s configured twice", s.Symbol)
		}
		seen[s.Symbol] = true

		if s.Risk.RiskPct <= 0 || s.Risk.RiskPct > 0.1 {
			return fmt.Errorf("%s: risk_pct must be in (0, 0.1], got %v", s.Symbol, s.Risk.RiskPct)
		}
		if s.Risk.Leverage < 1 || s.Risk.Leverage > 125 {
			return fmt.Errorf("%s: leverage must be in [1, 125], got %d", s.Symbol, s.Risk.Leverage)
		}
		if s.Risk.RewardRisk <= 0 {
			return fmt.Errorf("%s: reward_risk must be positive, got %v", s.Symbol, s.Risk.RewardRisk)
		}
		if s.Trailing.Mode != "percent" && s.Trailing.Mode != "atr" {
			return fmt.Errorf("%s: trailing mode must be percent or atr, got %q", s.Symbol, s.Trailing.Mode)
		}
		if s.Trailing.Enabled && s.Trailing.Mode == "percent" && s.Trailing.OffsetPct <= 0 {
			return fmt.Errorf("%s: percent trailing requires offset_pct > 0", s.Symbol)
		}
		if s.Trailing.Enabled && s.Trailing.Mode == "atr" && s.Trailing.ATRMultiplier <= 0 {
			return fmt.Errorf("%s: atr trailing requires atr_multiplier > 0", s.Symbol)
		}
	}

	if c.Trading.TradingStartHour < 0 || c.Trading.TradingStartHour > 23 ||
		c.Trading.TradingEndHour < 0 || c.Trading.TradingEndHour > 23 {
		return errors.New("trading hours must be in [0, 23]")
	}
	if c.Breaker.Enabled && c.Breaker.MaxDailyLoss <= 0 && c.Breaker.MaxConsecutiveLosses <= 0 {
		return errors.New("enabled circuit breaker needs max_daily_loss or max_consecutive_losses")
	}
	return nil
}

// SymbolNames returns the configured symbols in declaration order.
func (c *Config) SymbolNames() []string {
	names := make([]string, len(c.Symbols))
	for i, s := range c.Symbols {
		names[i] = s.Symbol
	}
	return names
}

// Symbol returns the config for one symbol.
func (c *Config) Symbol(name string) (SymbolConfig, bool) {
	name = strings.ToUpper(name)
	for _, s := range c.Symbols {
		if s.Symbol == name {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}
