// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via STOCKBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Data      DataConfig      `mapstructure:"data"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Candle    CandleConfig    `mapstructure:"candle"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// BrokerConfig holds the brokerage OpenAPI credentials and endpoints.
// Demo switches to the paper-trading host and tr_id codes.
type BrokerConfig struct {
	AppKey      string `mapstructure:"app_key"`
	AppSecret   string `mapstructure:"app_secret"`
	AccountNo   string `mapstructure:"account_no"`   // 8-digit account number
	AccountProd string `mapstructure:"account_prod"` // product code, usually "01"
	Demo        bool   `mapstructure:"demo"`
	BaseURL     string `mapstructure:"base_url"`
	WSURL       string `mapstructure:"ws_url"`
}

// TradingConfig tunes order sizing and the trading mode.
//
//   - Mode: "day" closes all bot positions at DayExitTime; "swing" holds.
//   - BaseRatio: fraction of available cash one signal may commit before
//     strategy multiplier and strength scaling.
//   - MaxRatio: hard cap as a fraction of available cash per order.
//   - MaxOrderKRW / MinOrderKRW: absolute per-order notional bounds.
//   - FundsCooldown: how long a symbol is blocked after the broker reports
//     insufficient funds.
type TradingConfig struct {
	Mode          string        `mapstructure:"mode"`
	DayExitTime   string        `mapstructure:"day_exit_time"` // "15:10" local market time
	MaxPositions  int           `mapstructure:"max_positions"`
	BaseRatio     float64       `mapstructure:"base_ratio"`
	MaxRatio      float64       `mapstructure:"max_ratio"`
	MaxOrderKRW   int64         `mapstructure:"max_order_krw"`
	MinOrderKRW   int64         `mapstructure:"min_order_krw"`
	FundsCooldown time.Duration `mapstructure:"funds_cooldown"`
}

// DataConfig controls the polling side of the data plane. The realtime
// stream cap is a broker constant and is not configurable.
type DataConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"` // default 15s, floor 10s
}

// DiscoveryConfig bounds per-slot candidate selection.
type DiscoveryConfig struct {
	MaxPerStrategy int           `mapstructure:"max_per_strategy"` // cap per strategy per slot
	CandidateTTL   time.Duration `mapstructure:"candidate_ttl"`    // unpromoted candidates age out
	MinPrice       int64         `mapstructure:"min_price"`        // universe floor, KRW
	MaxPrice       int64         `mapstructure:"max_price"`        // universe ceiling, KRW (0 = none)
	MinVolume      int64         `mapstructure:"min_volume"`       // accumulated shares
}

// SignalConfig gates advanced signals before they reach the executor.
type SignalConfig struct {
	MinScore      float64 `mapstructure:"min_score"`      // composite score floor, 0..100
	MinConfidence float64 `mapstructure:"min_confidence"` // 0..1
	MinRiskReward float64 `mapstructure:"min_risk_reward"`
}

// CandleConfig tunes the candle pattern watcher.
// Regime: "auto" picks premarket/realtime by wall clock, or force one.
type CandleConfig struct {
	MaxWatch int    `mapstructure:"max_watch"`
	Regime   string `mapstructure:"regime"`
}

// RiskConfig bounds realized losses before order submission pauses.
// Both trips act through the executor's pause gate; the data plane and the
// scheduler keep running so positions can still be exited.
type RiskConfig struct {
	MaxDailyLossKRW int64         `mapstructure:"max_daily_loss_krw"` // 0 disables
	MaxLossStreak   int           `mapstructure:"max_loss_streak"`    // consecutive losing sells, 0 disables
	StreakCooldown  time.Duration `mapstructure:"streak_cooldown"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
}

// StoreConfig sets where trade history is persisted (SQLite).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the operator HTTP surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: STOCKBOT_APP_KEY, STOCKBOT_APP_SECRET,
// STOCKBOT_ACCOUNT_NO.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STOCKBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("STOCKBOT_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("STOCKBOT_APP_SECRET"); secret != "" {
		cfg.Broker.AppSecret = secret
	}
	if acct := os.Getenv("STOCKBOT_ACCOUNT_NO"); acct != "" {
		cfg.Broker.AccountNo = acct
	}
	if os.Getenv("STOCKBOT_DEMO") == "true" || os.Getenv("STOCKBOT_DEMO") == "1" {
		cfg.Broker.Demo = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.account_prod", "01")
	v.SetDefault("broker.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("broker.ws_url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("trading.mode", "day")
	v.SetDefault("trading.day_exit_time", "15:10")
	v.SetDefault("trading.max_positions", 10)
	v.SetDefault("trading.base_ratio", 0.10)
	v.SetDefault("trading.max_ratio", 0.20)
	v.SetDefault("trading.max_order_krw", 2_000_000)
	v.SetDefault("trading.min_order_krw", 50_000)
	v.SetDefault("trading.funds_cooldown", 30*time.Minute)
	v.SetDefault("data.poll_interval", 15*time.Second)
	v.SetDefault("discovery.max_per_strategy", 5)
	v.SetDefault("discovery.candidate_ttl", 4*time.Hour)
	v.SetDefault("discovery.min_price", int64(1000))
	v.SetDefault("discovery.max_price", int64(500_000))
	v.SetDefault("discovery.min_volume", int64(100_000))
	v.SetDefault("signal.min_score", 60.0)
	v.SetDefault("signal.min_confidence", 0.6)
	v.SetDefault("signal.min_risk_reward", 1.5)
	v.SetDefault("candle.max_watch", 100)
	v.SetDefault("candle.regime", "auto")
	v.SetDefault("risk.max_daily_loss_krw", int64(300_000))
	v.SetDefault("risk.max_loss_streak", 3)
	v.SetDefault("risk.streak_cooldown", 30*time.Minute)
	v.SetDefault("risk.check_interval", 30*time.Second)
	v.SetDefault("store.path", "data/stockbot.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8089)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key is required (set STOCKBOT_APP_KEY)")
	}
	if c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_secret is required (set STOCKBOT_APP_SECRET)")
	}
	if c.Broker.AccountNo == "" {
		return fmt.Errorf("broker.account_no is required (set STOCKBOT_ACCOUNT_NO)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	switch c.Trading.Mode {
	case "day", "swing":
	default:
		return fmt.Errorf("trading.mode must be one of: day, swing")
	}
	if c.Trading.Mode == "day" {
		if _, err := time.Parse("15:04", c.Trading.DayExitTime); err != nil {
			return fmt.Errorf("trading.day_exit_time must be HH:MM: %w", err)
		}
	}
	if c.Trading.BaseRatio <= 0 || c.Trading.BaseRatio > 1 {
		return fmt.Errorf("trading.base_ratio must be in (0, 1]")
	}
	if c.Trading.MaxRatio < c.Trading.BaseRatio {
		return fmt.Errorf("trading.max_ratio must be >= trading.base_ratio")
	}
	if c.Trading.MinOrderKRW <= 0 || c.Trading.MaxOrderKRW < c.Trading.MinOrderKRW {
		return fmt.Errorf("trading order bounds invalid: min=%d max=%d",
			c.Trading.MinOrderKRW, c.Trading.MaxOrderKRW)
	}
	if c.Data.PollInterval <= 0 {
		return fmt.Errorf("data.poll_interval must be > 0")
	}
	if c.Discovery.MaxPerStrategy <= 0 {
		return fmt.Errorf("discovery.max_per_strategy must be > 0")
	}
	if c.Signal.MinRiskReward < 1 {
		return fmt.Errorf("signal.min_risk_reward must be >= 1")
	}
	if c.Candle.MaxWatch <= 0 {
		return fmt.Errorf("candle.max_watch must be > 0")
	}
	switch c.Candle.Regime {
	case "auto", "premarket", "realtime":
	default:
		return fmt.Errorf("candle.regime must be one of: auto, premarket, realtime")
	}
	if c.Risk.MaxDailyLossKRW < 0 {
		return fmt.Errorf("risk.max_daily_loss_krw must be >= 0")
	}
	if c.Risk.MaxLossStreak > 0 && c.Risk.StreakCooldown <= 0 {
		return fmt.Errorf("risk.streak_cooldown must be > 0 when a loss streak limit is set")
	}
	if c.Risk.CheckInterval <= 0 {
		return fmt.Errorf("risk.check_interval must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
