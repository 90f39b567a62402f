// Package config defines all configuration for the trading platform daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QP_* environment variables.
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
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Features FeaturesConfig `mapstructure:"features"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Store    StoreConfig    `mapstructure:"store"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds venue endpoints and API credentials.
// If APIKey/Secret are empty, only VIRTUAL mode strategies can run.
type ExchangeConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Secret      string        `mapstructure:"secret"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	FeeRate     float64       `mapstructure:"fee_rate"` // taker fee fraction, e.g. 0.0005
}

// LLMConfig holds the OpenAI-compatible endpoint backing the LLM composer
// and the grid parameter advisor.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// CandleConfig is one candle fetch configuration for the features pipeline.
type CandleConfig struct {
	Interval string `mapstructure:"interval"`
	Lookback int    `mapstructure:"lookback"`
}

// FeaturesConfig tunes the features pipeline.
//
//   - Candles: intervals and lookbacks fetched each cycle.
//   - ScreenshotURL: optional dashboard image endpoint; empty disables the
//     image analysis source.
type FeaturesConfig struct {
	Candles       []CandleConfig `mapstructure:"candles"`
	ScreenshotURL string         `mapstructure:"screenshot_url"`
}

// RuntimeConfig sets the per-strategy runtime defaults.
//
//   - HistoryCap: in-memory history ring capacity.
//   - DigestWindow: how many execution records feed the rolling digest.
//   - DefaultSlippageBps: slippage budget stamped on normalized instructions.
//   - AdvisorRefresh: minimum gap between grid param advisor calls.
//   - SessionTTL: exchange session time-to-live before re-login.
type RuntimeConfig struct {
	HistoryCap         int           `mapstructure:"history_cap"`
	DigestWindow       int           `mapstructure:"digest_window"`
	DefaultSlippageBps float64       `mapstructure:"default_slippage_bps"`
	AdvisorRefresh     time.Duration `mapstructure:"advisor_refresh"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
}

// StoreConfig sets where trade and portfolio snapshots are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// StreamConfig controls the event stream server.
type StreamConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QP_EXCHANGE_API_KEY, QP_EXCHANGE_SECRET, QP_LLM_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QP")
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
	if key := os.Getenv("QP_EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("QP_EXCHANGE_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if key := os.Getenv("QP_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if os.Getenv("QP_DRY_RUN") == "true" || os.Getenv("QP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Default returns a config with all runtime defaults applied, used by tests
// and by callers embedding the platform without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.history_cap", 200)
	v.SetDefault("runtime.digest_window", 50)
	v.SetDefault("runtime.default_slippage_bps", 25.0)
	v.SetDefault("runtime.advisor_refresh", "300s")
	v.SetDefault("runtime.session_ttl", "300s")
	v.SetDefault("exchange.call_timeout", "10s")
	v.SetDefault("exchange.fee_rate", 0.0)
	v.SetDefault("llm.call_timeout", "30s")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.port", 8077)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("features.candles", []map[string]any{
		{"interval": "5m", "lookback": 48},
		{"interval": "1h", "lookback": 24},
	})
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Runtime.HistoryCap <= 0 {
		return fmt.Errorf("runtime.history_cap must be > 0")
	}
	if c.Runtime.DigestWindow <= 0 {
		return fmt.Errorf("runtime.digest_window must be > 0")
	}
	if c.Runtime.DefaultSlippageBps < 0 {
		return fmt.Errorf("runtime.default_slippage_bps must be >= 0")
	}
	if c.Exchange.FeeRate < 0 || c.Exchange.FeeRate >= 1 {
		return fmt.Errorf("exchange.fee_rate must be in [0, 1)")
	}
	for i, cc := range c.Features.Candles {
		if cc.Interval == "" {
			return fmt.Errorf("features.candles[%d].interval is required", i)
		}
		if cc.Lookback <= 0 {
			return fmt.Errorf("features.candles[%d].lookback must be > 0", i)
		}
	}
	if c.Stream.Enabled && (c.Stream.Port <= 0 || c.Stream.Port > 65535) {
		return fmt.Errorf("stream.port must be a valid TCP port")
	}
	return nil
}

// ValidateRequest checks an incoming strategy creation request before any
// runtime is constructed. Failures here map to the INPUT error kind.
func ValidateRequest(mode, marketType string, symbols []string, decideInterval, maxPositions int, maxLeverage float64) error {
	switch mode {
	case "LIVE", "VIRTUAL":
	default:
		return fmt.Errorf("trading_mode must be LIVE or VIRTUAL, got %q", mode)
	}
	switch marketType {
	case "SPOT", "DERIVATIVE":
	default:
		return fmt.Errorf("market_type must be SPOT or DERIVATIVE, got %q", marketType)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if decideInterval <= 0 {
		return fmt.Errorf("decide_interval must be > 0 seconds")
	}
	if maxPositions <= 0 {
		return fmt.Errorf("max_positions must be > 0")
	}
	if maxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1")
	}
	return nil
}
