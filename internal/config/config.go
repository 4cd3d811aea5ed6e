// Package config defines all configuration for the trading bot process.
//
// Two configuration layers exist:
//
//   - Server config (this file): loaded once at startup from a YAML file
//     (default: configs/config.yaml) with POLY_* environment overrides.
//     Endpoints, data directory, dashboard port, logging.
//
//   - GlobalSettings: process-wide runtime-mutable settings, persisted as
//     JSON by the store and replaced atomically (read-copy-update). Bots
//     read a settings snapshot per decision.
//
// Per-bot configuration (BotConfig, bot.go) is created and mutated through
// the dashboard API, not through files or environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server is the process-level configuration. Maps to the YAML file.
type Server struct {
	DataDir   string          `mapstructure:"data_dir"`
	API       APIConfig       `mapstructure:"api"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds the exchange API endpoints.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ChainID      int    `mapstructure:"chain_id"`
}

// DashboardConfig controls the HTTP/WebSocket control surface.
type DashboardConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads server config from a YAML file with env var overrides:
// POLY_DATA_DIR, POLY_PORT, POLY_LOG_LEVEL.
func Load(path string) (*Server, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "data")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.ws_user_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")
	v.SetDefault("api.chain_id", 137)
	v.SetDefault("dashboard.port", 8000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults + env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dir := os.Getenv("POLY_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if lvl := os.Getenv("POLY_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Server) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.ChainID == 0 {
		return fmt.Errorf("api.chain_id is required (137 for mainnet)")
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be in 1..65535")
	}
	return nil
}

// GlobalSettings is the single process-wide mutable configuration object.
// Writers replace the whole snapshot atomically; readers hold a reference
// for the duration of one decision. No secrets.
type GlobalSettings struct {
	SlippageTolerance      float64 `json:"slippage_tolerance"`
	MinBidLiquidityUSD     float64 `json:"min_bid_liquidity_usd"`
	MinAskLiquidityUSD     float64 `json:"min_ask_liquidity_usd"`
	MaxSpreadPct           float64 `json:"max_spread_pct"`
	StreamEnabled          bool    `json:"stream_enabled"`
	StreamReconnectMinSecs float64 `json:"stream_reconnect_min_seconds"`
	StreamReconnectMaxSecs float64 `json:"stream_reconnect_max_seconds"`
	KillswitchOnShutdown   bool    `json:"killswitch_on_shutdown"`
	LogLevel               string  `json:"log_level"`
	DailyLossLimitUSD      float64 `json:"daily_loss_limit_usd"`
}

// DefaultSettings returns the settings used before any are persisted.
func DefaultSettings() GlobalSettings {
	return GlobalSettings{
		SlippageTolerance:      0.06,
		MinBidLiquidityUSD:     5.0,
		MinAskLiquidityUSD:     5.0,
		MaxSpreadPct:           1.0,
		StreamEnabled:          true,
		StreamReconnectMinSecs: 1.0,
		StreamReconnectMaxSecs: 60.0,
		KillswitchOnShutdown:   false,
		LogLevel:               "info",
		DailyLossLimitUSD:      0, // 0 = disabled
	}
}

// Validate checks settings ranges.
func (s *GlobalSettings) Validate() error {
	if s.SlippageTolerance < 0 || s.SlippageTolerance >= 1 {
		return fmt.Errorf("slippage_tolerance must be in [0, 1)")
	}
	if s.MaxSpreadPct <= 0 {
		return fmt.Errorf("max_spread_pct must be > 0")
	}
	if s.StreamReconnectMinSecs <= 0 || s.StreamReconnectMaxSecs < s.StreamReconnectMinSecs {
		return fmt.Errorf("stream reconnect bounds must satisfy 0 < min <= max")
	}
	if s.DailyLossLimitUSD < 0 {
		return fmt.Errorf("daily_loss_limit_usd must be >= 0")
	}
	return nil
}

// ReconnectBounds returns the stream backoff bounds as durations.
func (s *GlobalSettings) ReconnectBounds() (min, max time.Duration) {
	return time.Duration(s.StreamReconnectMinSecs * float64(time.Second)),
		time.Duration(s.StreamReconnectMaxSecs * float64(time.Second))
}
