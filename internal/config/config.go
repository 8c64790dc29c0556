// Package config defines all configuration for the trade monitor daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MONITOR_* environment variables.
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
	Database DatabaseConfig `mapstructure:"database"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Status   StatusConfig   `mapstructure:"status"`
}

// DatabaseConfig sets where the rule store lives.
// TokenKey is the 32-byte hex key used to encrypt stored brokerage tokens.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	TokenKey string `mapstructure:"token_key"`
}

// BrokerConfig holds brokerage API endpoints and application credentials.
// ApiKey/ApiSecret authenticate the application itself; per-user access
// tokens live in the rule store and are refreshed at runtime.
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSPortfolioURL string        `mapstructure:"ws_portfolio_url"`
	WSMarketURL    string        `mapstructure:"ws_market_url"`
	ApiKey         string        `mapstructure:"api_key"`
	ApiSecret      string        `mapstructure:"api_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// MonitorConfig tunes the evaluation loop.
//
//   - PollInterval: how often changed rules are reloaded from the store.
//   - TimeTolerance: window after a time trigger's target in which it may fire.
//   - Timezone: market timezone used for time triggers (IST by default).
//   - MaxInstruments: per-user cap on market-data subscriptions.
//   - SessionGrace: how long an empty session lingers before teardown.
//   - MaxCandles: ring size per instrument/timeframe candle buffer.
//   - RefreshMargin: refresh tokens this close to expiry.
type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	TimeTolerance  time.Duration `mapstructure:"time_tolerance"`
	Timezone       string        `mapstructure:"timezone"`
	MaxInstruments int           `mapstructure:"max_instruments"`
	SessionGrace   time.Duration `mapstructure:"session_grace"`
	MaxCandles     int           `mapstructure:"max_candles"`
	RefreshMargin  time.Duration `mapstructure:"refresh_margin"`
}

// StreamConfig controls websocket connection behaviour for both feeds.
type StreamConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PingIdle       time.Duration `mapstructure:"ping_idle"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the read-only status HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MONITOR_API_KEY, MONITOR_API_SECRET,
// MONITOR_TOKEN_KEY, MONITOR_DB_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MONITOR")
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
	if key := os.Getenv("MONITOR_API_KEY"); key != "" {
		cfg.Broker.ApiKey = key
	}
	if secret := os.Getenv("MONITOR_API_SECRET"); secret != "" {
		cfg.Broker.ApiSecret = secret
	}
	if key := os.Getenv("MONITOR_TOKEN_KEY"); key != "" {
		cfg.Database.TokenKey = key
	}
	if p := os.Getenv("MONITOR_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
	if os.Getenv("MONITOR_DRY_RUN") == "true" || os.Getenv("MONITOR_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.poll_interval", 30*time.Second)
	v.SetDefault("monitor.time_tolerance", 60*time.Second)
	v.SetDefault("monitor.timezone", "Asia/Kolkata")
	v.SetDefault("monitor.max_instruments", 100)
	v.SetDefault("monitor.session_grace", 2*time.Minute)
	v.SetDefault("monitor.max_candles", 200)
	v.SetDefault("monitor.refresh_margin", 5*time.Minute)
	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("broker.refresh_timeout", 10*time.Second)
	v.SetDefault("stream.connect_timeout", 15*time.Second)
	v.SetDefault("stream.max_backoff", 60*time.Second)
	v.SetDefault("stream.ping_idle", 30*time.Second)
	v.SetDefault("stream.pong_wait", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (set MONITOR_DB_PATH)")
	}
	if c.Database.TokenKey == "" {
		return fmt.Errorf("database.token_key is required (set MONITOR_TOKEN_KEY)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.ApiKey == "" {
		return fmt.Errorf("broker.api_key is required (set MONITOR_API_KEY)")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be > 0")
	}
	if c.Monitor.TimeTolerance <= 0 {
		return fmt.Errorf("monitor.time_tolerance must be > 0")
	}
	if c.Monitor.MaxInstruments <= 0 {
		return fmt.Errorf("monitor.max_instruments must be > 0")
	}
	if c.Monitor.MaxCandles <= 0 {
		return fmt.Errorf("monitor.max_candles must be > 0")
	}
	if _, err := time.LoadLocation(c.Monitor.Timezone); err != nil {
		return fmt.Errorf("monitor.timezone %q: %w", c.Monitor.Timezone, err)
	}
	if c.Status.Enabled && c.Status.Port == 0 {
		return fmt.Errorf("status.port is required when status.enabled is true")
	}
	return nil
}
