// Package config defines the top-level configuration for the position
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ROBSON_* environment
// variables.
type Config struct {
	Account   string          `toml:"account"`
	Binance   BinanceConfig   `toml:"binance"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Trading   TradingConfig   `toml:"trading"`
	Leader    LeaderConfig    `toml:"leader"`
	Executor  ExecutorConfig  `toml:"executor"`
	SafetyNet SafetyNetConfig `toml:"safety_net"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// BinanceConfig holds exchange API endpoints and credentials. The secret may
// be given in plaintext or as an encrypted file plus password.
type BinanceConfig struct {
	BaseURL             string `toml:"base_url"`
	StreamURL           string `toml:"stream_url"`
	APIKey              string `toml:"api_key"`
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds the traded universe and position sizing bounds.
type TradingConfig struct {
	// Symbols is the list of symbols the daemon runs a position key for.
	Symbols []string `toml:"symbols"`
	// MaxLeverage is the hard leverage ceiling enforced by the margin
	// guardrail.
	MaxLeverage int `toml:"max_leverage"`
	// SnapshotEvery is the event-count interval between aggregate snapshots.
	SnapshotEvery int `toml:"snapshot_every"`
}

// LeaderConfig holds lease-based leader election parameters.
type LeaderConfig struct {
	// Key is the lease key prefix; the account and symbol are appended so
	// every (account, symbol) pair is its own election group. Processes
	// sharing a prefix compete per symbol, not all-or-nothing.
	Key string `toml:"key"`
	// Holder identifies this process; defaults to hostname + pid.
	Holder string   `toml:"holder"`
	TTL    duration `toml:"ttl"`
	Retry  duration `toml:"retry"`
}

// ExecutorConfig holds order submission and guardrail parameters.
type ExecutorConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	CallTimeout duration `toml:"call_timeout"`
	BackoffBase duration `toml:"backoff_base"`
	// MaxPriceAge is how stale the last tick may be before entries are
	// blocked.
	MaxPriceAge duration `toml:"max_price_age"`
	// CircuitMaxFailures is the consecutive-failure count that opens the
	// circuit breaker; CircuitCooldown is how long it stays open.
	CircuitMaxFailures int      `toml:"circuit_max_failures"`
	CircuitCooldown    duration `toml:"circuit_cooldown"`
}

// SafetyNetConfig holds the unmanaged-position monitor parameters.
type SafetyNetConfig struct {
	Enabled bool `toml:"enabled"`
	// Symbols is the watched universe; empty means the trading symbols.
	Symbols []string `toml:"symbols"`
	// MaxLossPercent is the fixed stop as a fraction of entry price,
	// e.g. 0.02 for 2%.
	MaxLossPercent float64  `toml:"max_loss_percent"`
	Interval       duration `toml:"interval"`
}

// ArchiveConfig holds event archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP; zero disables.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Account: "main",
		Binance: BinanceConfig{
			BaseURL:   "https://api.binance.com",
			StreamURL: "wss://stream.binance.com:9443/ws",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "robson",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "robson-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			Symbols:       []string{"BTCUSDT"},
			MaxLeverage:   5,
			SnapshotEvery: 50,
		},
		Leader: LeaderConfig{
			Key:   "robson:leader",
			TTL:   duration{15 * time.Second},
			Retry: duration{5 * time.Second},
		},
		Executor: ExecutorConfig{
			MaxAttempts:        3,
			CallTimeout:        duration{10 * time.Second},
			BackoffBase:        duration{500 * time.Millisecond},
			MaxPriceAge:        duration{10 * time.Second},
			CircuitMaxFailures: 5,
			CircuitCooldown:    duration{time.Minute},
		},
		SafetyNet: SafetyNetConfig{
			Enabled:        true,
			MaxLossPercent: 0.02,
			Interval:       duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"reconcile_degraded", "guardrail_block", "position_errored"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Account == "" {
		errs = append(errs, "account must not be empty")
	}

	// Binance credentials are mandatory in every mode: trade places orders
	// and the monitor's safety net may force exits.
	if c.Binance.APIKey == "" {
		errs = append(errs, "binance: api_key must be set")
	}
	if c.Binance.APISecret == "" && c.Binance.EncryptedSecretPath == "" {
		errs = append(errs, "binance: either api_secret or encrypted_secret_path must be set")
	}
	if c.Binance.EncryptedSecretPath != "" && c.Binance.SecretPassword == "" {
		errs = append(errs, "binance: secret_password is required when encrypted_secret_path is set")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading: at least one symbol is required")
	}
	if c.Trading.MaxLeverage < 1 {
		errs = append(errs, "trading: max_leverage must be >= 1")
	}
	if c.Trading.SnapshotEvery < 1 {
		errs = append(errs, "trading: snapshot_every must be >= 1")
	}

	if c.Leader.Key == "" {
		errs = append(errs, "leader: key must not be empty")
	}
	if c.Leader.TTL.Duration <= 0 {
		errs = append(errs, "leader: ttl must be positive")
	}

	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}
	if c.Executor.MaxPriceAge.Duration <= 0 {
		errs = append(errs, "executor: max_price_age must be positive")
	}

	if c.SafetyNet.Enabled {
		if c.SafetyNet.MaxLossPercent <= 0 || c.SafetyNet.MaxLossPercent >= 1 {
			errs = append(errs, fmt.Sprintf("safety_net: max_loss_percent must be in (0, 1), got %v", c.SafetyNet.MaxLossPercent))
		}
		if c.SafetyNet.Interval.Duration <= 0 {
			errs = append(errs, "safety_net: interval must be positive")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
