package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ROBSON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ROBSON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Binance ──
	setStr(&cfg.Binance.BaseURL, "ROBSON_BINANCE_BASE_URL")
	setStr(&cfg.Binance.StreamURL, "ROBSON_BINANCE_STREAM_URL")
	setStr(&cfg.Binance.APIKey, "ROBSON_BINANCE_API_KEY")
	setStr(&cfg.Binance.APISecret, "ROBSON_BINANCE_API_SECRET")
	setStr(&cfg.Binance.EncryptedSecretPath, "ROBSON_BINANCE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Binance.SecretPassword, "ROBSON_BINANCE_SECRET_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ROBSON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ROBSON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ROBSON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ROBSON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ROBSON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ROBSON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ROBSON_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ROBSON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ROBSON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ROBSON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ROBSON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ROBSON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ROBSON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ROBSON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ROBSON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ROBSON_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ROBSON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ROBSON_S3_REGION")
	setStr(&cfg.S3.Bucket, "ROBSON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ROBSON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ROBSON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ROBSON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ROBSON_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Symbols, "ROBSON_TRADING_SYMBOLS")
	setInt(&cfg.Trading.MaxLeverage, "ROBSON_TRADING_MAX_LEVERAGE")
	setInt(&cfg.Trading.SnapshotEvery, "ROBSON_TRADING_SNAPSHOT_EVERY")

	// ── Leader ──
	setStr(&cfg.Leader.Key, "ROBSON_LEADER_KEY")
	setStr(&cfg.Leader.Holder, "ROBSON_LEADER_HOLDER")
	setDuration(&cfg.Leader.TTL, "ROBSON_LEADER_TTL")
	setDuration(&cfg.Leader.Retry, "ROBSON_LEADER_RETRY")

	// ── Executor ──
	setInt(&cfg.Executor.MaxAttempts, "ROBSON_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.CallTimeout, "ROBSON_EXECUTOR_CALL_TIMEOUT")
	setDuration(&cfg.Executor.BackoffBase, "ROBSON_EXECUTOR_BACKOFF_BASE")
	setDuration(&cfg.Executor.MaxPriceAge, "ROBSON_EXECUTOR_MAX_PRICE_AGE")
	setInt(&cfg.Executor.CircuitMaxFailures, "ROBSON_EXECUTOR_CIRCUIT_MAX_FAILURES")
	setDuration(&cfg.Executor.CircuitCooldown, "ROBSON_EXECUTOR_CIRCUIT_COOLDOWN")

	// ── Safety net ──
	setBool(&cfg.SafetyNet.Enabled, "ROBSON_SAFETY_NET_ENABLED")
	setStringSlice(&cfg.SafetyNet.Symbols, "ROBSON_SAFETY_NET_SYMBOLS")
	setFloat64(&cfg.SafetyNet.MaxLossPercent, "ROBSON_SAFETY_NET_MAX_LOSS_PERCENT")
	setDuration(&cfg.SafetyNet.Interval, "ROBSON_SAFETY_NET_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ROBSON_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ROBSON_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ROBSON_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ROBSON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ROBSON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ROBSON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ROBSON_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ROBSON_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ROBSON_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ROBSON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ROBSON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ROBSON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ROBSON_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Account, "ROBSON_ACCOUNT")
	setStr(&cfg.Mode, "ROBSON_MODE")
	setStr(&cfg.LogLevel, "ROBSON_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
