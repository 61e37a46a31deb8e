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
// built-in defaults, applies ALGOBOT_* environment variable overrides, and
// returns the final Config. The result has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ALGOBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "ALGOBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "ALGOBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.AccessToken, "ALGOBOT_BROKER_ACCESS_TOKEN")
	setStr(&cfg.Broker.Exchange, "ALGOBOT_BROKER_EXCHANGE")
	setInt(&cfg.Broker.TimeoutSeconds, "ALGOBOT_BROKER_TIMEOUT_SECONDS")
	setFloat64(&cfg.Broker.PaperStartingCash, "ALGOBOT_BROKER_PAPER_STARTING_CASH")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "ALGOBOT_FEED_WS_URL")
	setDuration(&cfg.Feed.TickTTL, "ALGOBOT_FEED_TICK_TTL")
	setStringSlice(&cfg.Feed.Symbols, "ALGOBOT_FEED_SYMBOLS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ALGOBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ALGOBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ALGOBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ALGOBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ALGOBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ALGOBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ALGOBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ALGOBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ALGOBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ALGOBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ALGOBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALGOBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALGOBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALGOBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ALGOBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ALGOBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALGOBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALGOBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALGOBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALGOBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALGOBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALGOBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ALGOBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ALGOBOT_S3_FORCE_PATH_STYLE")

	// ── Gate ──
	setInt(&cfg.Gate.CooldownSeconds, "ALGOBOT_GATE_COOLDOWN_SECONDS")
	setInt(&cfg.Gate.MaxTradesPerSymbolDay, "ALGOBOT_GATE_MAX_TRADES_PER_SYMBOL_DAY")
	setInt(&cfg.Gate.MinQuantity, "ALGOBOT_GATE_MIN_QUANTITY")
	setFloat64(&cfg.Gate.MinOrderValue, "ALGOBOT_GATE_MIN_ORDER_VALUE")
	setFloat64(&cfg.Gate.MinOptionOrderValue, "ALGOBOT_GATE_MIN_OPTION_ORDER_VALUE")
	setInt(&cfg.Gate.MaxOrdersPerDay, "ALGOBOT_GATE_MAX_ORDERS_PER_DAY")
	setInt(&cfg.Gate.MaxOrdersPerMinute, "ALGOBOT_GATE_MAX_ORDERS_PER_MINUTE")
	setInt(&cfg.Gate.MaxOrdersPerSecond, "ALGOBOT_GATE_MAX_ORDERS_PER_SECOND")
	setInt(&cfg.Gate.BanThreshold, "ALGOBOT_GATE_BAN_THRESHOLD")
	setInt(&cfg.Gate.BanSeconds, "ALGOBOT_GATE_BAN_SECONDS")
	setInt(&cfg.Gate.DedupWindowSeconds, "ALGOBOT_GATE_DEDUP_WINDOW_SECONDS")

	// ── Dispatch ──
	setDuration(&cfg.Dispatch.PacingDelay, "ALGOBOT_DISPATCH_PACING_DELAY")
	setDuration(&cfg.Dispatch.LargeBatchDelay, "ALGOBOT_DISPATCH_LARGE_BATCH_DELAY")
	setInt(&cfg.Dispatch.LargeBatchThreshold, "ALGOBOT_DISPATCH_LARGE_BATCH_THRESHOLD")
	setDuration(&cfg.Dispatch.WatchInterval, "ALGOBOT_DISPATCH_WATCH_INTERVAL")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.TradeInterval, "ALGOBOT_RECONCILE_TRADE_INTERVAL")
	setDuration(&cfg.Reconcile.PositionInterval, "ALGOBOT_RECONCILE_POSITION_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ALGOBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ALGOBOT_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.IntervalHours, "ALGOBOT_ARCHIVE_INTERVAL_HOURS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALGOBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALGOBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALGOBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALGOBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ALGOBOT_MODE")
	setStr(&cfg.LogLevel, "ALGOBOT_LOG_LEVEL")
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
