// Package config defines the top-level configuration for the dispatch
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from
// a TOML file and then optionally overridden by ALGOBOT_* environment
// variables.
type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	Feed      FeedConfig      `toml:"feed"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Gate      GateConfig      `toml:"gate"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// BrokerConfig holds brokerage API credentials and submission parameters.
type BrokerConfig struct {
	// BaseURL is the REST endpoint of the brokerage API.
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	AccessToken string `toml:"access_token"`
	// Exchange is the default exchange segment for equity orders.
	Exchange string `toml:"exchange"`
	// TimeoutSeconds bounds every broker call.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// PaperStartingCash seeds the simulated account in paper mode.
	PaperStartingCash float64 `toml:"paper_starting_cash"`
}

// FeedConfig holds the streaming tick feed parameters.
type FeedConfig struct {
	WsURL string `toml:"ws_url"`
	// TickTTL expires cached ticks so a stalled feed cannot serve stale
	// marks forever.
	TickTTL duration `toml:"tick_ttl"`
	// Symbols are subscribed at startup in addition to open positions.
	Symbols []string `toml:"symbols"`
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

// S3Config holds S3-compatible object storage parameters for archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// GateConfig holds the admission-control limits.
type GateConfig struct {
	CooldownSeconds       int     `toml:"cooldown_seconds"`
	MaxTradesPerSymbolDay int     `toml:"max_trades_per_symbol_day"`
	MinQuantity           int     `toml:"min_quantity"`
	MinOrderValue         float64 `toml:"min_order_value"`
	MinOptionOrderValue   float64 `toml:"min_option_order_value"`
	MaxOrdersPerDay       int     `toml:"max_orders_per_day"`
	MaxOrdersPerMinute    int     `toml:"max_orders_per_minute"`
	MaxOrdersPerSecond    int     `toml:"max_orders_per_second"`
	BanThreshold          int     `toml:"ban_threshold"`
	BanSeconds            int     `toml:"ban_seconds"`
	DedupWindowSeconds    int     `toml:"dedup_window_seconds"`
}

// DispatchConfig holds execution coordinator tuning.
type DispatchConfig struct {
	PacingDelay         duration `toml:"pacing_delay"`
	LargeBatchDelay     duration `toml:"large_batch_delay"`
	LargeBatchThreshold int      `toml:"large_batch_threshold"`
	WatchInterval       duration `toml:"watch_interval"`
}

// ReconcileConfig holds broker reconciliation cadence.
type ReconcileConfig struct {
	TradeInterval    duration `toml:"trade_interval"`
	PositionInterval duration `toml:"position_interval"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
	// IntervalHours is how often the archiver sweeps for old rows.
	IntervalHours int `toml:"interval_hours"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings
// like "30s" or "2m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the platform default values.
// These match config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:           "https://api.kite.trade",
			Exchange:          "NSE",
			TimeoutSeconds:    10,
			PaperStartingCash: 1_000_000,
		},
		Feed: FeedConfig{
			TickTTL: duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "algodispatch",
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
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "algodispatch-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Gate: GateConfig{
			CooldownSeconds:       300,
			MaxTradesPerSymbolDay: 3,
			MinQuantity:           5,
			MinOrderValue:         50_000,
			MinOptionOrderValue:   5_000,
			MaxOrdersPerDay:       50,
			MaxOrdersPerMinute:    10,
			MaxOrdersPerSecond:    2,
			BanThreshold:          3,
			BanSeconds:            600,
			DedupWindowSeconds:    30,
		},
		Dispatch: DispatchConfig{
			PacingDelay:         duration{1 * time.Second},
			LargeBatchDelay:     duration{2 * time.Second},
			LargeBatchThreshold: 10,
			WatchInterval:       duration{30 * time.Second},
		},
		Reconcile: ReconcileConfig{
			TradeInterval:    duration{120 * time.Second},
			PositionInterval: duration{60 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			IntervalHours: 24,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_executed", "symbol_banned", "reconciliation_drift"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":     true,
	"live":      true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live, reconcile)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker credentials are required whenever live capital is at stake.
	needsBroker := c.Mode == "live" || c.Mode == "reconcile"
	if needsBroker {
		if c.Broker.APIKey == "" {
			errs = append(errs, "broker: api_key is required for mode "+c.Mode)
		}
		if c.Broker.AccessToken == "" {
			errs = append(errs, "broker: access_token is required for mode "+c.Mode)
		}
	}
	if c.Broker.TimeoutSeconds <= 0 {
		errs = append(errs, "broker: timeout_seconds must be > 0")
	}
	if c.Mode == "paper" && c.Broker.PaperStartingCash <= 0 {
		errs = append(errs, "broker: paper_starting_cash must be > 0 in paper mode")
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 only matters when archival is on.
	if c.S3.Enabled || c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archival is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archival is enabled")
		}
	}

	// Gate
	if c.Gate.CooldownSeconds < 0 {
		errs = append(errs, "gate: cooldown_seconds must be >= 0")
	}
	if c.Gate.MaxTradesPerSymbolDay < 1 {
		errs = append(errs, "gate: max_trades_per_symbol_day must be >= 1")
	}
	if c.Gate.MinQuantity < 1 {
		errs = append(errs, "gate: min_quantity must be >= 1")
	}
	if c.Gate.MaxOrdersPerDay < 1 || c.Gate.MaxOrdersPerMinute < 1 || c.Gate.MaxOrdersPerSecond < 1 {
		errs = append(errs, "gate: submission ceilings must be >= 1")
	}
	if c.Gate.BanThreshold < 1 {
		errs = append(errs, "gate: ban_threshold must be >= 1")
	}

	// Dispatch
	if c.Dispatch.PacingDelay.Duration < 0 {
		errs = append(errs, "dispatch: pacing_delay must be >= 0")
	}
	if c.Dispatch.WatchInterval.Duration <= 0 {
		errs = append(errs, "dispatch: watch_interval must be > 0")
	}

	// Reconcile
	if c.Reconcile.TradeInterval.Duration <= 0 {
		errs = append(errs, "reconcile: trade_interval must be > 0")
	}
	if c.Reconcile.PositionInterval.Duration <= 0 {
		errs = append(errs, "reconcile: position_interval must be > 0")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1 when enabled")
		}
		if c.Archive.IntervalHours < 1 {
			errs = append(errs, "archive: interval_hours must be >= 1 when enabled")
		}
	}

	// Notify — token and chat id must be set together.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
