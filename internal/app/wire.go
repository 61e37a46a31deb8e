package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/mkotak/algodispatch/internal/blob/s3"
	"github.com/mkotak/algodispatch/internal/broker/kite"
	"github.com/mkotak/algodispatch/internal/broker/paper"
	"github.com/mkotak/algodispatch/internal/cache/redis"
	"github.com/mkotak/algodispatch/internal/config"
	"github.com/mkotak/algodispatch/internal/domain"
	"github.com/mkotak/algodispatch/internal/notify"
	"github.com/mkotak/algodispatch/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	OrderStore    domain.OrderStore
	TradeStore    domain.TradeStore
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Market data
	TickCache *redis.TickCache

	// Coordination
	RunLock   *redis.RunLock
	SignalBus *redis.SignalBus

	// Broker selected by mode: paper simulator or live client.
	Broker domain.Broker

	// Archival (nil unless archive.enabled)
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them with a cleanup function to be called on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.TickCache = redis.NewTickCache(redisClient, cfg.Feed.TickTTL.Duration)
	deps.RunLock = redis.NewRunLock(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Broker ---
	switch strings.ToLower(cfg.Mode) {
	case "paper":
		deps.Broker = paper.New(cfg.Broker.PaperStartingCash, deps.TickCache, logger)
	case "live", "reconcile":
		deps.Broker = kite.NewClient(kite.Config{
			BaseURL:     cfg.Broker.BaseURL,
			APIKey:      cfg.Broker.APIKey,
			AccessToken: cfg.Broker.AccessToken,
			Exchange:    cfg.Broker.Exchange,
		})
	}

	// --- S3 archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.TradeStore,
			deps.OrderStore,
			deps.AuditStore,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// brokerTimeout returns the configured broker call deadline.
func brokerTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Broker.TimeoutSeconds) * time.Second
}
