package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkotak/algodispatch/internal/dispatch"
	"github.com/mkotak/algodispatch/internal/domain"
	"github.com/mkotak/algodispatch/internal/feed"
	"github.com/mkotak/algodispatch/internal/gate"
	"github.com/mkotak/algodispatch/internal/reconcile"
)

// signalBatchSize caps how many stream entries one read returns.
const signalBatchSize = 16

// TradeMode runs the full pipeline: tick feed, admission gate, dispatcher,
// reconciler and signal consumption. Live mode first takes the run lock so
// two instances can never dispatch against the same account.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	live := strings.ToLower(a.cfg.Mode) == "live"
	a.logger.InfoContext(ctx, "starting trade mode", slog.Bool("live", live))

	if live {
		unlock, err := deps.RunLock.Acquire(ctx, "dispatch", 12*time.Hour)
		if err != nil {
			return fmt.Errorf("app: acquire run lock: %w", err)
		}
		defer unlock()
	}

	g, ctx := errgroup.WithContext(ctx)

	// Admission gate.
	rateGate := gate.New(gate.Config{
		CooldownSeconds:       a.cfg.Gate.CooldownSeconds,
		MaxTradesPerSymbolDay: a.cfg.Gate.MaxTradesPerSymbolDay,
		MinQuantity:           a.cfg.Gate.MinQuantity,
		MinOrderValue:         a.cfg.Gate.MinOrderValue,
		MinOptionOrderValue:   a.cfg.Gate.MinOptionOrderValue,
		MaxOrdersPerDay:       a.cfg.Gate.MaxOrdersPerDay,
		MaxOrdersPerMinute:    a.cfg.Gate.MaxOrdersPerMinute,
		MaxOrdersPerSecond:    a.cfg.Gate.MaxOrdersPerSecond,
		BanThreshold:          a.cfg.Gate.BanThreshold,
		BanSeconds:            a.cfg.Gate.BanSeconds,
		DedupWindowSeconds:    a.cfg.Gate.DedupWindowSeconds,
	}, a.logger)

	// Dispatcher.
	dispatcher := dispatch.New(
		dispatch.Config{
			Live:                live,
			BrokerTimeout:       brokerTimeout(a.cfg),
			PacingDelay:         a.cfg.Dispatch.PacingDelay.Duration,
			LargeBatchDelay:     a.cfg.Dispatch.LargeBatchDelay.Duration,
			LargeBatchThreshold: a.cfg.Dispatch.LargeBatchThreshold,
			WatchInterval:       a.cfg.Dispatch.WatchInterval.Duration,
		},
		deps.Broker,
		deps.TickCache,
		rateGate,
		deps.OrderStore,
		deps.TradeStore,
		deps.PositionStore,
		deps.AuditStore,
		deps.Notifier,
		a.logger,
	)
	defer dispatcher.Close()

	// Reconciler, wired to cancel watchers for symbols the broker reports
	// flat and to share the dispatcher's position lock.
	reconciler := reconcile.New(
		reconcile.Config{
			TradeInterval:    a.cfg.Reconcile.TradeInterval.Duration,
			PositionInterval: a.cfg.Reconcile.PositionInterval.Duration,
			BrokerTimeout:    brokerTimeout(a.cfg),
		},
		deps.Broker,
		deps.TradeStore,
		deps.PositionStore,
		deps.AuditStore,
		dispatcher.Watchers(),
		dispatcher.PositionLock(),
		a.logger,
	)
	g.Go(func() error {
		return reconciler.Run(ctx)
	})

	// Tick feed into the cache.
	if a.cfg.Feed.WsURL != "" {
		ws := feed.NewWSClient(a.cfg.Feed.WsURL)
		if err := ws.Connect(ctx); err != nil {
			return fmt.Errorf("app: connect tick feed: %w", err)
		}

		symbols := a.startupSymbols(ctx, deps.PositionStore)
		if len(symbols) > 0 {
			if err := ws.Subscribe(ctx, symbols); err != nil {
				a.logger.WarnContext(ctx, "tick feed subscribe failed",
					slog.Int("symbols", len(symbols)),
					slog.String("error", err.Error()),
				)
			}
		}

		feeder := feed.NewCacheFeeder(ws, deps.TickCache, a.logger)
		g.Go(func() error {
			defer ws.Close()
			return feeder.Run(ctx)
		})
	}

	// Signal consumption from the stream.
	g.Go(func() error {
		return a.consumeSignals(ctx, deps, dispatcher)
	})

	// Periodic gate housekeeping: expired bans and dedup entries.
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				rateGate.Cleanup()
			}
		}
	})

	// Cold storage sweep.
	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	if err := deps.Notifier.Notify(ctx, "engine_started", "Engine started",
		fmt.Sprintf("mode=%s", a.cfg.Mode)); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
	}

	return g.Wait()
}

// ReconcileMode runs only the broker truth-sync loops. Used to repair
// local state after an outage without submitting orders.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	reconciler := reconcile.New(
		reconcile.Config{
			TradeInterval:    a.cfg.Reconcile.TradeInterval.Duration,
			PositionInterval: a.cfg.Reconcile.PositionInterval.Duration,
			BrokerTimeout:    brokerTimeout(a.cfg),
		},
		deps.Broker,
		deps.TradeStore,
		deps.PositionStore,
		deps.AuditStore,
		nil,
		nil,
		a.logger,
	)
	return reconciler.Run(ctx)
}

// consumeSignals reads signals from the stream and runs them through the
// dispatcher. Only signals published after startup are consumed; replaying
// the backlog after downtime would submit stale intents.
func (a *App) consumeSignals(ctx context.Context, deps *Dependencies, dispatcher *dispatch.Dispatcher) error {
	lastID := "$"
	for {
		signals, err := deps.SignalBus.Read(ctx, lastID, signalBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.WarnContext(ctx, "signal read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(signals) == 0 {
			continue
		}

		lastID = signals[len(signals)-1].ID

		batch := make([]domain.Signal, 0, len(signals))
		for _, s := range signals {
			batch = append(batch, s.Signal)
		}

		if _, err := dispatcher.ProcessSignals(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.ErrorContext(ctx, "signal batch failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runArchiver sweeps rows older than the retention window into object
// storage on a fixed interval.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	interval := time.Duration(a.cfg.Archive.IntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

			trades, err := deps.Archiver.ArchiveTrades(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "trade archive failed", slog.String("error", err.Error()))
			}
			orders, err := deps.Archiver.ArchiveOrders(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "order archive failed", slog.String("error", err.Error()))
			}

			a.logger.InfoContext(ctx, "archive sweep complete",
				slog.Int64("trades", trades),
				slog.Int64("orders", orders),
				slog.Time("cutoff", cutoff),
			)
		}
	}
}

// startupSymbols returns the configured feed symbols plus every open
// position's symbol, deduplicated.
func (a *App) startupSymbols(ctx context.Context, positions domain.PositionStore) []string {
	seen := make(map[string]struct{})
	var symbols []string
	add := func(s string) {
		if _, ok := seen[s]; !ok && s != "" {
			seen[s] = struct{}{}
			symbols = append(symbols, s)
		}
	}

	for _, s := range a.cfg.Feed.Symbols {
		add(s)
	}

	open, err := positions.ListOpen(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "listing open positions for feed subscription failed",
			slog.String("error", err.Error()),
		)
		return symbols
	}
	for _, p := range open {
		add(p.Symbol)
	}
	return symbols
}
