// Package reconcile periodically pulls ground truth from the broker and
// corrects the engine's trade and position records. Broker state is always
// authoritative; drift is logged and corrected, never escalated.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkotak/algodispatch/internal/domain"
)

// WatcherStopper cancels price watchers for a symbol; implemented by the
// dispatcher's WatcherSet.
type WatcherStopper interface {
	StopSymbol(symbol string)
}

// Config holds reconciler tuning parameters.
type Config struct {
	TradeInterval    time.Duration
	PositionInterval time.Duration
	BrokerTimeout    time.Duration
}

// DefaultConfig returns the default sync cadence.
func DefaultConfig() Config {
	return Config{
		TradeInterval:    120 * time.Second,
		PositionInterval: 60 * time.Second,
		BrokerTimeout:    10 * time.Second,
	}
}

// Reconciler corrects local trade and position state against the broker's
// records on independent timers.
type Reconciler struct {
	cfg       Config
	broker    domain.Broker
	trades    domain.TradeStore
	positions domain.PositionStore
	audit     domain.AuditStore
	watchers  WatcherStopper
	posLock   sync.Locker
	logger    *slog.Logger
}

// New creates a Reconciler. watchers and posLock may be nil when no
// dispatcher is running (reconcile-only mode); posLock is the dispatcher's
// position lock and serializes snapshot replacement against concurrent
// position folds.
func New(
	cfg Config,
	broker domain.Broker,
	trades domain.TradeStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
	watchers WatcherStopper,
	posLock sync.Locker,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		broker:    broker,
		trades:    trades,
		positions: positions,
		audit:     audit,
		watchers:  watchers,
		posLock:   posLock,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run starts both sync loops and blocks until the context is cancelled.
// Individual sync failures are logged and retried on the next tick; only
// context cancellation ends the loops.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler starting",
		slog.Duration("trade_interval", r.cfg.TradeInterval),
		slog.Duration("position_interval", r.cfg.PositionInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.loop(ctx, r.cfg.TradeInterval, "trade sync", r.SyncTrades)
	})
	g.Go(func() error {
		return r.loop(ctx, r.cfg.PositionInterval, "position sync", r.SyncPositions)
	})

	err := g.Wait()
	r.logger.Info("reconciler stopped")
	return err
}

// loop runs fn immediately and then on every tick until ctx is done.
func (r *Reconciler) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		r.logger.Error(name+" failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				r.logger.Error(name+" failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SyncTrades upserts every COMPLETE broker order into the trade ledger by
// broker order id, overwriting locally-estimated quantity, price and
// timestamp with broker truth. Trades the engine failed to record (e.g.
// after a crash mid-dispatch) are backfilled; nothing is ever deleted.
func (r *Reconciler) SyncTrades(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, r.cfg.BrokerTimeout)
	orders, err := r.broker.GetOrders(bctx)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile: get orders: %w", err)
	}

	var synced int
	for _, o := range orders {
		if o.Status != domain.BrokerStatusComplete || o.OrderID == "" || o.AvgPrice <= 0 {
			continue
		}
		trade := domain.Trade{
			BrokerOrderID: o.OrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Quantity:      o.Quantity,
			EntryPrice:    o.AvgPrice,
			CurrentPrice:  o.AvgPrice,
			Status:        domain.TradeStatusExecuted,
			ExecutedAt:    o.UpdatedAt,
		}
		if err := r.trades.UpsertByBrokerOrderID(ctx, trade); err != nil {
			r.logger.Error("trade upsert failed",
				slog.String("broker_order_id", o.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		synced++
	}

	r.logger.Debug("trade sync complete",
		slog.Int("broker_orders", len(orders)),
		slog.Int("synced", synced),
	)
	return nil
}

// SyncPositions replaces the engine's position view with the broker's net
// and day books, keyed by symbol. Positions the broker reports as flat are
// dropped from the active set and their price watchers cancelled. The
// replacement is idempotent: running it twice without intervening trades
// yields an identical snapshot.
func (r *Reconciler) SyncPositions(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, r.cfg.BrokerTimeout)
	books, err := r.broker.GetPositions(bctx)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile: get positions: %w", err)
	}

	// Net book is authoritative; day entries only add symbols that the
	// net book does not carry.
	now := time.Now().UTC()
	authoritative := make(map[string]domain.Position)
	for _, bp := range books.Net {
		authoritative[bp.Symbol] = brokerPosition(bp, now)
	}
	for _, bp := range books.Day {
		if _, ok := authoritative[bp.Symbol]; !ok {
			authoritative[bp.Symbol] = brokerPosition(bp, now)
		}
	}

	// The local read, drift report and replacement form one
	// read-modify-write cycle; hold the position lock for all of it so a
	// concurrent dispatcher fold cannot land between the read and the
	// replacement and then overwrite the correction with stale state.
	if r.posLock != nil {
		r.posLock.Lock()
		defer r.posLock.Unlock()
	}

	local, err := r.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list local positions: %w", err)
	}
	r.reportDrift(ctx, local, authoritative)

	// Symbols the broker reports flat leave the active set; stop their
	// watchers before the ledger write so no stale tick lands afterwards.
	active := make([]domain.Position, 0, len(authoritative))
	for sym, pos := range authoritative {
		if pos.Quantity == 0 {
			if r.watchers != nil {
				r.watchers.StopSymbol(sym)
			}
			continue
		}
		active = append(active, pos)
	}
	for _, lp := range local {
		if pos, ok := authoritative[lp.Symbol]; !ok || pos.Quantity == 0 {
			if r.watchers != nil {
				r.watchers.StopSymbol(lp.Symbol)
			}
		}
	}

	if err := r.positions.ReplaceAll(ctx, active); err != nil {
		return fmt.Errorf("reconcile: replace positions: %w", err)
	}

	r.logger.Debug("position sync complete", slog.Int("active", len(active)))
	return nil
}

// reportDrift logs and audits disagreements between local and broker state.
func (r *Reconciler) reportDrift(ctx context.Context, local []domain.Position, authoritative map[string]domain.Position) {
	for _, lp := range local {
		bp, ok := authoritative[lp.Symbol]
		if !ok {
			bp = domain.Position{Symbol: lp.Symbol}
		}
		if lp.Quantity == bp.Quantity {
			continue
		}
		r.logger.Warn("reconciliation drift",
			slog.String("symbol", lp.Symbol),
			slog.Int("local_quantity", lp.Quantity),
			slog.Int("broker_quantity", bp.Quantity),
		)
		if auditErr := r.audit.Log(ctx, "reconciliation_drift", map[string]any{
			"symbol":          lp.Symbol,
			"local_quantity":  lp.Quantity,
			"broker_quantity": bp.Quantity,
		}); auditErr != nil {
			r.logger.Warn("audit log failed", slog.String("error", auditErr.Error()))
		}
	}
}

func brokerPosition(bp domain.BrokerPosition, now time.Time) domain.Position {
	return domain.Position{
		Symbol:        bp.Symbol,
		Quantity:      bp.Quantity,
		AvgPrice:      bp.AvgPrice,
		LastPrice:     bp.LastPrice,
		UnrealizedPnL: bp.PnL,
		UpdatedAt:     now,
	}
}
