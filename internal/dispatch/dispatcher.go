// Package dispatch implements the execution coordinator: it takes strategy
// signals through admission control, pre-trade capital and position checks,
// broker submission, ledger writes, and spawns a price watcher per confirmed
// fill.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkotak/algodispatch/internal/domain"
	"github.com/mkotak/algodispatch/internal/gate"
	"github.com/mkotak/algodispatch/internal/notify"
)

// Rejection reason codes produced by the dispatcher's own pre-trade checks;
// admission reason codes come from the gate package.
const (
	ReasonInsufficientCapital = "INSUFFICIENT_CAPITAL"
	ReasonDuplicatePosition   = "DUPLICATE_POSITION"
	ReasonBrokerUnavailable   = "BROKER_UNAVAILABLE"
	ReasonBrokerRejected      = "BROKER_REJECTED"
)

// Config holds dispatcher tuning parameters.
type Config struct {
	// Live selects the live-capital path: margin checks run against the
	// broker before admission. Paper mode skips the margin check.
	Live bool
	// BrokerTimeout bounds every broker call. A timeout counts as a
	// failed submission for rate-gate bookkeeping.
	BrokerTimeout time.Duration
	// PacingDelay is inserted between successive signals in a batch to
	// stay under the broker's per-second submission ceilings.
	PacingDelay time.Duration
	// LargeBatchDelay replaces PacingDelay for batches larger than
	// LargeBatchThreshold.
	LargeBatchDelay     time.Duration
	LargeBatchThreshold int
	// WatchInterval is the price-watcher polling interval.
	WatchInterval time.Duration
}

// DefaultConfig returns the default dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		BrokerTimeout:       10 * time.Second,
		PacingDelay:         time.Second,
		LargeBatchDelay:     2 * time.Second,
		LargeBatchThreshold: 10,
		WatchInterval:       30 * time.Second,
	}
}

// Outcome is the terminal result of one dispatched signal. Exactly one of
// Trade / Reason is meaningful: Trade is non-nil only for a broker-confirmed
// fill, Reason carries the rejection or failure code otherwise. Rejections
// and broker failures are values, not errors; ProcessSignal only returns an
// error for ledger/infrastructure faults.
type Outcome struct {
	Trade  *domain.Trade
	Reason string
}

// Executed reports whether the signal resulted in a confirmed trade.
func (o Outcome) Executed() bool { return o.Trade != nil }

// Status is the engine's externally visible state.
type Status struct {
	Mode           string
	Gate           gate.Snapshot
	OpenPositions  []domain.Position
	ActiveWatchers int
}

// Dispatcher coordinates signal execution. Batch processing is deliberately
// sequential with inter-signal pacing; broker APIs enforce per-second
// submission ceilings.
type Dispatcher struct {
	cfg       Config
	broker    domain.Broker
	feed      domain.PriceFeed
	gate      *gate.Gate
	orders    domain.OrderStore
	trades    domain.TradeStore
	positions domain.PositionStore
	audit     domain.AuditStore
	notifier  *notify.Notifier
	watchers  *WatcherSet
	logger    *slog.Logger

	// posMu serializes position read-modify-write cycles. The reconciler
	// shares it via PositionLock so its snapshot replacement cannot
	// interleave with a fold in progress.
	posMu sync.Mutex
}

// New creates a Dispatcher. The notifier may be nil.
func New(
	cfg Config,
	broker domain.Broker,
	feed domain.PriceFeed,
	g *gate.Gate,
	orders domain.OrderStore,
	trades domain.TradeStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		broker:    broker,
		feed:      feed,
		gate:      g,
		orders:    orders,
		trades:    trades,
		positions: positions,
		audit:     audit,
		notifier:  notifier,
		watchers:  NewWatcherSet(feed, trades, positions, cfg.WatchInterval, logger),
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Watchers exposes the price-watcher set, used by the reconciler to cancel
// watchers for symbols the broker reports as flat.
func (d *Dispatcher) Watchers() *WatcherSet { return d.watchers }

// PositionLock exposes the mutex guarding position read-modify-write
// cycles. The reconciler holds it across each snapshot replacement.
func (d *Dispatcher) PositionLock() sync.Locker { return &d.posMu }

// ProcessSignal runs one signal through the full pipeline. The returned
// Outcome always carries either a confirmed Trade or a concrete reason; no
// signal is silently dropped.
func (d *Dispatcher) ProcessSignal(ctx context.Context, sig domain.Signal) (Outcome, error) {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	log := d.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
		slog.Int("quantity", sig.Quantity),
		slog.Bool("exit", sig.IsExit),
	)

	// Pre-trade capital check (live mode only). No broker order has been
	// attempted yet, so a margin-fetch failure fails the signal without
	// touching rate-gate bookkeeping.
	if d.cfg.Live {
		mctx, cancel := context.WithTimeout(ctx, d.cfg.BrokerTimeout)
		margins, err := d.broker.GetMargins(mctx)
		cancel()
		if err != nil {
			log.Error("margin check failed", slog.String("error", err.Error()))
			return Outcome{Reason: ReasonBrokerUnavailable}, nil
		}
		if sig.Notional() > margins.AvailableCash {
			log.Warn("insufficient capital",
				slog.Float64("required", sig.Notional()),
				slog.Float64("available", margins.AvailableCash),
			)
			return Outcome{Reason: ReasonInsufficientCapital}, nil
		}
	}

	// Duplicate-position check: never add to an existing position in the
	// same direction unless the signal is an exit.
	if !sig.IsExit {
		pos, err := d.positions.GetBySymbol(ctx, sig.Symbol)
		switch {
		case err == nil:
			if pos.MatchesDirection(sig.Side) {
				log.Warn("duplicate position", slog.Int("net_quantity", pos.Quantity))
				return Outcome{Reason: ReasonDuplicatePosition}, nil
			}
		case errors.Is(err, domain.ErrNotFound):
			// No open position; proceed.
		default:
			return Outcome{}, fmt.Errorf("dispatch: position lookup %s: %w", sig.Symbol, err)
		}
	}

	// Admission control. A rejection stops here: the broker is never
	// called for an inadmissible signal.
	dec := d.gate.Decide(gate.Request{
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Quantity: sig.Quantity,
		Price:    sig.ReferencePrice,
		IsExit:   sig.IsExit,
	})
	if !dec.Allowed {
		att := buildAttempt(sig)
		att.Status = domain.OrderStatusRejected
		att.Reason = string(dec.Reason)
		if err := d.orders.Insert(ctx, att); err != nil {
			log.Error("order attempt insert failed", slog.String("error", err.Error()))
		}
		return Outcome{Reason: string(dec.Reason)}, nil
	}

	att := buildAttempt(sig)
	att.Status = domain.OrderStatusSubmitted
	if err := d.orders.Insert(ctx, att); err != nil {
		// The gate already charged its counters; report the attempt as
		// failed so the failure streak stays honest.
		d.gate.RecordAttempt(dec.Signature, sig.Symbol, sig.IsExit, false, err)
		return Outcome{}, fmt.Errorf("dispatch: record order attempt: %w", err)
	}

	// Broker submission under a bounded timeout. A timeout is a failure
	// for rate-gate purposes but never fabricates a trade.
	bctx, cancel := context.WithTimeout(ctx, d.cfg.BrokerTimeout)
	brokerOrderID, placeErr := d.broker.PlaceOrder(bctx, domain.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Type:       att.Type,
		LimitPrice: att.LimitPrice,
		Product:    att.Product,
	})
	cancel()

	confirmed := placeErr == nil && brokerOrderID != ""
	d.gate.RecordAttempt(dec.Signature, sig.Symbol, sig.IsExit, confirmed, placeErr)

	if !confirmed {
		reason := ReasonBrokerRejected
		if placeErr != nil && (errors.Is(placeErr, context.DeadlineExceeded) || errors.Is(placeErr, domain.ErrBrokerUnavailable)) {
			reason = ReasonBrokerUnavailable
		}
		if err := d.orders.UpdateStatus(ctx, att.ID, domain.OrderStatusFailed, "", reason); err != nil {
			log.Error("order attempt update failed", slog.String("error", err.Error()))
		}
		if placeErr != nil {
			log.Error("broker submission failed", slog.String("error", placeErr.Error()))
		} else {
			log.Warn("broker returned no order id")
		}
		if d.gate.Banned(sig.Symbol) {
			d.notify(ctx, "symbol_banned", "Symbol banned",
				fmt.Sprintf("%s banned after consecutive broker failures", sig.Symbol))
		}
		return Outcome{Reason: reason}, nil
	}

	if err := d.orders.UpdateStatus(ctx, att.ID, domain.OrderStatusExecuted, brokerOrderID, ""); err != nil {
		log.Error("order attempt update failed", slog.String("error", err.Error()))
	}

	trade, err := d.recordTrade(ctx, sig, brokerOrderID)
	if err != nil {
		// The broker fill is real; the reconciler backfills the trade on
		// its next sync, so this is logged rather than fatal.
		log.Error("trade record failed, reconciler will backfill",
			slog.String("broker_order_id", brokerOrderID),
			slog.String("error", err.Error()),
		)
		return Outcome{Reason: ReasonBrokerRejected}, nil
	}

	log.Info("order executed",
		slog.String("broker_order_id", brokerOrderID),
		slog.Float64("entry_price", trade.EntryPrice),
	)
	if auditErr := d.audit.Log(ctx, "trade_executed", map[string]any{
		"broker_order_id": brokerOrderID,
		"symbol":          sig.Symbol,
		"side":            string(sig.Side),
		"quantity":        sig.Quantity,
		"entry_price":     trade.EntryPrice,
		"strategy":        sig.Strategy,
	}); auditErr != nil {
		log.Warn("audit log failed", slog.String("error", auditErr.Error()))
	}
	d.notify(ctx, "trade_executed", "Trade executed",
		fmt.Sprintf("%s %s x%d @ %.2f (%s)", sig.Side, sig.Symbol, sig.Quantity, trade.EntryPrice, d.broker.Name()))

	return Outcome{Trade: trade}, nil
}

// ProcessSignals runs a batch sequentially with inter-signal pacing. The
// pacing is intentional backpressure, not an optimization: broker APIs
// enforce per-second submission ceilings.
func (d *Dispatcher) ProcessSignals(ctx context.Context, signals []domain.Signal) ([]Outcome, error) {
	delay := d.cfg.PacingDelay
	if len(signals) > d.cfg.LargeBatchThreshold {
		delay = d.cfg.LargeBatchDelay
	}

	outcomes := make([]Outcome, 0, len(signals))
	for i, sig := range signals {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return outcomes, ctx.Err()
			case <-time.After(delay):
			}
		}
		out, err := d.ProcessSignal(ctx, sig)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Status returns the engine's current state for the status surface.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	open, err := d.positions.ListOpen(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("dispatch: list open positions: %w", err)
	}
	mode := "paper"
	if d.cfg.Live {
		mode = "live"
	}
	return Status{
		Mode:           mode,
		Gate:           d.gate.Snapshot(),
		OpenPositions:  open,
		ActiveWatchers: d.watchers.Count(),
	}, nil
}

// Close stops all price watchers and waits for them to finish.
func (d *Dispatcher) Close() {
	d.watchers.StopAll()
}

// recordTrade persists the confirmed fill, folds it into the symbol's net
// position, and starts a price watcher. The entry price is locally estimated
// (LTP when available, else the signal's reference price); the reconciler
// later overwrites it with the broker's average fill price. A trade is never
// written with a non-positive price.
func (d *Dispatcher) recordTrade(ctx context.Context, sig domain.Signal, brokerOrderID string) (*domain.Trade, error) {
	entry := sig.ReferencePrice
	if ltp, err := d.feed.GetPrice(ctx, sig.Symbol); err == nil && ltp > 0 {
		entry = ltp
	}
	if entry <= 0 {
		return nil, fmt.Errorf("dispatch: no positive execution price for %s", sig.Symbol)
	}

	trade := domain.Trade{
		BrokerOrderID: brokerOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      sig.Quantity,
		EntryPrice:    entry,
		CurrentPrice:  entry,
		Strategy:      sig.Strategy,
		Status:        domain.TradeStatusExecuted,
		ExecutedAt:    time.Now().UTC(),
	}
	id, err := d.trades.Insert(ctx, trade)
	if err != nil {
		return nil, fmt.Errorf("dispatch: insert trade: %w", err)
	}
	trade.ID = id

	// Start the watcher before folding the fill into the position: a fill
	// that flattens the position triggers StopSymbol, which must catch this
	// trade's watcher too.
	d.watchers.Watch(context.Background(), trade)

	if err := d.applyTradeToPosition(ctx, trade); err != nil {
		d.logger.Error("position update failed, reconciler will correct",
			slog.String("symbol", trade.Symbol),
			slog.String("error", err.Error()),
		)
	}
	return &trade, nil
}

// applyTradeToPosition folds the fill into the symbol's net position:
// same-direction fills move the average entry price, opposing fills realize
// PnL, and a zero net quantity removes the position and cancels its
// watchers.
func (d *Dispatcher) applyTradeToPosition(ctx context.Context, trade domain.Trade) error {
	d.posMu.Lock()
	defer d.posMu.Unlock()

	delta := trade.SignedQuantity()

	pos, err := d.positions.GetBySymbol(ctx, trade.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		pos = domain.Position{Symbol: trade.Symbol}
	} else if err != nil {
		return fmt.Errorf("dispatch: get position %s: %w", trade.Symbol, err)
	}

	newQty := pos.Quantity + delta
	switch {
	case pos.Quantity == 0 || sameSign(pos.Quantity, delta):
		total := abs(pos.Quantity) + abs(delta)
		pos.AvgPrice = (pos.AvgPrice*float64(abs(pos.Quantity)) + trade.EntryPrice*float64(abs(delta))) / float64(total)
	default:
		// Opposing fill: realize PnL on the closed quantity.
		closed := min(abs(pos.Quantity), abs(delta))
		direction := 1.0
		if pos.Quantity < 0 {
			direction = -1.0
		}
		pos.RealizedPnL += direction * (trade.EntryPrice - pos.AvgPrice) * float64(closed)
		if sameSign(newQty, delta) && newQty != 0 {
			// Flipped through flat; the remainder opens at the fill price.
			pos.AvgPrice = trade.EntryPrice
		}
	}
	pos.Quantity = newQty
	pos.LastPrice = trade.EntryPrice
	pos.UnrealizedPnL = (pos.LastPrice - pos.AvgPrice) * float64(pos.Quantity)
	pos.UpdatedAt = time.Now().UTC()

	if pos.IsFlat() {
		d.watchers.StopSymbol(trade.Symbol)
		if err := d.positions.Delete(ctx, trade.Symbol); err != nil {
			return fmt.Errorf("dispatch: delete flat position %s: %w", trade.Symbol, err)
		}
		return nil
	}
	if err := d.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("dispatch: upsert position %s: %w", trade.Symbol, err)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, event, title, message string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, event, title, message); err != nil {
		d.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}

// buildAttempt derives the broker order parameters from a signal: options
// (and any signal carrying a positive reference price on a non-future) go
// out as LIMIT at the reference price, index futures as MARKET; product is
// NRML for options and MIS otherwise.
func buildAttempt(sig domain.Signal) domain.OrderAttempt {
	att := domain.OrderAttempt{
		ID:        uuid.New().String(),
		SignalID:  sig.ID,
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		Quantity:  sig.Quantity,
		Type:      domain.OrderTypeMarket,
		Product:   domain.ProductMIS,
		Status:    domain.OrderStatusPending,
		Strategy:  sig.Strategy,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if domain.IsOption(sig.Symbol) {
		att.Product = domain.ProductNRML
		if sig.ReferencePrice > 0 {
			att.Type = domain.OrderTypeLimit
			att.LimitPrice = sig.ReferencePrice
		}
	} else if !domain.IsIndexFuture(sig.Symbol) && sig.ReferencePrice > 0 {
		att.Type = domain.OrderTypeLimit
		att.LimitPrice = sig.ReferencePrice
	}
	return att
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
