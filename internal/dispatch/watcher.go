package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mkotak/algodispatch/internal/domain"
)

// WatcherSet runs one lightweight recurring task per open trade, re-pricing
// it against the feed and persisting PnL. Watchers are cancelled the moment
// their symbol's position closes, so the set never grows past the number of
// open trades.
type WatcherSet struct {
	feed      domain.PriceFeed
	trades    domain.TradeStore
	positions domain.PositionStore
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	cancels  map[int64]context.CancelFunc // trade ID -> cancel
	bySymbol map[string][]int64
	wg       sync.WaitGroup
}

// NewWatcherSet creates an empty WatcherSet.
func NewWatcherSet(
	feed domain.PriceFeed,
	trades domain.TradeStore,
	positions domain.PositionStore,
	interval time.Duration,
	logger *slog.Logger,
) *WatcherSet {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &WatcherSet{
		feed:      feed,
		trades:    trades,
		positions: positions,
		interval:  interval,
		logger:    logger.With(slog.String("component", "price_watcher")),
		cancels:   make(map[int64]context.CancelFunc),
		bySymbol:  make(map[string][]int64),
	}
}

// Watch starts a watcher for the trade. Starting a watcher for a trade ID
// that is already watched is a no-op.
func (w *WatcherSet) Watch(ctx context.Context, trade domain.Trade) {
	w.mu.Lock()
	if _, ok := w.cancels[trade.ID]; ok {
		w.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w.cancels[trade.ID] = cancel
	w.bySymbol[trade.Symbol] = append(w.bySymbol[trade.Symbol], trade.ID)
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(wctx, trade)
}

// StopSymbol cancels every watcher for the symbol. Called when the position
// closes or the reconciler flattens it.
func (w *WatcherSet) StopSymbol(symbol string) {
	w.mu.Lock()
	ids := w.bySymbol[symbol]
	delete(w.bySymbol, symbol)
	for _, id := range ids {
		if cancel, ok := w.cancels[id]; ok {
			cancel()
			delete(w.cancels, id)
		}
	}
	w.mu.Unlock()
}

// StopAll cancels every watcher and waits for them to finish.
func (w *WatcherSet) StopAll() {
	w.mu.Lock()
	for id, cancel := range w.cancels {
		cancel()
		delete(w.cancels, id)
	}
	w.bySymbol = make(map[string][]int64)
	w.mu.Unlock()
	w.wg.Wait()
}

// Count returns the number of active watchers.
func (w *WatcherSet) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cancels)
}

func (w *WatcherSet) run(ctx context.Context, trade domain.Trade) {
	defer w.wg.Done()
	defer w.remove(trade.ID, trade.Symbol)

	log := w.logger.With(
		slog.Int64("trade_id", trade.ID),
		slog.String("symbol", trade.Symbol),
	)
	log.Debug("watcher started")
	defer log.Debug("watcher stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := w.tick(ctx, &trade, log); done {
				return
			}
		}
	}
}

// tick performs one re-pricing cycle. It returns true when the watcher
// should terminate because the symbol's position is no longer open.
func (w *WatcherSet) tick(ctx context.Context, trade *domain.Trade, log *slog.Logger) bool {
	_, err := w.positions.GetBySymbol(ctx, trade.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		log.Warn("position lookup failed", slog.String("error", err.Error()))
		return false
	}

	// The reconciler overwrites the locally-estimated entry price and
	// quantity with broker truth; pick up the correction before pricing.
	// A transient read failure keeps the last known values.
	if cur, err := w.trades.GetByID(ctx, trade.ID); err == nil {
		trade.Quantity = cur.Quantity
		trade.EntryPrice = cur.EntryPrice
	}

	price, err := w.feed.GetPrice(ctx, trade.Symbol)
	if err != nil || price <= 0 {
		// Expected between ticks or off-hours: a missed update, not a
		// failure.
		log.Debug("price unavailable, skipping cycle")
		return false
	}
	if price == trade.EntryPrice {
		// No movement since entry; nothing worth persisting.
		log.Debug("price unchanged, skipping cycle")
		return false
	}

	pnl := (price - trade.EntryPrice) * float64(trade.Quantity)
	if trade.Side == domain.SideSell {
		pnl = -pnl
	}
	var pnlPercent float64
	if notional := trade.EntryPrice * float64(trade.Quantity); notional != 0 {
		pnlPercent = pnl / notional * 100
	}

	if err := w.trades.UpdatePnL(ctx, trade.ID, price, pnl, pnlPercent); err != nil {
		log.Warn("pnl update failed", slog.String("error", err.Error()))
		return false
	}
	if err := w.positions.MarkPrice(ctx, trade.Symbol, price); err != nil {
		log.Warn("position mark failed", slog.String("error", err.Error()))
	}
	return false
}

// remove drops bookkeeping for a finished watcher.
func (w *WatcherSet) remove(tradeID int64, symbol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, tradeID)
	ids := w.bySymbol[symbol]
	for i, id := range ids {
		if id == tradeID {
			w.bySymbol[symbol] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(w.bySymbol[symbol]) == 0 {
		delete(w.bySymbol, symbol)
	}
}
