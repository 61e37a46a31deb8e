// Package paper implements domain.Broker for paper trading. Orders fill
// immediately at the limit price or the live feed's last traded price, and
// positions and cash are tracked in memory so the reconciler sees the same
// contract a live broker provides.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkotak/algodispatch/internal/domain"
)

// Compile-time interface check.
var _ domain.Broker = (*Broker)(nil)

// Broker is an in-memory paper broker.
type Broker struct {
	feed   domain.PriceFeed
	logger *slog.Logger

	mu        sync.Mutex
	cash      float64
	orders    map[string]domain.BrokerOrder
	positions map[string]domain.BrokerPosition
}

// New creates a paper Broker with the given starting cash. The feed is used
// for price discovery on market orders; paper trading still rides the live
// order book for prices but is accounted separately.
func New(startingCash float64, feed domain.PriceFeed, logger *slog.Logger) *Broker {
	return &Broker{
		feed:      feed,
		logger:    logger.With(slog.String("component", "paper_broker")),
		cash:      startingCash,
		orders:    make(map[string]domain.BrokerOrder),
		positions: make(map[string]domain.BrokerPosition),
	}
}

// Name returns "paper".
func (b *Broker) Name() string { return "paper" }

// PlaceOrder simulates an immediate complete fill. LIMIT orders fill at the
// limit price; MARKET orders fill at the feed's last traded price and fail
// when no price is available (a live broker would reject too, there is no
// synthetic fallback price).
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	price := req.LimitPrice
	if req.Type == domain.OrderTypeMarket {
		ltp, err := b.feed.GetPrice(ctx, req.Symbol)
		if err != nil || ltp <= 0 {
			return "", fmt.Errorf("paper: no market price for %s: %w", req.Symbol, domain.ErrPriceUnavailable)
		}
		price = ltp
	}
	if price <= 0 {
		return "", fmt.Errorf("paper: non-positive fill price for %s", req.Symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	orderID := "PAPER-" + uuid.New().String()
	b.orders[orderID] = domain.BrokerOrder{
		OrderID:   orderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		AvgPrice:  price,
		Status:    domain.BrokerStatusComplete,
		PlacedAt:  now,
		UpdatedAt: now,
	}
	b.applyFillLocked(req, price)

	b.logger.Info("paper fill",
		slog.String("order_id", orderID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int("quantity", req.Quantity),
		slog.Float64("price", price),
	)
	return orderID, nil
}

// CancelOrder marks an open order cancelled. Paper fills are immediate, so
// in practice this only reports whether the order id is known.
func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if o.Status == domain.BrokerStatusOpen {
		o.Status = domain.BrokerStatusCancelled
		o.UpdatedAt = time.Now().UTC()
		b.orders[orderID] = o
	}
	return nil
}

// GetOrders returns all simulated orders.
func (b *Broker) GetOrders(_ context.Context) ([]domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	orders := make([]domain.BrokerOrder, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, o)
	}
	return orders, nil
}

// GetPositions returns the simulated net book; the day book mirrors it.
func (b *Broker) GetPositions(_ context.Context) (domain.BrokerPositions, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	net := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		net = append(net, p)
	}
	return domain.BrokerPositions{Net: net, Day: net}, nil
}

// GetMargins returns the simulated available cash.
func (b *Broker) GetMargins(_ context.Context) (domain.Margins, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.Margins{AvailableCash: b.cash}, nil
}

// applyFillLocked nets the fill into the simulated position book and cash
// balance. Caller must hold b.mu.
func (b *Broker) applyFillLocked(req domain.OrderRequest, price float64) {
	delta := req.Quantity
	if req.Side == domain.SideSell {
		delta = -delta
	}
	notional := float64(req.Quantity) * price
	if req.Side == domain.SideBuy {
		b.cash -= notional
	} else {
		b.cash += notional
	}

	pos, ok := b.positions[req.Symbol]
	if !ok {
		pos = domain.BrokerPosition{Symbol: req.Symbol}
	}
	oldQty := pos.Quantity
	newQty := oldQty + delta
	switch {
	case oldQty == 0 || (oldQty > 0) == (delta > 0):
		total := absInt(oldQty) + absInt(delta)
		pos.AvgPrice = (pos.AvgPrice*float64(absInt(oldQty)) + price*float64(absInt(delta))) / float64(total)
	case newQty != 0 && (newQty > 0) == (delta > 0):
		pos.AvgPrice = price
	}
	pos.Quantity = newQty
	pos.LastPrice = price
	pos.PnL = (price - pos.AvgPrice) * float64(newQty)

	if newQty == 0 {
		delete(b.positions, req.Symbol)
		return
	}
	b.positions[req.Symbol] = pos
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
