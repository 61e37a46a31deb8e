package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkotak/algodispatch/internal/domain"
)

// mockBroker implements domain.Broker with configurable responses.
type mockBroker struct {
	mu sync.Mutex

	placeID  string
	placeErr error
	placed   []domain.OrderRequest

	cancelErr error
	cancelled []string

	orders    []domain.BrokerOrder
	ordersErr error

	positions    domain.BrokerPositions
	positionsErr error

	margins    domain.Margins
	marginsErr error
}

func (m *mockBroker) Name() string { return "mock" }

func (m *mockBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	if m.placeErr != nil {
		return "", m.placeErr
	}
	return m.placeID, nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return m.cancelErr
}

func (m *mockBroker) GetOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	return m.orders, m.ordersErr
}

func (m *mockBroker) GetPositions(ctx context.Context) (domain.BrokerPositions, error) {
	return m.positions, m.positionsErr
}

func (m *mockBroker) GetMargins(ctx context.Context) (domain.Margins, error) {
	return m.margins, m.marginsErr
}

func (m *mockBroker) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

// mockFeed implements domain.PriceFeed from a static price map.
type mockFeed struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
}

func (m *mockFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[symbol]; ok {
		return 0, err
	}
	price, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("feed: %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return price, nil
}

type statusUpdate struct {
	ID            string
	Status        domain.OrderStatus
	BrokerOrderID string
	Reason        string
}

// mockOrderStore implements domain.OrderStore in memory.
type mockOrderStore struct {
	mu        sync.Mutex
	inserted  []domain.OrderAttempt
	insertErr error
	updates   []statusUpdate
	updateErr error
}

func (m *mockOrderStore) Insert(ctx context.Context, att domain.OrderAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, att)
	return nil
}

func (m *mockOrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, brokerOrderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, statusUpdate{ID: id, Status: status, BrokerOrderID: brokerOrderID, Reason: reason})
	return nil
}

func (m *mockOrderStore) GetByID(ctx context.Context, id string) (domain.OrderAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range m.inserted {
		if att.ID == id {
			return att, nil
		}
	}
	return domain.OrderAttempt{}, domain.ErrNotFound
}

func (m *mockOrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OrderAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderAttempt
	for _, att := range m.inserted {
		if att.CreatedAt.Before(before) {
			out = append(out, att)
		}
	}
	return out, nil
}

type pnlUpdate struct {
	TradeID      int64
	CurrentPrice float64
	PnL          float64
	PnLPercent   float64
}

// mockTradeStore implements domain.TradeStore in memory.
type mockTradeStore struct {
	mu         sync.Mutex
	nextID     int64
	inserted   []domain.Trade
	insertErr  error
	upserts    []domain.Trade
	upsertErr  error
	byID       map[int64]domain.Trade
	pnlUpdates []pnlUpdate
	pnlErr     error
	today      []domain.Trade
	todayErr   error
}

func (m *mockTradeStore) Insert(ctx context.Context, t domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.nextID++
	t.ID = m.nextID
	m.inserted = append(m.inserted, t)
	return t.ID, nil
}

func (m *mockTradeStore) UpsertByBrokerOrderID(ctx context.Context, t domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, t)
	return nil
}

func (m *mockTradeStore) UpdatePnL(ctx context.Context, tradeID int64, currentPrice, pnl, pnlPercent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pnlErr != nil {
		return m.pnlErr
	}
	m.pnlUpdates = append(m.pnlUpdates, pnlUpdate{TradeID: tradeID, CurrentPrice: currentPrice, PnL: pnl, PnLPercent: pnlPercent})
	return nil
}

func (m *mockTradeStore) GetByID(ctx context.Context, id int64) (domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[id]; ok {
		return t, nil
	}
	for _, t := range m.inserted {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (m *mockTradeStore) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.inserted {
		if t.BrokerOrderID == brokerOrderID {
			return t, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (m *mockTradeStore) ListToday(ctx context.Context) ([]domain.Trade, error) {
	return m.today, m.todayErr
}

func (m *mockTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trade
	for _, t := range m.inserted {
		if t.ExecutedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

// mockPositionStore implements domain.PositionStore on a map.
type mockPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	getErr    error
	upsertErr error
	deleteErr error
	marks     []string
	replaced  [][]domain.Position
	onUpsert  func()
}

func newMockPositionStore() *mockPositionStore {
	return &mockPositionStore{positions: make(map[string]domain.Position)}
}

func (m *mockPositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	if m.onUpsert != nil {
		m.onUpsert()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.positions[pos.Symbol] = pos
	return nil
}

func (m *mockPositionStore) GetBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Position{}, m.getErr
	}
	pos, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *mockPositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (m *mockPositionStore) Delete(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.positions, symbol)
	return nil
}

func (m *mockPositionStore) ReplaceAll(ctx context.Context, positions []domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, positions)
	m.positions = make(map[string]domain.Position, len(positions))
	for _, pos := range positions {
		m.positions[pos.Symbol] = pos
	}
	return nil
}

func (m *mockPositionStore) MarkPrice(ctx context.Context, symbol string, lastPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, symbol)
	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	pos.LastPrice = lastPrice
	pos.UnrealizedPnL = (lastPrice - pos.AvgPrice) * float64(pos.Quantity)
	m.positions[symbol] = pos
	return nil
}

type auditEvent struct {
	Event  string
	Detail map[string]any
}

// mockAuditStore implements domain.AuditStore in memory.
type mockAuditStore struct {
	mu     sync.Mutex
	events []auditEvent
	err    error
}

func (m *mockAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, auditEvent{Event: event, Detail: detail})
	return nil
}

func (m *mockAuditStore) List(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *mockAuditStore) eventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.events))
	for _, e := range m.events {
		names = append(names, e.Event)
	}
	return names
}
