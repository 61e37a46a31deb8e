package domain

import (
	"context"
	"time"
)

// OrderStore persists order attempts.
type OrderStore interface {
	Insert(ctx context.Context, att OrderAttempt) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus, brokerOrderID, reason string) error
	GetByID(ctx context.Context, id string) (OrderAttempt, error)
	// ListBefore returns attempts created strictly before the cutoff,
	// used by the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]OrderAttempt, error)
}

// TradeStore persists broker-confirmed trades and their mark-to-market
// fields.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) (int64, error)
	// UpsertByBrokerOrderID inserts the trade or, when a trade with the
	// same broker order id exists, overwrites quantity, entry price and
	// execution timestamp with the given (broker-authoritative) values.
	UpsertByBrokerOrderID(ctx context.Context, t Trade) error
	UpdatePnL(ctx context.Context, tradeID int64, currentPrice, pnl, pnlPercent float64) error
	GetByID(ctx context.Context, id int64) (Trade, error)
	GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (Trade, error)
	ListToday(ctx context.Context) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// PositionStore persists the engine's per-symbol net positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetBySymbol(ctx context.Context, symbol string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	Delete(ctx context.Context, symbol string) error
	// ReplaceAll atomically replaces the entire active position set with
	// the given broker-authoritative snapshot.
	ReplaceAll(ctx context.Context, positions []Position) error
	// MarkPrice updates the last price and recomputes unrealized PnL for
	// the symbol's position.
	MarkPrice(ctx context.Context, symbol string, lastPrice float64) error
}

// AuditEntry is a single append-only audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of engine decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
