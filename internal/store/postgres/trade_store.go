package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkotak/algodispatch/internal/domain"
)

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, broker_order_id, symbol, side, quantity,
	entry_price, current_price, pnl, pnl_percent, strategy, status, executed_at`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side, status string

	err := row.Scan(
		&t.ID, &t.BrokerOrderID, &t.Symbol, &side, &t.Quantity,
		&t.EntryPrice, &t.CurrentPrice, &t.PnL, &t.PnLPercent,
		&t.Strategy, &status, &t.ExecutedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	return t, nil
}

// Insert persists a new trade and returns its generated id.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) (int64, error) {
	const query = `
		INSERT INTO trades (
			broker_order_id, symbol, side, quantity, entry_price,
			current_price, pnl, pnl_percent, strategy, status, executed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		t.BrokerOrderID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice,
		t.CurrentPrice, t.PnL, t.PnLPercent, t.Strategy, string(t.Status),
		t.ExecutedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert trade %s: %w", t.BrokerOrderID, err)
	}
	return id, nil
}

// UpsertByBrokerOrderID inserts the trade or overwrites quantity, entry
// price and execution timestamp when the broker order id already exists.
// The broker's view of the fill is authoritative.
func (s *TradeStore) UpsertByBrokerOrderID(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			broker_order_id, symbol, side, quantity, entry_price,
			current_price, pnl, pnl_percent, strategy, status, executed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (broker_order_id) DO UPDATE SET
			quantity    = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			executed_at = EXCLUDED.executed_at`

	_, err := s.pool.Exec(ctx, query,
		t.BrokerOrderID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice,
		t.CurrentPrice, t.PnL, t.PnLPercent, t.Strategy, string(t.Status),
		t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trade %s: %w", t.BrokerOrderID, err)
	}
	return nil
}

// UpdatePnL writes the latest mark and PnL figures for a trade.
func (s *TradeStore) UpdatePnL(ctx context.Context, tradeID int64, currentPrice, pnl, pnlPercent float64) error {
	const query = `
		UPDATE trades SET
			current_price = $2,
			pnl           = $3,
			pnl_percent   = $4
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, tradeID, currentPrice, pnl, pnlPercent)
	if err != nil {
		return fmt.Errorf("postgres: update trade pnl %d: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a trade by its generated id.
func (s *TradeStore) GetByID(ctx context.Context, id int64) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)

	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %d: %w", id, err)
	}
	return t, nil
}

// GetByBrokerOrderID retrieves a trade by its broker order id.
func (s *TradeStore) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE broker_order_id = $1`,
		brokerOrderID)

	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", brokerOrderID, err)
	}
	return t, nil
}

// ListToday returns trades executed since midnight in the market timezone.
func (s *TradeStore) ListToday(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE executed_at >= DATE_TRUNC('day', NOW() AT TIME ZONE 'Asia/Kolkata') AT TIME ZONE 'Asia/Kolkata'
		 ORDER BY executed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list today's trades: %w", err)
	}
	defer rows.Close()

	return scanTradeRows(rows)
}

// ListBefore returns trades executed strictly before the cutoff.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE executed_at < $1
		 ORDER BY executed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	return scanTradeRows(rows)
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}
