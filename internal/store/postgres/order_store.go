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
var _ domain.OrderStore = (*OrderStore)(nil)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, signal_id, symbol, side, quantity, order_type,
	limit_price, product, status, reason, broker_order_id, strategy,
	created_at, updated_at`

func scanOrderRow(row pgx.Row) (domain.OrderAttempt, error) {
	var a domain.OrderAttempt
	var side, orderType, product, status string

	err := row.Scan(
		&a.ID, &a.SignalID, &a.Symbol, &side, &a.Quantity, &orderType,
		&a.LimitPrice, &product, &status, &a.Reason, &a.BrokerOrderID,
		&a.Strategy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.OrderAttempt{}, err
	}
	a.Side = domain.Side(side)
	a.Type = domain.OrderType(orderType)
	a.Product = domain.ProductType(product)
	a.Status = domain.OrderStatus(status)
	return a, nil
}

// Insert persists a new order attempt.
func (s *OrderStore) Insert(ctx context.Context, att domain.OrderAttempt) error {
	const query = `
		INSERT INTO order_attempts (
			id, signal_id, symbol, side, quantity, order_type,
			limit_price, product, status, reason, broker_order_id, strategy,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		att.ID, att.SignalID, att.Symbol, string(att.Side), att.Quantity,
		string(att.Type), att.LimitPrice, string(att.Product),
		string(att.Status), att.Reason, att.BrokerOrderID, att.Strategy,
		att.CreatedAt, att.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert order attempt %s: %w", att.ID, err)
	}
	return nil
}

// UpdateStatus moves an attempt to a new status and records the broker
// order id and reason code.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, brokerOrderID, reason string) error {
	const query = `
		UPDATE order_attempts SET
			status          = $2,
			broker_order_id = $3,
			reason          = $4,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(status), brokerOrderID, reason)
	if err != nil {
		return fmt.Errorf("postgres: update order attempt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single order attempt.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.OrderAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM order_attempts WHERE id = $1`, id)

	a, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderAttempt{}, domain.ErrNotFound
		}
		return domain.OrderAttempt{}, fmt.Errorf("postgres: get order attempt %s: %w", id, err)
	}
	return a, nil
}

// ListBefore returns attempts created strictly before the cutoff.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OrderAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM order_attempts
		 WHERE created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.OrderAttempt
	for rows.Next() {
		a, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list order attempts: %w", err)
	}
	return attempts, nil
}
