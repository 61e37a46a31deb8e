package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkotak/algodispatch/internal/domain"
)

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `symbol, quantity, avg_price, last_price,
	unrealized_pnl, realized_pnl, stop_loss, target, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.Symbol, &p.Quantity, &p.AvgPrice, &p.LastPrice,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.StopLoss, &p.Target,
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// Upsert inserts or replaces the position for a symbol.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (
			symbol, quantity, avg_price, last_price,
			unrealized_pnl, realized_pnl, stop_loss, target, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW()
		)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity       = EXCLUDED.quantity,
			avg_price      = EXCLUDED.avg_price,
			last_price     = EXCLUDED.last_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl   = EXCLUDED.realized_pnl,
			stop_loss      = EXCLUDED.stop_loss,
			target         = EXCLUDED.target,
			updated_at     = NOW()`

	_, err := s.pool.Exec(ctx, query,
		pos.Symbol, pos.Quantity, pos.AvgPrice, pos.LastPrice,
		pos.UnrealizedPnL, pos.RealizedPnL, pos.StopLoss, pos.Target,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// GetBySymbol retrieves the position for a symbol.
func (s *PositionStore) GetBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE symbol = $1`, symbol)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", symbol, err)
	}
	return p, nil
}

// ListOpen returns every active position.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return positions, nil
}

// Delete removes the position for a symbol. Deleting an absent symbol is
// not an error.
func (s *PositionStore) Delete(ctx context.Context, symbol string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", symbol, err)
	}
	return nil
}

// ReplaceAll atomically replaces the active position set with the given
// broker-authoritative snapshot.
func (s *PositionStore) ReplaceAll(ctx context.Context, positions []domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: replace positions: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("postgres: replace positions: clear: %w", err)
	}

	const insert = `
		INSERT INTO positions (
			symbol, quantity, avg_price, last_price,
			unrealized_pnl, realized_pnl, stop_loss, target, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW()
		)`

	for _, pos := range positions {
		if _, err := tx.Exec(ctx, insert,
			pos.Symbol, pos.Quantity, pos.AvgPrice, pos.LastPrice,
			pos.UnrealizedPnL, pos.RealizedPnL, pos.StopLoss, pos.Target,
		); err != nil {
			return fmt.Errorf("postgres: replace positions: insert %s: %w", pos.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: replace positions: commit: %w", err)
	}
	return nil
}

// MarkPrice updates the last price and recomputes unrealized PnL for the
// symbol's position.
func (s *PositionStore) MarkPrice(ctx context.Context, symbol string, lastPrice float64) error {
	const query = `
		UPDATE positions SET
			last_price     = $2,
			unrealized_pnl = ($2 - avg_price) * quantity,
			updated_at     = NOW()
		WHERE symbol = $1`

	tag, err := s.pool.Exec(ctx, query, symbol, lastPrice)
	if err != nil {
		return fmt.Errorf("postgres: mark position %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
