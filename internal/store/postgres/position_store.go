package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantpulse/guardbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, side, entry_price, quantity,
	stop_loss, take_profit, dca_price, dca_quantity, dca_count,
	status, tp_order_id, sl_order_id, dca_order_id,
	last_trigger_at, exit_price, closed_at, opened_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity,
		&p.StopLoss, &p.TakeProfit, &p.DCAPrice, &p.DCAQuantity, &p.DCACount,
		&status, &p.Orders.TakeProfit, &p.Orders.StopLoss, &p.Orders.DCALimit,
		&p.LastTriggerAt, &p.ExitPrice, &p.ClosedAt, &p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// UpsertOpen inserts the position or replaces every mutable field of an
// existing row. The open set never loses rows through this path.
func (s *PositionStore) UpsertOpen(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, entry_price, quantity,
			stop_loss, take_profit, dca_price, dca_quantity, dca_count,
			status, tp_order_id, sl_order_id, dca_order_id,
			last_trigger_at, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			stop_loss       = EXCLUDED.stop_loss,
			take_profit     = EXCLUDED.take_profit,
			dca_price       = EXCLUDED.dca_price,
			dca_quantity    = EXCLUDED.dca_quantity,
			dca_count       = EXCLUDED.dca_count,
			quantity        = EXCLUDED.quantity,
			tp_order_id     = EXCLUDED.tp_order_id,
			sl_order_id     = EXCLUDED.sl_order_id,
			dca_order_id    = EXCLUDED.dca_order_id,
			last_trigger_at = EXCLUDED.last_trigger_at,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
		p.StopLoss, p.TakeProfit, p.DCAPrice, p.DCAQuantity, p.DCACount,
		string(p.Status), p.Orders.TakeProfit, p.Orders.StopLoss, p.Orders.DCALimit,
		p.LastTriggerAt, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetOpen returns every open position, oldest first.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open'
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// MarkClosed transitions an open position to the given closed status and
// records the exit price.
func (s *PositionStore) MarkClosed(ctx context.Context, id string, status domain.PositionStatus, exitPrice float64) error {
	const query = `
		UPDATE positions SET
			status     = $2,
			exit_price = $3,
			closed_at  = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, string(status), exitPrice)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns closed positions whose closed_at is before the
// cutoff, oldest first, for archival.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status <> 'open' AND closed_at < $1
		 ORDER BY closed_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeleteClosedBefore removes closed positions older than the cutoff and
// returns the number of rows deleted.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE status <> 'open' AND closed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
