package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantpulse/guardbot/internal/domain"
)

// AuditStore implements domain.AuditStore: the append-only history of risk
// level adjustments.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const adjustmentSelectCols = `id, position_id, field, old_value, new_value, reason, created_at`

func scanAdjustments(rows pgx.Rows) ([]domain.Adjustment, error) {
	var adjs []domain.Adjustment
	for rows.Next() {
		var a domain.Adjustment
		if err := rows.Scan(
			&a.ID, &a.PositionID, &a.Field,
			&a.OldValue, &a.NewValue, &a.Reason, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// AppendAdjustment records one committed level change.
func (s *AuditStore) AppendAdjustment(ctx context.Context, adj domain.Adjustment) error {
	const query = `
		INSERT INTO adjustments (
			id, position_id, field, old_value, new_value, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		adj.ID, adj.PositionID, adj.Field,
		adj.OldValue, adj.NewValue, adj.Reason, adj.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append adjustment %s: %w", adj.ID, err)
	}
	return nil
}

// ListAdjustments returns the most recent adjustments for a position, newest
// first.
func (s *AuditStore) ListAdjustments(ctx context.Context, positionID string, limit int) ([]domain.Adjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+adjustmentSelectCols+` FROM adjustments
		 WHERE position_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, positionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list adjustments %s: %w", positionID, err)
	}
	defer rows.Close()

	adjs, err := scanAdjustments(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan adjustments: %w", err)
	}
	return adjs, nil
}

// ListBefore returns adjustments created before the cutoff, oldest first, for
// archival.
func (s *AuditStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Adjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+adjustmentSelectCols+` FROM adjustments
		 WHERE created_at < $1
		 ORDER BY created_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list old adjustments: %w", err)
	}
	defer rows.Close()

	adjs, err := scanAdjustments(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan old adjustments: %w", err)
	}
	return adjs, nil
}

// DeleteBefore removes adjustments older than the cutoff and returns the
// number of rows deleted.
func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM adjustments WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete old adjustments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
