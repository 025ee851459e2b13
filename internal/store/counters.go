package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IncrementCounter atomically adds n to the app's total_reviews. The counter
// only ever grows; n <= 0 is a no-op.
func (s *SQLiteStore) IncrementCounter(ctx context.Context, app string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_counters (app_pk, total_reviews, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_pk) DO UPDATE SET
			total_reviews = total_reviews + excluded.total_reviews,
			updated_at = excluded.updated_at
	`, app, n, s.nowMillis())
	if err != nil {
		return fmt.Errorf("increment counter %s: %w", app, err)
	}
	return nil
}

// Counter returns the app's total_reviews, 0 when no counter exists yet.
func (s *SQLiteStore) Counter(ctx context.Context, app string) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, "SELECT total_reviews FROM app_counters WHERE app_pk = ?", app)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", app, err)
	}
	return total, nil
}

// ReconcileCounter raises a stale counter to the stored row count. It runs at
// most once per app; later calls report reconciled=false and leave the value.
func (s *SQLiteStore) ReconcileCounter(ctx context.Context, app string) (total int64, reconciled bool, err error) {
	count, err := s.CountReviews(ctx, app)
	if err != nil {
		return 0, false, err
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO app_counters (app_pk, total_reviews, reconciled_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_pk) DO UPDATE SET
			total_reviews = MAX(total_reviews, excluded.total_reviews),
			reconciled_at = excluded.reconciled_at,
			updated_at = excluded.updated_at
		WHERE app_counters.reconciled_at IS NULL
	`, app, count, now, now)
	if err != nil {
		return 0, false, fmt.Errorf("reconcile counter %s: %w", app, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("reconcile counter rows affected: %w", err)
	}
	total, err = s.Counter(ctx, app)
	if err != nil {
		return 0, false, err
	}
	return total, n == 1, nil
}
