package store

import (
	"context"
	"fmt"
)

// Follow links a user to an app. TotalReviews is joined from app_counters.
type Follow struct {
	UserID        string `db:"user_id" json:"user_id"`
	AppPK         string `db:"app_pk" json:"app_pk"`
	AppName       string `db:"app_name" json:"app_name,omitempty"`
	FollowedAt    int64  `db:"followed_at" json:"followed_at"`
	LastSeenTotal int64  `db:"last_seen_total" json:"last_seen_total"`
	LastSeenAt    *int64 `db:"last_seen_at" json:"last_seen_at,omitempty"`
	TotalReviews  int64  `db:"total_reviews" json:"total_reviews"`
}

// AddFollow creates the follow row if absent.
func (s *SQLiteStore) AddFollow(ctx context.Context, userID, app, appName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_follows (user_id, app_pk, app_name, followed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, app_pk) DO NOTHING
	`, userID, app, appName, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("add follow %s %s: %w", userID, app, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add follow rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteFollow removes the follow row. Schedules are kept.
func (s *SQLiteStore) DeleteFollow(ctx context.Context, userID, app string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM user_follows WHERE user_id = ? AND app_pk = ?", userID, app); err != nil {
		return fmt.Errorf("delete follow %s %s: %w", userID, app, err)
	}
	return nil
}

// ListFollows returns the user's follows with current counter totals.
func (s *SQLiteStore) ListFollows(ctx context.Context, userID string) ([]Follow, error) {
	var out []Follow
	err := s.db.SelectContext(ctx, &out, `
		SELECT f.user_id, f.app_pk, f.app_name, f.followed_at, f.last_seen_total, f.last_seen_at,
		       COALESCE(c.total_reviews, 0) AS total_reviews
		FROM user_follows f
		LEFT JOIN app_counters c ON c.app_pk = f.app_pk
		WHERE f.user_id = ?
		ORDER BY f.app_pk
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list follows %s: %w", userID, err)
	}
	return out, nil
}

// MarkSeen snapshots the app's current total as the user's last seen total.
func (s *SQLiteStore) MarkSeen(ctx context.Context, userID, app string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_follows
		SET last_seen_total = COALESCE((SELECT total_reviews FROM app_counters WHERE app_pk = ?), 0),
		    last_seen_at = ?
		WHERE user_id = ? AND app_pk = ?
	`, app, s.nowMillis(), userID, app)
	if err != nil {
		return fmt.Errorf("mark seen %s %s: %w", userID, app, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("follow %s %s: %w", userID, app, ErrNotFound)
	}
	return nil
}
