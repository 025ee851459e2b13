package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ScheduleKind selects the ingest or themes schedule table.
type ScheduleKind string

const (
	KindIngest ScheduleKind = "ingest"
	KindThemes ScheduleKind = "themes"
)

// ParseScheduleKind validates a kind name.
func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch ScheduleKind(s) {
	case KindIngest, KindThemes:
		return ScheduleKind(s), nil
	}
	return "", fmt.Errorf("unknown schedule kind %q", s)
}

func (k ScheduleKind) table() string {
	if k == KindThemes {
		return "themes_schedules"
	}
	return "ingest_schedules"
}

// Schedule is a due-index entry keyed by app key (ingest) or group key
// (themes). Times are unix milliseconds.
type Schedule struct {
	Key             string `db:"key" json:"key"`
	AppName         string `db:"app_name" json:"app_name,omitempty"`
	IntervalMinutes int    `db:"interval_minutes" json:"interval_minutes"`
	Enabled         bool   `db:"enabled" json:"enabled"`
	NextRunAt       int64  `db:"next_run_at" json:"next_run_at"`
	LastEnqueuedAt  *int64 `db:"last_enqueued_at" json:"last_enqueued_at"`
	InFlightUntil   *int64 `db:"in_flight_until" json:"in_flight_until,omitempty"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// ScheduleUpdate holds the user-editable fields; nil means unchanged.
type ScheduleUpdate struct {
	AppName         *string
	IntervalMinutes *int
	Enabled         *bool
	NextRunAt       *int64
}

// GetSchedule returns ErrNotFound when key has no entry.
func (s *SQLiteStore) GetSchedule(ctx context.Context, kind ScheduleKind, key string) (*Schedule, error) {
	var sch Schedule
	err := s.db.GetContext(ctx, &sch, "SELECT * FROM "+kind.table()+" WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s %s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s %s: %w", kind, key, err)
	}
	return &sch, nil
}

// ListSchedules pages through entries ordered by key, starting after `after`.
func (s *SQLiteStore) ListSchedules(ctx context.Context, kind ScheduleKind, limit int, after string) ([]Schedule, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sel := builder.Select("*").From(kind.table()).OrderBy("key ASC").Limit(uint64(limit + 1))
	if after != "" {
		sel = sel.Where(sq.Gt{"key": after})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, "", fmt.Errorf("build list schedules: %w", err)
	}
	var out []Schedule
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, "", fmt.Errorf("list schedules %s: %w", kind, err)
	}
	var next string
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].Key
	}
	return out, next, nil
}

// EnsureSchedule creates an enabled entry unless one exists. An existing
// entry is left untouched and created is false.
func (s *SQLiteStore) EnsureSchedule(ctx context.Context, kind ScheduleKind, key, appName string, intervalMinutes int, nextRunAt int64) (bool, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO `+kind.table()+` (key, app_name, interval_minutes, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, appName, intervalMinutes, nextRunAt, now, now)
	if err != nil {
		return false, fmt.Errorf("ensure schedule %s %s: %w", kind, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure schedule rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateSchedule applies upd to an existing entry.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, kind ScheduleKind, key string, upd ScheduleUpdate) (*Schedule, error) {
	ub := builder.Update(kind.table()).Set("updated_at", s.nowMillis()).Where(sq.Eq{"key": key})
	if upd.AppName != nil {
		ub = ub.Set("app_name", *upd.AppName)
	}
	if upd.IntervalMinutes != nil {
		ub = ub.Set("interval_minutes", *upd.IntervalMinutes)
	}
	if upd.Enabled != nil {
		ub = ub.Set("enabled", *upd.Enabled)
	}
	if upd.NextRunAt != nil {
		ub = ub.Set("next_run_at", *upd.NextRunAt)
	}
	query, args, err := ub.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update schedule: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update schedule %s %s: %w", kind, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("schedule %s %s: %w", kind, key, ErrNotFound)
	}
	return s.GetSchedule(ctx, kind, key)
}

// DueSchedules returns enabled entries with next_run_at <= now, oldest first.
func (s *SQLiteStore) DueSchedules(ctx context.Context, kind ScheduleKind, now int64, limit int) ([]Schedule, error) {
	query, args, err := builder.Select("*").From(kind.table()).
		Where(sq.LtOrEq{"next_run_at": now}).
		Where(sq.Eq{"enabled": true}).
		OrderBy("next_run_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build due query: %w", err)
	}
	var out []Schedule
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("due schedules %s: %w", kind, err)
	}
	return out, nil
}

// ClaimSchedule sets the in-flight lock if no live lock is held and the entry
// is still due and enabled. Losing the race returns ErrLockConflict.
func (s *SQLiteStore) ClaimSchedule(ctx context.Context, kind ScheduleKind, key string, now, lockUntil int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+kind.table()+`
		SET in_flight_until = ?, updated_at = ?
		WHERE key = ?
		  AND (in_flight_until IS NULL OR in_flight_until < ?)
		  AND next_run_at <= ?
		  AND enabled = 1
	`, lockUntil, now, key, now, now)
	if err != nil {
		return fmt.Errorf("claim schedule %s %s: %w", kind, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim schedule rows affected: %w", err)
	}
	if n == 0 {
		return ErrLockConflict
	}
	return nil
}

// CompleteSchedule advances next_run_at after a successful enqueue and drops
// the lock in the same statement.
func (s *SQLiteStore) CompleteSchedule(ctx context.Context, kind ScheduleKind, key string, enqueuedAt, nextRunAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+kind.table()+`
		SET next_run_at = ?, last_enqueued_at = ?, in_flight_until = NULL, updated_at = ?
		WHERE key = ?
	`, nextRunAt, enqueuedAt, enqueuedAt, key)
	if err != nil {
		return fmt.Errorf("complete schedule %s %s: %w", kind, key, err)
	}
	return nil
}

// ReleaseSchedule drops the lock without touching next_run_at.
func (s *SQLiteStore) ReleaseSchedule(ctx context.Context, kind ScheduleKind, key string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE "+kind.table()+" SET in_flight_until = NULL, updated_at = ? WHERE key = ?",
		s.nowMillis(), key)
	if err != nil {
		return fmt.Errorf("release schedule %s %s: %w", kind, key, err)
	}
	return nil
}
