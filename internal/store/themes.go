package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Theme job statuses.
const (
	ThemeStatusPending = "pending"
	ThemeStatusFailed  = "failed"
	ThemeStatusDone    = "done"
)

// PendingSK and FinalSK build the two row keys of a job under its group.
func PendingSK(day, jobID string) string { return "pending#" + day + "#" + jobID }

func FinalSK(day, jobID string) string { return "theme#" + day + "#" + jobID }

// ThemeJob is either the pending marker or the final record of a themes job.
// Selection and Result hold JSON documents.
type ThemeJob struct {
	GroupKey     string  `db:"group_key"`
	SK           string  `db:"sk"`
	JobID        string  `db:"job_id"`
	Day          string  `db:"day"`
	Selection    string  `db:"selection"`
	Status       string  `db:"status"`
	TotalReviews int     `db:"total_reviews"`
	Result       *string `db:"result"`
	Error        string  `db:"error"`
	CreatedAt    int64   `db:"created_at"`
	FinishedAt   *int64  `db:"finished_at"`
}

// CreateThemeJob inserts job unless its (group, sk) exists, in which case it
// returns ErrDuplicate.
func (s *SQLiteStore) CreateThemeJob(ctx context.Context, job *ThemeJob) error {
	if job.CreatedAt == 0 {
		job.CreatedAt = s.nowMillis()
	}
	if job.Selection == "" {
		job.Selection = "{}"
	}
	query, args, err := builder.Insert("themes_jobs").
		Columns("group_key", "sk", "job_id", "day", "selection", "status",
			"total_reviews", "result", "error", "created_at", "finished_at").
		Values(job.GroupKey, job.SK, job.JobID, job.Day, job.Selection, job.Status,
			job.TotalReviews, job.Result, job.Error, job.CreatedAt, job.FinishedAt).
		Suffix("ON CONFLICT (group_key, sk) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build create theme job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("create theme job %s %s: %w", job.GroupKey, job.SK, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetThemeJob returns ErrNotFound when the row is absent.
func (s *SQLiteStore) GetThemeJob(ctx context.Context, group, sk string) (*ThemeJob, error) {
	var job ThemeJob
	err := s.db.GetContext(ctx, &job, "SELECT * FROM themes_jobs WHERE group_key = ? AND sk = ?", group, sk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("theme job %s %s: %w", group, sk, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get theme job %s %s: %w", group, sk, err)
	}
	return &job, nil
}

// DeleteThemeJob removes a row; deleting an absent row is not an error.
func (s *SQLiteStore) DeleteThemeJob(ctx context.Context, group, sk string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM themes_jobs WHERE group_key = ? AND sk = ?", group, sk); err != nil {
		return fmt.Errorf("delete theme job %s %s: %w", group, sk, err)
	}
	return nil
}

// FailThemeJob marks a pending marker as terminally failed.
func (s *SQLiteStore) FailThemeJob(ctx context.Context, group, sk, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE themes_jobs SET status = ?, error = ?, finished_at = ?
		WHERE group_key = ? AND sk = ?
	`, ThemeStatusFailed, message, s.nowMillis(), group, sk)
	if err != nil {
		return fmt.Errorf("fail theme job %s %s: %w", group, sk, err)
	}
	return nil
}

// LatestThemeResult returns the most recent final record of group.
func (s *SQLiteStore) LatestThemeResult(ctx context.Context, group string) (*ThemeJob, error) {
	return s.LatestThemeJob(ctx, group, "theme#")
}

// LatestThemeJob returns the row of group with the latest day among those
// whose sk starts with prefix ("theme#" or "pending#").
func (s *SQLiteStore) LatestThemeJob(ctx context.Context, group, prefix string) (*ThemeJob, error) {
	var job ThemeJob
	err := s.db.GetContext(ctx, &job, `
		SELECT * FROM themes_jobs
		WHERE group_key = ? AND substr(sk, 1, length(?)) = ?
		ORDER BY day DESC, created_at DESC
		LIMIT 1
	`, group, prefix, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest theme job %s %s: %w", group, prefix, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest theme job %s %s: %w", group, prefix, err)
	}
	return &job, nil
}
