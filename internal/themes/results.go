package themes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/analyzer"
	"github.com/elonfeng/storepulse/pkg/appkey"
)

// ResultStore reads themes job rows.
type ResultStore interface {
	GetThemeJob(ctx context.Context, group, sk string) (*store.ThemeJob, error)
	LatestThemeJob(ctx context.Context, group, prefix string) (*store.ThemeJob, error)
}

// Status is the polling view of a job. Status is pending, failed or done;
// axes are only filled when done.
type Status struct {
	GroupKey        string             `json:"app_pk"`
	Day             string             `json:"day,omitempty"`
	JobID           string             `json:"job_id,omitempty"`
	Status          string             `json:"status,omitempty"`
	Empty           bool               `json:"empty,omitempty"`
	CreatedAt       int64              `json:"created_at,omitempty"`
	FinishedAt      *int64             `json:"finished_at"`
	Selection       json.RawMessage    `json:"selection,omitempty"`
	TotalReviews    int                `json:"total_reviews_considered"`
	TopPositiveAxes []analyzer.TopAxis `json:"top_positive_axes"`
	TopNegativeAxes []analyzer.TopAxis `json:"top_negative_axes"`
	Axes            []analyzer.Axis    `json:"axes,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// Results answers status polls.
type Results struct {
	store ResultStore
}

// NewResults creates a Results reader.
func NewResults(st ResultStore) *Results {
	return &Results{store: st}
}

// Job returns the state of one job: the final record when present, else the
// pending marker. store.ErrNotFound means neither exists yet.
func (r *Results) Job(ctx context.Context, group, jobID, day string) (*Status, error) {
	group = appkey.GroupKey(group)
	final, err := r.store.GetThemeJob(ctx, group, store.FinalSK(day, jobID))
	if err == nil {
		return fromRow(final)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	pending, err := r.store.GetThemeJob(ctx, group, store.PendingSK(day, jobID))
	if err != nil {
		return nil, err
	}
	return fromRow(pending)
}

// Latest returns the newest job of group. A pending or failed marker wins
// over a final record of the same day.
func (r *Results) Latest(ctx context.Context, group string) (*Status, error) {
	group = appkey.GroupKey(group)
	final, err := r.latest(ctx, group, "theme#")
	if err != nil {
		return nil, err
	}
	pending, err := r.latest(ctx, group, "pending#")
	if err != nil {
		return nil, err
	}

	switch {
	case final == nil && pending == nil:
		return &Status{
			GroupKey:        group,
			Empty:           true,
			TopPositiveAxes: []analyzer.TopAxis{},
			TopNegativeAxes: []analyzer.TopAxis{},
		}, nil
	case pending != nil && (final == nil || pending.Day >= final.Day):
		return fromRow(pending)
	default:
		return fromRow(final)
	}
}

func (r *Results) latest(ctx context.Context, group, prefix string) (*store.ThemeJob, error) {
	job, err := r.store.LatestThemeJob(ctx, group, prefix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func fromRow(job *store.ThemeJob) (*Status, error) {
	st := &Status{
		GroupKey:        job.GroupKey,
		Day:             job.Day,
		JobID:           job.JobID,
		Status:          job.Status,
		CreatedAt:       job.CreatedAt,
		FinishedAt:      job.FinishedAt,
		TotalReviews:    job.TotalReviews,
		TopPositiveAxes: []analyzer.TopAxis{},
		TopNegativeAxes: []analyzer.TopAxis{},
		Error:           job.Error,
	}
	if job.Selection != "" {
		st.Selection = json.RawMessage(job.Selection)
	}
	if job.Status == store.ThemeStatusDone && job.Result != nil {
		var res analyzer.Result
		if err := json.Unmarshal([]byte(*job.Result), &res); err != nil {
			return nil, fmt.Errorf("decode themes result %s: %w", job.JobID, err)
		}
		if res.TopPositiveAxes != nil {
			st.TopPositiveAxes = res.TopPositiveAxes
		}
		if res.TopNegativeAxes != nil {
			st.TopNegativeAxes = res.TopNegativeAxes
		}
		st.Axes = res.Axes
	}
	return st, nil
}
