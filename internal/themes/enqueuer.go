package themes

import (
	"context"
	"fmt"
	"time"

	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"go.uber.org/zap"
)

// Publisher sends a JSON message to a named queue.
type Publisher interface {
	SendJSON(ctx context.Context, queue string, v any) (string, error)
}

// ScheduleEnsurer creates a schedule entry when none exists.
type ScheduleEnsurer interface {
	EnsureSchedule(ctx context.Context, kind store.ScheduleKind, key, appName string, intervalMinutes int, nextRunAt int64) (bool, error)
}

// Ticket identifies an enqueued job for status polling.
type Ticket struct {
	GroupKey  string `json:"app_pk"`
	JobID     string `json:"job_id"`
	Day       string `json:"day"`
	MessageID string `json:"message_id,omitempty"`
}

// Enqueuer publishes themes jobs, from the sweeper or on demand.
type Enqueuer struct {
	pub             Publisher
	schedules       ScheduleEnsurer
	defaultInterval int
	logger          *zap.Logger
	now             func() time.Time
}

// NewEnqueuer creates an Enqueuer. defaultInterval (minutes) is used for
// schedules created by RunNow.
func NewEnqueuer(pub Publisher, schedules ScheduleEnsurer, defaultInterval int, logger *zap.Logger) *Enqueuer {
	if defaultInterval <= 0 {
		defaultInterval = 1440
	}
	return &Enqueuer{
		pub:             pub,
		schedules:       schedules,
		defaultInterval: defaultInterval,
		logger:          logger,
		now:             time.Now,
	}
}

// Enqueue publishes a job for group, selection and day. The same inputs always
// yield the same job id.
func (e *Enqueuer) Enqueue(ctx context.Context, group string, sel Selection, day string) (Ticket, error) {
	group = appkey.GroupKey(group)
	if _, err := appkey.Members(group); err != nil {
		return Ticket{}, err
	}
	msg := Message{
		AppPK: group,
		From:  sel.From,
		To:    sel.To,
		Limit: sel.Limit,
		JobID: JobID(group, sel, day),
		Day:   day,
	}
	id, err := e.pub.SendJSON(ctx, queue.Themes, msg)
	if err != nil {
		return Ticket{}, fmt.Errorf("enqueue themes %s: %w", group, err)
	}
	e.logger.Info("themes.queue.send.ok",
		zap.String("app_pk", group),
		zap.String("job_id", msg.JobID),
		zap.String("day", day),
		zap.String("message_id", id))
	return Ticket{GroupKey: group, JobID: msg.JobID, Day: day, MessageID: id}, nil
}

// RunNow makes sure group has a themes schedule and enqueues a job for today
// without waiting for the schedule to come due.
func (e *Enqueuer) RunNow(ctx context.Context, group, appName string, sel Selection) (Ticket, error) {
	group = appkey.GroupKey(group)
	if _, err := appkey.Members(group); err != nil {
		return Ticket{}, err
	}
	now := e.now()
	next := now.Add(time.Duration(e.defaultInterval) * time.Minute).UnixMilli()
	created, err := e.schedules.EnsureSchedule(ctx, store.KindThemes, group, appName, e.defaultInterval, next)
	if err != nil {
		return Ticket{}, err
	}
	if created {
		e.logger.Info("themes.schedule.created", zap.String("app_pk", group))
	}
	return e.Enqueue(ctx, group, sel, Day(now))
}

// EnqueueScheduled is the themes sweeper's enqueue step: the default
// selection for the sweep's day.
func (e *Enqueuer) EnqueueScheduled(ctx context.Context, sch store.Schedule, now time.Time) error {
	_, err := e.Enqueue(ctx, sch.Key, Selection{}, Day(now))
	return err
}
