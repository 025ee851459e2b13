package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/storepulse/internal/ingest"
	"github.com/elonfeng/storepulse/internal/metrics"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"go.uber.org/zap"
)

// ScheduleStore is the due index a Sweeper works on.
type ScheduleStore interface {
	// DueSchedules may return disabled entries; the sweeper skips them.
	// SQLiteStore filters them out in the query.
	DueSchedules(ctx context.Context, kind store.ScheduleKind, now int64, limit int) ([]store.Schedule, error)
	ClaimSchedule(ctx context.Context, kind store.ScheduleKind, key string, now, lockUntil int64) error
	CompleteSchedule(ctx context.Context, kind store.ScheduleKind, key string, enqueuedAt, nextRunAt int64) error
	ReleaseSchedule(ctx context.Context, kind store.ScheduleKind, key string) error
}

// Publisher sends a JSON message to a named queue.
type Publisher interface {
	SendJSON(ctx context.Context, queue string, v any) (string, error)
}

// EnqueueFunc publishes the work item for one claimed schedule entry.
type EnqueueFunc func(ctx context.Context, sch store.Schedule, now time.Time) error

// SweepConfig tunes a Sweeper.
type SweepConfig struct {
	BatchSize       int
	LockDuration    time.Duration
	DefaultInterval time.Duration
}

// SweepResult counts what one sweep did with the due entries it read.
type SweepResult struct {
	Processed     int `json:"processed"`
	// Skipped counts disabled entries the due query returned. Always zero
	// with SQLiteStore, whose due query already requires enabled.
	Skipped       int `json:"skipped"`
	Locked        int `json:"locked"`
	LockConflicts int `json:"lock_conflicts"`
	Enqueued      int `json:"enqueued"`
	Errors        int `json:"errors"`
}

// Sweeper claims due entries of one schedule kind, enqueues them and moves
// them to their next run time.
type Sweeper struct {
	kind    store.ScheduleKind
	store   ScheduleStore
	enqueue EnqueueFunc
	logger  *zap.Logger
	cfg     SweepConfig
	now     func() time.Time
}

// NewSweeper creates a Sweeper with defaults for unset config fields.
func NewSweeper(kind store.ScheduleKind, st ScheduleStore, enqueue EnqueueFunc, logger *zap.Logger, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 60 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 24 * time.Hour
	}
	return &Sweeper{
		kind:    kind,
		store:   st,
		enqueue: enqueue,
		logger:  logger.With(zap.String("kind", string(kind))),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Kind returns the schedule kind this sweeper owns.
func (s *Sweeper) Kind() store.ScheduleKind { return s.kind }

// RunSweep processes one batch of due entries. An entry whose enqueue fails
// keeps its next_run_at so it stays due for the next sweep.
func (s *Sweeper) RunSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	started := s.now()
	now := started.UnixMilli()
	defer func() {
		metrics.SweepDuration.WithLabelValues(string(s.kind)).Observe(time.Since(started).Seconds())
	}()

	due, err := s.store.DueSchedules(ctx, s.kind, now, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("sweep %s: %w", s.kind, err)
	}

	for _, sch := range due {
		res.Processed++
		log := s.logger.With(zap.String("key", sch.Key))

		if !sch.Enabled {
			res.Skipped++
			s.count("skipped")
			continue
		}

		err := s.store.ClaimSchedule(ctx, s.kind, sch.Key, now, now+s.cfg.LockDuration.Milliseconds())
		if errors.Is(err, store.ErrLockConflict) {
			res.LockConflicts++
			s.count("lock_conflict")
			log.Debug("lock.conflict")
			continue
		}
		if err != nil {
			res.Errors++
			s.count("error")
			log.Error("lock.error", zap.Error(err))
			continue
		}
		res.Locked++

		if err := s.enqueue(ctx, sch, started); err != nil {
			res.Errors++
			s.count("error")
			log.Error("queue.send.error", zap.Error(err))
			if relErr := s.store.ReleaseSchedule(ctx, s.kind, sch.Key); relErr != nil {
				log.Error("lock.release.error", zap.Error(relErr))
			}
			continue
		}
		res.Enqueued++
		s.count("enqueued")

		interval := time.Duration(sch.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = s.cfg.DefaultInterval
		}
		if err := s.store.CompleteSchedule(ctx, s.kind, sch.Key, now, now+interval.Milliseconds()); err != nil {
			// Already enqueued; the lock expires on its own and a duplicate
			// enqueue is absorbed by idempotent writes downstream.
			res.Errors++
			log.Error("reschedule.error", zap.Error(err))
		}
	}

	s.logger.Info("sweep.done",
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("locked", res.Locked),
		zap.Int("lock_conflicts", res.LockConflicts),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("errors", res.Errors))
	return res, nil
}

func (s *Sweeper) count(outcome string) {
	metrics.SweepEntries.WithLabelValues(string(s.kind), outcome).Inc()
}

// IngestEnqueuer publishes an incremental ingestion message for an app
// schedule with a fixed backfill.
func IngestEnqueuer(pub Publisher, backfillDays int) EnqueueFunc {
	return func(ctx context.Context, sch store.Schedule, _ time.Time) error {
		app, err := appkey.Parse(sch.Key)
		if err != nil {
			return err
		}
		_, err = pub.SendJSON(ctx, queue.Ingest, ingest.NewMessage(app, sch.AppName, backfillDays))
		return err
	}
}
