// Package follow manages user follows, their ingest schedules and the unread
// review badges derived from the review counters.
package follow

import (
	"context"
	"fmt"
	"time"

	"github.com/elonfeng/storepulse/internal/ingest"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"go.uber.org/zap"
)

// Store is the persistence the service needs.
type Store interface {
	AddFollow(ctx context.Context, userID, app, appName string) (bool, error)
	DeleteFollow(ctx context.Context, userID, app string) error
	ListFollows(ctx context.Context, userID string) ([]store.Follow, error)
	MarkSeen(ctx context.Context, userID, app string) error
	EnsureSchedule(ctx context.Context, kind store.ScheduleKind, key, appName string, intervalMinutes int, nextRunAt int64) (bool, error)
	CompleteSchedule(ctx context.Context, kind store.ScheduleKind, key string, enqueuedAt, nextRunAt int64) error
}

// Publisher sends a JSON message to a named queue.
type Publisher interface {
	SendJSON(ctx context.Context, queue string, v any) (string, error)
}

// Config holds the defaults applied to schedules created by a follow.
type Config struct {
	IntervalMinutes int
	BackfillDays    int
}

// Result describes what a Follow call changed.
type Result struct {
	AppPK           string `json:"app_pk"`
	Created         bool   `json:"created"`
	ScheduleCreated bool   `json:"schedule_created"`
	Enqueued        bool   `json:"enqueued"`
}

// Badge is the unread count of one followed app.
type Badge struct {
	AppPK         string `json:"app_pk"`
	AppName       string `json:"app_name,omitempty"`
	BadgeCount    int64  `json:"badge_count"`
	TotalReviews  int64  `json:"total_reviews"`
	LastSeenTotal int64  `json:"last_seen_total"`
	LastSeenAt    *int64 `json:"last_seen_at"`
}

// Service implements follow, unfollow, badges and mark-read.
type Service struct {
	store  Store
	pub    Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(st Store, pub Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = 60
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = 2
	}
	return &Service{store: st, pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

// Follow records the follow, makes sure the app has an ingest schedule and
// asks for an immediate ingestion. If the immediate enqueue fails the
// schedule stays due and the next sweep picks it up.
func (s *Service) Follow(ctx context.Context, userID string, app appkey.AppIdentity, appName string) (Result, error) {
	if userID == "" {
		return Result{}, fmt.Errorf("user id is required")
	}
	key := app.Key()
	res := Result{AppPK: key}
	log := s.logger.With(zap.String("user_id", userID), zap.String("app", key))

	created, err := s.store.AddFollow(ctx, userID, key, appName)
	if err != nil {
		return res, err
	}
	res.Created = created

	now := s.now().UnixMilli()
	res.ScheduleCreated, err = s.store.EnsureSchedule(ctx, store.KindIngest, key, appName, s.cfg.IntervalMinutes, now)
	if err != nil {
		return res, err
	}

	if _, err := s.pub.SendJSON(ctx, queue.Ingest, ingest.NewMessage(app, appName, s.cfg.BackfillDays)); err != nil {
		log.Warn("follow.enqueue.error", zap.Error(err))
		return res, nil
	}
	res.Enqueued = true

	next := now + int64(s.cfg.IntervalMinutes)*time.Minute.Milliseconds()
	if err := s.store.CompleteSchedule(ctx, store.KindIngest, key, now, next); err != nil {
		log.Warn("follow.reschedule.error", zap.Error(err))
	}
	log.Info("follow.ok", zap.Bool("created", res.Created), zap.Bool("schedule_created", res.ScheduleCreated))
	return res, nil
}

// Unfollow removes the follow. The ingest schedule is shared by every
// follower and is left in place.
func (s *Service) Unfollow(ctx context.Context, userID string, app appkey.AppIdentity) error {
	return s.store.DeleteFollow(ctx, userID, app.Key())
}

// Badges returns max(0, total - last seen) for every followed app.
func (s *Service) Badges(ctx context.Context, userID string) ([]Badge, error) {
	follows, err := s.store.ListFollows(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Badge, 0, len(follows))
	for _, f := range follows {
		out = append(out, Badge{
			AppPK:         f.AppPK,
			AppName:       f.AppName,
			BadgeCount:    max(0, f.TotalReviews-f.LastSeenTotal),
			TotalReviews:  f.TotalReviews,
			LastSeenTotal: f.LastSeenTotal,
			LastSeenAt:    f.LastSeenAt,
		})
	}
	return out, nil
}

// MarkRead clears the badge of app. store.ErrNotFound means the user does
// not follow it.
func (s *Service) MarkRead(ctx context.Context, userID string, app appkey.AppIdentity) error {
	return s.store.MarkSeen(ctx, userID, app.Key())
}
