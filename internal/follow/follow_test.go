package follow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/elonfeng/storepulse/internal/ingest"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var app = appkey.AppIdentity{Platform: appkey.PlatformAndroid, BundleID: "com.example.app"}

type fakePublisher struct {
	queues []string
	msgs   []any
	err    error
}

func (p *fakePublisher) SendJSON(_ context.Context, q string, v any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.queues = append(p.queues, q)
	p.msgs = append(p.msgs, v)
	return "id", nil
}

func newTestService(t *testing.T, pub Publisher) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "follow.db"), store.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, pub, Config{}, zaptest.NewLogger(t))
	svc.now = func() time.Time { return now }
	return svc, st
}

func TestFollowCreatesScheduleAndEnqueues(t *testing.T) {
	pub := &fakePublisher{}
	svc, st := newTestService(t, pub)
	ctx := context.Background()

	res, err := svc.Follow(ctx, "u1", app, "Example")
	require.NoError(t, err)
	assert.Equal(t, Result{AppPK: app.Key(), Created: true, ScheduleCreated: true, Enqueued: true}, res)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, queue.Ingest, pub.queues[0])
	msg := pub.msgs[0].(ingest.Message)
	assert.Equal(t, "com.example.app", msg.BundleID)
	assert.JSONEq(t, "2", string(msg.BackfillDays))

	sch, err := st.GetSchedule(ctx, store.KindIngest, app.Key())
	require.NoError(t, err)
	assert.Equal(t, 60, sch.IntervalMinutes)
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), sch.NextRunAt)

	// A second follower reuses the schedule.
	res, err = svc.Follow(ctx, "u2", app, "Example")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.ScheduleCreated)
}

func TestFollowEnqueueFailureLeavesScheduleDue(t *testing.T) {
	svc, st := newTestService(t, &fakePublisher{err: errors.New("queue down")})
	ctx := context.Background()

	res, err := svc.Follow(ctx, "u1", app, "")
	require.NoError(t, err)
	assert.False(t, res.Enqueued)

	due, err := st.DueSchedules(ctx, store.KindIngest, now.UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, app.Key(), due[0].Key)
}

func TestBadgesAfterIngest(t *testing.T) {
	svc, st := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, err := svc.Follow(ctx, "u1", app, "Example")
	require.NoError(t, err)
	require.NoError(t, st.IncrementCounter(ctx, app.Key(), 50))

	badges, err := svc.Badges(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, badges, 1)
	assert.EqualValues(t, 50, badges[0].BadgeCount)
	assert.EqualValues(t, 0, badges[0].LastSeenTotal)

	require.NoError(t, svc.MarkRead(ctx, "u1", app))
	require.NoError(t, st.IncrementCounter(ctx, app.Key(), 5))

	badges, err = svc.Badges(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, badges[0].BadgeCount)
	assert.EqualValues(t, 55, badges[0].TotalReviews)
	assert.NotNil(t, badges[0].LastSeenAt)
}

func TestBadgeNeverNegative(t *testing.T) {
	svc, st := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, err := svc.Follow(ctx, "u1", app, "")
	require.NoError(t, err)
	_, err = st.DB().Exec("UPDATE user_follows SET last_seen_total = 10 WHERE user_id = 'u1'")
	require.NoError(t, err)

	badges, err := svc.Badges(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, badges[0].BadgeCount)
}

func TestUnfollowAndMarkReadUnknown(t *testing.T) {
	svc, st := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, err := svc.Follow(ctx, "u1", app, "")
	require.NoError(t, err)
	require.NoError(t, svc.Unfollow(ctx, "u1", app))

	badges, err := svc.Badges(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, badges)
	assert.NotNil(t, badges)

	_, err = st.GetSchedule(ctx, store.KindIngest, app.Key())
	assert.NoError(t, err, "schedule survives unfollow")

	assert.ErrorIs(t, svc.MarkRead(ctx, "u1", app), store.ErrNotFound)
	_, err = svc.Follow(ctx, "", app, "")
	assert.Error(t, err)
}
