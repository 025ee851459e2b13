package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), WithClock(func() time.Time { return baseTime }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func review(app string, date time.Time, text string) *ReviewRecord {
	rating := 4
	return &ReviewRecord{
		AppPK:      app,
		ReviewDate: FormatDate(date),
		Rating:     &rating,
		Text:       text,
		Author:     "alice",
	}
}

func TestInsertReviewIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertReviewIfAbsent(ctx, review("ios#1", baseTime, "great"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertReviewIfAbsent(ctx, review("ios#1", baseTime, "great"))
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountReviews(ctx, "ios#1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Same date, different text is a different review.
	inserted, err = s.InsertReviewIfAbsent(ctx, review("ios#1", baseTime, "bad"))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSortKeyIsDeterministic(t *testing.T) {
	a := SortKey(baseTime, "text", "bob")
	assert.Equal(t, a, SortKey(baseTime.In(time.FixedZone("x", 3600)), "text", "bob"))
	assert.NotEqual(t, a, SortKey(baseTime, "text", "carol"))
	assert.Equal(t, "2025-03-01T12:00:00.000Z#", a[:len(DateLayout)+1])
}

func TestLatestReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestReview(ctx, "android#x")
	require.NoError(t, err)
	assert.Nil(t, latest)

	for i := 0; i < 3; i++ {
		_, err := s.InsertReviewIfAbsent(ctx, review("android#x", baseTime.AddDate(0, 0, -i), fmt.Sprint(i)))
		require.NoError(t, err)
	}
	latest, err = s.LatestReview(ctx, "android#x")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, FormatDate(baseTime), latest.ReviewDate)
}

func TestQueryRangePaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.InsertReviewIfAbsent(ctx, review("ios#1", baseTime.Add(time.Duration(i)*time.Hour), fmt.Sprint(i)))
		require.NoError(t, err)
	}

	q := RangeQuery{From: baseTime.Add(time.Hour), To: baseTime.Add(4 * time.Hour), Limit: 2, Ascending: true}
	page, err := s.QueryRange(ctx, "ios#1", q)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "1", page.Items[0].Text)
	require.NotEmpty(t, page.Next)

	q.Cursor = page.Next
	page, err = s.QueryRange(ctx, "ios#1", q)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "3", page.Items[0].Text)
	assert.Equal(t, "4", page.Items[1].Text)
	assert.Empty(t, page.Next)

	latest, err := s.QueryLatestN(ctx, "ios#1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "4", latest[0].Text)

	_, err = s.QueryRange(ctx, "ios#1", RangeQuery{Cursor: "!!"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestQueryMultiAppMergedOrdersAcrossApps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// a: hours 0,2,4 ; b: hours 1,3 ; c: hour 4 (ties with a)
	for _, h := range []int{0, 2, 4} {
		_, err := s.InsertReviewIfAbsent(ctx, review("a", baseTime.Add(time.Duration(h)*time.Hour), fmt.Sprint("a", h)))
		require.NoError(t, err)
	}
	for _, h := range []int{1, 3} {
		_, err := s.InsertReviewIfAbsent(ctx, review("b", baseTime.Add(time.Duration(h)*time.Hour), fmt.Sprint("b", h)))
		require.NoError(t, err)
	}
	_, err := s.InsertReviewIfAbsent(ctx, review("c", baseTime.Add(4*time.Hour), "c4"))
	require.NoError(t, err)

	var got []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := s.QueryMultiAppMerged(ctx, []string{"c", "b", "a", "a"}, 2, cursor)
		require.NoError(t, err)
		for _, r := range page.Items {
			got = append(got, r.Text)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, []string{"a4", "c4", "b3", "a2", "b1", "a0"}, got)
}

func TestQueryMultiAppMergedCarriesCursorForIdleApps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for h := 0; h < 4; h++ {
		_, err := s.InsertReviewIfAbsent(ctx, review("new", baseTime.Add(time.Duration(10+h)*time.Hour), fmt.Sprint("n", h)))
		require.NoError(t, err)
	}
	for h := 0; h < 6; h++ {
		_, err := s.InsertReviewIfAbsent(ctx, review("old", baseTime.Add(time.Duration(h)*time.Hour), fmt.Sprint("o", h)))
		require.NoError(t, err)
	}

	apps := []string{"new", "old"}
	var pages [][]string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := s.QueryMultiAppMerged(ctx, apps, 3, cursor)
		require.NoError(t, err)
		var texts []string
		for _, r := range page.Items {
			texts = append(texts, r.Text)
		}
		pages = append(pages, texts)
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	// "new" is exhausted after page two and does not advance on page three;
	// its position must be carried so it is not replayed on page four.
	assert.Equal(t, [][]string{
		{"n3", "n2", "n1"},
		{"n0", "o5", "o4"},
		{"o3", "o2", "o1"},
		{"o0"},
	}, pages)
}

func TestCounterIsMonotonicAndReconcilesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementCounter(ctx, "ios#1", 0))
	total, err := s.Counter(ctx, "ios#1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	for i := 0; i < 3; i++ {
		_, err := s.InsertReviewIfAbsent(ctx, review("ios#1", baseTime, fmt.Sprint(i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.IncrementCounter(ctx, "ios#1", 1))

	total, reconciled, err := s.ReconcileCounter(ctx, "ios#1")
	require.NoError(t, err)
	assert.True(t, reconciled)
	assert.EqualValues(t, 3, total)

	require.NoError(t, s.IncrementCounter(ctx, "ios#1", 5))
	total, reconciled, err = s.ReconcileCounter(ctx, "ios#1")
	require.NoError(t, err)
	assert.False(t, reconciled)
	assert.EqualValues(t, 8, total)
}

func TestReconcileNeverLowersCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.IncrementCounter(ctx, "ios#1", 10))

	total, reconciled, err := s.ReconcileCounter(ctx, "ios#1")
	require.NoError(t, err)
	assert.True(t, reconciled)
	assert.EqualValues(t, 10, total)
}

func TestClaimScheduleIsMutuallyExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := baseTime.UnixMilli()

	_, err := s.EnsureSchedule(ctx, KindIngest, "ios#1", "App", 60, now-1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.ClaimSchedule(ctx, KindIngest, "ios#1", now, now+60_000)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrLockConflict)
		}
	}
	assert.Equal(t, 1, wins)

	// Expired lock can be claimed again.
	require.NoError(t, s.ClaimSchedule(ctx, KindIngest, "ios#1", now+61_000, now+121_000))
}

func TestClaimScheduleRequiresDueAndEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := baseTime.UnixMilli()

	_, err := s.EnsureSchedule(ctx, KindThemes, "g", "", 60, now+1000)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ClaimSchedule(ctx, KindThemes, "g", now, now+60_000), ErrLockConflict)

	disabled := false
	due := now - 1
	_, err = s.UpdateSchedule(ctx, KindThemes, "g", ScheduleUpdate{Enabled: &disabled, NextRunAt: &due})
	require.NoError(t, err)
	assert.ErrorIs(t, s.ClaimSchedule(ctx, KindThemes, "g", now, now+60_000), ErrLockConflict)

	dueList, err := s.DueSchedules(ctx, KindThemes, now, 10)
	require.NoError(t, err)
	assert.Empty(t, dueList)
}

func TestCompleteAndReleaseSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := baseTime.UnixMilli()

	created, err := s.EnsureSchedule(ctx, KindIngest, "ios#1", "App", 60, now)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.EnsureSchedule(ctx, KindIngest, "ios#1", "Other", 5, now)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.ClaimSchedule(ctx, KindIngest, "ios#1", now, now+60_000))
	require.NoError(t, s.ReleaseSchedule(ctx, KindIngest, "ios#1"))
	sch, err := s.GetSchedule(ctx, KindIngest, "ios#1")
	require.NoError(t, err)
	assert.Nil(t, sch.InFlightUntil)
	assert.Equal(t, now, sch.NextRunAt)
	assert.Equal(t, "App", sch.AppName)

	require.NoError(t, s.ClaimSchedule(ctx, KindIngest, "ios#1", now, now+60_000))
	require.NoError(t, s.CompleteSchedule(ctx, KindIngest, "ios#1", now, now+3_600_000))
	sch, err = s.GetSchedule(ctx, KindIngest, "ios#1")
	require.NoError(t, err)
	assert.Nil(t, sch.InFlightUntil)
	assert.Equal(t, now+3_600_000, sch.NextRunAt)
	require.NotNil(t, sch.LastEnqueuedAt)
	assert.Equal(t, now, *sch.LastEnqueuedAt)

	_, err = s.GetSchedule(ctx, KindIngest, "ios#missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSchedulesPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		_, err := s.EnsureSchedule(ctx, KindIngest, k, "", 60, 0)
		require.NoError(t, err)
	}
	first, next, err := s.ListSchedules(ctx, KindIngest, 2, "")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "b", next)

	rest, next, err := s.ListSchedules(ctx, KindIngest, 2, next)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].Key)
	assert.Empty(t, next)
}

func TestThemeJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := &ThemeJob{GroupKey: "g", SK: PendingSK("2025-03-01", "job_1"), JobID: "job_1", Day: "2025-03-01", Status: ThemeStatusPending}
	require.NoError(t, s.CreateThemeJob(ctx, pending))
	assert.ErrorIs(t, s.CreateThemeJob(ctx, pending), ErrDuplicate)

	require.NoError(t, s.FailThemeJob(ctx, "g", pending.SK, "boom"))
	got, err := s.GetThemeJob(ctx, "g", pending.SK)
	require.NoError(t, err)
	assert.Equal(t, ThemeStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.NotNil(t, got.FinishedAt)

	result := `{"axes":[]}`
	finished := baseTime.UnixMilli()
	final := &ThemeJob{GroupKey: "g", SK: FinalSK("2025-03-01", "job_1"), JobID: "job_1", Day: "2025-03-01",
		Status: ThemeStatusDone, Result: &result, FinishedAt: &finished}
	require.NoError(t, s.CreateThemeJob(ctx, final))
	require.NoError(t, s.DeleteThemeJob(ctx, "g", pending.SK))
	require.NoError(t, s.DeleteThemeJob(ctx, "g", pending.SK))

	latest, err := s.LatestThemeResult(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "job_1", latest.JobID)

	_, err = s.LatestThemeResult(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFollowsAndMarkSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.AddFollow(ctx, "u1", "ios#1", "App")
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.IncrementCounter(ctx, "ios#1", 50))

	follows, err := s.ListFollows(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, follows, 1)
	assert.EqualValues(t, 50, follows[0].TotalReviews)
	assert.EqualValues(t, 0, follows[0].LastSeenTotal)

	require.NoError(t, s.MarkSeen(ctx, "u1", "ios#1"))
	follows, err = s.ListFollows(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, follows[0].LastSeenTotal)

	assert.ErrorIs(t, s.MarkSeen(ctx, "u1", "ios#2"), ErrNotFound)
	require.NoError(t, s.DeleteFollow(ctx, "u1", "ios#1"))
	follows, err = s.ListFollows(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, follows)
}
