package themes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/alert"
	"github.com/elonfeng/storepulse/pkg/analyzer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const (
	appA  = "android#com.example.app"
	appB  = "ios#123456"
	group = appA + "," + appB
)

type fakeAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, req analyzer.Request, reviews []analyzer.Review) (*analyzer.Result, error)
	calls       int
	lastReq     analyzer.Request
	lastReviews []analyzer.Review
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analyzer.Request, reviews []analyzer.Review) (*analyzer.Result, error) {
	f.calls++
	f.lastReq, f.lastReviews = req, reviews
	if f.AnalyzeFunc != nil {
		return f.AnalyzeFunc(ctx, req, reviews)
	}
	return &analyzer.Result{
		TopNegativeAxes: []analyzer.TopAxis{{AxisLabel: "Crashes", AxisID: "crashes", Count: len(reviews)}},
	}, nil
}

type captureNotifier struct{ got []*alert.Notification }

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, n *alert.Notification) error {
	c.got = append(c.got, n)
	return nil
}

type fakePublisher struct {
	sent []Message
	err  error
}

func (p *fakePublisher) SendJSON(_ context.Context, q string, v any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if q != queue.Themes {
		return "", fmt.Errorf("unexpected queue %s", q)
	}
	p.sent = append(p.sent, v.(Message))
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "themes.db"), store.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seed(t *testing.T, st *store.SQLiteStore, app string, age time.Duration, text string) {
	t.Helper()
	date := now.Add(-age)
	_, err := st.InsertReviewIfAbsent(context.Background(), &store.ReviewRecord{
		AppPK:      app,
		SortKey:    store.SortKey(date, text, "author"),
		ReviewDate: store.FormatDate(date),
		Text:       text,
		Author:     "author",
	})
	require.NoError(t, err)
}

func newTestWorker(t *testing.T, st Store, an analyzer.Analyzer, alerts *alert.Manager) *Worker {
	t.Helper()
	w := NewWorker(st, an, alerts, zaptest.NewLogger(t), WorkerConfig{})
	w.now = func() time.Time { return now }
	return w
}

func TestJobIDIsDeterministic(t *testing.T) {
	day := "2025-03-10"
	sel := Selection{Limit: 100}
	id := JobID(group, sel, day)

	assert.Regexp(t, `^job_[0-9a-f]{16}$`, id)
	assert.Equal(t, id, JobID(group, sel, day))
	assert.NotEqual(t, id, JobID(group, sel, "2025-03-11"))
	assert.NotEqual(t, id, JobID(group, Selection{Limit: 99}, day))
	assert.NotEqual(t, id, JobID(appA, sel, day))
}

func TestParseSelection(t *testing.T) {
	sel, err := ParseSelection("2025-01-01", "2025-02-01T10:00:00Z", 50)
	require.NoError(t, err)
	assert.Equal(t, Selection{From: "2025-01-01T00:00:00.000Z", To: "2025-02-01T10:00:00.000Z"}, sel)
	assert.True(t, sel.IsRange())

	sel, err = ParseSelection("", "", 5000)
	require.NoError(t, err)
	assert.Equal(t, 2000, sel.Limit)
	assert.False(t, sel.IsRange())
	assert.Equal(t, "limit=2000", sel.Canonical())

	sel, err = ParseSelection("", "", -3)
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Limit)

	_, err = ParseSelection("2025-02-01", "2025-01-01", 0)
	assert.Error(t, err)
	_, err = ParseSelection("yesterday", "", 0)
	assert.Error(t, err)
}

func TestSelectionResolveDefaultRange(t *testing.T) {
	from, to, limit := Selection{}.Resolve(now)
	assert.Equal(t, now, to)
	assert.Equal(t, now.AddDate(0, 0, -90), from)
	assert.Zero(t, limit)

	_, _, limit = Selection{Limit: 10}.Resolve(now)
	assert.Equal(t, 10, limit)
}

func TestEnqueueIsIdempotentAcrossOrder(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEnqueuer(pub, newTestStore(t), 0, zaptest.NewLogger(t))

	a, err := e.Enqueue(context.Background(), appB+" , "+appA, Selection{}, "2025-03-10")
	require.NoError(t, err)
	b, err := e.Enqueue(context.Background(), appA+","+appB+","+appA, Selection{}, "2025-03-10")
	require.NoError(t, err)

	assert.Equal(t, a.JobID, b.JobID)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, group, pub.sent[0].AppPK)
	assert.Equal(t, "2025-03-10", pub.sent[0].Day)

	_, err = e.Enqueue(context.Background(), "not-a-key", Selection{}, "2025-03-10")
	assert.Error(t, err)
}

func TestRunNowEnsuresScheduleAndMatchesScheduledJob(t *testing.T) {
	st := newTestStore(t)
	pub := &fakePublisher{}
	e := NewEnqueuer(pub, st, 1440, zaptest.NewLogger(t))
	e.now = func() time.Time { return now }
	ctx := context.Background()

	ticket, err := e.RunNow(ctx, group, "Example (iOS+Android)", Selection{})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", ticket.Day)

	sch, err := st.GetSchedule(ctx, store.KindThemes, group)
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	assert.Equal(t, 1440, sch.IntervalMinutes)
	assert.Equal(t, now.Add(24*time.Hour).UnixMilli(), sch.NextRunAt)

	// A scheduled run on the same day derives the same job.
	require.NoError(t, e.EnqueueScheduled(ctx, *sch, now))
	require.Len(t, pub.sent, 2)
	assert.Equal(t, ticket.JobID, pub.sent[1].JobID)

	pub.err = errors.New("queue down")
	_, err = e.RunNow(ctx, group, "", Selection{})
	assert.Error(t, err)
}

func TestProcessJobWritesFinalAndClearsPending(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, appA, 1*time.Hour, "crash at launch")
	seed(t, st, appB, 2*time.Hour, "love it")
	seed(t, st, appA, 3*time.Hour, "   ")
	seed(t, st, appB, 200*24*time.Hour, "too old")

	an := &fakeAnalyzer{}
	notifier := &captureNotifier{}
	w := newTestWorker(t, st, an, alert.NewManager([]alert.Notifier{notifier}))
	ctx := context.Background()

	msg := Message{AppPK: group, Day: "2025-03-10", JobID: JobID(group, Selection{}, "2025-03-10")}
	out, err := w.ProcessJob(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, out.Status)
	assert.Equal(t, 2, out.TotalReviews)

	require.Len(t, an.lastReviews, 2)
	assert.Equal(t, "crash at launch", an.lastReviews[0].Text)
	assert.Equal(t, "love it", an.lastReviews[1].Text)
	assert.Equal(t, []string{appA, appB}, an.lastReq.Members)
	assert.Equal(t, "fr", an.lastReq.Lang)
	assert.Equal(t, 4, an.lastReq.PosCutoff)
	assert.Equal(t, 3, an.lastReq.NegCutoff)
	assert.Equal(t, 3, an.lastReq.TopN)

	final, err := st.GetThemeJob(ctx, group, store.FinalSK(msg.Day, msg.JobID))
	require.NoError(t, err)
	assert.Equal(t, store.ThemeStatusDone, final.Status)
	assert.Equal(t, 2, final.TotalReviews)
	assert.NotNil(t, final.FinishedAt)

	_, err = st.GetThemeJob(ctx, group, store.PendingSK(msg.Day, msg.JobID))
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Len(t, notifier.got, 1)
	assert.Equal(t, alert.EventThemesDone, notifier.got[0].Event)

	status, err := NewResults(st).Job(ctx, appB+","+appA, msg.JobID, msg.Day)
	require.NoError(t, err)
	assert.Equal(t, store.ThemeStatusDone, status.Status)
	require.Len(t, status.TopNegativeAxes, 1)
	assert.Equal(t, "crashes", status.TopNegativeAxes[0].AxisID)
}

func TestDuplicateDeliveryWritesOneFinal(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, appA, time.Hour, "slow sync")
	an := &fakeAnalyzer{}
	w := newTestWorker(t, st, an, nil)
	ctx := context.Background()

	msg := Message{AppPK: group, Day: "2025-03-10", JobID: JobID(group, Selection{}, "2025-03-10")}
	first, err := w.ProcessJob(ctx, msg)
	require.NoError(t, err)
	second, err := w.ProcessJob(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, first.Status)
	assert.Equal(t, OutcomeDuplicate, second.Status)
	assert.Equal(t, 1, an.calls)

	var n int
	require.NoError(t, st.DB().Get(&n, "SELECT COUNT(*) FROM themes_jobs WHERE group_key = ? AND sk LIKE 'theme#%'", group))
	assert.Equal(t, 1, n)
}

func TestFinalWrittenConcurrentlyIsSuccess(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, appA, time.Hour, "slow sync")
	msg := Message{AppPK: group, Day: "2025-03-10", JobID: "job_race"}

	an := &fakeAnalyzer{}
	an.AnalyzeFunc = func(ctx context.Context, _ analyzer.Request, _ []analyzer.Review) (*analyzer.Result, error) {
		// Another delivery finishes first.
		err := st.CreateThemeJob(ctx, &store.ThemeJob{
			GroupKey: group, SK: store.FinalSK(msg.Day, msg.JobID), JobID: msg.JobID,
			Day: msg.Day, Status: store.ThemeStatusDone,
		})
		return analyzer.Empty(), err
	}
	w := newTestWorker(t, st, an, nil)

	out, err := w.ProcessJob(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Status)
}

func TestAnalyzerFailureMarksPendingFailed(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, appA, time.Hour, "ads everywhere")
	an := &fakeAnalyzer{AnalyzeFunc: func(context.Context, analyzer.Request, []analyzer.Review) (*analyzer.Result, error) {
		return nil, errors.New("openai status 500")
	}}
	notifier := &captureNotifier{}
	w := newTestWorker(t, st, an, alert.NewManager([]alert.Notifier{notifier}))
	ctx := context.Background()

	msg := Message{AppPK: appA, Day: "2025-03-10", JobID: "job_fail"}
	out, err := w.ProcessJob(ctx, msg)
	require.NoError(t, err, "analyzer failures are terminal, not retried")
	assert.Equal(t, OutcomeFailed, out.Status)

	pending, err := st.GetThemeJob(ctx, appA, store.PendingSK(msg.Day, msg.JobID))
	require.NoError(t, err)
	assert.Equal(t, store.ThemeStatusFailed, pending.Status)
	assert.Equal(t, "openai status 500", pending.Error)
	assert.NotNil(t, pending.FinishedAt)

	status, err := NewResults(st).Job(ctx, appA, msg.JobID, msg.Day)
	require.NoError(t, err)
	assert.Equal(t, store.ThemeStatusFailed, status.Status)
	assert.Equal(t, "openai status 500", status.Error)

	require.Len(t, notifier.got, 1)
	assert.Equal(t, alert.EventThemesFailed, notifier.got[0].Event)
}

func TestLimitSelectionSplitsQuota(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 5; i++ {
		seed(t, st, appA, time.Duration(2*i+1)*time.Hour, fmt.Sprintf("a%d", i))
		seed(t, st, appB, time.Duration(2*i+2)*time.Hour, fmt.Sprintf("b%d", i))
	}
	an := &fakeAnalyzer{}
	w := newTestWorker(t, st, an, nil)

	out, err := w.ProcessJob(context.Background(), Message{AppPK: group, Limit: 3, Day: "2025-03-10", JobID: "job_limit"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.TotalReviews)

	var texts []string
	for _, r := range an.lastReviews {
		texts = append(texts, r.Text)
	}
	// Quota is two per app; the merge keeps the three newest.
	assert.Equal(t, []string{"a0", "b0", "a1"}, texts)
	assert.Empty(t, an.lastReq.From)

	final, err := st.GetThemeJob(context.Background(), group, store.FinalSK("2025-03-10", "job_limit"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":3}`, final.Selection)
}

func TestRangeSelectionBounds(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, appA, 24*time.Hour, "inside")
	seed(t, st, appA, 10*24*time.Hour, "before")
	an := &fakeAnalyzer{}
	w := newTestWorker(t, st, an, nil)

	sel, err := ParseSelection(now.Add(-48*time.Hour).Format(time.RFC3339), "", 0)
	require.NoError(t, err)
	_, err = w.ProcessJob(context.Background(), Message{AppPK: appA, From: sel.From, Day: "2025-03-10", JobID: "job_range"})
	require.NoError(t, err)

	require.Len(t, an.lastReviews, 1)
	assert.Equal(t, "inside", an.lastReviews[0].Text)
	assert.Equal(t, store.FormatDate(now), an.lastReq.To)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	w := newTestWorker(t, newTestStore(t), &fakeAnalyzer{}, nil)
	for _, body := range []string{`{`, `{}`, `{"app_pk":"  "}`, `{"app_pk":"web#x"}`} {
		assert.ErrorIs(t, w.HandleMessage(context.Background(), []byte(body)), queue.ErrDrop, body)
	}

	body, _ := json.Marshal(Message{AppPK: appA})
	assert.NoError(t, w.HandleMessage(context.Background(), body))
}

func TestLatestPrefersSameDayPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := NewResults(st)

	empty, err := r.Latest(ctx, appA)
	require.NoError(t, err)
	assert.True(t, empty.Empty)

	result := `{"top_negative_axes":[],"top_positive_axes":[{"axis_label":"Design","axis_id":"design"}],"axes":[]}`
	require.NoError(t, st.CreateThemeJob(ctx, &store.ThemeJob{
		GroupKey: appA, SK: store.FinalSK("2025-03-09", "job_old"), JobID: "job_old",
		Day: "2025-03-09", Status: store.ThemeStatusDone, Result: &result,
	}))
	latest, err := r.Latest(ctx, appA)
	require.NoError(t, err)
	assert.Equal(t, "job_old", latest.JobID)
	require.Len(t, latest.TopPositiveAxes, 1)

	require.NoError(t, st.CreateThemeJob(ctx, &store.ThemeJob{
		GroupKey: appA, SK: store.PendingSK("2025-03-10", "job_new"), JobID: "job_new",
		Day: "2025-03-10", Status: store.ThemeStatusPending,
	}))
	latest, err = r.Latest(ctx, appA)
	require.NoError(t, err)
	assert.Equal(t, "job_new", latest.JobID)
	assert.Equal(t, store.ThemeStatusPending, latest.Status)

	_, err = r.Job(ctx, appA, "job_missing", "2025-03-10")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
