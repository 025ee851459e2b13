package themes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/storepulse/internal/metrics"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/alert"
	"github.com/elonfeng/storepulse/pkg/analyzer"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is what the worker reads and writes.
type Store interface {
	QueryRange(ctx context.Context, app string, q store.RangeQuery) (store.ReviewPage, error)
	QueryLatestN(ctx context.Context, app string, n int) ([]store.ReviewRecord, error)
	CreateThemeJob(ctx context.Context, job *store.ThemeJob) error
	GetThemeJob(ctx context.Context, group, sk string) (*store.ThemeJob, error)
	DeleteThemeJob(ctx context.Context, group, sk string) error
	FailThemeJob(ctx context.Context, group, sk, message string) error
}

// Job outcomes.
const (
	OutcomeDone      = "done"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Outcome reports how a job ended.
type Outcome struct {
	Status       string `json:"status"`
	GroupKey     string `json:"app_pk"`
	JobID        string `json:"job_id"`
	Day          string `json:"day"`
	TotalReviews int    `json:"total_reviews"`
	Error        string `json:"error,omitempty"`
}

// WorkerConfig tunes the analysis request.
type WorkerConfig struct {
	Lang      string
	PosCutoff int
	NegCutoff int
	TopN      int
}

// Worker runs themes jobs.
type Worker struct {
	store    Store
	analyzer analyzer.Analyzer
	alerts   *alert.Manager
	logger   *zap.Logger
	cfg      WorkerConfig
	now      func() time.Time
}

// NewWorker creates a Worker. alerts may be nil.
func NewWorker(st Store, an analyzer.Analyzer, alerts *alert.Manager, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.Lang == "" {
		cfg.Lang = "fr"
	}
	if cfg.PosCutoff == 0 {
		cfg.PosCutoff = 4
	}
	if cfg.NegCutoff == 0 {
		cfg.NegCutoff = 3
	}
	if cfg.TopN == 0 {
		cfg.TopN = 3
	}
	return &Worker{
		store:    st,
		analyzer: an,
		alerts:   alerts,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// HandleMessage is the themes queue handler.
func (w *Worker) HandleMessage(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: decode themes message: %v", queue.ErrDrop, err)
	}
	if strings.TrimSpace(msg.AppPK) == "" {
		return fmt.Errorf("%w: missing app_pk", queue.ErrDrop)
	}
	if _, err := appkey.Members(msg.AppPK); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrDrop, err)
	}
	_, err := w.ProcessJob(ctx, msg)
	return err
}

// ProcessJob runs one job: pending marker, review selection, analysis and
// final record. An analyzer failure is terminal and recorded on the pending
// marker; store failures are returned for redelivery.
func (w *Worker) ProcessJob(ctx context.Context, msg Message) (Outcome, error) {
	group := appkey.GroupKey(msg.AppPK)
	members, err := appkey.Members(group)
	if err != nil {
		return Outcome{}, err
	}
	now := w.now()
	sel := msg.Selection()
	day := msg.Day
	if day == "" {
		day = Day(now)
	}
	jobID := msg.JobID
	if jobID == "" {
		jobID = JobID(group, sel, day)
	}
	out := Outcome{GroupKey: group, JobID: jobID, Day: day}
	pendingSK, finalSK := store.PendingSK(day, jobID), store.FinalSK(day, jobID)
	log := w.logger.With(zap.String("app_pk", group), zap.String("job_id", jobID), zap.String("day", day))

	if _, err := w.store.GetThemeJob(ctx, group, finalSK); err == nil {
		out.Status = OutcomeDuplicate
		metrics.ThemesJobs.WithLabelValues(OutcomeDuplicate).Inc()
		log.Info("themes.skip.exists")
		return out, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return out, err
	}

	from, to, limit := sel.Resolve(now)
	selection := resolvedSelection(from, to, limit)

	err = w.store.CreateThemeJob(ctx, &store.ThemeJob{
		GroupKey:  group,
		SK:        pendingSK,
		JobID:     jobID,
		Day:       day,
		Selection: selection,
		Status:    store.ThemeStatusPending,
		CreatedAt: now.UnixMilli(),
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		log.Debug("themes.pending.exists")
	case err != nil:
		return out, err
	}

	reviews, err := w.fetch(ctx, members, from, to, limit)
	if err != nil {
		return out, err
	}
	out.TotalReviews = len(reviews)

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m.Key()
	}
	req := analyzer.Request{
		Members:   keys,
		Lang:      w.cfg.Lang,
		PosCutoff: w.cfg.PosCutoff,
		NegCutoff: w.cfg.NegCutoff,
		TopN:      w.cfg.TopN,
	}
	if limit == 0 {
		req.From, req.To = store.FormatDate(from), store.FormatDate(to)
	}

	res, err := w.analyzer.Analyze(ctx, req, toAnalyzerReviews(reviews))
	if err != nil {
		log.Error("themes.analyze.error", zap.Int("reviews", len(reviews)), zap.Error(err))
		if ferr := w.store.FailThemeJob(ctx, group, pendingSK, err.Error()); ferr != nil {
			return out, ferr
		}
		out.Status, out.Error = OutcomeFailed, err.Error()
		metrics.ThemesJobs.WithLabelValues(OutcomeFailed).Inc()
		w.notify(ctx, log, alert.ThemesFailed(group, jobID, day, err.Error()))
		return out, nil
	}

	body, err := json.Marshal(res)
	if err != nil {
		return out, fmt.Errorf("encode themes result: %w", err)
	}
	result := string(body)
	finished := w.now().UnixMilli()
	err = w.store.CreateThemeJob(ctx, &store.ThemeJob{
		GroupKey:     group,
		SK:           finalSK,
		JobID:        jobID,
		Day:          day,
		Selection:    selection,
		Status:       store.ThemeStatusDone,
		TotalReviews: len(reviews),
		Result:       &result,
		CreatedAt:    now.UnixMilli(),
		FinishedAt:   &finished,
	})
	if errors.Is(err, store.ErrDuplicate) {
		out.Status = OutcomeDuplicate
		metrics.ThemesJobs.WithLabelValues(OutcomeDuplicate).Inc()
		log.Info("themes.skip.exists")
		return out, nil
	}
	if err != nil {
		return out, err
	}

	if err := w.store.DeleteThemeJob(ctx, group, pendingSK); err != nil {
		log.Warn("themes.pending.delete.error", zap.Error(err))
	}

	out.Status = OutcomeDone
	metrics.ThemesJobs.WithLabelValues(OutcomeDone).Inc()
	log.Info("themes.done", zap.Int("apps", len(members)), zap.Int("reviews", len(reviews)))
	w.notify(ctx, log, alert.ThemesDone(group, jobID, day, len(reviews), res))
	return out, nil
}

// fetch collects the selected reviews of every member, newest first, without
// empty texts. A range reads at most PerAppRangeCap reviews per app; a limit
// takes an even share per app and truncates the merge to limit.
func (w *Worker) fetch(ctx context.Context, members []appkey.AppIdentity, from, to time.Time, limit int) ([]store.ReviewRecord, error) {
	batches := make([][]store.ReviewRecord, len(members))
	quota := 0
	if limit > 0 {
		quota = (limit + len(members) - 1) / len(members)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, m := range members {
		g.Go(func() error {
			if limit > 0 {
				items, err := w.store.QueryLatestN(gctx, m.Key(), quota)
				batches[i] = items
				return err
			}
			page, err := w.store.QueryRange(gctx, m.Key(), store.RangeQuery{From: from, To: to, Limit: PerAppRangeCap})
			batches[i] = page.Items
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch themes reviews: %w", err)
	}

	var all []store.ReviewRecord
	for _, b := range batches {
		all = append(all, b...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ReviewDate != all[j].ReviewDate {
			return all[i].ReviewDate > all[j].ReviewDate
		}
		return all[i].AppPK < all[j].AppPK
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := all[:0]
	for _, r := range all {
		if strings.TrimSpace(r.Text) != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (w *Worker) notify(ctx context.Context, log *zap.Logger, n *alert.Notification) {
	if !w.alerts.HasNotifiers() {
		return
	}
	if err := w.alerts.Broadcast(ctx, n); err != nil {
		log.Warn("themes.alert.error", zap.Error(err))
	}
}

func resolvedSelection(from, to time.Time, limit int) string {
	sel := Selection{Limit: limit}
	if limit == 0 {
		sel.From, sel.To = store.FormatDate(from), store.FormatDate(to)
	}
	b, _ := json.Marshal(sel)
	return string(b)
}

func toAnalyzerReviews(recs []store.ReviewRecord) []analyzer.Review {
	out := make([]analyzer.Review, len(recs))
	for i, r := range recs {
		out[i] = analyzer.Review{Date: r.ReviewDate, Rating: r.Rating, Text: r.Text}
	}
	return out
}
