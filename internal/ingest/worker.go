// Package ingest pulls new store reviews for one app into the review store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/elonfeng/storepulse/internal/metrics"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"github.com/elonfeng/storepulse/pkg/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ModeIncremental is the only ingestion mode.
const ModeIncremental = "incremental"

// Message is the ingestion queue payload.
type Message struct {
	Mode         string          `json:"mode"`
	AppName      string          `json:"appName,omitempty"`
	Platform     string          `json:"platform"`
	BundleID     string          `json:"bundleId"`
	BackfillDays json.RawMessage `json:"backfillDays,omitempty"`
}

// NewMessage builds an incremental ingestion message.
func NewMessage(app appkey.AppIdentity, appName string, backfillDays int) Message {
	return Message{
		Mode:         ModeIncremental,
		AppName:      appName,
		Platform:     string(app.Platform),
		BundleID:     app.BundleID,
		BackfillDays: json.RawMessage(strconv.Itoa(backfillDays)),
	}
}

// ReviewStore is what the worker needs from storage.
type ReviewStore interface {
	LatestReview(ctx context.Context, app string) (*store.ReviewRecord, error)
	InsertReviewIfAbsent(ctx context.Context, rec *store.ReviewRecord) (bool, error)
	IncrementCounter(ctx context.Context, app string, n int) error
}

// Config tunes a Worker.
type Config struct {
	Policy            WindowPolicy
	MaxPages          int
	InsertConcurrency int
}

// Result summarizes one ingestion run.
type Result struct {
	App        string `json:"app"`
	Window     Window `json:"window"`
	Pages      int    `json:"pages"`
	Partial    bool   `json:"partial"`
	Fetched    int    `json:"fetched"`
	InWindow   int    `json:"in_window"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Errors     int    `json:"errors"`
}

// Worker runs incremental ingestion.
type Worker struct {
	store    ReviewStore
	scrapers source.Set
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

// NewWorker creates a Worker. Zero config fields take defaults.
func NewWorker(st ReviewStore, scrapers source.Set, logger *zap.Logger, cfg Config) *Worker {
	if cfg.Policy == (WindowPolicy{}) {
		cfg.Policy = DefaultWindowPolicy
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.InsertConcurrency <= 0 {
		cfg.InsertConcurrency = 15
	}
	return &Worker{
		store:    st,
		scrapers: scrapers,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// HandleMessage is the queue handler for ingestion messages. Undecodable or
// incomplete messages are dropped; any other failure is returned so the
// message is redelivered.
func (w *Worker) HandleMessage(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: decode ingest message: %v", queue.ErrDrop, err)
	}
	if msg.Mode != "" && msg.Mode != ModeIncremental {
		return fmt.Errorf("%w: unsupported mode %q", queue.ErrDrop, msg.Mode)
	}
	app, err := appkey.New(msg.Platform, msg.BundleID)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrDrop, err)
	}

	backfill := ParseBackfillDays(msg.BackfillDays, w.cfg.Policy.DefaultBackfillDays)
	_, err = w.Ingest(ctx, app, msg.AppName, backfill)
	return err
}

// Ingest fetches reviews newer than the stored state and writes them
// idempotently. Per-review write failures are counted in the result; only
// failures that leave nothing ingested are returned as errors.
func (w *Worker) Ingest(ctx context.Context, app appkey.AppIdentity, appName string, backfillDays int) (Result, error) {
	res := Result{App: app.Key()}
	log := w.logger.With(zap.String("app", app.Key()))
	platform := string(app.Platform)

	fail := func(err error) (Result, error) {
		metrics.IngestRuns.WithLabelValues(platform, "error").Inc()
		return res, err
	}

	sc, err := w.scrapers.For(app.Platform)
	if err != nil {
		return fail(err)
	}
	storeID, err := sc.Resolve(ctx, app.BundleID)
	if err != nil {
		return fail(fmt.Errorf("resolve %s: %w", app.Key(), err))
	}

	latest, err := w.store.LatestReview(ctx, app.Key())
	if err != nil {
		return fail(err)
	}
	var lastKnown *time.Time
	if latest != nil {
		if d, err := latest.Date(); err == nil {
			lastKnown = &d
		}
	}
	res.Window = ComputeWindow(w.now(), lastKnown, backfillDays, w.cfg.Policy)
	log.Info("ingest.window",
		zap.Time("from", res.Window.From),
		zap.Time("to", res.Window.To),
		zap.Bool("first_run", lastKnown == nil))

	fetched, pages, partial, err := w.scrape(ctx, log, sc, storeID, res.Window)
	if err != nil {
		return fail(fmt.Errorf("scrape %s: %w", app.Key(), err))
	}
	res.Pages, res.Partial, res.Fetched = pages, partial, len(fetched)

	var inWindow []source.RawReview
	for _, r := range fetched {
		if res.Window.Contains(r.Date) {
			inWindow = append(inWindow, r)
		}
	}
	sort.SliceStable(inWindow, func(i, j int) bool { return inWindow[i].Date.Before(inWindow[j].Date) })
	res.InWindow = len(inWindow)

	w.insertAll(ctx, log, app, appName, inWindow, &res)

	if res.Inserted > 0 {
		if err := w.store.IncrementCounter(ctx, app.Key(), res.Inserted); err != nil {
			// Reviews are stored; a lost increment is repaired by reconciliation.
			log.Error("ingest.counter.error", zap.Int("inserted", res.Inserted), zap.Error(err))
		}
	}

	metrics.IngestRuns.WithLabelValues(platform, "ok").Inc()
	metrics.IngestReviews.WithLabelValues(platform, "fetched").Add(float64(res.Fetched))
	metrics.IngestReviews.WithLabelValues(platform, "in_window").Add(float64(res.InWindow))
	metrics.IngestReviews.WithLabelValues(platform, "inserted").Add(float64(res.Inserted))
	metrics.IngestReviews.WithLabelValues(platform, "duplicate").Add(float64(res.Duplicates))
	metrics.IngestReviews.WithLabelValues(platform, "error").Add(float64(res.Errors))

	log.Info("ingest.done",
		zap.Int("pages", res.Pages),
		zap.Bool("partial", res.Partial),
		zap.Int("fetched", res.Fetched),
		zap.Int("in_window", res.InWindow),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("errors", res.Errors))
	return res, nil
}

// scrape pages newest-first until a page reaches past win.From or pagination
// ends, bounded by MaxPages. A failure on the first page is returned; a later
// failure keeps what was already fetched.
func (w *Worker) scrape(ctx context.Context, log *zap.Logger, sc source.Scraper, storeID string, win Window) ([]source.RawReview, int, bool, error) {
	var (
		items []source.RawReview
		token string
		pages int
	)
	for pages < w.cfg.MaxPages {
		page, err := sc.FetchPage(ctx, storeID, token)
		if err != nil {
			if pages == 0 {
				return nil, 0, false, err
			}
			log.Warn("ingest.scrape.partial", zap.Int("pages", pages), zap.Error(err))
			return items, pages, true, nil
		}
		pages++
		items = append(items, page.Items...)

		if len(page.Items) == 0 || page.Next == "" {
			break
		}
		if oldest(page.Items).Before(win.From) {
			break
		}
		token = page.Next
	}
	if pages == w.cfg.MaxPages {
		log.Debug("ingest.scrape.max_pages", zap.Int("max_pages", pages))
	}
	return items, pages, false, nil
}

func oldest(items []source.RawReview) time.Time {
	t := items[0].Date
	for _, r := range items[1:] {
		if r.Date.Before(t) {
			t = r.Date
		}
	}
	return t
}

func (w *Worker) insertAll(ctx context.Context, log *zap.Logger, app appkey.AppIdentity, appName string, reviews []source.RawReview, res *Result) {
	var inserted, duplicates, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(w.cfg.InsertConcurrency)
	for _, r := range reviews {
		g.Go(func() error {
			rec := &store.ReviewRecord{
				AppPK:      app.Key(),
				SortKey:    store.SortKey(r.Date, r.Text, r.Author),
				ReviewDate: store.FormatDate(r.Date),
				Rating:     r.Rating,
				Text:       r.Text,
				Author:     r.Author,
				AppVersion: r.Version,
				AppName:    appName,
				NativeID:   r.NativeID,
			}
			ok, err := w.store.InsertReviewIfAbsent(ctx, rec)
			switch {
			case err != nil:
				failed.Add(1)
				log.Warn("ingest.insert.error", zap.String("sort_key", rec.SortKey), zap.Error(err))
			case ok:
				inserted.Add(1)
			default:
				duplicates.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Inserted = int(inserted.Load())
	res.Duplicates = int(duplicates.Load())
	res.Errors = int(failed.Load())
}
