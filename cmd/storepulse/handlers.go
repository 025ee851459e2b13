package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elonfeng/storepulse/internal/config"
	"github.com/elonfeng/storepulse/internal/follow"
	"github.com/elonfeng/storepulse/internal/ingest"
	"github.com/elonfeng/storepulse/internal/logging"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/scheduler"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/internal/themes"
	"github.com/elonfeng/storepulse/pkg/alert"
	"github.com/elonfeng/storepulse/pkg/analyzer"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"github.com/elonfeng/storepulse/pkg/server"
	"github.com/elonfeng/storepulse/pkg/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// services holds everything the commands wire together.
type services struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *store.SQLiteStore
	queue  *queue.SQLQueue

	ingest   *ingest.Worker
	enqueuer *themes.Enqueuer
	themes   *themes.Worker
	results  *themes.Results
	follows  *follow.Service
}

func newServices() (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	q, err := queue.New(db.DB())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	svc := &services{cfg: cfg, logger: logger, db: db, queue: q}
	svc.ingest = ingest.NewWorker(db, buildScrapers(cfg), logger, ingest.Config{
		Policy: ingest.WindowPolicy{
			FirstRunDays:        cfg.Ingest.FirstRunDays,
			DefaultBackfillDays: cfg.Ingest.DefaultBackfillDays,
			MaxBackfillDays:     cfg.Ingest.MaxBackfillDays,
		},
		MaxPages:          cfg.Ingest.MaxPages,
		InsertConcurrency: cfg.Ingest.InsertConcurrency,
	})
	svc.enqueuer = themes.NewEnqueuer(q, db, cfg.Themes.IntervalMinutes, logger)
	svc.themes = themes.NewWorker(db, buildAnalyzer(cfg), buildAlertManager(cfg), logger, themes.WorkerConfig{
		Lang:      cfg.Themes.Lang,
		PosCutoff: cfg.Themes.PosCutoff,
		NegCutoff: cfg.Themes.NegCutoff,
		TopN:      cfg.Themes.TopN,
	})
	svc.results = themes.NewResults(db)
	svc.follows = follow.NewService(db, q, follow.Config{
		IntervalMinutes: cfg.Ingest.IntervalMinutes,
		BackfillDays:    cfg.Ingest.DefaultBackfillDays,
	}, logger)
	return svc, nil
}

func (s *services) Close() {
	s.logger.Sync()
	s.db.Close()
}

func buildScrapers(cfg *config.Config) source.Set {
	opts := source.Options{
		Country:      cfg.Ingest.Country,
		Lang:         cfg.Ingest.Lang,
		PageInterval: cfg.Ingest.ParsePageInterval(),
	}
	return source.NewSet(source.NewAndroid(opts, ""), source.NewIOS(opts, ""))
}

func buildAnalyzer(cfg *config.Config) analyzer.Analyzer {
	return analyzer.NewLLM(analyzer.Config{
		Provider: cfg.Analyzer.Provider,
		Model:    cfg.Analyzer.Model,
		APIKey:   cfg.Analyzer.APIKey,
		BaseURL:  cfg.Analyzer.BaseURL,
		Timeout:  cfg.Analyzer.ParseTimeout(),
	})
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func (s *services) sweepers() (ingestSw, themesSw *scheduler.Sweeper) {
	sc := s.cfg.Schedule
	ingestSw = scheduler.NewSweeper(store.KindIngest, s.db,
		scheduler.IngestEnqueuer(s.queue, s.cfg.Ingest.DefaultBackfillDays),
		s.logger, scheduler.SweepConfig{
			BatchSize:       sc.BatchSize,
			LockDuration:    sc.ParseLockDuration(),
			DefaultInterval: time.Duration(s.cfg.Ingest.IntervalMinutes) * time.Minute,
		})
	themesSw = scheduler.NewSweeper(store.KindThemes, s.db, s.enqueuer.EnqueueScheduled,
		s.logger, scheduler.SweepConfig{
			BatchSize:       sc.BatchSize,
			LockDuration:    sc.ParseLockDuration(),
			DefaultInterval: time.Duration(s.cfg.Themes.IntervalMinutes) * time.Minute,
		})
	return ingestSw, themesSw
}

func (s *services) consumer(name string) (*queue.Consumer, error) {
	qc := s.cfg.Queue
	cfg := queue.ConsumerConfig{
		BatchSize:    qc.BatchSize,
		Visibility:   qc.ParseVisibility(),
		MaxReceives:  qc.MaxReceives,
		PollInterval: qc.ParsePollInterval(),
	}
	switch name {
	case queue.Ingest:
		return queue.NewConsumer(s.queue, queue.Ingest, s.ingest.HandleMessage, s.logger, cfg), nil
	case queue.Themes:
		return queue.NewConsumer(s.queue, queue.Themes, s.themes.HandleMessage, s.logger, cfg), nil
	}
	return nil, fmt.Errorf("unknown queue %q", name)
}

func (s *services) server(port int) *server.Server {
	if port == 0 {
		port = s.cfg.Server.Port
	}
	return server.New(server.Deps{
		Store:          s.db,
		Queue:          s.queue,
		Follows:        s.follows,
		Themes:         s.enqueuer,
		Results:        s.results,
		Logger:         s.logger,
		IngestInterval: s.cfg.Ingest.IntervalMinutes,
		ThemesInterval: s.cfg.Themes.IntervalMinutes,
		BackfillDays:   s.cfg.Ingest.DefaultBackfillDays,
	}, port)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runDaemon(port int) error {
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	ingestSw, themesSw := svc.sweepers()
	sched := scheduler.New(ingestSw, themesSw,
		svc.cfg.Schedule.ParseIngestSweepInterval(),
		svc.cfg.Schedule.ParseThemesSweepInterval(),
		svc.logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	for _, name := range []string{queue.Ingest, queue.Themes} {
		c, err := svc.consumer(name)
		if err != nil {
			return err
		}
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return svc.server(port).ListenAndServe(gctx) })

	err = g.Wait()
	svc.logger.Info("shutdown")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServe(port int) error {
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return svc.server(port).ListenAndServe(ctx)
}

func runSweep(kind string) error {
	k, err := store.ParseScheduleKind(kind)
	if err != nil {
		return err
	}
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ingestSw, themesSw := svc.sweepers()
	sw := ingestSw
	if k == store.KindThemes {
		sw = themesSw
	}
	res, err := sw.RunSweep(context.Background())
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runIngest(platform, bundleID, appName string, backfill int) error {
	app, err := appkey.New(platform, bundleID)
	if err != nil {
		return err
	}
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	if backfill < 0 {
		backfill = svc.cfg.Ingest.DefaultBackfillDays
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := svc.ingest.Ingest(ctx, app, appName, backfill)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runWorker(name string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	c, err := svc.consumer(name)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runReconcile(app string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()
	ctx := context.Background()

	var apps []string
	if app != "" {
		id, err := appkey.Parse(app)
		if err != nil {
			return err
		}
		apps = []string{id.Key()}
	} else {
		after := ""
		for {
			page, next, err := svc.db.ListSchedules(ctx, store.KindIngest, 500, after)
			if err != nil {
				return err
			}
			for _, sch := range page {
				apps = append(apps, sch.Key)
			}
			if next == "" {
				break
			}
			after = next
		}
	}

	for _, key := range apps {
		total, reconciled, err := svc.db.ReconcileCounter(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", key, err)
			continue
		}
		status := "already reconciled"
		if reconciled {
			status = "reconciled"
		}
		fmt.Fprintf(os.Stderr, "%s: total=%d (%s)\n", key, total, status)
	}
	return nil
}

func runThemes(appPK, appName, from, to string, limit int) error {
	sel, err := themes.ParseSelection(from, to, limit)
	if err != nil {
		return err
	}
	svc, err := newServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ticket, err := svc.enqueuer.RunNow(context.Background(), appPK, appName, sel)
	if err != nil {
		return err
	}
	return printJSON(ticket)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
