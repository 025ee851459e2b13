package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the ingest and themes sweeps on fixed cadences.
type Scheduler struct {
	ingest    *Sweeper
	themes    *Sweeper
	ingestInt time.Duration
	themesInt time.Duration
	logger    *zap.Logger
}

// New creates a new scheduler.
func New(ingest, themes *Sweeper, ingestInt, themesInt time.Duration, logger *zap.Logger) *Scheduler {
	if ingestInt == 0 {
		ingestInt = 5 * time.Minute
	}
	if themesInt == 0 {
		themesInt = 15 * time.Minute
	}
	return &Scheduler{
		ingest:    ingest,
		themes:    themes,
		ingestInt: ingestInt,
		themesInt: themesInt,
		logger:    logger,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ingestTicker := time.NewTicker(s.ingestInt)
	themesTicker := time.NewTicker(s.themesInt)
	defer ingestTicker.Stop()
	defer themesTicker.Stop()

	s.logger.Info("scheduler.start",
		zap.Duration("ingest_every", s.ingestInt),
		zap.Duration("themes_every", s.themesInt))

	// Run immediately on start.
	s.sweep(ctx, s.ingest)
	s.sweep(ctx, s.themes)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler.stop")
			return ctx.Err()
		case <-ingestTicker.C:
			s.sweep(ctx, s.ingest)
		case <-themesTicker.C:
			s.sweep(ctx, s.themes)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, sw *Sweeper) {
	if sw == nil {
		return
	}
	if _, err := sw.RunSweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler.sweep.error", zap.String("kind", string(sw.Kind())), zap.Error(err))
	}
}
