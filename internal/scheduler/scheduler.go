package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

// Ingester runs one ingestion of a source.
type Ingester interface {
	Ingest(ctx context.Context, src airquality.Source) (airquality.IngestReport, error)
}

// Sweeper drops expired cache entries.
type Sweeper interface {
	Sweep() int
}

// Job polls one source on its own cadence.
type Job struct {
	Source   airquality.Source
	Interval time.Duration
}

// Scheduler runs ingestion jobs independently of query serving.
type Scheduler struct {
	scheduler *gocron.Scheduler
	ingester  Ingester
	jobs      []Job
	timeout   time.Duration
	logger    *zap.Logger

	sweeper    Sweeper
	sweepEvery time.Duration
}

type Option func(*Scheduler)

// WithSweeper adds a job that sweeps expired cache entries every interval.
func WithSweeper(s Sweeper, every time.Duration) Option {
	return func(sc *Scheduler) {
		sc.sweeper = s
		sc.sweepEvery = every
	}
}

// WithTimeout bounds each ingestion run.
func WithTimeout(d time.Duration) Option {
	return func(sc *Scheduler) { sc.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(sc *Scheduler) { sc.logger = l }
}

// New creates a new Scheduler.
func New(ingester Ingester, jobs []Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		ingester:  ingester,
		jobs:      jobs,
		timeout:   2 * time.Minute,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules every job and starts the underlying scheduler. Each job
// runs once immediately and a slow run is never overlapped by the next one.
func (s *Scheduler) Start() error {
	if len(s.jobs) == 0 {
		s.logger.Warn("scheduler: no feeds configured; nothing to schedule")
	}

	for _, job := range s.jobs {
		interval := job.Interval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		src := job.Source
		_, err := s.scheduler.Every(interval).
			Tag("ingest", src.Name()).
			SingletonMode().
			Do(func() { s.RunOnce(context.Background(), src) })
		if err != nil {
			return err
		}
		s.logger.Info("scheduled feed ingestion",
			zap.String("source", src.Name()),
			zap.String("kind", string(src.Kind())),
			zap.Duration("interval", interval))
	}

	if s.sweeper != nil && s.sweepEvery > 0 {
		_, err := s.scheduler.Every(s.sweepEvery).
			Tag("cache-sweep").
			WaitForSchedule().
			Do(func() {
				if n := s.sweeper.Sweep(); n > 0 {
					s.logger.Debug("swept expired cache entries", zap.Int("removed", n))
				}
			})
		if err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

// RunOnce ingests src once under the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context, src airquality.Source) airquality.IngestReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.ingester.Ingest(ctx, src)
	switch {
	case err == nil:
	case errors.Is(err, airquality.ErrFeedUnavailable) && report.Status == airquality.StatusPartial:
		s.logger.Warn("scheduler: feed partially available",
			zap.String("source", src.Name()),
			zap.Strings("unavailable", report.Unavailable))
	default:
		s.logger.Error("scheduler: ingestion failed",
			zap.String("source", src.Name()),
			zap.Error(err))
	}
	return report
}

// Trigger runs the named feed now, outside its schedule, and returns its
// report. Unknown feeds fail with airquality.ErrUnknownSource.
func (s *Scheduler) Trigger(ctx context.Context, source string) (airquality.IngestReport, error) {
	for _, job := range s.jobs {
		if job.Source.Name() == source {
			s.logger.Info("manual ingestion triggered", zap.String("source", source))
			return s.RunOnce(ctx, job.Source), nil
		}
	}
	return airquality.IngestReport{}, fmt.Errorf("%w: %q", airquality.ErrUnknownSource, source)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
