// Package maintenance runs the background sweeps that keep the store
// healthy: lease reclaim, expired cache and session-context purges, and
// priority aging for long-waiting queued tasks.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/truthd/internal/config"
	"github.com/basket/truthd/internal/otel"
	"github.com/basket/truthd/internal/shared"
	"github.com/basket/truthd/internal/truthstore"
)

// Config holds the dependencies for the maintenance sweeper.
type Config struct {
	Store       *truthstore.Store
	Logger      *slog.Logger
	Maintenance config.MaintenanceConfig
	Metrics     *otel.Metrics // optional
	Tracer      trace.Tracer  // optional
}

// Sweeper schedules and runs the periodic store sweeps. Each sweep is
// registered on its own cron schedule so operators can tune them
// independently.
type Sweeper struct {
	store   *truthstore.Store
	logger  *slog.Logger
	cfg     config.MaintenanceConfig
	metrics *otel.Metrics
	tracer  trace.Tracer

	cron *cronlib.Cron
}

// NewSweeper creates a Sweeper from the given config.
func NewSweeper(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   cfg.Store,
		logger:  logger,
		cfg:     cfg.Maintenance,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

// Start registers the sweep jobs and begins the scheduler. It returns an
// error if any configured schedule fails to parse. Start is a no-op when
// maintenance is disabled.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("maintenance sweeps disabled")
		return nil
	}

	s.cron = cronlib.New()

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"lease_reclaim", s.cfg.ReclaimSchedule, s.runReclaim},
		{"expiry_purge", s.cfg.PurgeSchedule, s.runPurge},
		{"priority_aging", s.cfg.AgingSchedule, s.runAging},
	}
	for _, job := range jobs {
		name, run := job.name, job.run
		if _, err := s.cron.AddFunc(job.schedule, func() {
			// Fresh trace id per sweep so the events it writes correlate.
			sweepCtx := shared.WithTraceID(ctx, shared.NewTraceID())
			if s.tracer != nil {
				var span trace.Span
				sweepCtx, span = otel.StartSpan(sweepCtx, s.tracer, "maintenance."+name)
				defer span.End()
			}
			run(sweepCtx)
		}); err != nil {
			return fmt.Errorf("register %s schedule %q: %w", job.name, job.schedule, err)
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance sweeps started",
		"reclaim", s.cfg.ReclaimSchedule,
		"purge", s.cfg.PurgeSchedule,
		"aging", s.cfg.AgingSchedule,
	)
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance sweeps stopped")
}

// runReclaim requeues in_progress tasks whose lease has lapsed.
func (s *Sweeper) runReclaim(ctx context.Context) {
	n, err := s.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		s.logger.Error("maintenance: lease reclaim failed", "error", err)
		return
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.TasksReclaimed.Add(ctx, n)
		}
		s.logger.Info("maintenance: reclaimed expired leases", "count", n)
	}
}

// runPurge drops expired cached tool results and session context rows.
func (s *Sweeper) runPurge(ctx context.Context) {
	results, err := s.store.PurgeExpiredResults(ctx)
	if err != nil {
		s.logger.Error("maintenance: result purge failed", "error", err)
	} else if results > 0 {
		s.logger.Info("maintenance: purged expired cached results", "count", results)
	}

	contexts, err := s.store.PurgeExpiredContext(ctx)
	if err != nil {
		s.logger.Error("maintenance: session context purge failed", "error", err)
	} else if contexts > 0 {
		s.logger.Info("maintenance: purged expired session context", "count", contexts)
	}
}

// runAging bumps the priority of queued tasks waiting past the aging window.
func (s *Sweeper) runAging(ctx context.Context) {
	window := time.Duration(s.cfg.AgingAfterHours) * time.Hour
	n, err := s.store.AgeQueuedTasks(ctx, window)
	if err != nil {
		s.logger.Error("maintenance: priority aging failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("maintenance: aged queued tasks", "count", n, "window", window)
	}
}
