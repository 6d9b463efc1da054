/*
scheduler.go - Automated capacity reconciliation scheduler

PURPOSE:
  Periodically re-derives every listing's approved count and status from
  its participation rows and corrects any drift.

DESIGN:
  - Runs on a robfig/cron schedule (standard 5-field spec or @every)
  - Overlapping runs are skipped, never queued
  - Each run is bounded by Concurrency listings in flight
  - The last run is kept for the admin endpoint and UI display

CONFIGURATION:
  - Schedule: cron spec from config.ReconcileConfig (empty disables)
  - Concurrency: max listings reconciled at once

USAGE:
  scheduler := NewReconciliationScheduler(engine, "@every 5m", 4, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual reconciliation)
  - enrollment/engine.go: ReconcileAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/warp/enrollment-engine/enrollment"
)

// ReconcileObserver receives the outcome of every run. Implemented by
// metrics.Metrics.
type ReconcileObserver interface {
	ObserveReconcile(report enrollment.ReconcileReport, err error)
}

// ReconcileRun is one completed reconciliation pass.
type ReconcileRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Report    enrollment.ReconcileReport
	Err       error
}

// ReconciliationScheduler handles automated reconciliation.
type ReconciliationScheduler struct {
	Engine      *enrollment.Engine
	Schedule    string
	Concurrency int
	Observer    ReconcileObserver
	Logger      *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	lastRun *ReconcileRun
	running sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *enrollment.Engine, schedule string, concurrency int, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &ReconciliationScheduler{
		Engine:      engine,
		Schedule:    schedule,
		Concurrency: concurrency,
		Logger:      logger,
	}
}

// Start registers the job and begins the cron loop. An empty schedule
// leaves the scheduler idle; RunNow still works.
func (rs *ReconciliationScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron != nil || rs.Schedule == "" {
		return nil
	}

	cl := cronLogger{rs.Logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(rs.Schedule, func() {
		rs.RunNow(context.Background())
	})
	if err != nil {
		return err
	}
	rs.cron = c
	rs.entryID = id
	c.Start()

	rs.Logger.Info("reconciliation scheduler started", "schedule", rs.Schedule, "concurrency", rs.Concurrency)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	c := rs.cron
	rs.cron = nil
	rs.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	rs.Logger.Info("reconciliation scheduler stopped")
}

// RunNow performs one reconciliation pass and records it. Concurrent
// callers are serialized.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconcileRun {
	rs.running.Lock()
	defer rs.running.Unlock()

	run := ReconcileRun{StartedAt: time.Now()}
	run.Report, run.Err = rs.Engine.ReconcileAll(ctx, rs.Concurrency)
	run.Duration = time.Since(run.StartedAt)

	switch {
	case run.Err != nil:
		rs.Logger.ErrorContext(ctx, "reconciliation failed", "error", run.Err, "checked", run.Report.Checked)
	case len(run.Report.Drifted) > 0:
		rs.Logger.WarnContext(ctx, "reconciliation corrected drift",
			"checked", run.Report.Checked,
			"drifted", run.Report.Drifted,
			"duration", run.Duration)
	default:
		rs.Logger.InfoContext(ctx, "reconciliation complete", "checked", run.Report.Checked, "duration", run.Duration)
	}
	if rs.Observer != nil {
		rs.Observer.ObserveReconcile(run.Report, run.Err)
	}

	rs.mu.Lock()
	rs.lastRun = &run
	rs.mu.Unlock()
	return run
}

// LastRun returns the most recent run, if any.
func (rs *ReconciliationScheduler) LastRun() (ReconcileRun, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun == nil {
		return ReconcileRun{}, false
	}
	return *rs.lastRun, true
}

// NextRun returns when the job fires next. ok is false when the
// scheduler is not running.
func (rs *ReconciliationScheduler) NextRun() (time.Time, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cron == nil {
		return time.Time{}, false
	}
	next := rs.cron.Entry(rs.entryID).Next
	return next, !next.IsZero()
}

func toReconcileRunDTO(run ReconcileRun) ReconcileRunDTO {
	dto := ReconcileRunDTO{
		StartedAt: formatTime(run.StartedAt),
		Duration:  run.Duration.String(),
		Checked:   run.Report.Checked,
		Drifted: lo.Map(run.Report.Drifted, func(id enrollment.ListingID, _ int) string {
			return string(id)
		}),
	}
	if run.Err != nil {
		dto.Error = run.Err.Error()
	}
	return dto
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
