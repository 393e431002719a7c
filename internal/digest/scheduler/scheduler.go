// Package scheduler repeats a digest run on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job is a named unit of work.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Scheduler runs jobs back to back, once per tick.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// RunOnce executes every job once, stopping at the first failure.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	for _, job := range s.jobs {
		s.logger.Info("running job", "name", job.Name)
		start := time.Now()
		if err := job.Fn(ctx); err != nil {
			s.logger.Error("job failed", "name", job.Name, "error", err, "duration", time.Since(start))
			return err
		}
		s.logger.Info("job completed", "name", job.Name, "duration", time.Since(start))
	}
	return nil
}

// Every runs the jobs immediately and then on each tick until ctx ends.
// A failed tick is logged and the loop carries on; the next tick starts
// fresh. Ticks missed while a run is still going are dropped.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration) error {
	s.logger.Info("scheduler started", "interval", interval, "jobs", len(s.jobs))

	s.RunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
