// Package scheduler runs the runtime's recurring background jobs: activity
// heartbeats, midnight rollover checks, and transcript index rescans.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Job is one recurring background job.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler manages recurring jobs using gocron.
type Scheduler struct {
	cron   gocron.Scheduler
	jobs   []Job
	logger *slog.Logger
}

// New creates a Scheduler for the given jobs. Nothing runs until Start.
func New(jobs []Job, logger *slog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}
	return &Scheduler{cron: cron, jobs: jobs, logger: logger}, nil
}

// Start registers every job and starts the scheduler.
func (s *Scheduler) Start(_ context.Context) error {
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			return fmt.Errorf("job %q needs a positive interval and a run function", job.Name)
		}
		name := job.Name
		run := job.Run
		if _, err := s.cron.NewJob(
			gocron.DurationJob(job.Interval),
			gocron.NewTask(func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("background job panicked", "job", name, "panic", r)
					}
				}()
				run()
			}),
		); err != nil {
			return fmt.Errorf("scheduling job %q: %w", job.Name, err)
		}
		s.logger.Info("background job scheduled", "job", job.Name, "interval", job.Interval)
	}

	s.cron.Start()
	return nil
}

// Stop shuts down the scheduler, waiting for in-flight jobs.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}
