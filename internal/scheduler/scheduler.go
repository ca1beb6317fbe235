// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named piece of housekeeping run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler fires registered jobs on their cron schedules.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Add registers job. An invalid schedule is an error.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run func", job.Name)
	}
	_, err := s.cron.AddFunc(job.Schedule, func() {
		start := time.Now()
		if err := job.Run(s.ctx); err != nil {
			slog.Error("scheduled job failed", "name", job.Name, "error", err)
			return
		}
		slog.Debug("scheduled job finished", "name", job.Name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Pruner deletes archived sessions that ended before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob removes archived sessions older than retention.
func RetentionJob(schedule string, p Pruner, retention time.Duration, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:     "archive-retention",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := p.Prune(ctx, now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("pruned archived sessions", "count", n, "retention", retention)
			}
			return nil
		},
	}
}
