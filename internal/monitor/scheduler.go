package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs periodic maintenance on cron specs. Overlapping runs of the
// same task are skipped.
type Scheduler struct {
	cron *cron.Cron
}

// Task is one scheduled function.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
	Timeout  time.Duration
}

func NewScheduler() *Scheduler {
	logger := slogCronLogger{}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers a task. ctx is the parent of every run.
func (s *Scheduler) Add(ctx context.Context, t Task) error {
	_, err := s.cron.AddFunc(t.Schedule, func() {
		runCtx := ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := t.Run(runCtx); err != nil {
			slog.Error("scheduler.task_failed", "task", t.Name, "error", err)
			return
		}
		slog.Debug("scheduler.task_done", "task", t.Name, "elapsed_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", t.Name, t.Schedule, err)
	}
	return nil
}

// SweepTask wraps a Monitor as a Task.
func SweepTask(m *Monitor, schedule string) Task {
	return Task{
		Name:     "stuck_job_sweep",
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			_, err := m.Sweep(ctx)
			return err
		},
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Entries returns the number of registered tasks.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron."+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron."+msg, append(keysAndValues, "error", err)...)
}
