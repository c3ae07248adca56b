package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's internal logging through slog. Scheduling chatter
// goes to Debug; job panics and parse problems go to Error.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}

// ParseSchedule validates a standard 5-field cron expression or descriptor
// such as "@every 10m" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("sync: invalid reconcile schedule %q: %w", expr, err)
	}

	return sched, nil
}

// Scheduler fires a job on a cron schedule. A tick that arrives while the
// previous run is still going is skipped.
type Scheduler struct {
	expr   string
	sched  cron.Schedule
	job    func(ctx context.Context)
	logger *slog.Logger

	c *cron.Cron
}

// NewScheduler creates a Scheduler for expr. The schedule is parsed here so
// a bad expression fails at construction, not at first tick.
func NewScheduler(expr string, job func(ctx context.Context), logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		expr:   expr,
		sched:  sched,
		job:    job,
		logger: logger,
		c: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	return s, nil
}

// Start begins firing the job with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Schedule(s.sched, cron.FuncJob(func() { s.job(ctx) }))
	s.c.Start()

	s.logger.Info("reconcile schedule started", slog.String("schedule", s.expr))
}

// Stop halts the schedule and waits for a running job until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.c.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for scheduled job: %w", ctx.Err())
	}
}
