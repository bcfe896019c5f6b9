// Package scheduler runs configured code bodies on cron schedules.
// Each run is an ordinary sandbox execution with an empty request context:
// no body, query, params or user, only the capabilities the schedule names.
//
// Core invariant: a schedule never overlaps itself. A run that fires while
// the previous one is still going is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/hookd/internal/capability"
	"github.com/jkaninda/hookd/internal/observability"
	"github.com/jkaninda/hookd/internal/sandbox"
)

// ErrUnknownJob is returned by Trigger for a name that was never scheduled.
var ErrUnknownJob = errors.New("unknown schedule")

// Job is one scheduled code body.
type Job struct {
	Name    string
	Spec    string // 5-field cron expression or descriptor (@hourly, @every 5m).
	Code    string
	Timeout time.Duration // 0 = executor default.
	Repos   []string
}

// Scheduler fires jobs on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	exec    sandbox.Executor
	caps    *capability.Set
	metrics *Metrics
	logger  *slog.Logger

	jobs    map[string]*scheduledJob
	baseCtx context.Context
	mu      sync.Mutex
}

type scheduledJob struct {
	Job
	entry   cron.EntryID
	running sync.Mutex
}

// Parser accepts standard 5-field expressions plus descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler. Cron expressions are parsed here; a bad one is an error.
func New(jobs []Job, exec sandbox.Executor, caps *capability.Set, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{logger}),
		),
		exec:    exec,
		caps:    caps,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]*scheduledJob, len(jobs)),
		baseCtx: context.Background(),
	}

	for _, j := range jobs {
		if _, dup := s.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", j.Name)
		}
		sj := &scheduledJob{Job: j}
		id, err := s.cron.AddFunc(j.Spec, func() { s.fire(sj) })
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression %q: %w", j.Name, j.Spec, err)
		}
		sj.entry = id
		s.jobs[j.Name] = sj
	}
	return s, nil
}

// Start begins firing jobs. The returned stop function waits for running
// jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("schedules", len(s.jobs)))
	for name, j := range s.jobs {
		s.logger.DebugContext(ctx, "schedule registered",
			slog.String("schedule", name),
			slog.String("spec", j.Spec),
			slog.Time("next_run", s.cron.Entry(j.entry).Next),
		)
	}

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// Trigger runs a job immediately, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if !j.running.TryLock() {
		s.skipped(j)
		return nil
	}
	defer j.running.Unlock()
	return s.run(ctx, j)
}

// NextRun returns when name fires next, or the zero time before Start.
func (s *Scheduler) NextRun(name string) time.Time {
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(j.entry).Next
}

func (s *Scheduler) fire(j *scheduledJob) {
	if !j.running.TryLock() {
		s.skipped(j)
		return
	}
	defer j.running.Unlock()

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_ = s.run(ctx, j)
}

// run executes one job and records the outcome.
func (s *Scheduler) run(ctx context.Context, j *scheduledJob) error {
	runID := uuid.NewString()
	logger := s.logger.With(slog.String("schedule", j.Name), slog.String("run_id", runID))

	logger.InfoContext(ctx, "firing scheduled execution")
	if s.metrics != nil {
		s.metrics.RunsFired.WithLabelValues(j.Name).Inc()
	}

	live, book := s.caps.NewContext(j.Repos, logger)
	live.Data = map[string]any{
		"schedule": map[string]any{"name": j.Name, "runId": runID},
	}

	start := time.Now()
	ctx = observability.WithExecutionLabels(ctx, j.Name, "schedule")
	_, err := s.exec.Execute(ctx, j.Code, live, j.Timeout)
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.RunDuration.WithLabelValues(j.Name).Observe(duration.Seconds())
	}

	if err != nil {
		ee := sandbox.Classify(err)
		logger.ErrorContext(ctx, "scheduled execution failed",
			slog.String("kind", string(ee.Kind)),
			slog.String("error", ee.Error()),
			slog.Duration("duration", duration),
			slog.Int("log_entries", len(book.Entries())),
		)
		if s.metrics != nil {
			s.metrics.RunsFailed.WithLabelValues(j.Name, string(ee.Kind)).Inc()
		}
		return ee
	}

	logger.InfoContext(ctx, "scheduled execution completed",
		slog.Duration("duration", duration),
		slog.Int("log_entries", len(book.Entries())),
	)
	if s.metrics != nil {
		s.metrics.RunsSucceeded.WithLabelValues(j.Name).Inc()
	}
	return nil
}

func (s *Scheduler) skipped(j *scheduledJob) {
	s.logger.Warn("scheduled execution skipped: previous run still in progress",
		slog.String("schedule", j.Name),
	)
	if s.metrics != nil {
		s.metrics.RunsSkipped.WithLabelValues(j.Name).Inc()
	}
}

// ComputeNextRunFrom computes the next run time of expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := Parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
