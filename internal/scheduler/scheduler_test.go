package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/hookd/internal/capability"
	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/storage/memory"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []*sandbox.ExecutionContext
	err   error
	block chan struct{}
	ran   chan struct{}
}

func (r *recordingExecutor) Execute(ctx context.Context, code string, live *sandbox.ExecutionContext, timeout time.Duration) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, live)
	r.mu.Unlock()
	if r.ran != nil {
		select {
		case r.ran <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		<-r.block
	}
	return nil, r.err
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, exec sandbox.Executor, jobs ...Job) (*Scheduler, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	caps := capability.NewSet(memory.New(), capability.HelperConfig{})
	s, err := New(jobs, exec, caps, metrics, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, metrics
}

func TestNew_RejectsBadCronExpression(t *testing.T) {
	caps := capability.NewSet(memory.New(), capability.HelperConfig{})
	_, err := New([]Job{{Name: "bad", Spec: "not a cron", Code: "1"}}, &recordingExecutor{}, caps, nil, testLogger())
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
	_, err = New([]Job{{Name: "a", Spec: "@hourly"}, {Name: "a", Spec: "@daily"}}, &recordingExecutor{}, caps, nil, testLogger())
	if err == nil {
		t.Fatal("expected an error for a duplicate name")
	}
}

func TestTrigger_RunsWithScheduleContext(t *testing.T) {
	exec := &recordingExecutor{}
	s, _ := newTestScheduler(t, exec, Job{Name: "cleanup", Spec: "@hourly", Code: "return 1;", Repos: []string{"sessions"}})

	if err := s.Trigger(context.Background(), "cleanup"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if exec.count() != 1 {
		t.Fatalf("executions = %d, want 1", exec.count())
	}
	live := exec.calls[0]
	if live.Repos["sessions"] == nil {
		t.Error("schedule repos must be exposed")
	}
	if live.Body != nil || live.Request != nil || live.User != nil {
		t.Error("scheduled runs carry no request data")
	}
	sched, _ := live.Data["schedule"].(map[string]any)
	if sched["name"] != "cleanup" || sched["runId"] == "" {
		t.Errorf("schedule data = %v", live.Data)
	}
}

func TestTrigger_Unknown(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingExecutor{})
	if err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Trigger = %v, want ErrUnknownJob", err)
	}
}

func TestTrigger_FailureIsClassified(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("pipe closed")}
	s, _ := newTestScheduler(t, exec, Job{Name: "j", Spec: "@hourly", Code: "1"})
	err := s.Trigger(context.Background(), "j")
	ee, ok := sandbox.AsExecutionError(err)
	if !ok || ee.Kind != sandbox.KindTransport {
		t.Errorf("Trigger = %v, want a transport ExecutionError", err)
	}
}

func TestTrigger_SkipsOverlap(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{}), ran: make(chan struct{}, 1)}
	s, _ := newTestScheduler(t, exec, Job{Name: "slow", Spec: "@hourly", Code: "1"})

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "slow") }()
	<-exec.ran

	if err := s.Trigger(context.Background(), "slow"); err != nil {
		t.Errorf("overlapping Trigger = %v", err)
	}
	close(exec.block)
	if err := <-done; err != nil {
		t.Errorf("first Trigger = %v", err)
	}
	if exec.count() != 1 {
		t.Errorf("executions = %d, want 1 (second run skipped)", exec.count())
	}
}

func TestStart_FiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	exec := &recordingExecutor{ran: make(chan struct{}, 1)}
	s, _ := newTestScheduler(t, exec, Job{Name: "tick", Spec: "@every 1s", Code: "1"})

	stop := s.Start(context.Background())
	defer stop()

	if next := s.NextRun("tick"); next.IsZero() {
		t.Error("NextRun should be set after Start")
	}
	select {
	case <-exec.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled job never fired")
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("0 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if _, err := ComputeNextRunFrom("bogus", from); err == nil {
		t.Error("expected an error for a bogus expression")
	}
}
