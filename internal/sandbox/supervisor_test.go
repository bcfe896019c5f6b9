package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/hookd/internal/protocol"
)

// A returned value comes back and the worker goes back to the pool.
func TestSupervisor_ReturnsValue(t *testing.T) {
	s, l := newTestSupervisor(t, SupervisorConfig{})

	got, err := s.Execute(context.Background(), "return 1 + 1;", &ExecutionContext{}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != float64(2) {
		t.Errorf("result = %#v, want 2", got)
	}
	if st := s.Pool().Stats(); st.Idle != 1 || st.Live != 1 {
		t.Errorf("pool stats = %+v, want the worker idle", st)
	}

	if _, err := s.Execute(context.Background(), "return 3;", &ExecutionContext{}, 0); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if n := l.launched.Load(); n != 1 {
		t.Errorf("launched %d workers, want 1 reused", n)
	}
}

// Body fields are visible to the code and its mutations merge back.
func TestSupervisor_BodyMutationMerges(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	live := &ExecutionContext{Body: map[string]any{"name": "alice"}}

	got, err := s.Execute(context.Background(), `
		$body.name = $body.name.toUpperCase();
		$share.seen = true;
		return $body.name;
	`, live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ALICE" {
		t.Errorf("result = %v", got)
	}
	if !reflect.DeepEqual(live.Body, map[string]any{"name": "ALICE"}) {
		t.Errorf("live body = %#v", live.Body)
	}
	if live.Share["seen"] != true {
		t.Errorf("live share = %#v", live.Share)
	}
}

// Repository methods are reachable through capability calls.
func TestSupervisor_RepositoryFind(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	repo := &memRepo{rows: []map[string]any{{"id": "1", "name": "alice"}}}
	live := &ExecutionContext{Repos: map[string]Repository{"main": repo}}

	got, err := s.Execute(context.Background(), "return await $repos.main.find();", live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []any{map[string]any{"id": "1", "name": "alice"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("result = %#v, want %#v", got, want)
	}
	if n := repo.calls.Load(); n != 1 {
		t.Errorf("repository called %d times, want 1", n)
	}
	if live.Repos["main"] != Repository(repo) {
		t.Error("repository handle was replaced by merge")
	}
}

// An infinite loop is cut off at the deadline.
func TestSupervisor_Timeout(t *testing.T) {
	s, l := newTestSupervisor(t, SupervisorConfig{})
	code := "while (true) {}"

	start := time.Now()
	_, err := s.Execute(context.Background(), code, &ExecutionContext{}, 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	ee, _ := AsExecutionError(err)
	if ee.Timeout != 100*time.Millisecond || ee.Code != code {
		t.Errorf("timeout error = %+v", ee)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if st := s.Pool().Stats(); st.Live != 0 {
		t.Errorf("timed out worker still live: %+v", st)
	}

	if _, err := s.Execute(context.Background(), "return 1;", &ExecutionContext{}, 0); err != nil {
		t.Fatalf("Execute after timeout: %v", err)
	}
	if n := l.launched.Load(); n != 2 {
		t.Errorf("launched %d workers, want a fresh one after timeout", n)
	}
}

// errors.throw400 aborts the execution without waiting for the deadline.
func TestSupervisor_ErrorConstructorAborts(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	var after atomic.Bool
	live := &ExecutionContext{
		Errors: map[string]ErrorFactory{
			"throw400": func(args []any) *ScriptError { return NewScriptError(400, fmt.Sprint(args[0])) },
		},
		Helpers: map[string]Func{
			"after": func(context.Context, []any) (any, error) { after.Store(true); return nil, nil },
		},
	}

	start := time.Now()
	_, err := s.Execute(context.Background(), `
		await $errors.throw400("bad input");
		await $helpers.after();
	`, live, 5*time.Second)

	ee, ok := AsExecutionError(err)
	if !ok || ee.Kind != KindUserScript {
		t.Fatalf("err = %v, want user script error", err)
	}
	if ee.StatusCode != 400 || ee.Message != "bad input" || ee.Name != "BadRequestError" || !ee.Aborted {
		t.Errorf("error = %+v", ee)
	}
	if pub := ee.Public(); pub.Status != 400 {
		t.Errorf("public status = %d", pub.Status)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("abort waited for the deadline")
	}
	time.Sleep(20 * time.Millisecond)
	if after.Load() {
		t.Error("code continued after the abort")
	}
}

func TestSupervisor_CapabilityAbort(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	live := &ExecutionContext{
		Helpers: map[string]Func{
			"guard": func(context.Context, []any) (any, error) {
				return nil, Abort(NewScriptError(403, "forbidden"))
			},
		},
	}
	_, err := s.Execute(context.Background(), `
		try { await $helpers.guard(); } catch (e) { return "caught"; }
	`, live, 0)
	ee, ok := AsExecutionError(err)
	if !ok || ee.StatusCode != 403 || !ee.Aborted {
		t.Fatalf("err = %v, want aborted 403", err)
	}
}

func TestSupervisor_CapabilityErrorIsCatchable(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	live := &ExecutionContext{
		Helpers: map[string]Func{
			"verify": func(context.Context, []any) (any, error) {
				se := NewScriptError(401, "invalid token")
				se.Details = map[string]any{"reason": "expired"}
				return nil, se
			},
		},
	}
	got, err := s.Execute(context.Background(), `
		try {
			await $helpers.verify("t");
		} catch (e) {
			return { status: e.statusCode, name: e.name, reason: e.details.reason };
		}
	`, live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := map[string]any{"status": float64(401), "name": "UnauthorizedError", "reason": "expired"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("result = %#v, want %#v", got, want)
	}
}

func TestSupervisor_UncaughtThrow(t *testing.T) {
	s, l := newTestSupervisor(t, SupervisorConfig{})
	_, err := s.Execute(context.Background(), `
		const e = new Error("conflict");
		e.statusCode = 409;
		e.name = "ConflictError";
		throw e;
	`, &ExecutionContext{}, 0)
	ee, ok := AsExecutionError(err)
	if !ok || ee.Kind != KindUserScript || ee.StatusCode != 409 || ee.Message != "conflict" {
		t.Fatalf("err = %v (%+v)", err, ee)
	}
	if ee.Aborted {
		t.Error("a thrown error is not an abort")
	}

	if _, err := s.Execute(context.Background(), "return 1;", &ExecutionContext{}, 0); err != nil {
		t.Fatalf("Execute after error: %v", err)
	}
	if n := l.launched.Load(); n != 2 {
		t.Errorf("launched %d workers, want the failed worker replaced", n)
	}
}

func TestSupervisor_ConcurrentCallsCorrelate(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	live := &ExecutionContext{
		Helpers: map[string]Func{
			"slow": func(_ context.Context, args []any) (any, error) {
				time.Sleep(30 * time.Millisecond)
				return args[0], nil
			},
			"fast": func(_ context.Context, args []any) (any, error) { return args[0], nil },
		},
	}
	got, err := s.Execute(context.Background(), `
		return await Promise.all([$helpers.slow("a"), $helpers.fast("b"), $helpers.slow("c")]);
	`, live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(got, []any{"a", "b", "c"}) {
		t.Errorf("result = %#v", got)
	}
}

func TestSupervisor_InvalidPathReachesCode(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	live := &ExecutionContext{
		Data: map[string]any{"ghost": protocol.Callable("nowhere.fn")},
	}
	got, err := s.Execute(context.Background(), `
		try { await $ctx.ghost(); } catch (e) { return e.name; }
	`, live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "InvalidPathError" {
		t.Errorf("result = %v, want InvalidPathError", got)
	}
}

func TestSupervisor_LogsAndHelpersSeeArgsUnchanged(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	logs := &logBook{}
	var seen []any
	live := &ExecutionContext{
		Logs: logs,
		Helpers: map[string]Func{
			"capture": func(_ context.Context, args []any) (any, error) { seen = args; return nil, nil },
		},
	}
	_, err := s.Execute(context.Background(), `
		await $logs("info", "hello", { n: 1 });
		await $helpers.capture([1, "two"], null, { deep: { ok: true } });
	`, live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(logs.entries) != 1 || !reflect.DeepEqual(logs.entries[0], []any{"info", "hello", map[string]any{"n": float64(1)}}) {
		t.Errorf("log entries = %#v", logs.entries)
	}
	want := []any{[]any{float64(1), "two"}, nil, map[string]any{"deep": map[string]any{"ok": true}}}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("helper args = %#v, want %#v", seen, want)
	}
}

// Calls the code never awaits still complete, in the order they were made,
// before the execution returns.
func TestSupervisor_UnawaitedCallsComplete(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	logs := &logBook{}
	repo := &memRepo{}
	live := &ExecutionContext{
		Logs:  logs,
		Repos: map[string]Repository{"main": repo},
		Helpers: map[string]Func{
			"audit": func(context.Context, []any) (any, error) {
				time.Sleep(30 * time.Millisecond)
				record("audit")
				return nil, nil
			},
		},
	}
	s.OnCall(func(path string, _ time.Duration, _ error) {
		if path != "helpers.audit" {
			record(path)
		}
	})

	got, err := s.Execute(context.Background(), `
		$helpers.audit();
		$logs("hi");
		$repos.main.create({ a: 1 });
		return 1;
	`, live, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != float64(1) {
		t.Errorf("result = %#v", got)
	}

	logs.mu.Lock()
	entries := len(logs.entries)
	logs.mu.Unlock()
	if entries != 1 {
		t.Errorf("log entries = %d, want 1", entries)
	}
	rows, _ := repo.Find(context.Background(), nil)
	if len(rows) != 1 || rows[0]["a"] != float64(1) {
		t.Errorf("repository rows = %#v, want the created row", rows)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(order, []string{"audit", "logs", "repos.main.create"}) {
		t.Errorf("dispatch order = %v", order)
	}
}

// A capability still running when its deadline passes fails the execution.
func TestSupervisor_DeadlineCoversPendingCalls(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	release := make(chan struct{})
	defer close(release)
	live := &ExecutionContext{
		Helpers: map[string]Func{
			"hang": func(ctx context.Context, _ []any) (any, error) {
				select {
				case <-ctx.Done():
				case <-release:
				}
				return nil, nil
			},
		},
	}

	start := time.Now()
	_, err := s.Execute(context.Background(), "$helpers.hang(); return 1;", live, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("pending call held the execution past its deadline")
	}
	if st := s.Pool().Stats(); st.Live != 0 {
		t.Errorf("worker kept after timeout: %+v", st)
	}
}

func TestSupervisor_ParallelExecutions(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live := &ExecutionContext{
				Body: map[string]any{"n": float64(i)},
				Helpers: map[string]Func{
					"double": func(_ context.Context, args []any) (any, error) {
						return args[0].(float64) * 2, nil
					},
				},
			}
			got, err := s.Execute(context.Background(), "return await $helpers.double($body.n);", live, 0)
			if err != nil {
				errs <- err
				return
			}
			if got != float64(i*2) {
				errs <- fmt.Errorf("execution %d got %v", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSupervisor_CallerCancellation(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.Execute(ctx, "while (true) {}", &ExecutionContext{}, 5*time.Second)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want canceled transport error", err)
	}
}

func TestSupervisor_TimeoutFor(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{}, nil, testLogger())
	if s.TimeoutFor(false) != 5*time.Second || s.TimeoutFor(true) != 60*time.Second {
		t.Errorf("defaults = %s / %s", s.TimeoutFor(false), s.TimeoutFor(true))
	}
	s = NewSupervisor(SupervisorConfig{DefaultTimeout: time.Second, StructuralTimeout: time.Minute}, nil, testLogger())
	if s.TimeoutFor(false) != time.Second || s.TimeoutFor(true) != time.Minute {
		t.Error("configured timeouts ignored")
	}
}

func TestSupervisor_ObservesCalls(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorConfig{})
	var (
		mu    sync.Mutex
		paths []string
	)
	s.OnCall(func(path string, _ time.Duration, _ error) {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
	})
	live := &ExecutionContext{Repos: map[string]Repository{"main": &memRepo{}}}
	if _, err := s.Execute(context.Background(), "await $repos.main.create({ id: 1 });", live, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(paths, []string{"repos.main.create"}) {
		t.Errorf("observed %v", paths)
	}
}

// A done that races the deadline settles the execution exactly once.
func TestSupervisor_SettlesOnce(t *testing.T) {
	const timeout = 5 * time.Millisecond
	l := &fakeLauncher{make: func() *fakeConn {
		return newFakeConn(func(c *fakeConn, env *protocol.Envelope) {
			if env.Type != protocol.MsgExecute {
				return
			}
			go func() {
				time.Sleep(timeout)
				c.emit(protocol.MsgDone, env.ExecutionID, protocol.DonePayload{Data: "ok"})
			}()
		})
	}}
	pool := NewPool(PoolConfig{MaxWorkers: 1}, l, testLogger())
	defer pool.Close()
	s := NewSupervisor(SupervisorConfig{}, pool, testLogger())

	for i := range 50 {
		got, err := s.Execute(context.Background(), "x", &ExecutionContext{}, timeout)
		switch {
		case err == nil && got == "ok":
		case errors.Is(err, ErrTimeout) && got == nil:
		default:
			t.Fatalf("iteration %d: got %v, err %v", i, got, err)
		}
		if st := pool.Stats(); st.Live > 1 {
			t.Fatalf("iteration %d: %d live workers", i, st.Live)
		}
	}
}

// Calls that arrive after settlement are never dispatched.
func TestSupervisor_NoDispatchAfterSettle(t *testing.T) {
	var invoked atomic.Bool
	l := &fakeLauncher{make: func() *fakeConn {
		return newFakeConn(func(c *fakeConn, env *protocol.Envelope) {
			if env.Type != protocol.MsgExecute {
				return
			}
			c.emit(protocol.MsgDone, env.ExecutionID, protocol.DonePayload{Data: 1})
			c.emit(protocol.MsgCall, env.ExecutionID, protocol.CallPayload{CallID: 1, Path: "helpers.x"})
		})
	}}
	pool := NewPool(PoolConfig{}, l, testLogger())
	defer pool.Close()
	s := NewSupervisor(SupervisorConfig{}, pool, testLogger())
	live := &ExecutionContext{
		Helpers: map[string]Func{"x": func(context.Context, []any) (any, error) { invoked.Store(true); return nil, nil }},
	}

	if _, err := s.Execute(context.Background(), "x", live, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The next execution on the same worker sees the stale call and drops it.
	if _, err := s.Execute(context.Background(), "x", live, 0); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if invoked.Load() {
		t.Error("a call arriving after settlement was dispatched")
	}
}

func TestSupervisor_WorkerExit(t *testing.T) {
	l := &fakeLauncher{make: func() *fakeConn {
		return newFakeConn(func(c *fakeConn, env *protocol.Envelope) {
			if env.Type == protocol.MsgExecute {
				go c.exit()
			}
		})
	}}
	pool := NewPool(PoolConfig{}, l, testLogger())
	defer pool.Close()
	s := NewSupervisor(SupervisorConfig{}, pool, testLogger())

	_, err := s.Execute(context.Background(), "x", &ExecutionContext{}, time.Second)
	ee, ok := AsExecutionError(err)
	if !ok || ee.Kind != KindTransport || ee.ExitCode != 2 {
		t.Fatalf("err = %v, want transport failure with exit code", err)
	}
	if pub := ee.Public(); pub.Message != "execution failed" {
		t.Errorf("public message leaks details: %q", pub.Message)
	}
}
