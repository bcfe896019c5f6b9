package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/hookd/internal/protocol"
)

const (
	defaultTimeout           = 5 * time.Second
	defaultStructuralTimeout = 60 * time.Second
)

// SupervisorConfig configures execution deadlines and the context projection.
type SupervisorConfig struct {
	DefaultTimeout    time.Duration // Ordinary executions.
	StructuralTimeout time.Duration // Executions that run schema/structural operations.
	AllowedHeaders    []string      // Nil = DefaultAllowedHeaders.
	TrustedProxies    ProxyTrust    // Peers whose forwarding headers set req.ip.
}

// CallObserver is told about every capability call a worker makes.
type CallObserver func(path string, duration time.Duration, err error)

// Supervisor runs code bodies on pooled workers and routes their capability
// calls back to the live context.
type Supervisor struct {
	cfg        SupervisorConfig
	pool       *Pool
	serializer *Serializer
	logger     *slog.Logger
	observe    CallObserver
}

var _ Executor = (*Supervisor)(nil)

// NewSupervisor creates a supervisor drawing workers from pool.
func NewSupervisor(cfg SupervisorConfig, pool *Pool, logger *slog.Logger) *Supervisor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.StructuralTimeout <= 0 {
		cfg.StructuralTimeout = defaultStructuralTimeout
	}
	return &Supervisor{
		cfg:        cfg,
		pool:       pool,
		serializer: NewSerializer(cfg.AllowedHeaders).TrustProxies(cfg.TrustedProxies),
		logger:     logger,
		observe:    func(string, time.Duration, error) {},
	}
}

// OnCall registers an observer for capability calls. Not safe to call
// concurrently with Execute.
func (s *Supervisor) OnCall(fn CallObserver) {
	if fn != nil {
		s.observe = fn
	}
}

// TimeoutFor returns the deadline for an ordinary or a structural execution.
func (s *Supervisor) TimeoutFor(structural bool) time.Duration {
	if structural {
		return s.cfg.StructuralTimeout
	}
	return s.cfg.DefaultTimeout
}

// Pool returns the worker pool.
func (s *Supervisor) Pool() *Pool { return s.pool }

// Execute runs code against live and returns the value the code returned.
// A timeout <= 0 selects the default deadline. Every failure is an *ExecutionError.
func (s *Supervisor) Execute(ctx context.Context, code string, live *ExecutionContext, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if live == nil {
		live = &ExecutionContext{}
	}

	// 1. Acquire a worker.
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceledError(ctx)
		}
		return nil, transportError(err)
	}
	h.begin()

	run := &execution{
		s:       s,
		h:       h,
		id:      uuid.NewString(),
		code:    code,
		live:    live,
		timeout: timeout,
		aborts:  make(chan *ScriptError, 1),
		logger:  s.logger.With(slog.String("worker_id", h.ID)),
	}
	return run.run(ctx)
}

// execution is one Execute call on one worker.
type execution struct {
	s       *Supervisor
	h       *WorkerHandle
	id      string
	code    string
	live    *ExecutionContext
	timeout time.Duration
	logger  *slog.Logger

	// aborts carries a capability's request to end the execution.
	aborts chan *ScriptError
	// over is set when Execute returns, so queued calls of a failed
	// execution stay quiet.
	over atomic.Bool

	// calls tracks dispatched capability calls; tail is closed when the
	// most recently queued call has finished.
	calls sync.WaitGroup
	tail  chan struct{}
}

func (e *execution) finished() bool {
	return e.over.Load() || e.h.settled()
}

func (e *execution) run(ctx context.Context) (any, error) {
	defer e.over.Store(true)

	callCtx, cancelCalls := context.WithCancel(ctx)
	defer cancelCalls()

	conn := e.h.conn
	start := time.Now()

	// 2. Arm the deadline.
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	// 3. Send the execute request.
	env, err := protocol.NewEnvelope(protocol.MsgExecute, e.id, protocol.ExecutePayload{
		Context: e.s.serializer.Serialize(e.live),
		Code:    e.code,
	})
	if err != nil {
		e.h.settle()
		e.s.pool.Release(e.h)
		return nil, transportError(err)
	}
	if err := conn.Send(env); err != nil {
		return e.fail(transportError(err))
	}

	e.logger.Debug("sandbox execution started",
		slog.String("execution_id", e.id),
		slog.Duration("timeout", e.timeout),
	)

	msgs := conn.Messages()
	var exited <-chan struct{}
	for {
		select {
		case <-timer.C:
			if e.h.settle() {
				e.logger.Warn("sandbox execution timed out",
					slog.String("execution_id", e.id),
					slog.Duration("timeout", e.timeout),
				)
				e.s.pool.Destroy(e.h)
				return nil, timeoutError(e.timeout, e.code)
			}

		case <-ctx.Done():
			if e.h.settle() {
				e.s.pool.Destroy(e.h)
				return nil, canceledError(ctx)
			}

		case se := <-e.aborts:
			if e.h.settle() {
				e.s.pool.Destroy(e.h)
				return nil, abortedError(se)
			}

		case <-exited:
			if e.h.settle() {
				ee := transportError(conn.Err())
				e.logger.Warn("sandbox worker exited unexpectedly",
					slog.String("execution_id", e.id),
					slog.String("error", ee.Error()),
					slog.String("stderr", tail(ee.Stderr, 2048)),
				)
				e.s.pool.Destroy(e.h)
				return nil, ee
			}

		case env, ok := <-msgs:
			if !ok {
				// Buffered messages are drained; now wait for the exit status.
				msgs = nil
				exited = conn.Done()
				continue
			}
			if env.ExecutionID != e.id {
				e.logger.Debug("dropping message from a previous execution",
					slog.String("type", string(env.Type)),
				)
				continue
			}

			switch env.Type {
			case protocol.MsgCall:
				var call protocol.CallPayload
				if err := env.Decode(&call); err != nil {
					return e.fail(transportError(err))
				}
				if se := e.route(callCtx, call); se != nil {
					// 4. errors.<name>: the code asked to abort.
					if e.h.settle() {
						e.s.pool.Destroy(e.h)
						return nil, abortedError(se)
					}
				}

			case protocol.MsgDone:
				var done protocol.DonePayload
				if err := env.Decode(&done); err != nil {
					return e.fail(transportError(err))
				}
				// Calls sent before done still take effect.
				if err := e.drain(ctx, timer.C); err != nil {
					return nil, err
				}
				// 5. Success: merge and hand the worker back.
				if e.h.settle() {
					timer.Stop()
					Merge(e.live, done.Context)
					e.s.pool.Release(e.h)
					e.logger.Debug("sandbox execution completed",
						slog.String("execution_id", e.id),
						slog.Duration("duration", time.Since(start)),
					)
					return done.Data, nil
				}

			case protocol.MsgError:
				var payload protocol.ErrorPayload
				if err := env.Decode(&payload); err != nil {
					return e.fail(transportError(err))
				}
				// 6. The code threw; the worker state is no longer trusted.
				if e.h.settle() {
					e.s.pool.Destroy(e.h)
					return nil, userScriptError(payload.Error)
				}

			default:
				return e.fail(transportError(errors.New("unexpected message type " + string(env.Type))))
			}
		}
	}
}

// fail settles with err and destroys the worker. If the execution was
// already settled, err is still returned to the single caller of run.
func (e *execution) fail(err *ExecutionError) (any, error) {
	e.h.settle()
	e.s.pool.Destroy(e.h)
	return nil, err
}

// route resolves a call and queues it behind the calls received before
// it. An error constructor is returned to the caller instead of being
// dispatched.
func (e *execution) route(ctx context.Context, call protocol.CallPayload) *ScriptError {
	b, err := Resolve(e.live, call.Path)
	if err == nil && b.Abort {
		e.s.observe(call.Path, 0, nil)
		return b.ScriptError(call.Args)
	}

	prev := e.tail
	next := make(chan struct{})
	e.tail = next
	e.calls.Add(1)
	go func() {
		defer e.calls.Done()
		defer close(next)
		if prev != nil {
			<-prev
		}
		e.dispatch(ctx, call, b, err)
	}()
	return nil
}

// drain waits for every queued call to finish. The deadline, cancellation
// and capability aborts still settle the execution while it waits.
func (e *execution) drain(ctx context.Context, deadline <-chan time.Time) error {
	idle := make(chan struct{})
	go func() {
		e.calls.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-deadline:
		if e.h.settle() {
			e.logger.Warn("sandbox execution timed out waiting for capability calls",
				slog.String("execution_id", e.id),
				slog.Duration("timeout", e.timeout),
			)
		}
		e.s.pool.Destroy(e.h)
		return timeoutError(e.timeout, e.code)
	case <-ctx.Done():
		e.h.settle()
		e.s.pool.Destroy(e.h)
		return canceledError(ctx)
	case se := <-e.aborts:
		e.h.settle()
		e.s.pool.Destroy(e.h)
		return abortedError(se)
	}
}

// dispatch invokes one capability and replies to the worker.
func (e *execution) dispatch(ctx context.Context, call protocol.CallPayload, b *Binding, resolveErr error) {
	if e.finished() {
		return
	}

	var (
		result any
		err    = resolveErr
	)
	if err == nil {
		started := time.Now()
		result, err = b.Invoke(ctx, call.Args)
		e.s.observe(call.Path, time.Since(started), err)
	} else {
		e.s.observe(call.Path, 0, err)
	}
	if e.finished() {
		return
	}

	var abort *AbortError
	if errors.As(err, &abort) {
		select {
		case e.aborts <- abort.Err:
		default:
		}
		return
	}

	reply := protocol.CallResultPayload{CallID: call.CallID}
	if err != nil {
		reply.Error = true
		reply.ErrorResponse = errorResponse(err)
	} else {
		reply.Result = SerializeValue(result, "")
	}

	env, encErr := protocol.NewEnvelope(protocol.MsgCallResult, e.id, reply)
	if encErr != nil {
		env, _ = protocol.NewEnvelope(protocol.MsgCallResult, e.id, protocol.CallResultPayload{
			CallID:        call.CallID,
			Error:         true,
			ErrorResponse: &protocol.ErrorResponse{Message: "capability returned an unencodable result", Name: "Error", StatusCode: http.StatusInternalServerError},
		})
	}
	if sendErr := e.h.conn.Send(env); sendErr != nil {
		e.logger.Debug("failed to deliver call result",
			slog.String("path", call.Path),
			slog.String("error", sendErr.Error()),
		)
	}
}

// errorResponse keeps whatever structure the capability's error carries.
func errorResponse(err error) *protocol.ErrorResponse {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Response()
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return pe.Response()
	}
	return &protocol.ErrorResponse{Message: err.Error(), Name: "Error", StatusCode: http.StatusInternalServerError}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
