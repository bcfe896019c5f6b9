package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	defaultMaxIdle    = 4
	defaultMaxWorkers = 32
	defaultMaxUses    = 100
)

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MaxIdle    int // Warm workers kept between executions. Negative = no pooling.
	MaxWorkers int // Live workers, busy or idle.
	MaxUses    int // Executions before a worker is retired.
}

// WorkerHandle is one worker process plus its per-execution bookkeeping.
type WorkerHandle struct {
	ID   string
	conn Conn
	uses int

	// done is the settlement flag for the current execution.
	done atomic.Bool
	// retired is set once the worker has been killed and its slot freed.
	retired atomic.Bool
}

// Conn exposes the worker channel.
func (h *WorkerHandle) Conn() Conn { return h.conn }

// begin resets the handle for a new execution.
func (h *WorkerHandle) begin() {
	h.uses++
	h.done.Store(false)
}

// settle marks the current execution finished. Only the first caller gets true.
func (h *WorkerHandle) settle() bool {
	return h.done.CompareAndSwap(false, true)
}

// settled reports whether the current execution has finished.
func (h *WorkerHandle) settled() bool {
	return h.done.Load()
}

func (h *WorkerHandle) alive() bool {
	select {
	case <-h.conn.Done():
		return false
	default:
		return true
	}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Live int
	Idle int
}

// Pool hands out workers so that two executions never share one process.
// Workers that failed or timed out are destroyed, never returned.
type Pool struct {
	cfg      PoolConfig
	launcher Launcher
	logger   *slog.Logger

	idle  chan *WorkerHandle
	slots chan struct{} // one token per live worker

	mu     sync.Mutex
	closed bool
	quit   chan struct{}
}

// NewPool creates a pool backed by launcher.
func NewPool(cfg PoolConfig, launcher Launcher, logger *slog.Logger) *Pool {
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = defaultMaxIdle
	}
	if cfg.MaxIdle < 0 {
		cfg.MaxIdle = 0
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxIdle > cfg.MaxWorkers {
		cfg.MaxIdle = cfg.MaxWorkers
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = defaultMaxUses
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		idle:     make(chan *WorkerHandle, cfg.MaxIdle),
		slots:    make(chan struct{}, cfg.MaxWorkers),
		quit:     make(chan struct{}),
	}
}

// Acquire returns an idle worker or starts a new one, waiting for a free
// slot when MaxWorkers are live.
func (p *Pool) Acquire(ctx context.Context) (*WorkerHandle, error) {
	for {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}

		// Prefer a warm worker.
		select {
		case h := <-p.idle:
			if h.alive() {
				return h, nil
			}
			p.discard(h)
			continue
		default:
		}

		select {
		case h := <-p.idle:
			if h.alive() {
				return h, nil
			}
			p.discard(h)
		case p.slots <- struct{}{}:
			h, err := p.spawn(ctx)
			if err != nil {
				<-p.slots
				return nil, err
			}
			return h, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.quit:
			return nil, ErrPoolClosed
		}
	}
}

func (p *Pool) spawn(ctx context.Context) (*WorkerHandle, error) {
	conn, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launching worker: %w", err)
	}
	h := &WorkerHandle{ID: uuid.NewString(), conn: conn}
	p.logger.Debug("sandbox worker added",
		slog.String("worker_id", h.ID),
		slog.Int("pid", conn.PID()),
	)
	return h, nil
}

// Release returns a healthy worker to the idle set, or retires it.
// The closed check and the hand-off happen under p.mu so Close never
// misses a worker parked concurrently.
func (p *Pool) Release(h *WorkerHandle) {
	if !h.alive() || h.uses >= p.cfg.MaxUses {
		p.Destroy(h)
		return
	}
	p.mu.Lock()
	parked := false
	if !p.closed {
		select {
		case p.idle <- h:
			parked = true
		default:
		}
	}
	p.mu.Unlock()
	if !parked {
		p.Destroy(h)
	}
}

// Destroy kills a worker and frees its slot.
func (p *Pool) Destroy(h *WorkerHandle) {
	p.discard(h)
}

func (p *Pool) discard(h *WorkerHandle) {
	if !h.retired.CompareAndSwap(false, true) {
		return
	}
	if err := h.conn.Kill(); err != nil {
		p.logger.Warn("failed to kill sandbox worker",
			slog.String("worker_id", h.ID),
			slog.String("error", err.Error()),
		)
	}
	<-p.slots
}

// Warm starts up to n idle workers ahead of demand.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n > p.cfg.MaxIdle {
		n = p.cfg.MaxIdle
	}
	for range n {
		select {
		case p.slots <- struct{}{}:
		default:
			return nil
		}
		h, err := p.spawn(ctx)
		if err != nil {
			<-p.slots
			return err
		}
		p.Release(h)
	}
	return nil
}

// Stats reports live and idle worker counts.
func (p *Pool) Stats() PoolStats {
	return PoolStats{Live: len(p.slots), Idle: len(p.idle)}
}

// Close kills idle workers. Busy workers are destroyed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	// Release cannot park a worker once closed is set.
	for {
		select {
		case h := <-p.idle:
			p.discard(h)
		default:
			return nil
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
