package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newFakePool(cfg PoolConfig) (*Pool, *fakeLauncher) {
	l := &fakeLauncher{make: func() *fakeConn { return newFakeConn(nil) }}
	return NewPool(cfg, l, testLogger()), l
}

func TestPool_ReusesIdleWorker(t *testing.T) {
	p, l := newFakePool(PoolConfig{})
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h1.begin()
	p.Release(h1)

	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h2 != h1 {
		t.Error("expected the idle worker to be reused")
	}
	if len(l.conns) != 1 {
		t.Errorf("launched %d workers, want 1", len(l.conns))
	}
}

func TestPool_NeverSharesAWorker(t *testing.T) {
	p, _ := newFakePool(PoolConfig{MaxWorkers: 4})
	defer p.Close()

	var (
		mu   sync.Mutex
		held = make(map[*WorkerHandle]bool)
		wg   sync.WaitGroup
		errs = make(chan error, 64)
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			if held[h] {
				mu.Unlock()
				errs <- errors.New("worker handed out twice")
				return
			}
			held[h] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			delete(held, h)
			mu.Unlock()
			h.begin()
			p.Release(h)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if live := p.Stats().Live; live > 4 {
		t.Errorf("live workers = %d, want <= 4", live)
	}
}

func TestPool_AcquireWaitsForSlot(t *testing.T) {
	p, _ := newFakePool(PoolConfig{MaxWorkers: 1})
	defer p.Close()

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire with a full pool: err = %v, want deadline exceeded", err)
	}

	got := make(chan *WorkerHandle, 1)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err == nil {
			got <- h2
		}
	}()
	time.Sleep(10 * time.Millisecond)
	h.begin()
	p.Release(h)

	select {
	case h2 := <-got:
		if h2 != h {
			t.Error("waiter should receive the released worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received a worker")
	}
}

func TestPool_DestroyFreesSlotOnce(t *testing.T) {
	p, l := newFakePool(PoolConfig{MaxWorkers: 1})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	p.Destroy(h)
	p.Destroy(h)
	if !l.conns[0].killed.Load() {
		t.Error("destroyed worker was not killed")
	}
	if s := p.Stats(); s.Live != 0 {
		t.Errorf("live = %d after destroy, want 0", s.Live)
	}

	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after destroy: %v", err)
	}
	if h2 == h {
		t.Error("a destroyed worker was handed out again")
	}
}

func TestPool_DeadIdleWorkerIsReplaced(t *testing.T) {
	p, l := newFakePool(PoolConfig{})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	h.begin()
	p.Release(h)
	l.conns[0].exit()

	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h2 == h {
		t.Error("a dead worker was handed out")
	}
	if s := p.Stats(); s.Live != 1 {
		t.Errorf("live = %d, want 1", s.Live)
	}
}

func TestPool_RetiresAfterMaxUses(t *testing.T) {
	p, l := newFakePool(PoolConfig{MaxUses: 2})
	defer p.Close()

	for range 3 {
		h, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		h.begin()
		p.Release(h)
	}
	if len(l.conns) != 2 {
		t.Errorf("launched %d workers, want 2", len(l.conns))
	}
	if !l.conns[0].killed.Load() {
		t.Error("worker past MaxUses was not retired")
	}
}

func TestPool_NoPooling(t *testing.T) {
	p, l := newFakePool(PoolConfig{MaxIdle: -1})
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	h.begin()
	p.Release(h)
	if !l.conns[0].killed.Load() || p.Stats().Idle != 0 {
		t.Error("with pooling disabled, released workers must be destroyed")
	}
}

func TestPool_WarmAndClose(t *testing.T) {
	p, l := newFakePool(PoolConfig{MaxIdle: 2})

	if err := p.Warm(context.Background(), 5); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if s := p.Stats(); s.Idle != 2 || s.Live != 2 {
		t.Errorf("stats after warm = %+v, want 2 idle", s)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, c := range l.conns {
		if !c.killed.Load() {
			t.Errorf("worker %d survived Close", i)
		}
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close: err = %v, want ErrPoolClosed", err)
	}
}

// Workers released while the pool is closing are killed, never parked.
func TestPool_ReleaseRacingClose(t *testing.T) {
	for range 50 {
		p, l := newFakePool(PoolConfig{MaxIdle: 8, MaxWorkers: 8})
		handles := make([]*WorkerHandle, 8)
		for i := range handles {
			h, err := p.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			h.begin()
			handles[i] = h
		}

		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Release(h)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Close()
		}()
		wg.Wait()

		for i, c := range l.conns {
			if !c.killed.Load() {
				t.Fatalf("worker %d left alive after Close", i)
			}
		}
		if s := p.Stats(); s.Live != 0 || s.Idle != 0 {
			t.Fatalf("stats after Close = %+v", s)
		}
	}
}

func TestWorkerHandle_SettleOnce(t *testing.T) {
	h := &WorkerHandle{}
	h.begin()

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.settle() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("settle succeeded %d times, want 1", wins)
	}

	h.begin()
	if h.settled() {
		t.Error("begin must reset settlement")
	}
}
