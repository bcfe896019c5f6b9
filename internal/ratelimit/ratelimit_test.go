package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("unlimited limiter rejected: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("k"); err != nil {
		t.Errorf("nil limiter rejected: %v", err)
	}
}

func TestLimiter_BurstThenReject(t *testing.T) {
	now := time.Now()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	l.now = func() time.Time { return now }

	for i := range 3 {
		if err := l.Allow("orders|1.2.3.4"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("orders|1.2.3.4"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request = %v, want ErrRateLimited", err)
	}
	if got := l.RetryAfter("orders|1.2.3.4"); got != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", got)
	}

	// Another key has its own bucket.
	if err := l.Allow("orders|5.6.7.8"); err != nil {
		t.Errorf("independent key rejected: %v", err)
	}

	// One token refills per second at 60 rpm.
	now = now.Add(time.Second)
	if err := l.Allow("orders|1.2.3.4"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	now := time.Now()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	l.now = func() time.Time { return now }

	_ = l.Allow("a")
	_ = l.Allow("b")
	_ = l.Allow("b")

	now = now.Add(time.Minute)
	l.mu.Lock()
	l.sweep(now)
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets after sweep = %d, want 0", n)
	}
}

func TestKey(t *testing.T) {
	if got := Key("GET /x", "10.0.0.1"); got != "GET /x|10.0.0.1" {
		t.Errorf("Key = %q", got)
	}
}
