package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	lim := New(NewMemoryStore(), 60, time.Minute)
	lim.Now = clock.Now
	return lim, clock
}

func TestSixtyFirstRequestRejected(t *testing.T) {
	lim, clock := newTestLimiter()
	ctx := context.Background()
	for i := 1; i <= 60; i++ {
		d := lim.Check(ctx, "human:u1")
		if !d.Allowed {
			t.Fatalf("request %d rejected: %+v", i, d)
		}
		clock.Advance(500 * time.Millisecond)
	}
	d := lim.Check(ctx, "human:u1")
	if d.Allowed {
		t.Fatalf("expected 61st request rejected")
	}
	// 30s elapsed since window start.
	if d.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", d.RetryAfterSeconds)
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	lim, clock := newTestLimiter()
	lim.Limit = 1
	ctx := context.Background()
	lim.Check(ctx, "agent:a1")
	clock.Advance(59*time.Second + 100*time.Millisecond)
	d := lim.Check(ctx, "agent:a1")
	if d.Allowed || d.RetryAfterSeconds != 1 {
		t.Fatalf("expected denial with retry 1, got %+v", d)
	}
}

func TestWindowResetsAtBoundary(t *testing.T) {
	lim, clock := newTestLimiter()
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		lim.Check(ctx, "human:u1")
	}
	if lim.Check(ctx, "human:u1").Allowed {
		t.Fatalf("expected limit reached")
	}
	clock.Advance(time.Minute)
	d := lim.Check(ctx, "human:u1")
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset to count 1 at window boundary, got %+v", d)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	lim, _ := newTestLimiter()
	lim.Limit = 2
	ctx := context.Background()
	lim.Check(ctx, "human:u1")
	lim.Check(ctx, "human:u1")
	if lim.Check(ctx, "human:u1").Allowed {
		t.Fatalf("expected u1 limited")
	}
	if !lim.Check(ctx, "agent:u1").Allowed {
		t.Fatalf("expected agent:u1 unaffected by human:u1")
	}
}

func TestConcurrentHitsDoNotLoseUpdates(t *testing.T) {
	lim, _ := newTestLimiter()
	lim.Limit = 1000
	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				lim.Check(ctx, "human:shared")
			}
		}()
	}
	wg.Wait()
	d := lim.Check(ctx, "human:shared")
	if d.Count != 501 {
		t.Fatalf("expected count 501 after 500 concurrent hits, got %d", d.Count)
	}
}

func TestSweepDropsExpiredWindows(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	store.Hit(ctx, "a", now, 60, time.Minute)
	store.Hit(ctx, "b", now.Add(30*time.Second), 60, time.Minute)
	store.Sweep(now.Add(time.Minute), time.Minute)
	if store.Len() != 1 {
		t.Fatalf("expected only the live window to remain, got %d", store.Len())
	}
	d, _ := store.Hit(ctx, "a", now.Add(time.Minute), 60, time.Minute)
	if d.Count != 1 {
		t.Fatalf("expected fresh window after sweep, got %+v", d)
	}
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Time, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("boom")
}

func TestStoreFailureAllows(t *testing.T) {
	lim := New(failingStore{}, 1, time.Minute)
	if !lim.Check(context.Background(), "human:u1").Allowed {
		t.Fatalf("expected advisory limiter to allow on store failure")
	}
}

func TestRedisStoreFixedWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := New(NewRedisStore(client), 2, time.Minute)
	ctx := context.Background()
	if !lim.Check(ctx, "agent:a1").Allowed || !lim.Check(ctx, "agent:a1").Allowed {
		t.Fatalf("expected first two hits allowed")
	}
	d := lim.Check(ctx, "agent:a1")
	if d.Allowed || d.RetryAfterSeconds < 1 || d.RetryAfterSeconds > 60 {
		t.Fatalf("expected third hit denied with retry in (0,60], got %+v", d)
	}
	mr.FastForward(time.Minute)
	d = lim.Check(ctx, "agent:a1")
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
}

func TestRedisStoreFallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   -1,
	})
	defer client.Close()
	lim := New(NewRedisStore(client), 1, time.Minute)
	ctx := context.Background()
	if !lim.Check(ctx, "agent:a1").Allowed {
		t.Fatalf("expected fallback first hit allowed")
	}
	if lim.Check(ctx, "agent:a1").Allowed {
		t.Fatalf("expected fallback window to enforce limit")
	}
}
