package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	dead  bool
}

// MemoryStore keeps one window per key in process memory. The map lock is
// held only to find or create an entry; counting happens under the entry's
// own lock so unrelated actors never contend.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) entry(key string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	return w
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, limit int, size time.Duration) (Decision, error) {
	for {
		w := s.entry(key)
		w.mu.Lock()
		if w.dead {
			// Swept between lookup and lock; take the replacement entry.
			w.mu.Unlock()
			continue
		}
		d := w.hit(now, limit, size)
		w.mu.Unlock()
		return d, nil
	}
}

func (w *window) hit(now time.Time, limit int, size time.Duration) Decision {
	elapsed := now.Sub(w.start)
	if w.count == 0 || elapsed >= size {
		w.start = now
		w.count = 1
		return Decision{Allowed: true, Count: 1, Limit: limit}
	}
	if w.count >= limit {
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: retryAfter(size - elapsed),
			Count:             w.count,
			Limit:             limit,
		}
	}
	w.count++
	return Decision{Allowed: true, Count: w.count, Limit: limit}
}

// Sweep drops windows that have fully elapsed. Entries busy in another
// goroutine are skipped and picked up on a later sweep.
func (s *MemoryStore) Sweep(now time.Time, size time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if !w.mu.TryLock() {
			continue
		}
		if now.Sub(w.start) >= size {
			w.dead = true
			delete(s.windows, key)
		}
		w.mu.Unlock()
	}
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
