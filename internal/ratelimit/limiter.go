// Package ratelimit implements the fixed-window, per-actor request counter
// that guards the command surface. It is advisory backpressure: a store
// failure lets the request through rather than failing it.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second

	sweepEvery = 1024
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Count             int
	Limit             int
}

// Store counts hits per key. Implementations must make Hit safe for
// concurrent use on the same and on different keys.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (Decision, error)
}

type sweeper interface {
	Sweep(now time.Time, window time.Duration)
}

// Limiter applies one limit/window pair on top of a Store.
type Limiter struct {
	Store  Store
	Limit  int
	Window time.Duration
	Now    func() time.Time
	Logger logrus.FieldLogger

	hits atomic.Uint64
}

// New returns a limiter with defaults filled in for zero values.
func New(store Store, limit int, window time.Duration) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{Store: store, Limit: limit, Window: window, Now: time.Now}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) logger() logrus.FieldLogger {
	if l.Logger != nil {
		return l.Logger
	}
	return logrus.StandardLogger()
}

// Check counts one request for key and reports whether it may proceed.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	now := l.now()
	d, err := l.Store.Hit(ctx, key, now, l.Limit, l.Window)
	if err != nil {
		l.logger().WithError(err).WithField("key", key).Warn("rate limit store unavailable; allowing request")
		return Decision{Allowed: true, Limit: l.Limit}
	}
	if s, ok := l.Store.(sweeper); ok && l.hits.Add(1)%sweepEvery == 0 {
		s.Sweep(now, l.Window)
	}
	return d
}

// retryAfter rounds the remaining window up to whole seconds, never below 1.
func retryAfter(remaining time.Duration) int {
	ms := remaining.Milliseconds()
	secs := int((ms + 999) / 1000)
	if secs < 1 {
		secs = 1
	}
	return secs
}
