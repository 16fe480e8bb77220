package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisStore shares windows across processes. The window starts at the
// first hit as seen by Redis, so the caller's clock is ignored. Only use it
// where exact global limits are required; the in-process store is the
// default.
type RedisStore struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryStore
	Logger   logrus.FieldLogger
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client:   client,
		Prefix:   "agentbase:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewMemoryStore(),
	}
}

func (s *RedisStore) logger() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, limit int, size time.Duration) (Decision, error) {
	d, err := s.hit(ctx, key, limit, size)
	if err == nil {
		return d, nil
	}
	if s.Fallback == nil {
		return Decision{}, err
	}
	s.logger().WithError(err).WithField("key", key).Warn("redis rate limit failed; using in-process window")
	return s.Fallback.Hit(ctx, key, now, limit, size)
}

func (s *RedisStore) hit(ctx context.Context, key string, limit int, size time.Duration) (Decision, error) {
	if s.Client == nil {
		return Decision{}, fmt.Errorf("redis client not configured")
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	res, err := fixedWindowScript.Run(ctx, s.Client, []string{s.Prefix + key}, size.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result %v", res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected rate limit count %v", vals[0])
	}
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = size.Milliseconds()
	}
	if int(count) > limit {
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: retryAfter(time.Duration(ttlMs) * time.Millisecond),
			Count:             int(count),
			Limit:             limit,
		}, nil
	}
	return Decision{Allowed: true, Count: int(count), Limit: limit}, nil
}
