package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 100

	window = time.Second
	// Window keys outlive their second so a lagging process still counts
	// against the same bucket.
	windowTTLSeconds = 2
	minRetry         = time.Millisecond
)

// countScript bumps the counter of one window and returns the new value.
var countScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed window limiter shared by every engine
// process. Each channel:provider key gets its own per-second budget.
type RedisRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	limits       map[string]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	limit := int64(limitPerSec)
	if limit <= 0 {
		limit = defaultLimitPerSec
	}

	return &RedisRateLimiter{
		client:       client,
		defaultLimit: limit,
		limits:       make(map[string]int64),
		now:          time.Now,
		sleep:        sleepCtx,
	}, nil
}

// SetLimit overrides the per-second budget of one key; a non-positive limit
// restores the default. It must be called before the limiter is shared
// between goroutines.
func (r *RedisRateLimiter) SetLimit(key ratelimit.Key, limitPerSec int) {
	if limitPerSec <= 0 {
		delete(r.limits, key.String())
		return
	}
	r.limits[key.String()] = int64(limitPerSec)
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key ratelimit.Key) (bool, error) {
	allowed, _, err := r.take(ctx, key)
	return allowed, err
}

// Wait blocks until the key has budget left, sleeping to the start of the
// next window whenever the current one is spent.
func (r *RedisRateLimiter) Wait(ctx context.Context, key ratelimit.Key) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		allowed, retryIn, err := r.take(ctx, key)
		if err != nil || allowed {
			return err
		}
		if err := r.sleep(ctx, retryIn); err != nil {
			return err
		}
	}
}

// take consumes one call from the current window. When the window is spent
// it reports how long until the next one opens.
func (r *RedisRateLimiter) take(ctx context.Context, key ratelimit.Key) (bool, time.Duration, error) {
	if r == nil || r.client == nil {
		return false, 0, fmt.Errorf("rate limiter is not initialized")
	}
	if strings.TrimSpace(key.Channel.String()) == "" || strings.TrimSpace(key.Provider) == "" {
		return false, 0, fmt.Errorf("channel and provider are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	name := key.String()
	now := r.now().UTC()
	start := now.Truncate(window)

	count, err := countScript.Run(ctx, r.client, []string{windowKey(name, start)}, windowTTLSeconds).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("failed to count %s calls: %w", name, err)
	}

	limit := r.defaultLimit
	if l, ok := r.limits[name]; ok {
		limit = l
	}
	if count <= limit {
		return true, 0, nil
	}

	retryIn := start.Add(window).Sub(now)
	if retryIn < minRetry {
		retryIn = minRetry
	}
	return false, retryIn, nil
}

func windowKey(name string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", name, start.Unix())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
