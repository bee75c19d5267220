package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

var (
	smsATS      = ratelimit.Key{Channel: domain.ChannelSMS, Provider: "ats"}
	smsTwilio   = ratelimit.Key{Channel: domain.ChannelSMS, Provider: "twilio"}
	pushDefault = ratelimit.Key{Channel: domain.ChannelPush, Provider: "default"}
)

// clock is a settable time source for the limiter.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, limit int, c *clock) *RedisRateLimiter {
	t.Helper()

	limiter, err := NewRedisRateLimiter(newTestRedisClient(t), limit)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}
	limiter.now = c.now
	return limiter
}

func TestNewRedisRateLimiter(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisRateLimiter(nil, 1); err == nil {
		t.Fatal("expected error without client")
	}

	limiter, err := NewRedisRateLimiter(newTestRedisClient(t), 0)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}
	if limiter.defaultLimit != defaultLimitPerSec {
		t.Fatalf("default limit = %d, want %d", limiter.defaultLimit, defaultLimitPerSec)
	}
}

func TestRedisRateLimiterAllow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		limit  int
		limits map[ratelimit.Key]int
		calls  []ratelimit.Key
		want   []bool
	}{
		{
			name:  "window budget",
			limit: 2,
			calls: []ratelimit.Key{smsATS, smsATS, smsATS},
			want:  []bool{true, true, false},
		},
		{
			name:  "keys are independent",
			limit: 1,
			calls: []ratelimit.Key{smsATS, smsTwilio, pushDefault, smsATS},
			want:  []bool{true, true, true, false},
		},
		{
			name:   "override raises one key",
			limit:  1,
			limits: map[ratelimit.Key]int{smsTwilio: 3},
			calls:  []ratelimit.Key{smsTwilio, smsTwilio, smsTwilio, smsTwilio, smsATS, smsATS},
			want:   []bool{true, true, true, false, true, false},
		},
		{
			name:   "zero override restores default",
			limit:  1,
			limits: map[ratelimit.Key]int{smsATS: 0},
			calls:  []ratelimit.Key{smsATS, smsATS},
			want:   []bool{true, false},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			limiter := newTestLimiter(t, tt.limit, &clock{t: time.Unix(1_700_000_000, 0)})
			for key, limit := range tt.limits {
				limiter.SetLimit(key, 5)
				limiter.SetLimit(key, limit)
			}

			for i, key := range tt.calls {
				allowed, err := limiter.Allow(context.Background(), key)
				if err != nil {
					t.Fatalf("Allow(%s) #%d error = %v", key, i+1, err)
				}
				if allowed != tt.want[i] {
					t.Fatalf("Allow(%s) #%d = %v, want %v", key, i+1, allowed, tt.want[i])
				}
			}
		})
	}
}

func TestRedisRateLimiterNextWindow(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1_700_000_100, 900*int64(time.Millisecond))}
	limiter := newTestLimiter(t, 1, c)

	for i, want := range []bool{true, false} {
		allowed, err := limiter.Allow(context.Background(), smsATS)
		if err != nil || allowed != want {
			t.Fatalf("Allow() #%d = %v, %v; want %v", i+1, allowed, err, want)
		}
	}

	c.t = c.t.Add(100 * time.Millisecond)
	allowed, err := limiter.Allow(context.Background(), smsATS)
	if err != nil || !allowed {
		t.Fatalf("Allow() in next window = %v, %v; want true", allowed, err)
	}
}

func TestRedisRateLimiterRejectsIncompleteKey(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 1, &clock{t: time.Now()})
	for _, key := range []ratelimit.Key{{Channel: domain.ChannelSMS}, {Provider: "ats"}} {
		if _, err := limiter.Allow(context.Background(), key); err == nil {
			t.Fatalf("Allow(%+v) error = nil, want error", key)
		}
	}
}

func TestRedisRateLimiterWaitSleepsToNextWindow(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1_700_000_200, 250*int64(time.Millisecond))}
	limiter := newTestLimiter(t, 1, c)

	var slept []time.Duration
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		c.t = c.t.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background(), pushDefault); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if len(slept) != 0 {
		t.Fatalf("first Wait() slept %v, want no sleep", slept)
	}

	if err := limiter.Wait(context.Background(), pushDefault); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if len(slept) != 1 || slept[0] != 750*time.Millisecond {
		t.Fatalf("slept = %v, want [750ms]", slept)
	}
}

func TestRedisRateLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 1, &clock{t: time.Unix(1_700_000_300, 0)})
	if allowed, err := limiter.Allow(context.Background(), smsATS); err != nil || !allowed {
		t.Fatalf("Allow() = %v, %v; want true", allowed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, smsATS); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
