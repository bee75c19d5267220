// Package ratelimit bounds the request rate towards vendor APIs.
package ratelimit

import (
	"context"
	"strings"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// Key identifies one rate limited stream: a provider on a channel.
type Key struct {
	Channel  domain.Channel
	Provider string
}

func (k Key) String() string {
	return strings.ToLower(strings.TrimSpace(k.Channel.String())) + ":" + strings.ToLower(strings.TrimSpace(k.Provider))
}

// RateLimiter controls vendor call throughput per channel and provider.
type RateLimiter interface {
	Allow(ctx context.Context, key Key) (bool, error)
	Wait(ctx context.Context, key Key) error
}

// Unlimited never throttles. It is used when no Redis is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, Key) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ Key) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

var _ RateLimiter = Unlimited{}
