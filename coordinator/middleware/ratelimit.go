// Package middleware provides reusable NotificationChannel middlewares.
package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/handoff/coordinator"
)

type (
	// RateLimitedNotifier wraps a NotificationChannel with a per-channel token
	// bucket. Chat platforms throttle bot posts per conversation; the limiter
	// blocks until capacity is available or the context ends, so bursts of
	// confirmation prompts degrade to delays instead of API rejections.
	RateLimitedNotifier struct {
		next  coordinator.NotificationChannel
		limit rate.Limit
		burst int

		mu       sync.Mutex
		limiters map[string]*rate.Limiter
	}
)

// NewRateLimitedNotifier wraps next with a token bucket of the given rate and
// burst per channel. A non-positive rate disables limiting.
func NewRateLimitedNotifier(next coordinator.NotificationChannel, limit rate.Limit, burst int) *RateLimitedNotifier {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedNotifier{
		next:     next,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// PostConfirmation implements coordinator.NotificationChannel.
func (n *RateLimitedNotifier) PostConfirmation(ctx context.Context, post coordinator.ConfirmationPost) error {
	if n.limit > 0 {
		if err := n.limiter(post.Channel).Wait(ctx); err != nil {
			return err
		}
	}
	return n.next.PostConfirmation(ctx, post)
}

func (n *RateLimitedNotifier) limiter(channel string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[channel]
	if !ok {
		l = rate.NewLimiter(n.limit, n.burst)
		n.limiters[channel] = l
	}
	return l
}
