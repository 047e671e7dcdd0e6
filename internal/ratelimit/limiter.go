// Package ratelimit throttles how fast workers launch test processes.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces test launches across all workers. A rate of zero
// disables throttling.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows perSecond launches per second with bursts of up to
// burst launches. burst is raised to at least one when throttling is on.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond > 0 && burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the next launch is allowed or ctx is done. A nil
// limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.limiter.Limit() <= 0 {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}
