// Package ratelimit implements the run-wide token bucket shared by every worker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/metrics"
)

// Limiter is a global request-rate ceiling. It is safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

var _ harvest.Limiter = (*Limiter)(nil)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond <= 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not a delay.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}

// Limit returns the configured rate; rate.Inf when unlimited.
func (l *Limiter) Limit() rate.Limit {
	return l.limiter.Limit()
}
