// Package ratelimit enforces a minimum spacing between outbound calls shared by every worker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/country-content-importer/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MinInterval is the minimum time between two outbound calls. Zero disables limiting.
	MinInterval time.Duration
}

// Limiter spaces calls across all goroutines sharing it.
type Limiter struct {
	limiter     *rate.Limiter
	minInterval time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		limiter:     rate.NewLimiter(limit, 1),
		minInterval: cfg.MinInterval,
	}
}

// MinInterval returns the configured spacing.
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// Wait blocks until the next call slot is available. The url is accepted so the
// limiter can sit in front of any transport; spacing is global, not per host.
func (l *Limiter) Wait(ctx context.Context, _ string) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// A free slot returns almost immediately; only record real delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}
