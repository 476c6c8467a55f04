// Package ratelimit implements a token bucket rate limiter keyed by egress identity.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/upwork-harvester/internal/metrics"
)

// Limiter manages per-identity rate limits so one proxy or token is never hammered.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		key = "direct"
	}
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Penalize pushes the key's next token out by d, used after a rate-limit response.
func (l *Limiter) Penalize(key string, d time.Duration) {
	if key == "" {
		key = "direct"
	}
	if d <= 0 || l.defaultRate == rate.Inf {
		return
	}
	limiter := l.limiterFor(key)
	now := time.Now()
	// ReserveN rejects n > burst, so the debt is taken in burst-sized chunks.
	for remaining := int(float64(l.defaultRate)*d.Seconds()) + 1; remaining > 0; remaining -= l.defaultBurst {
		limiter.ReserveN(now, min(remaining, l.defaultBurst))
	}
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}
