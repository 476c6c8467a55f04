// Package retry runs a single pipeline stage under a bounded, classified retry budget.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Policy bounds how often and how slowly a stage is retried.
type Policy struct {
	// MaxAttempts is the number of tries per stage before giving up.
	MaxAttempts int
	// MaxReauths bounds the re-authentication cycles a stage may trigger.
	MaxReauths int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// ExhaustedFactor stretches the backoff when no identity is available.
	ExhaustedFactor float64
	// ExhaustedLimit turns a pool exhaustion fatal after this many consecutive occurrences.
	ExhaustedLimit int
}

// DefaultPolicy mirrors the crawler defaults: three attempts, 250ms base, 5s ceiling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		MaxReauths:      1,
		BaseDelay:       250 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExhaustedFactor: 4,
		ExhaustedLimit:  3,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxReauths < 0 {
		p.MaxReauths = 0
	}
	if p.ExhaustedFactor < 1 {
		p.ExhaustedFactor = 1
	}
	if p.ExhaustedLimit <= 0 {
		p.ExhaustedLimit = 1
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		p.BaseDelay = p.MaxDelay
	}
	return p
}

// Backoff returns the jittered wait before attempt number attempt+1 (attempt is zero-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// ExhaustedBackoff is the slower wait used while the identity pool is empty.
func (p Policy) ExhaustedBackoff(attempt int) time.Duration {
	factor := p.ExhaustedFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(p.Backoff(attempt)) * factor)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
