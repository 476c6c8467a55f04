// Package proxy maintains the pool of egress identities handed out per fetch attempt.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/metrics"
)

// Identity is an egress identity (proxy endpoint or bearer token).
type Identity = harvest.Identity

// Exclusions is the per-item set of identities that must not be handed out again.
// It is owned by a single worker and never shared.
type Exclusions map[string]struct{}

// Add marks the identity as excluded.
func (e Exclusions) Add(id Identity) {
	e[Key(id)] = struct{}{}
}

// Has reports whether the identity is excluded.
func (e Exclusions) Has(id Identity) bool {
	_, ok := e[Key(id)]
	return ok
}

// Key returns the stable identifier used for exclusion bookkeeping.
func Key(id Identity) string {
	if id.ID != "" {
		return id.ID
	}
	if id.Token != "" {
		return "token:" + id.Token
	}
	return id.ProxyURL()
}

// Loader produces a fresh set of identities.
type Loader interface {
	Load(ctx context.Context) ([]Identity, error)
}

// Config configures a Rotator.
type Config struct {
	Loader Loader
	// RefreshInterval reloads the pool once elapsed; zero disables periodic reloads.
	RefreshInterval time.Duration
	Clock           harvest.Clock
}

// Rotator hands out identities uniformly at random among the eligible ones.
type Rotator struct {
	mu       sync.RWMutex
	pool     []Identity
	loadedAt time.Time

	reload   sync.Mutex
	loader   Loader
	interval time.Duration
	clock    harvest.Clock
	logger   *zap.Logger
}

// New constructs a Rotator seeded with initial identities.
func New(cfg Config, initial []Identity, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = wallClock{}
	}
	r := &Rotator{
		loader:   cfg.Loader,
		interval: cfg.RefreshInterval,
		clock:    clock,
		logger:   logger,
	}
	if len(initial) > 0 {
		r.Replace(initial)
	}
	return r
}

// Acquire returns a random identity not in exclude, or ErrPoolExhausted.
func (r *Rotator) Acquire(exclude Exclusions) (Identity, error) {
	r.mu.RLock()
	pool := r.pool
	r.mu.RUnlock()

	eligible := make([]Identity, 0, len(pool))
	for _, id := range pool {
		if !exclude.Has(id) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return Identity{}, fmt.Errorf("acquire identity (%d pooled, %d excluded): %w",
			len(pool), len(exclude), harvest.ErrPoolExhausted)
	}
	return eligible[rand.IntN(len(eligible))], nil
}

// ReportBad excludes the identity for the remainder of one item's attempts only.
func (r *Rotator) ReportBad(exclude Exclusions, id Identity, reason string) {
	exclude.Add(id)
	metrics.ObserveProxyBad(reason)
	r.logger.Debug("identity excluded for item",
		zap.String("identity", id.String()),
		zap.String("reason", reason),
	)
}

// Replace swaps the whole pool atomically. Attempts holding an identity keep using it.
func (r *Rotator) Replace(ids []Identity) {
	pool := make([]Identity, len(ids))
	copy(pool, ids)
	r.mu.Lock()
	r.pool = pool
	r.loadedAt = r.clock.Now()
	r.mu.Unlock()
	metrics.SetProxyPoolSize(len(pool))
}

// Size returns the number of pooled identities.
func (r *Rotator) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pool)
}

// Refresh reloads the pool through the loader. An empty or failed load keeps the old pool.
func (r *Rotator) Refresh(ctx context.Context) error {
	if r.loader == nil {
		return errors.New("refresh proxy pool: no loader configured")
	}
	r.reload.Lock()
	defer r.reload.Unlock()

	ids, err := r.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("refresh proxy pool: %w", err)
	}
	if len(ids) == 0 {
		return errors.New("refresh proxy pool: loader returned no identities")
	}
	r.Replace(ids)
	r.logger.Info("proxy pool refreshed", zap.Int("size", len(ids)))
	return nil
}

// MaybeRefresh reloads the pool when it is empty or the refresh interval elapsed.
func (r *Rotator) MaybeRefresh(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	r.mu.RLock()
	size := len(r.pool)
	due := r.interval > 0 && r.clock.Now().Sub(r.loadedAt) >= r.interval
	r.mu.RUnlock()
	if size > 0 && !due {
		return nil
	}
	return r.Refresh(ctx)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
