// Package session owns the single authenticated session shared by all fetch workers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/metrics"
)

// Config controls refresh behavior.
type Config struct {
	// RefreshAttempts caps login tries per refresh before ErrRefreshFailed.
	RefreshAttempts int
	RefreshBackoff  time.Duration
	Clock           harvest.Clock
	Sleep           func(ctx context.Context, d time.Duration) error
}

// Manager guards the session state machine: NoSession -> Valid -> Invalid -> Valid.
type Manager struct {
	auth   harvest.Authenticator
	store  harvest.CredentialStore
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	current  harvest.Session
	lastGen  uint64
	previous []byte

	flight    singleflight.Group
	refreshes atomic.Int64
}

// envelope is the persisted form of a session.
type envelope struct {
	Blob       []byte    `json:"blob"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// New constructs a Manager. store may be nil when credentials are not persisted.
func New(auth harvest.Authenticator, store harvest.CredentialStore, cfg Config, logger *zap.Logger) (*Manager, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshAttempts <= 0 {
		cfg.RefreshAttempts = 3
	}
	if cfg.RefreshBackoff <= 0 {
		cfg.RefreshBackoff = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	clock := cfg.Clock
	if clock == nil {
		clock = wallClock{}
	}
	return &Manager{
		auth:   auth,
		store:  store,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}, nil
}

// Current returns the valid session or ErrNotAuthenticated.
func (m *Manager) Current() (harvest.Session, error) {
	m.mu.RLock()
	sess := m.current
	m.mu.RUnlock()
	if !sess.Usable(m.clock.Now()) {
		return harvest.Session{}, fmt.Errorf("current session (generation %d): %w", sess.Generation, harvest.ErrNotAuthenticated)
	}
	return sess, nil
}

// Invalidate marks the given generation invalid. It reports false when that generation was
// already replaced or invalidated, so stale rejections never discard a fresh session.
func (m *Manager) Invalidate(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Generation != generation || !m.current.Valid {
		return false
	}
	m.current.Valid = false
	m.logger.Info("session invalidated", zap.Uint64("generation", generation))
	return true
}

// Ensure returns the current session, refreshing it only when it is not usable. Callers that
// observed the same stale generation share one login; later callers see its result.
func (m *Manager) Ensure(ctx context.Context) (harvest.Session, error) {
	m.mu.RLock()
	observed := m.current
	m.mu.RUnlock()
	if observed.Usable(m.clock.Now()) {
		return observed, nil
	}
	return m.do(func() (harvest.Session, error) {
		m.mu.RLock()
		cur := m.current
		m.mu.RUnlock()
		if cur.Generation > observed.Generation && cur.Usable(m.clock.Now()) {
			return cur, nil
		}
		return m.login(ctx)
	})
}

// Refresh always runs the login flow, once for all concurrent callers, and persists the result.
func (m *Manager) Refresh(ctx context.Context) (harvest.Session, error) {
	return m.do(func() (harvest.Session, error) {
		return m.login(ctx)
	})
}

func (m *Manager) do(fn func() (harvest.Session, error)) (harvest.Session, error) {
	v, err, shared := m.flight.Do("refresh", func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return harvest.Session{}, err
	}
	if shared {
		m.logger.Debug("joined in-flight session refresh")
	}
	sess, ok := v.(harvest.Session)
	if !ok {
		return harvest.Session{}, errors.New("refresh session: unexpected result type")
	}
	return sess, nil
}

// Refreshes returns how many logins actually ran.
func (m *Manager) Refreshes() int64 {
	return m.refreshes.Load()
}

// Restore loads persisted credentials at start-up. Missing or expired credentials are
// not an error; the manager simply stays without a session.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	blob, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			m.logger.Info("no persisted session found")
			return nil
		}
		return fmt.Errorf("load credentials: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		m.logger.Warn("discarding unreadable persisted session", zap.Error(err))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous = env.Blob
	sess := harvest.Session{
		Credentials: env.Blob,
		Generation:  m.lastGen + 1,
		Valid:       true,
		ObtainedAt:  env.ObtainedAt,
		ExpiresAt:   env.ExpiresAt,
	}
	if !sess.Usable(m.clock.Now()) {
		m.logger.Info("persisted session is expired or empty", zap.Time("expires_at", env.ExpiresAt))
		return nil
	}
	m.lastGen = sess.Generation
	m.current = sess
	m.logger.Info("session restored",
		zap.Uint64("generation", sess.Generation),
		zap.Time("obtained_at", sess.ObtainedAt),
	)
	return nil
}

func (m *Manager) login(ctx context.Context) (harvest.Session, error) {
	m.refreshes.Add(1)

	m.mu.RLock()
	previous := m.previous
	m.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt < m.cfg.RefreshAttempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.RefreshBackoff * time.Duration(1<<(attempt-1))
			if err := m.cfg.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		creds, err := m.auth.Login(ctx, previous)
		if err == nil && len(creds.Blob) == 0 {
			err = errors.New("login produced empty credentials")
		}
		if err != nil {
			lastErr = err
			m.logger.Warn("session login failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", m.cfg.RefreshAttempts),
				zap.Error(err),
			)
			continue
		}
		sess := m.install(creds)
		m.persist(ctx, sess)
		metrics.ObserveSessionRefresh("success")
		m.logger.Info("session refreshed", zap.Uint64("generation", sess.Generation))
		return sess, nil
	}
	metrics.ObserveSessionRefresh("failure")
	return harvest.Session{}, fmt.Errorf("refresh session after %d attempts: %w: %w",
		m.cfg.RefreshAttempts, harvest.ErrRefreshFailed, lastErr)
}

func (m *Manager) install(creds harvest.Credentials) harvest.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastGen++
	m.current = harvest.Session{
		Credentials: creds.Blob,
		Generation:  m.lastGen,
		Valid:       true,
		ObtainedAt:  m.clock.Now(),
		ExpiresAt:   creds.ExpiresAt,
	}
	m.previous = creds.Blob
	return m.current
}

func (m *Manager) persist(ctx context.Context, sess harvest.Session) {
	if m.store == nil {
		return
	}
	blob, err := json.Marshal(envelope{
		Blob:       sess.Credentials,
		ObtainedAt: sess.ObtainedAt,
		ExpiresAt:  sess.ExpiresAt,
	})
	if err != nil {
		m.logger.Error("encode session", zap.Error(err))
		return
	}
	if err := m.store.Save(ctx, blob); err != nil {
		m.logger.Warn("persist session failed; continuing with in-memory session", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("refresh backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
