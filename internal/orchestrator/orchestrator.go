// Package orchestrator drives claimed work items through fetch, extract and persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/dispatcher"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/metrics"
	"github.com/JakeFAU/upwork-harvester/internal/proxy"
	"github.com/JakeFAU/upwork-harvester/internal/retry"
)

// Sessions is the session manager as seen by the pipeline.
type Sessions interface {
	Current() (harvest.Session, error)
	Invalidate(generation uint64) bool
	Ensure(ctx context.Context) (harvest.Session, error)
	Restore(ctx context.Context) error
	Refreshes() int64
}

// Identities hands out egress identities.
type Identities interface {
	Acquire(exclude proxy.Exclusions) (harvest.Identity, error)
	ReportBad(exclude proxy.Exclusions, id harvest.Identity, reason string)
}

// PoolRefresher reloads the identity pool on its own cadence.
type PoolRefresher interface {
	MaybeRefresh(ctx context.Context) error
}

// RateLimiter paces requests per identity.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
	Penalize(key string, d time.Duration)
}

// Config controls the run loop.
type Config struct {
	BatchSize int
	// MaxClaims fails an item instead of requeueing it once it was claimed this often; 0 disables.
	MaxClaims    int
	StaleAfter   time.Duration
	PollInterval time.Duration
	FetchTimeout time.Duration
	BlockPenalty time.Duration
	// Once stops when no pending items remain; otherwise the loop polls until canceled.
	Once bool
}

// Deps are the collaborators of a run. Pool, Limiter and Notifier are optional.
type Deps struct {
	Tracker    harvest.Tracker
	Sessions   Sessions
	Identities Identities
	Pool       PoolRefresher
	Limiter    RateLimiter
	Fetcher    harvest.PageFetcher
	Extractor  harvest.AttributeExtractor
	Persistor  harvest.Persistor
	Notifier   harvest.Notifier
	Dispatcher *dispatcher.Dispatcher
	Retry      *retry.Engine
	Clock      harvest.Clock
}

// Orchestrator owns the claim, dispatch and dispose loop.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu      sync.RWMutex
	last    Summary
	running bool
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Tracker == nil:
		return nil, errors.New("tracker is required")
	case deps.Sessions == nil:
		return nil, errors.New("session manager is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Persistor == nil:
		return nil, errors.New("persistor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Identities == nil {
		deps.Identities = proxy.Direct{}
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatcher.New(1, logger)
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.Config{Policy: retry.DefaultPolicy()}, logger)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = deps.Dispatcher.MaxConcurrency() * 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BlockPenalty <= 0 {
		cfg.BlockPenalty = 5 * time.Second
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}, nil
}

// Snapshot returns the summary of the current or most recent run and whether a run is
// in progress. StartedAt is zero before the first run.
func (o *Orchestrator) Snapshot() (Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last, o.running
}

// Run executes the loop until the queue drains (once mode) or ctx is canceled. Item failures
// are recorded in the tracker; only run-level failures such as a failed session refresh are
// returned.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	run := newTally(o.now())
	o.setRunning(true, run.snapshot())
	err := o.loop(ctx, run)
	sum := run.finish(o.now())
	o.setRunning(false, sum)
	return sum, err
}

func (o *Orchestrator) loop(ctx context.Context, run *tally) error {
	if err := o.start(ctx, run); err != nil {
		return err
	}
	refreshBase := o.deps.Sessions.Refreshes()

	for {
		if ctx.Err() != nil {
			o.logger.Info("shutdown requested, stopping between batches")
			return nil
		}
		if o.deps.Pool != nil {
			if err := o.deps.Pool.MaybeRefresh(ctx); err != nil {
				o.logger.Warn("identity pool refresh failed", zap.Error(err))
			}
		}

		items, err := o.deps.Tracker.ClaimBatch(ctx, o.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(items) == 0 {
			if o.cfg.Once {
				o.logger.Info("queue drained")
				return nil
			}
			if err := sleep(ctx, o.cfg.PollInterval); err != nil {
				return nil
			}
			continue
		}

		err = o.runBatch(ctx, items, run)
		run.setRefreshes(o.deps.Sessions.Refreshes() - refreshBase)
		o.publish(run)
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) start(ctx context.Context, run *tally) error {
	n, err := o.deps.Tracker.ResetStale(ctx, o.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("reset stale claims: %w", err)
	}
	run.staleReset(n)
	if n > 0 {
		metrics.ObserveStaleReset(n)
		o.logger.Info("reset stale claims", zap.Int("count", n), zap.Duration("older_than", o.cfg.StaleAfter))
	}

	if err := o.deps.Sessions.Restore(ctx); err != nil {
		o.logger.Warn("restore persisted session failed", zap.Error(err))
	}
	if _, err := o.deps.Sessions.Ensure(ctx); err != nil {
		return fmt.Errorf("establish session: %w", err)
	}
	return nil
}

// runBatch dispatches one batch. The batch runs detached from ctx so a shutdown lets claimed
// items finish and be recorded.
func (o *Orchestrator) runBatch(ctx context.Context, items []harvest.WorkItem, run *tally) error {
	metrics.ObserveBatch()
	run.batch(len(items))
	batchCtx := context.WithoutCancel(ctx)

	o.logger.Info("dispatching batch", zap.Int("items", len(items)))
	outcomes := o.deps.Dispatcher.RunBatch(batchCtx, items, func(ctx context.Context, item harvest.WorkItem) error {
		return o.process(ctx, item, run)
	})

	for _, out := range outcomes {
		if out.Panicked() {
			o.fail(batchCtx, out.Item, out.Err, run)
		}
	}
	if err := outcomes.RefreshFailed(); err != nil {
		o.logger.Error("session refresh failed, aborting run", zap.Error(err))
		return fmt.Errorf("batch aborted: %w", err)
	}
	if outcomes.AuthLost() {
		if _, err := o.deps.Sessions.Ensure(batchCtx); err != nil {
			return fmt.Errorf("restore session after batch: %w", err)
		}
	}
	return nil
}

// process runs one item through its stages. The stages share one re-auth budget.
func (o *Orchestrator) process(ctx context.Context, item harvest.WorkItem, run *tally) error {
	engine := o.deps.Retry.WithReauth(func(ctx context.Context) error {
		_, err := o.deps.Sessions.Ensure(ctx)
		return err
	})
	logger := o.logger.With(zap.String("item_id", item.ID), zap.Int("claims", item.Attempts))

	// Fetch and extract share one retry loop so a truncated page is fetched again.
	var record harvest.Record
	exclude := proxy.Exclusions{}
	res := engine.Run(ctx, harvest.StageFetch, func(ctx context.Context, _ retry.Attempt) error {
		raw, err := o.fetch(ctx, item, exclude)
		if err != nil {
			return err
		}
		record, err = o.deps.Extractor.Extract(ctx, item, raw)
		if err != nil {
			metrics.ObserveAttempt(string(harvest.StageExtract), harvest.KindOf(err).String())
			logger.Debug("extract failed", zap.Int("status", raw.StatusCode), zap.Error(err))
		}
		return err
	})
	if !res.OK() {
		return o.dispose(ctx, item, res, run, logger)
	}

	res = engine.Run(ctx, harvest.StagePersist, func(ctx context.Context, _ retry.Attempt) error {
		return o.deps.Persistor.Save(ctx, item, record)
	})
	if !res.OK() {
		return o.dispose(ctx, item, res, run, logger)
	}

	if err := o.deps.Tracker.MarkDone(ctx, item); err != nil {
		logger.Warn("mark done failed", zap.Error(err))
		return fmt.Errorf("mark done: %w", err)
	}
	run.done()
	metrics.ObserveItem(string(harvest.StatusDone))
	o.notify(ctx, harvest.Event{Type: harvest.EventDone, ItemID: item.ID, Attempts: item.Attempts, At: o.now()})
	logger.Debug("item done")
	return nil
}

// fetch runs one fetch attempt with a fresh identity and the current session.
func (o *Orchestrator) fetch(ctx context.Context, item harvest.WorkItem, exclude proxy.Exclusions) (harvest.RawContent, error) {
	sess, err := o.deps.Sessions.Current()
	if err != nil {
		return harvest.RawContent{}, err
	}
	identity, err := o.deps.Identities.Acquire(exclude)
	if err != nil {
		return harvest.RawContent{}, err
	}
	key := proxy.Key(identity)
	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Wait(ctx, key); err != nil {
			return harvest.RawContent{}, harvest.Retryable("rate limit", err)
		}
	}

	fetchCtx := ctx
	if o.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
	}
	raw, err := o.deps.Fetcher.Fetch(fetchCtx, item.ID, sess, identity)
	if err == nil {
		return raw, nil
	}

	switch {
	case harvest.KindOf(err) == harvest.KindNotAuthenticated:
		if o.deps.Sessions.Invalidate(sess.Generation) {
			o.logger.Info("session rejected", zap.String("item_id", item.ID), zap.Uint64("generation", sess.Generation))
		}
	case harvest.IdentityFault(err):
		reason := "proxy"
		if errors.Is(err, harvest.ErrBlocked) {
			reason = "blocked"
			if o.deps.Limiter != nil {
				o.deps.Limiter.Penalize(key, o.cfg.BlockPenalty)
			}
		}
		o.deps.Identities.ReportBad(exclude, identity, reason)
	}
	return raw, err
}

// dispose records the terminal transition of an item whose stage gave up. The returned
// error carries the result kind so the batch can see auth losses.
func (o *Orchestrator) dispose(ctx context.Context, item harvest.WorkItem, res retry.Result, run *tally, logger *zap.Logger) error {
	logger = logger.With(zap.String("kind", res.Kind.String()), zap.Int("attempts", res.Attempts))
	out := &harvest.Error{Kind: res.Kind, Op: "process item", Err: res.Err}
	switch res.Kind {
	case harvest.KindNotAuthenticated, harvest.KindRefreshFailed:
		if res.Kind == harvest.KindNotAuthenticated && o.cfg.MaxClaims > 0 && item.Attempts >= o.cfg.MaxClaims {
			o.fail(ctx, item, fmt.Errorf("claim limit %d reached: %w", o.cfg.MaxClaims, res.Err), run)
			return out
		}
		if err := o.deps.Tracker.Requeue(ctx, item, res.Err.Error()); err != nil {
			logger.Warn("requeue failed", zap.Error(err))
			return out
		}
		run.requeued()
		metrics.ObserveItem("requeued")
		logger.Info("item requeued after session loss", zap.Error(res.Err))
		return out
	default:
		o.fail(ctx, item, res.Err, run)
		return out
	}
}

func (o *Orchestrator) fail(ctx context.Context, item harvest.WorkItem, cause error, run *tally) {
	if err := o.deps.Tracker.MarkFailed(ctx, item, cause.Error()); err != nil {
		o.logger.Warn("record item failure", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	run.failed(item.ID, cause)
	metrics.ObserveItem(string(harvest.StatusFailed))
	o.logger.Info("item failed", zap.String("item_id", item.ID), zap.Error(cause))
	o.notify(ctx, harvest.Event{
		Type:     harvest.EventFailed,
		ItemID:   item.ID,
		Attempts: item.Attempts,
		Error:    cause.Error(),
		At:       o.now(),
	})
}

func (o *Orchestrator) notify(ctx context.Context, event harvest.Event) {
	if o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.Notify(ctx, event); err != nil {
		metrics.ObserveNotifyFailure()
		o.logger.Warn("notify failed", zap.String("item_id", event.ItemID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(run *tally) {
	o.mu.Lock()
	o.last = run.snapshot()
	o.mu.Unlock()
}

func (o *Orchestrator) setRunning(running bool, sum Summary) {
	o.mu.Lock()
	o.running = running
	o.last = sum
	o.mu.Unlock()
	if !running {
		o.logger.Info("run finished",
			zap.Int("batches", sum.Batches),
			zap.Int("claimed", sum.Claimed),
			zap.Int("done", sum.Done),
			zap.Int("failed", sum.Failed),
			zap.Int("requeued", sum.Requeued),
			zap.Int64("refreshes", sum.Refreshes),
			zap.Strings("samples", sum.Samples),
		)
	}
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock == nil {
		return time.Now().UTC()
	}
	return o.deps.Clock.Now()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
