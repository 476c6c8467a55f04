package retry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/metrics"
)

// Attempt describes one try of a stage. It exists only for bookkeeping and logging.
type Attempt struct {
	Stage   harvest.Stage
	Number  int
	Reauths int
}

// Operation is a single unit of work run under the engine.
type Operation func(ctx context.Context, attempt Attempt) error

// ReauthFunc restores a usable session after an operation reported an auth loss.
type ReauthFunc func(ctx context.Context) error

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result is the terminal outcome of Run. Kind is KindNone on success.
type Result struct {
	Attempts int
	Reauths  int
	Kind     harvest.Kind
	Err      error
}

// OK reports whether the operation eventually succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Config configures an Engine.
type Config struct {
	Policy Policy
	// Reauth is invoked on NotAuthenticated; nil leaves auth losses to the caller.
	Reauth ReauthFunc
	Sleep  SleepFunc
}

// Engine executes operations with classified, bounded retries.
type Engine struct {
	policy Policy
	reauth ReauthFunc
	sleep  SleepFunc
	logger *zap.Logger
	// reauths is shared by every Run on a WithReauth copy; nil gives each Run its own budget.
	reauths *reauthBudget
}

type reauthBudget struct {
	used atomic.Int32
}

// take claims one re-auth cycle unless limit cycles are already spent.
func (b *reauthBudget) take(limit int) bool {
	for {
		n := b.used.Load()
		if int(n) >= limit {
			return false
		}
		if b.used.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// New constructs an Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = contextSleep
	}
	return &Engine{
		policy: cfg.Policy.normalized(),
		reauth: cfg.Reauth,
		sleep:  sleep,
		logger: logger,
	}
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// WithReauth returns a copy of the engine that runs hook on auth loss. All Runs on the copy
// draw from one MaxReauths budget, so a unit of work spanning several stages gets one budget.
func (e *Engine) WithReauth(hook ReauthFunc) *Engine {
	clone := *e
	clone.reauth = hook
	clone.reauths = &reauthBudget{}
	return &clone
}

// Run executes op until it succeeds, fails fatally, or spends its budget. It never panics
// on operation errors; the caller decides the disposition from the Result.
func (e *Engine) Run(ctx context.Context, stage harvest.Stage, op Operation) Result {
	start := time.Now()
	defer func() { metrics.ObserveStage(string(stage), time.Since(start)) }()

	var (
		res       Result
		number    int
		exhausted int
	)
	budget := e.reauths
	if budget == nil {
		budget = &reauthBudget{}
	}
	for {
		if err := ctx.Err(); err != nil {
			res.Kind = harvest.KindOf(err)
			res.Err = lastOr(res.Err, err)
			return res
		}
		number++
		res.Attempts++
		err := op(ctx, Attempt{Stage: stage, Number: number, Reauths: res.Reauths})
		kind := harvest.KindOf(err)
		metrics.ObserveAttempt(string(stage), kind.String())
		if err == nil {
			res.Kind = harvest.KindNone
			res.Err = nil
			return res
		}
		res.Err = err
		res.Kind = kind

		logger := e.logger.With(
			zap.String("stage", string(stage)),
			zap.Int("attempt", number),
			zap.String("kind", kind.String()),
		)

		switch kind {
		case harvest.KindFatal, harvest.KindRefreshFailed:
			logger.Debug("stage failed fatally", zap.Error(err))
			return res

		case harvest.KindNotAuthenticated:
			if e.reauth == nil || !budget.take(e.policy.MaxReauths) {
				logger.Debug("auth lost, re-auth budget spent", zap.Error(err))
				return res
			}
			res.Reauths++
			if hookErr := e.reauth(ctx); hookErr != nil {
				res.Err = fmt.Errorf("reauthenticate: %w", hookErr)
				res.Kind = harvest.KindOf(hookErr)
				if res.Kind != harvest.KindRefreshFailed {
					res.Kind = harvest.KindNotAuthenticated
				}
				logger.Warn("re-authentication failed", zap.Error(hookErr))
				return res
			}
			logger.Debug("session restored, restarting attempt counter")
			number = 0
			exhausted = 0
			continue

		case harvest.KindPoolExhausted:
			exhausted++
			if exhausted >= e.policy.ExhaustedLimit {
				res.Kind = harvest.KindFatal
				res.Err = fmt.Errorf("identity pool stayed empty for %d attempts: %w", exhausted, err)
				logger.Debug("pool exhaustion escalated", zap.Error(err))
				return res
			}
			if number >= e.policy.MaxAttempts {
				return res
			}
			if sleepErr := e.sleep(ctx, e.policy.ExhaustedBackoff(number-1)); sleepErr != nil {
				res.Err = sleepErr
				res.Kind = harvest.KindOf(sleepErr)
				return res
			}

		default:
			exhausted = 0
			if number >= e.policy.MaxAttempts {
				logger.Debug("retry budget exhausted", zap.Error(err))
				return res
			}
			delay := e.policy.Backoff(number - 1)
			logger.Debug("retrying stage", zap.Duration("backoff", delay), zap.Error(err))
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				res.Err = sleepErr
				res.Kind = harvest.KindOf(sleepErr)
				return res
			}
		}
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func lastOr(last, fallback error) error {
	if last != nil {
		return fmt.Errorf("%w (last error: %v)", fallback, last)
	}
	return fallback
}
