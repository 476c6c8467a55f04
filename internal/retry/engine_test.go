package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

func noSleep(context.Context, time.Duration) error { return nil }

func failNTimes(n int, err error, calls *int32) Operation {
	return func(context.Context, Attempt) error {
		if int(atomic.AddInt32(calls, 1)) <= n {
			return err
		}
		return nil
	}
}

func TestRunSucceedsWithinBudget(t *testing.T) {
	t.Parallel()

	const k = 4
	var calls int32
	engine := New(Config{Policy: Policy{MaxAttempts: k}, Sleep: noSleep}, zap.NewNop())

	res := engine.Run(context.Background(), harvest.StageFetch, failNTimes(k-1, errors.New("timeout"), &calls))

	require.True(t, res.OK())
	require.Equal(t, k, res.Attempts)
	require.Equal(t, harvest.KindNone, res.Kind)
	require.EqualValues(t, k, calls)
}

func TestRunFailsWhenBudgetTooSmall(t *testing.T) {
	t.Parallel()

	const k = 4
	var calls int32
	engine := New(Config{Policy: Policy{MaxAttempts: k - 1}, Sleep: noSleep}, zap.NewNop())

	res := engine.Run(context.Background(), harvest.StageFetch, failNTimes(k-1, errors.New("timeout"), &calls))

	require.False(t, res.OK())
	require.Equal(t, k-1, res.Attempts)
	require.Equal(t, harvest.KindRetryable, res.Kind)
	require.EqualError(t, res.Err, "timeout")
}

func TestRunFatalAbortsImmediately(t *testing.T) {
	t.Parallel()

	var calls int32
	engine := New(Config{Policy: Policy{MaxAttempts: 5}, Sleep: noSleep}, zap.NewNop())

	res := engine.Run(context.Background(), harvest.StageExtract, func(context.Context, Attempt) error {
		atomic.AddInt32(&calls, 1)
		return harvest.Fatal("parse id", errors.New("malformed identifier"))
	})

	require.Equal(t, harvest.KindFatal, res.Kind)
	require.Equal(t, 1, res.Attempts)
	require.EqualValues(t, 1, calls)
}

func TestRunBacksOffBetweenAttempts(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	engine := New(Config{
		Policy: Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}, zap.NewNop())

	var calls int32
	res := engine.Run(context.Background(), harvest.StagePersist, failNTimes(10, errors.New("db down"), &calls))

	require.False(t, res.OK())
	require.Len(t, delays, 2)
	for i, d := range delays {
		ceiling := 100 * time.Millisecond << i
		require.GreaterOrEqual(t, d, ceiling/2)
		require.LessOrEqual(t, d, ceiling)
	}
}

func TestRunNotAuthenticatedDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	var reauths int32
	var calls int32
	engine := New(Config{
		Policy: Policy{MaxAttempts: 2, MaxReauths: 1},
		Sleep:  noSleep,
		Reauth: func(context.Context) error {
			atomic.AddInt32(&reauths, 1)
			return nil
		},
	}, zap.NewNop())

	// transient, auth loss, transient, success: the counter restarts after re-auth.
	script := []error{errors.New("reset"), harvest.ErrNotAuthenticated, errors.New("reset"), nil}
	res := engine.Run(context.Background(), harvest.StageFetch, func(context.Context, Attempt) error {
		i := atomic.AddInt32(&calls, 1) - 1
		return script[i]
	})

	require.True(t, res.OK())
	require.Equal(t, 1, res.Reauths)
	require.EqualValues(t, 1, reauths)
	require.EqualValues(t, 4, calls)
}

func TestRunNotAuthenticatedBudgetSpent(t *testing.T) {
	t.Parallel()

	var reauths int32
	engine := New(Config{
		Policy: Policy{MaxAttempts: 3, MaxReauths: 2},
		Sleep:  noSleep,
		Reauth: func(context.Context) error {
			atomic.AddInt32(&reauths, 1)
			return nil
		},
	}, zap.NewNop())

	res := engine.Run(context.Background(), harvest.StageFetch, func(context.Context, Attempt) error {
		return harvest.ErrNotAuthenticated
	})

	require.Equal(t, harvest.KindNotAuthenticated, res.Kind)
	require.Equal(t, 2, res.Reauths)
	require.EqualValues(t, 2, reauths)
	require.ErrorIs(t, res.Err, harvest.ErrNotAuthenticated)
}

func TestWithReauthSharesBudgetAcrossRuns(t *testing.T) {
	t.Parallel()

	var reauths int32
	base := New(Config{Policy: Policy{MaxAttempts: 3, MaxReauths: 1}, Sleep: noSleep}, zap.NewNop())
	engine := base.WithReauth(func(context.Context) error {
		atomic.AddInt32(&reauths, 1)
		return nil
	})

	// first stage loses auth once and recovers, spending the only cycle.
	var calls int32
	first := engine.Run(context.Background(), harvest.StageFetch, func(context.Context, Attempt) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return harvest.ErrNotAuthenticated
		}
		return nil
	})
	require.True(t, first.OK())
	require.Equal(t, 1, first.Reauths)

	second := engine.Run(context.Background(), harvest.StagePersist, func(context.Context, Attempt) error {
		return harvest.ErrNotAuthenticated
	})
	require.Equal(t, harvest.KindNotAuthenticated, second.Kind)
	require.Zero(t, second.Reauths)
	require.Equal(t, 1, second.Attempts)
	require.EqualValues(t, 1, reauths)

	// a fresh copy starts with a full budget.
	third := base.WithReauth(func(context.Context) error { return nil }).Run(context.Background(), harvest.StageFetch, failNTimes(1, harvest.ErrNotAuthenticated, new(int32)))
	require.True(t, third.OK())
	require.Equal(t, 1, third.Reauths)
}

func TestRunNotAuthenticatedWithoutHook(t *testing.T) {
	t.Parallel()

	engine := New(Config{Policy: Policy{MaxAttempts: 3, MaxReauths: 3}, Sleep: noSleep}, zap.NewNop())
	res := engine.Run(context.Background(), harvest.StageFetch, func(context.Context, Attempt) error {
		return harvest.ErrNotAuthenticated
	})

	require.Equal(t, harvest.KindNotAuthenticated, res.Kind)
	require.Equal(t, 1, res.Attempts)
	require.Zero(t, res.Reauths)
}

func TestRunRefreshFailurePropagates(t *testing.T) {
	t.Parallel()

	engine := New(Config{
		Policy: Policy{MaxAttempts: 3, MaxReauths: 1},
		Sleep:  noSleep,
		Reauth: func(context.Context) error { return harvest.ErrRefreshFailed },
	}, zap.NewNop())

	res := engine.Run(context.Background(), harvest.StageFetch, func(context.Context, Attempt) error {
		return harvest.ErrNotAuthenticated
	})

	require.Equal(t, harvest.KindRefreshFailed, res.Kind)
	require.ErrorIs(t, res.Err, harvest.ErrRefreshFailed)
}

func TestRunPoolExhaustedEscalates(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	engine := New(Config{
		Policy: Policy{
			MaxAttempts:     10,
			BaseDelay:       10 * time.Millisecond,
			MaxDelay:        10 * time.Millisecond,
			ExhaustedFactor: 5,
			ExhaustedLimit:  3,
		},
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}, zap.NewNop())

	res := engine.Run(context.Background(), harvest.StageFetch, func(context.Context, Attempt) error {
		return harvest.ErrPoolExhausted
	})

	require.Equal(t, harvest.KindFatal, res.Kind)
	require.Equal(t, 3, res.Attempts)
	require.ErrorIs(t, res.Err, harvest.ErrPoolExhausted)
	require.Len(t, delays, 2)
	for _, d := range delays {
		require.GreaterOrEqual(t, d, 25*time.Millisecond)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	engine := New(Config{Policy: Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}}, zap.NewNop())

	var calls int32
	done := make(chan Result, 1)
	go func() {
		done <- engine.Run(ctx, harvest.StageFetch, failNTimes(10, errors.New("timeout"), &calls))
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		require.False(t, res.OK())
		require.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}

func TestPolicyBackoffCapped(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		require.LessOrEqual(t, d, time.Second)
		require.Positive(t, d)
	}
	require.Zero(t, Policy{}.Backoff(3))
}
