package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("token-%d", s.n.Add(1)), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", fmt.Errorf("entropy unavailable") }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTracker(t *testing.T, ids ...string) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	tr := New(clock, &seqIDs{})
	_, err := tr.Enqueue(context.Background(), ids...)
	require.NoError(t, err)
	return tr, clock
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, "a", "b")
	added, err := tr.Enqueue(context.Background(), "b", "c", "", "c")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	counts, err := tr.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts[harvest.StatusPending])
}

func TestClaimLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _ := newTracker(t, "a", "b", "c")

	batch, err := tr.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "a", batch[0].ID)
	require.Equal(t, harvest.StatusClaimed, batch[0].Status)
	require.Equal(t, 1, batch[0].Attempts)
	require.NotEmpty(t, batch[0].ClaimToken)

	require.NoError(t, tr.MarkDone(ctx, batch[0]))
	require.NoError(t, tr.MarkFailed(ctx, batch[1], "schema invalid"))

	// Terminal items cannot transition again.
	require.ErrorIs(t, tr.MarkDone(ctx, batch[0]), harvest.ErrClaimLost)
	require.ErrorIs(t, tr.MarkDone(ctx, harvest.WorkItem{ID: "zzz"}), harvest.ErrNotFound)

	next, err := tr.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, "c", next[0].ID)

	failed, ok := tr.Get("b")
	require.True(t, ok)
	require.Equal(t, harvest.StatusFailed, failed.Status)
	require.Equal(t, "schema invalid", failed.LastError)

	empty, err := tr.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, empty, "failed items are never reclaimed")
}

func TestClaimBatchSharesOneToken(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, "a", "b", "c")
	batch, err := tr.ClaimBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for _, item := range batch[1:] {
		require.Equal(t, batch[0].ClaimToken, item.ClaimToken)
	}
}

func TestClaimBatchTokenFailureClaimsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := New(nil, failingIDs{})
	_, err := tr.Enqueue(ctx, "a", "b")
	require.NoError(t, err)

	batch, err := tr.ClaimBatch(ctx, 2)
	require.ErrorContains(t, err, "claim token")
	require.Nil(t, batch)

	counts, err := tr.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[harvest.StatusPending])
	require.Zero(t, counts[harvest.StatusClaimed])
}

func TestRequeueKeepsAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _ := newTracker(t, "a")
	batch, err := tr.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, tr.Requeue(ctx, batch[0], "session lost"))

	again, err := tr.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
	require.NotEqual(t, batch[0].ClaimToken, again[0].ClaimToken)

	// The first claimant's token is stale now.
	require.ErrorIs(t, tr.MarkDone(ctx, batch[0]), harvest.ErrClaimLost)
	require.NoError(t, tr.MarkDone(ctx, again[0]))
}

func TestResetStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clock := newTracker(t, "old", "fresh")
	old, err := tr.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = tr.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	n, err := tr.ResetStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	item, _ := tr.Get("old")
	require.Equal(t, harvest.StatusPending, item.Status)
	item, _ = tr.Get("fresh")
	require.Equal(t, harvest.StatusClaimed, item.Status)

	// A worker whose claim was swept cannot finish the item.
	require.ErrorIs(t, tr.MarkDone(ctx, old[0]), harvest.ErrClaimLost)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	t.Parallel()

	ids := make([]string, 500)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%03d", i)
	}
	tr, _ := newTracker(t, ids...)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := tr.ClaimBatch(context.Background(), 7)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, item := range batch {
					seen[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, len(ids))
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}

func TestClaimBatchHonorsContext(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.ClaimBatch(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)

	batch, err := tr.ClaimBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, batch)
}
