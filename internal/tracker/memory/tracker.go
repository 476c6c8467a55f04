// Package memory provides an in-memory work item tracker for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Tracker implements harvest.Tracker with a mutex-guarded map. Claim order follows enqueue order.
type Tracker struct {
	mu    sync.Mutex
	items map[string]*harvest.WorkItem
	order []string
	clock harvest.Clock
	ids   harvest.IDGenerator
}

// New creates an empty Tracker.
func New(clock harvest.Clock, ids harvest.IDGenerator) *Tracker {
	return &Tracker{
		items: make(map[string]*harvest.WorkItem),
		clock: clock,
		ids:   ids,
	}
}

// Enqueue adds ids as pending, skipping ids already tracked. It returns how many were added.
func (t *Tracker) Enqueue(_ context.Context, ids ...string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := t.items[id]; ok {
			continue
		}
		t.items[id] = &harvest.WorkItem{ID: id, Status: harvest.StatusPending}
		t.order = append(t.order, id)
		added++
	}
	return added, nil
}

// ClaimBatch moves up to n pending items to claimed and returns them. The whole batch
// shares one claim token.
func (t *Tracker) ClaimBatch(ctx context.Context, n int) ([]harvest.WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	token, err := t.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("claim token: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]harvest.WorkItem, 0, n)
	for _, id := range t.order {
		if len(out) == n {
			break
		}
		item := t.items[id]
		if item.Status != harvest.StatusPending {
			continue
		}
		claimedAt := now
		item.Status = harvest.StatusClaimed
		item.Attempts++
		item.ClaimToken = token
		item.ClaimedAt = &claimedAt
		out = append(out, *item)
	}
	return out, nil
}

// MarkDone transitions a claimed item to done.
func (t *Tracker) MarkDone(_ context.Context, item harvest.WorkItem) error {
	return t.transition(item, func(cur *harvest.WorkItem) {
		cur.Status = harvest.StatusDone
		cur.LastError = ""
	})
}

// MarkFailed transitions a claimed item to failed. Failed items are never reclaimed.
func (t *Tracker) MarkFailed(_ context.Context, item harvest.WorkItem, errText string) error {
	return t.transition(item, func(cur *harvest.WorkItem) {
		cur.Status = harvest.StatusFailed
		cur.LastError = errText
	})
}

// Requeue returns a claimed item to pending without losing its attempt count.
func (t *Tracker) Requeue(_ context.Context, item harvest.WorkItem, reason string) error {
	return t.transition(item, func(cur *harvest.WorkItem) {
		cur.Status = harvest.StatusPending
		cur.LastError = reason
		cur.ClaimToken = ""
		cur.ClaimedAt = nil
	})
}

// ResetStale resets claims older than olderThan back to pending.
func (t *Tracker) ResetStale(_ context.Context, olderThan time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	reset := 0
	for _, id := range t.order {
		item := t.items[id]
		if item.Status != harvest.StatusClaimed || item.ClaimedAt == nil {
			continue
		}
		if now.Sub(*item.ClaimedAt) < olderThan {
			continue
		}
		item.Status = harvest.StatusPending
		item.ClaimToken = ""
		item.ClaimedAt = nil
		reset++
	}
	return reset, nil
}

// Counts returns the number of items per status.
func (t *Tracker) Counts(context.Context) (map[harvest.Status]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[harvest.Status]int{
		harvest.StatusPending: 0,
		harvest.StatusClaimed: 0,
		harvest.StatusDone:    0,
		harvest.StatusFailed:  0,
	}
	for _, item := range t.items {
		counts[item.Status]++
	}
	return counts, nil
}

// Get returns a copy of the tracked item.
func (t *Tracker) Get(id string) (harvest.WorkItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok {
		return harvest.WorkItem{}, false
	}
	return *item, true
}

func (t *Tracker) transition(item harvest.WorkItem, apply func(*harvest.WorkItem)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[item.ID]
	if !ok {
		return fmt.Errorf("item %s: %w", item.ID, harvest.ErrNotFound)
	}
	if cur.Status != harvest.StatusClaimed || cur.ClaimToken != item.ClaimToken {
		return fmt.Errorf("item %s (status %s): %w", item.ID, cur.Status, harvest.ErrClaimLost)
	}
	apply(cur)
	return nil
}

func (t *Tracker) now() time.Time {
	if t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock.Now()
}
