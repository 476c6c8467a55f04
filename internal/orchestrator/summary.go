package orchestrator

import (
	"sync"
	"time"
)

const maxSamples = 5

// Summary reports what one run did.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Batches    int       `json:"batches"`
	Claimed    int       `json:"claimed"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	Requeued   int       `json:"requeued"`
	StaleReset int       `json:"stale_reset"`
	Refreshes  int64     `json:"session_refreshes"`
	// Samples holds a few representative failures.
	Samples []string `json:"samples,omitempty"`
}

type tally struct {
	mu  sync.Mutex
	sum Summary
}

func newTally(start time.Time) *tally {
	return &tally{sum: Summary{StartedAt: start}}
}

func (t *tally) batch(n int) {
	t.mu.Lock()
	t.sum.Batches++
	t.sum.Claimed += n
	t.mu.Unlock()
}

func (t *tally) done() {
	t.mu.Lock()
	t.sum.Done++
	t.mu.Unlock()
}

func (t *tally) requeued() {
	t.mu.Lock()
	t.sum.Requeued++
	t.mu.Unlock()
}

func (t *tally) failed(id string, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sum.Failed++
	if len(t.sum.Samples) < maxSamples {
		t.sum.Samples = append(t.sum.Samples, id+": "+cause.Error())
	}
}

func (t *tally) staleReset(n int) {
	t.mu.Lock()
	t.sum.StaleReset += n
	t.mu.Unlock()
}

func (t *tally) setRefreshes(n int64) {
	t.mu.Lock()
	t.sum.Refreshes = n
	t.mu.Unlock()
}

func (t *tally) finish(at time.Time) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sum.FinishedAt = at
	return t.copyLocked()
}

func (t *tally) snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

func (t *tally) copyLocked() Summary {
	out := t.sum
	out.Samples = append([]string(nil), t.sum.Samples...)
	return out
}
