// Package dispatcher runs one batch of work items with bounded concurrency.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/metrics"
)

// ErrPanic marks an outcome whose task panicked.
var ErrPanic = errors.New("task panicked")

// Task processes one item. Errors are captured per item and never abort the batch.
type Task func(ctx context.Context, item harvest.WorkItem) error

// Outcome is the result of one task.
type Outcome struct {
	Item harvest.WorkItem
	Kind harvest.Kind
	Err  error
}

// Panicked reports whether the task panicked.
func (o Outcome) Panicked() bool {
	return errors.Is(o.Err, ErrPanic)
}

// Outcomes is a batch result in input order.
type Outcomes []Outcome

// AuthLost reports whether any item ended with a lost session.
func (o Outcomes) AuthLost() bool {
	for _, out := range o {
		if out.Kind == harvest.KindNotAuthenticated {
			return true
		}
	}
	return false
}

// RefreshFailed returns the first refresh failure, which is fatal for the run.
func (o Outcomes) RefreshFailed() error {
	for _, out := range o {
		if out.Kind == harvest.KindRefreshFailed {
			return out.Err
		}
	}
	return nil
}

// Dispatcher bounds how many tasks run at once.
type Dispatcher struct {
	maxConcurrency int64
	logger         *zap.Logger
}

// New creates a Dispatcher. maxConcurrency below 1 is treated as 1.
func New(maxConcurrency int, logger *zap.Logger) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{maxConcurrency: int64(maxConcurrency), logger: logger}
}

// MaxConcurrency returns the configured bound.
func (d *Dispatcher) MaxConcurrency() int {
	return int(d.maxConcurrency)
}

// RunBatch runs fn for every item and waits for all of them. Items that could not start
// because ctx ended carry the context error.
func (d *Dispatcher) RunBatch(ctx context.Context, items []harvest.WorkItem, fn Task) Outcomes {
	outcomes := make(Outcomes, len(items))
	sem := semaphore.NewWeighted(d.maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		outcomes[i].Item = item
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i].Err = fmt.Errorf("dispatch item: %w", err)
			outcomes[i].Kind = harvest.KindOf(outcomes[i].Err)
			continue
		}
		wg.Add(1)
		go func(i int, item harvest.WorkItem) {
			defer wg.Done()
			defer sem.Release(1)
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			err := d.run(ctx, item, fn)
			outcomes[i].Err = err
			outcomes[i].Kind = harvest.KindOf(err)
		}(i, item)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) run(ctx context.Context, item harvest.WorkItem, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked",
				zap.String("item_id", item.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = harvest.Fatal("run task", fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()
	return fn(ctx, item)
}
