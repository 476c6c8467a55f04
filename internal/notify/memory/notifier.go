// Package memory contains an in-memory Notifier for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Notifier stores events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []harvest.Event
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event harvest.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded events.
func (n *Notifier) Events() []harvest.Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]harvest.Event, len(n.events))
	copy(out, n.events)
	return out
}
