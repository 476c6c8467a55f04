// Package memory provides an in-memory Persistor for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Store keeps the latest record per item.
type Store struct {
	mu      sync.RWMutex
	records map[string]harvest.Record
	writes  int
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string]harvest.Record)}
}

// Save upserts record for item.
func (s *Store) Save(_ context.Context, item harvest.WorkItem, record harvest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[item.ID] = record
	s.writes++
	return nil
}

// Get returns the record stored for id.
func (s *Store) Get(id string) (harvest.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Len returns the number of distinct items stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Writes returns how many Save calls succeeded, including overwrites.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
