package credstore

import (
	"context"
	"sync"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Memory keeps credentials in process; nothing survives a restart.
type Memory struct {
	mu   sync.Mutex
	blob []byte
}

// NewMemory creates an in-memory credential store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load implements harvest.CredentialStore.
func (m *Memory) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blob) == 0 {
		return nil, harvest.ErrNotFound
	}
	return append([]byte(nil), m.blob...), nil
}

// Save implements harvest.CredentialStore.
func (m *Memory) Save(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	return nil
}
