package transcript

import (
	"context"
	"sync"
)

// Store persists finalized turns keyed by session ID. Implementations must be
// safe for concurrent use.
type Store interface {
	// Append persists turn under sessionID.
	Append(ctx context.Context, sessionID string, turn Turn) error

	// List returns all turns recorded for sessionID in insertion order.
	List(ctx context.Context, sessionID string) ([]Turn, error)
}

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process [Store]. It is the default when no database
// is configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Turn
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Turn)}
}

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, sessionID string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], turn)
	return nil
}

// List implements [Store]. Unknown sessions yield an empty, non-nil slice.
func (m *MemoryStore) List(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn{}, m.sessions[sessionID]...), nil
}
