package cache

import (
	"context"
	"sync"
)

// Backend abstracts the persistent tier's storage: string keys holding
// serialized entries. Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the entry for key, or nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores the entry, replacing any existing one for its key.
	Set(ctx context.Context, entry *Entry) error
	// Delete removes the entry for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// MemoryBackend is an in-memory Backend, used in tests and as a stand-in
// when no durable store is configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

// Get returns the entry for key, or nil when absent
func (m *MemoryBackend) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

// Set stores the entry
func (m *MemoryBackend) Set(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.entries[entry.Key] = &clone
	return nil
}

// Delete removes the entry for key
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Clear removes every entry
func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	return nil
}

// Keys lists every stored key
func (m *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close is a no-op for the in-memory backend
func (m *MemoryBackend) Close() error {
	return nil
}
