package core

import (
	"context"
	"sync"
	"time"
)

// Memory interface for small keyed state with TTL semantics. Used by the
// event bus for event-id deduplication and by callers that memoize
// resolver output per workflow.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// InMemoryStore provides a process-local implementation of Memory.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]memoryEntry)}
}

func (m *InMemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, exists := m.data[key]
	m.mu.RUnlock()
	if !exists || entry.expired() {
		return "", nil
	}
	return entry.value, nil
}

func (m *InMemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *InMemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	entry, exists := m.data[key]
	m.mu.RUnlock()
	return exists && !entry.expired(), nil
}

func (e memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

var _ Memory = (*InMemoryStore)(nil)
