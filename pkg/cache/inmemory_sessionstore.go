package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemorySessionStore is a thread-safe, in-memory implementation of SessionStore.
// It is primarily intended for local development and testing.
type InMemorySessionStore[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewInMemorySessionStore creates a new in-memory session store.
func NewInMemorySessionStore[K comparable, V any]() *InMemorySessionStore[K, V] {
	return &InMemorySessionStore[K, V]{
		data: make(map[K]V),
	}
}

// Set stores a value for a key.
func (s *InMemorySessionStore[K, V]) Set(_ context.Context, key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Fetch retrieves a value by its key.
func (s *InMemorySessionStore[K, V]) Fetch(_ context.Context, key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	return value, nil
}

// Delete removes a key.
func (s *InMemorySessionStore[K, V]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Clear removes every key.
func (s *InMemorySessionStore[K, V]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[K]V)
	return nil
}

// Len returns the number of stored keys.
func (s *InMemorySessionStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op for the in-memory implementation.
func (s *InMemorySessionStore[K, V]) Close() error {
	return nil
}
