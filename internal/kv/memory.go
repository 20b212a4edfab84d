// ABOUTME: In-memory Backend implementation for tests and ephemeral profiles
// ABOUTME: Can simulate an unavailable store to exercise fail-soft paths

package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-memory Backend.
type MemoryBackend struct {
	mu          sync.RWMutex
	entries     map[string][]byte
	unavailable bool
	closed      bool
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string][]byte),
	}
}

// SetUnavailable makes every subsequent operation fail with ErrUnavailable
// until it is called again with false.
func (m *MemoryBackend) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

// Len returns the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryBackend) availableLocked() error {
	if m.unavailable || m.closed {
		return ErrUnavailable
	}
	return nil
}

// Get returns a copy of the stored value.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.availableLocked(); err != nil {
		return nil, err
	}

	v, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Make a copy to avoid external modification
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value.
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.availableLocked(); err != nil {
		return err
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = v
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.availableLocked(); err != nil {
		return err
	}

	delete(m.entries, key)
	return nil
}

// Keys lists the keys beginning with prefix in ascending order.
func (m *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.availableLocked(); err != nil {
		return nil, err
	}

	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping reports ErrUnavailable while the backend is marked unavailable.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableLocked()
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
