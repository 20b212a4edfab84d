// ABOUTME: Bounded append-only log persisted under a single store key
// ABOUTME: Oldest entries are evicted once the cap is exceeded

package kv

import (
	"context"
	"sync"
)

// Log is an append-only sequence of T capped at a fixed length.
// Appends are read-modify-write full overwrites of one key.
type Log[T any] struct {
	mu    sync.Mutex
	store *Store
	key   string
	limit int
	opts  []SetOption
}

// NewLog creates a log over store under key holding at most limit entries.
// opts are applied to every write (for example WithExpiry).
func NewLog[T any](store *Store, key string, limit int, opts ...SetOption) *Log[T] {
	return &Log[T]{
		store: store,
		key:   key,
		limit: limit,
		opts:  opts,
	}
}

// Key returns the store key backing the log.
func (l *Log[T]) Key() string {
	return l.key
}

// Limit returns the maximum number of retained entries.
func (l *Log[T]) Limit() int {
	return l.limit
}

// Append adds items at the end, evicting from the front beyond the limit.
// Returns false if the write failed.
func (l *Log[T]) Append(ctx context.Context, items ...T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []T
	l.store.Get(ctx, l.key, &entries)

	entries = append(entries, items...)
	if l.limit > 0 && len(entries) > l.limit {
		entries = entries[len(entries)-l.limit:]
	}

	return l.store.Set(ctx, l.key, entries, l.opts...)
}

// Entries returns the retained entries oldest first.
func (l *Log[T]) Entries(ctx context.Context) []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []T
	if !l.store.Get(ctx, l.key, &entries) {
		return nil
	}
	return entries
}

// Clear drops every entry.
func (l *Log[T]) Clear(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Remove(ctx, l.key)
}
