// ABOUTME: Two-level cache: in-process L1 in front of a durable L2 source.
// ABOUTME: A single get-or-populate path resolves, creates and persists values.

package cache

import (
	"context"
	"sync"
)

// Source is the durable second tier behind the in-process cache.
type Source[V any] interface {
	Load(ctx context.Context, key string) (V, bool)
	Store(ctx context.Context, key string, value V) bool
	Remove(ctx context.Context, key string)
}

// Tiered resolves keys through L1, then L2, then a create function.
// Resolution is serialized so concurrent callers for one key observe one value.
type Tiered[V any] struct {
	mu sync.Mutex
	l1 *Cache[V]
	l2 Source[V]
}

// NewTiered creates a two-level cache over l2 with an unbounded, non-expiring L1.
func NewTiered[V any](l2 Source[V]) *Tiered[V] {
	return &Tiered[V]{
		l1: New[V](0, 0),
		l2: l2,
	}
}

// Get returns the value for key from L1 or L2 without creating one.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(ctx, key)
}

func (t *Tiered[V]) getLocked(ctx context.Context, key string) (V, bool) {
	if v, ok := t.l1.Get(key); ok {
		return v, true
	}
	if v, ok := t.l2.Load(ctx, key); ok {
		t.l1.Set(key, v)
		return v, true
	}
	var zero V
	return zero, false
}

// GetOrPopulate returns the cached value for key, or calls create and stores its
// result in both tiers. If create reports false nothing is cached.
// The returned persisted flag is false when the L2 write failed; the value is
// still held in L1 so later calls in this process agree.
func (t *Tiered[V]) GetOrPopulate(ctx context.Context, key string, create func() (V, bool)) (value V, ok bool, persisted bool) {
	return t.GetOrPopulateIf(ctx, key, nil, create)
}

// GetOrPopulateIf behaves like GetOrPopulate but discards a cached value that
// keep rejects, in both tiers, before creating a replacement.
func (t *Tiered[V]) GetOrPopulateIf(ctx context.Context, key string, keep func(V) bool, create func() (V, bool)) (value V, ok bool, persisted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, found := t.getLocked(ctx, key); found {
		if keep == nil || keep(v) {
			return v, true, true
		}
		t.l1.Delete(key)
		t.l2.Remove(ctx, key)
	}

	v, ok := create()
	if !ok {
		var zero V
		return zero, false, false
	}

	persisted = t.l2.Store(ctx, key, v)
	t.l1.Set(key, v)
	return v, true, persisted
}

// Forget drops key from both tiers.
func (t *Tiered[V]) Forget(ctx context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.l1.Delete(key)
	t.l2.Remove(ctx, key)
}

// Reset drops every L1 entry. L2 is left untouched.
func (t *Tiered[V]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.l1.Clear()
}
