// ABOUTME: Tests for the bounded log
// ABOUTME: Validates eviction order, expiry propagation and concurrent appends

package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_EvictsOldest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	log := NewLog[int](s, "analytics_events", 1000)

	for i := 0; i < 1050; i++ {
		require.True(t, log.Append(ctx, i))
	}

	entries := log.Entries(ctx)
	require.Len(t, entries, 1000)
	assert.Equal(t, 50, entries[0])
	assert.Equal(t, 1049, entries[999])
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1]+1, entries[i], "order must be preserved")
	}
}

func TestLog_AppendMany(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	log := NewLog[string](s, "k", 3)

	require.True(t, log.Append(ctx, "a", "b"))
	require.True(t, log.Append(ctx, "c", "d"))

	assert.Equal(t, []string{"b", "c", "d"}, log.Entries(ctx))
}

func TestLog_EmptyAndClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	log := NewLog[string](s, "k", 10)

	assert.Nil(t, log.Entries(ctx))

	log.Append(ctx, "x")
	log.Clear(ctx)
	assert.Nil(t, log.Entries(ctx))
}

func TestLog_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(NewMemoryBackend(), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	log := NewLog[string](s, "k", 10, WithExpiry(7*24*time.Hour))

	log.Append(ctx, "old")
	now = now.Add(8 * 24 * time.Hour)

	assert.Nil(t, log.Entries(ctx))
}

func TestLog_UnavailableBackend(t *testing.T) {
	s, backend := newTestStore(t)
	backend.SetUnavailable(true)
	log := NewLog[string](s, "k", 10)

	assert.False(t, log.Append(context.Background(), "x"))
	assert.Nil(t, log.Entries(context.Background()))
}

func TestLog_ConcurrentAppends(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	log := NewLog[int](s, "k", 500)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log.Append(ctx, n)
		}(i)
	}
	wg.Wait()

	assert.Len(t, log.Entries(ctx), 100)
}
