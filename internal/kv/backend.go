// ABOUTME: Backend interface for raw byte persistence behind the envelope store
// ABOUTME: Implemented by SQLite, Redis and in-memory backends

package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Backend when a key does not exist
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned by a Backend that cannot currently serve requests
// (database closed, quota exhausted, connection refused).
var ErrUnavailable = errors.New("storage unavailable")

// Backend stores opaque values under flat string keys.
// Every write is a full overwrite of a single key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every stored key beginning with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
