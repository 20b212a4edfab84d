// ABOUTME: Namespaced, versioned, TTL-aware key/value store over a Backend
// ABOUTME: Fails soft: unavailable or corrupt storage reads as absent and writes report false

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// DefaultNamespace prefixes every key written by a Store created without WithNamespace
const DefaultNamespace = "abkit_"

// DefaultVersion is stamped on envelopes written without WithVersion
const DefaultVersion = "1.0.0"

// Store wraps values in envelopes and reads them back, self-healing on corruption.
type Store struct {
	backend   Backend
	namespace string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithNamespace sets the key prefix
func WithNamespace(ns string) Option {
	return func(s *Store) { s.namespace = ns }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used for envelope timestamps and expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		namespace: DefaultNamespace,
		logger:    slog.Default().With("component", "kv"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the key prefix of this store.
func (s *Store) Namespace() string {
	return s.namespace
}

// Scope returns a store sharing the backend whose keys live under namespace+sub+"/".
func (s *Store) Scope(sub string) *Store {
	return &Store{
		backend:   s.backend,
		namespace: s.namespace + sub + "/",
		logger:    s.logger,
		now:       s.now,
	}
}

type setConfig struct {
	expiry  time.Duration
	version string
}

// SetOption configures a single Set call
type SetOption func(*setConfig)

// WithExpiry marks the entry absent once it is older than d
func WithExpiry(d time.Duration) SetOption {
	return func(c *setConfig) { c.expiry = d }
}

// WithVersion stamps the entry with version v
func WithVersion(v string) SetOption {
	return func(c *setConfig) { c.version = v }
}

type getConfig struct {
	version string
}

// GetOption configures a single Get call
type GetOption func(*getConfig)

// ExpectVersion treats entries stamped with any other version as absent
func ExpectVersion(v string) GetOption {
	return func(c *getConfig) { c.version = v }
}

// Set wraps value in an envelope and writes it under key.
// Returns false if serialization fails or the backend rejects the write.
func (s *Store) Set(ctx context.Context, key string, value any, opts ...SetOption) bool {
	cfg := setConfig{version: DefaultVersion}
	for _, opt := range opts {
		opt(&cfg)
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("serializing value failed", "key", key, "error", err)
		return false
	}

	env := Envelope{
		Data:      data,
		Timestamp: s.now().UnixMilli(),
		Version:   cfg.version,
	}
	if cfg.expiry > 0 {
		ms := cfg.expiry.Milliseconds()
		if ms == 0 {
			ms = 1
		}
		env.Expiry = &ms
	}

	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("serializing envelope failed", "key", key, "error", err)
		return false
	}

	if err := s.backend.Set(ctx, s.namespace+key, raw); err != nil {
		s.logger.Warn("storage write failed", "key", key, "error", err)
		return false
	}
	return true
}

// Get decodes the value stored under key into dst and reports whether it was present.
// Malformed, expired or version-mismatched entries are deleted and reported absent.
func (s *Store) Get(ctx context.Context, key string, dst any, opts ...GetOption) bool {
	var cfg getConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	raw, err := s.backend.Get(ctx, s.namespace+key)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		s.logger.Debug("storage read failed", "key", key, "error", err)
		return false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		s.logger.Warn("discarding malformed entry", "key", key)
		s.Remove(ctx, key)
		return false
	}

	if env.Expired(s.now()) {
		s.logger.Debug("discarding expired entry", "key", key)
		s.Remove(ctx, key)
		return false
	}

	if cfg.version != "" && !env.VersionMatches(cfg.version) {
		s.logger.Debug("discarding entry with stale version",
			"key", key,
			"version", env.Version,
			"expected", cfg.version,
		)
		s.Remove(ctx, key)
		return false
	}

	if err := json.Unmarshal(env.Data, dst); err != nil {
		s.logger.Warn("discarding entry with undecodable data", "key", key, "error", err)
		s.Remove(ctx, key)
		return false
	}

	return true
}

// Remove deletes key. Failures are logged and otherwise ignored.
func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, s.namespace+key); err != nil {
		s.logger.Debug("storage delete failed", "key", key, "error", err)
	}
}

// Clear removes every key under this store's namespace.
func (s *Store) Clear(ctx context.Context) {
	keys, err := s.backend.Keys(ctx, s.namespace)
	if err != nil {
		s.logger.Debug("listing keys for clear failed", "error", err)
		return
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			s.logger.Debug("storage delete failed", "key", k, "error", err)
		}
	}
}

// ListKeys returns the keys under this namespace with the namespace prefix removed.
func (s *Store) ListKeys(ctx context.Context) []string {
	keys, err := s.backend.Keys(ctx, s.namespace)
	if err != nil {
		s.logger.Debug("listing keys failed", "error", err)
		return nil
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, s.namespace))
	}
	return out
}

// Available reports whether the backend currently accepts requests.
func (s *Store) Available(ctx context.Context) bool {
	return s.backend.Ping(ctx) == nil
}
