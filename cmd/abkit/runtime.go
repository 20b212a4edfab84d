// ABOUTME: Builds the storage backend, sink and engine options from config
// ABOUTME: Shared by the serve command and the local profile commands

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389/abkit/internal/config"
	"github.com/2389/abkit/internal/engine"
	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/sink"
)

// openBackend opens the configured storage backend.
func openBackend(ctx context.Context, cfg config.StorageConfig) (kv.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		b, err := kv.NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
		return b, nil
	case "redis":
		b, err := kv.NewRedisBackend(ctx, kv.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis backend: %w", err)
		}
		return b, nil
	case "memory":
		return kv.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func engineOptions(cfg *config.Config, s sink.Sink, logger *slog.Logger) engine.Options {
	opts := engine.Options{
		EventLimit:       cfg.Analytics.EventLimit,
		EventExpiry:      cfg.Analytics.EventExpiry,
		ConversionLimit:  cfg.Analytics.ConversionLimit,
		DeliveryAttempts: cfg.Analytics.DeliveryAttempts,
		DeliveryDelay:    cfg.Analytics.DeliveryDelay,
		Threshold:        cfg.Results.Threshold,
		Logger:           logger,
	}
	if s != nil {
		opts.Sink = s
	}
	return opts
}

// profile is the local single-visitor keyspace the CLI commands operate on.
type profile struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend kv.Backend
	sink    sink.Sink
	engine  *engine.Engine
}

// openProfile loads the config and opens the engine over the root keyspace.
func openProfile(ctx context.Context, configPath string) (*profile, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging)

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("building experiment registry: %w", err)
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	s, err := sink.New(ctx, cfg.Analytics.Sink, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("creating sink: %w", err)
	}

	store := kv.New(backend, kv.WithNamespace(cfg.Storage.Namespace), kv.WithLogger(logger))
	return &profile{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		sink:    s,
		engine:  engine.Open(ctx, store, registry, engineOptions(cfg, s, logger)),
	}, nil
}

// Close flushes pending events and releases the sink and backend.
func (p *profile) Close(ctx context.Context) error {
	tr := p.engine.Tracker()
	tr.Wait()
	tr.Flush(ctx)

	var errs []error
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sink: %w", err))
		}
	}
	if err := p.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	return errors.Join(errs...)
}
