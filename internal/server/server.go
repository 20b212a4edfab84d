// ABOUTME: HTTP server exposing assignment, event capture and results over a shared store
// ABOUTME: Each visitor gets an engine scoped to its own keyspace, cached between requests

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/abkit/internal/cache"
	"github.com/2389/abkit/internal/engine"
	"github.com/2389/abkit/internal/experiment"
	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/visitor"
)

// VisitorScope is the sub-namespace holding one keyspace per visitor.
const VisitorScope = "visitor"

const (
	defaultCacheTTL  = 30 * time.Minute
	defaultCacheSize = 10000
	shutdownTimeout  = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	Store    *kv.Store
	Registry *experiment.Registry
	Tokens   *visitor.Tokens
	// TokenTTL of zero issues tokens that never expire
	TokenTTL time.Duration
	// Engine is applied to every visitor engine; UserID is always overridden
	Engine           engine.Options
	VisitorCacheTTL  time.Duration
	VisitorCacheSize int
	Logger           *slog.Logger
}

// Server serves the experimentation HTTP API.
type Server struct {
	root       *kv.Store
	registry   *experiment.Registry
	tokens     *visitor.Tokens
	tokenTTL   time.Duration
	engineOpts engine.Options
	engines    *cache.Cache[*engine.Engine]
	openMu     sync.Mutex // serializes opening engines on a cache miss
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a server. Store, Registry and Tokens are required.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.VisitorCacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := opts.VisitorCacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	engineOpts := opts.Engine
	if engineOpts.Logger == nil {
		engineOpts.Logger = logger
	}

	return &Server{
		root:       opts.Store,
		registry:   opts.Registry,
		tokens:     opts.Tokens,
		tokenTTL:   opts.TokenTTL,
		engineOpts: engineOpts,
		engines:    cache.New[*engine.Engine](ttl, size),
		logger:     logger.With("component", "server"),
	}
}

// Handler returns the HTTP routes of the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/visitors", s.handleCreateVisitor)
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/results", s.handleResults)

		r.Group(func(r chi.Router) {
			r.Use(requireVisitor(s.tokens))

			r.Get("/me", s.handleMe)
			r.Get("/experiments/{id}/variant", s.handleVariant)
			r.Post("/experiments/{id}/conversions", s.handleConversion)
			r.Post("/events", s.handleEvent)
		})
	})

	return r
}

// ReplaceExperiments swaps the registered experiments. Existing assignments
// to variants that no longer exist are re-sampled on next access.
func (s *Server) ReplaceExperiments(defs []experiment.Definition) error {
	if err := s.registry.Replace(defs); err != nil {
		return fmt.Errorf("replacing experiments: %w", err)
	}
	s.logger.Info("experiments reloaded", "count", len(defs))
	return nil
}

// engineFor returns the cached engine of visitorID, opening it on first use.
// Each use restarts the entry's TTL, so a visitor with live traffic keeps a
// single engine and a single visit count.
func (s *Server) engineFor(ctx context.Context, visitorID string) *engine.Engine {
	if e, ok := s.engines.Touch(visitorID); ok {
		return e
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	// Another request may have opened it while we waited.
	if e, ok := s.engines.Touch(visitorID); ok {
		return e
	}

	opts := s.engineOpts
	opts.UserID = visitorID
	e := engine.Open(ctx, s.root.Scope(VisitorScope).Scope(visitorID), s.registry, opts)
	s.engines.Set(visitorID, e)
	return e
}

// Run listens on addr and serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases the engine cache.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	defer s.engines.Close()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}
