// ABOUTME: Engine wires assignment, event capture, conversions and results for one visitor
// ABOUTME: Constructed explicitly per visitor keyspace; public methods never fail or panic

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/conversion"
	"github.com/2389/abkit/internal/experiment"
	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/results"
	"github.com/2389/abkit/internal/visitor"
)

// Options tunes an Engine. Zero values select the package defaults.
type Options struct {
	Sink             analytics.Sink
	Offline          bool
	EventLimit       int
	EventExpiry      time.Duration
	ConversionLimit  int
	DeliveryAttempts uint
	DeliveryDelay    time.Duration
	Threshold        float64
	// UserID adopts an externally issued visitor id instead of resolving one
	UserID string
	Rand   func() float64
	Clock  func() time.Time
	Logger *slog.Logger
}

// Engine is the experimentation surface of a single visitor.
type Engine struct {
	store       *kv.Store
	registry    *experiment.Registry
	identity    visitor.Identity
	assigner    *experiment.Assigner
	tracker     *analytics.Tracker
	recorder    *conversion.Recorder
	preferences *visitor.PreferenceStore
	threshold   float64
	logger      *slog.Logger
}

// Open builds an engine over store, resolving the visitor identity and
// recording the visit.
func Open(ctx context.Context, store *kv.Store, registry *experiment.Registry, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	var identity visitor.Identity
	if opts.UserID != "" {
		identity = visitor.Adopt(ctx, store, opts.UserID)
	} else {
		identity = visitor.Resolve(ctx, store)
	}
	logger = logger.With("user_id", identity.UserID)

	assignerOpts := []experiment.AssignerOption{
		experiment.WithParticipant(identity.UserID),
		experiment.WithClock(clock),
		experiment.WithLogger(logger.With("component", "assigner")),
	}
	if opts.Rand != nil {
		assignerOpts = append(assignerOpts, experiment.WithRand(opts.Rand))
	}

	trackerOpts := []analytics.TrackerOption{
		analytics.WithOnline(!opts.Offline),
		analytics.WithClock(clock),
		analytics.WithLogger(logger.With("component", "tracker")),
	}
	if opts.Sink != nil {
		trackerOpts = append(trackerOpts, analytics.WithSink(opts.Sink))
	}
	if opts.EventLimit > 0 || opts.EventExpiry > 0 {
		limit, expiry := opts.EventLimit, opts.EventExpiry
		if limit <= 0 {
			limit = analytics.DefaultEventLimit
		}
		if expiry <= 0 {
			expiry = analytics.DefaultEventExpiry
		}
		trackerOpts = append(trackerOpts, analytics.WithEventLog(limit, expiry))
	}
	if opts.DeliveryAttempts > 0 {
		trackerOpts = append(trackerOpts, analytics.WithDelivery(opts.DeliveryAttempts, opts.DeliveryDelay))
	}

	recorderOpts := []conversion.Option{
		conversion.WithLogger(logger.With("component", "conversion")),
	}
	if opts.ConversionLimit > 0 {
		recorderOpts = append(recorderOpts, conversion.WithLimit(opts.ConversionLimit))
	}

	assigner := experiment.NewAssigner(registry, store, assignerOpts...)
	tracker := analytics.NewTracker(store, identity, trackerOpts...)

	e := &Engine{
		store:       store,
		registry:    registry,
		identity:    identity,
		assigner:    assigner,
		tracker:     tracker,
		recorder:    conversion.NewRecorder(store, assigner, tracker, recorderOpts...),
		preferences: visitor.NewPreferenceStore(store),
		threshold:   opts.Threshold,
		logger:      logger.With("component", "engine"),
	}

	e.preferences.RecordVisit(ctx, clock())
	return e
}

// Identity returns the visitor identity.
func (e *Engine) Identity() visitor.Identity {
	return e.identity
}

// Registry returns the experiment registry the engine resolves against.
func (e *Engine) Registry() *experiment.Registry {
	return e.registry
}

// Tracker exposes the event pipeline for page-level instrumentation.
func (e *Engine) Tracker() *analytics.Tracker {
	return e.tracker
}

// GetVariant returns the visitor's variant for experimentID.
func (e *Engine) GetVariant(ctx context.Context, experimentID string) string {
	return e.assigner.Variant(ctx, experimentID)
}

// Experiment resolves experimentID and returns a handle for reporting its
// conversion.
func (e *Engine) Experiment(ctx context.Context, experimentID string) *Participation {
	p := e.assigner.Participate(ctx, experimentID)
	return &Participation{Participation: p, engine: e}
}

// Track records an arbitrary event.
func (e *Engine) Track(ctx context.Context, name string, props analytics.Properties) {
	e.tracker.Track(ctx, name, props)
}

// TrackConversion records a conversion for an explicit experiment and variant.
func (e *Engine) TrackConversion(ctx context.Context, experimentID, variant string, data analytics.Properties) bool {
	return e.recorder.RecordVariant(ctx, experimentID, variant, data)
}

// Convert records a conversion for the variant already assigned to experimentID.
func (e *Engine) Convert(ctx context.Context, experimentID string, data analytics.Properties) bool {
	return e.recorder.Record(ctx, experimentID, data)
}

// Assignment returns the existing assignment for experimentID without creating one.
func (e *Engine) Assignment(ctx context.Context, experimentID string) (experiment.Assignment, bool) {
	return e.assigner.Current(ctx, experimentID)
}

// Assignments returns every persisted assignment of the visitor.
func (e *Engine) Assignments(ctx context.Context) []experiment.Assignment {
	return e.assigner.Assignments(ctx)
}

// Conversions returns the retained conversions for experimentID.
func (e *Engine) Conversions(ctx context.Context, experimentID string) []analytics.Event {
	return e.recorder.Conversions(ctx, experimentID)
}

// Events returns the persisted event log.
func (e *Engine) Events(ctx context.Context) []analytics.Event {
	return e.tracker.Events(ctx)
}

// Preferences returns the visitor's stored preferences.
func (e *Engine) Preferences(ctx context.Context) visitor.Preferences {
	return e.preferences.Load(ctx)
}

// Results aggregates this visitor's assignments and conversions.
func (e *Engine) Results(ctx context.Context) []results.Summary {
	return results.Load(ctx, e.store, results.Options{
		Definitions: e.registry.All(),
		Threshold:   e.threshold,
	})
}

// Reset forgets every assignment and clears the conversion and event logs.
// The visitor id and preferences are kept.
func (e *Engine) Reset(ctx context.Context) {
	e.assigner.ResetAll(ctx)
	e.recorder.Clear(ctx)
	e.tracker.Clear(ctx)
	e.logger.Info("visitor state reset")
}

// ResetExperiment forgets the assignment for experimentID.
func (e *Engine) ResetExperiment(ctx context.Context, experimentID string) {
	e.assigner.Reset(ctx, experimentID)
}

// Close ends the visitor lifetime: it records time on page and flushes.
func (e *Engine) Close(ctx context.Context) {
	e.tracker.PageHide(ctx)
}

// Participation is a resolved experiment with a bound conversion reporter.
type Participation struct {
	experiment.Participation
	engine *Engine
}

// Convert records a conversion for the resolved variant. It is a no-op for
// experiments that are not registered.
func (p *Participation) Convert(ctx context.Context, data analytics.Properties) bool {
	if !p.Known {
		return false
	}
	return p.engine.recorder.RecordVariant(ctx, p.ExperimentID, p.Variant, data)
}
