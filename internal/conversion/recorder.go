// ABOUTME: Conversion recorder: attributes conversions to the visitor's assigned variant
// ABOUTME: Persists a bounded conversion log and emits conversion events through the tracker

package conversion

import (
	"context"
	"log/slog"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/experiment"
	"github.com/2389/abkit/internal/kv"
)

// ConversionsKey is the store key of the bounded conversion log
const ConversionsKey = "ab_conversions"

// DefaultLimit caps the conversion log
const DefaultLimit = 100

// Recorder records conversions for one visitor.
type Recorder struct {
	assigner *experiment.Assigner
	tracker  *analytics.Tracker
	log      *kv.Log[analytics.Event]
	logger   *slog.Logger
}

// Option configures a Recorder
type Option func(*recorderConfig)

type recorderConfig struct {
	limit  int
	logger *slog.Logger
}

// WithLimit overrides the conversion log cap
func WithLimit(n int) Option {
	return func(c *recorderConfig) { c.limit = n }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *recorderConfig) { c.logger = l }
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *kv.Store, assigner *experiment.Assigner, tracker *analytics.Tracker, opts ...Option) *Recorder {
	cfg := recorderConfig{
		limit:  DefaultLimit,
		logger: slog.Default().With("component", "conversion"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Recorder{
		assigner: assigner,
		tracker:  tracker,
		log:      kv.NewLog[analytics.Event](store, ConversionsKey, cfg.limit),
		logger:   cfg.logger,
	}
}

// Record attributes a conversion to the variant already assigned for
// experimentID. Without an existing assignment nothing is recorded.
func (r *Recorder) Record(ctx context.Context, experimentID string, data analytics.Properties) bool {
	a, ok := r.assigner.Current(ctx, experimentID)
	if !ok {
		r.logger.Debug("conversion without assignment dropped", "experiment", experimentID)
		return false
	}
	return r.RecordVariant(ctx, experimentID, a.Variant, data)
}

// RecordVariant records a conversion for an explicit variant.
// Returns false if the conversion could not be persisted.
func (r *Recorder) RecordVariant(ctx context.Context, experimentID, variant string, data analytics.Properties) bool {
	props := analytics.ConversionProperties(experimentID, variant, data)

	evt, ok := r.tracker.Emit(ctx, analytics.EventConversion, props)
	if !ok {
		return false
	}

	if !r.log.Append(ctx, evt) {
		r.logger.Debug("conversion not persisted", "experiment", experimentID, "variant", variant)
		return false
	}

	r.logger.Debug("recorded conversion", "experiment", experimentID, "variant", variant)
	return true
}

// All returns the retained conversions oldest first.
func (r *Recorder) All(ctx context.Context) []analytics.Event {
	return r.log.Entries(ctx)
}

// Conversions returns the retained conversions attributed to experimentID.
func (r *Recorder) Conversions(ctx context.Context, experimentID string) []analytics.Event {
	var out []analytics.Event
	for _, e := range r.log.Entries(ctx) {
		if id, _, ok := e.Conversion(); ok && id == experimentID {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops the conversion log.
func (r *Recorder) Clear(ctx context.Context) {
	r.log.Clear(ctx)
}

// Load reads the conversions persisted in store.
func Load(ctx context.Context, store *kv.Store) []analytics.Event {
	return kv.NewLog[analytics.Event](store, ConversionsKey, DefaultLimit).Entries(ctx)
}
