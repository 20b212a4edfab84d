// ABOUTME: Tests for the conversion recorder
// ABOUTME: Checks attribution to the assigned variant, the bounded log and dropped conversions

package conversion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/experiment"
	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/visitor"
)

type fixture struct {
	store    *kv.Store
	assigner *experiment.Assigner
	tracker  *analytics.Tracker
	recorder *Recorder
}

func newFixture(t *testing.T, draw float64, opts ...Option) fixture {
	t.Helper()
	reg, err := experiment.NewRegistry(experiment.Definition{
		ID:       "hero-cta",
		Variants: []string{"control", "urgency", "value"},
		Weights:  []float64{0.34, 0.33, 0.33},
	})
	require.NoError(t, err)

	store := kv.New(kv.NewMemoryBackend())
	assigner := experiment.NewAssigner(reg, store, experiment.WithRand(func() float64 { return draw }))
	tracker := analytics.NewTracker(store, visitor.Identity{UserID: "u", SessionID: "s"})
	return fixture{
		store:    store,
		assigner: assigner,
		tracker:  tracker,
		recorder: NewRecorder(store, assigner, tracker, opts...),
	}
}

func TestRecord_AttributesAssignedVariant(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()

	require.Equal(t, "urgency", f.assigner.Variant(ctx, "hero-cta"))
	require.True(t, f.recorder.Record(ctx, "hero-cta", analytics.Properties{"amount": 10}))

	got := f.recorder.Conversions(ctx, "hero-cta")
	require.Len(t, got, 1)
	expID, variant, ok := got[0].Conversion()
	require.True(t, ok)
	assert.Equal(t, "hero-cta", expID)
	assert.Equal(t, "urgency", variant)

	// The same event is in the analytics log
	events := f.tracker.Events(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, analytics.EventConversion, events[0].Name)
	assert.Equal(t, got[0].ID, events[0].ID)
}

func TestRecord_WithoutAssignmentIsDropped(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()

	assert.False(t, f.recorder.Record(ctx, "hero-cta", nil))
	assert.Empty(t, f.recorder.All(ctx))
	assert.Empty(t, f.tracker.Events(ctx))

	_, assigned := f.assigner.Current(ctx, "hero-cta")
	assert.False(t, assigned, "recording must not assign")
}

func TestRecordVariant_Explicit(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()

	require.True(t, f.recorder.RecordVariant(ctx, "pricing-display", "value-focused", nil))
	require.True(t, f.recorder.RecordVariant(ctx, "hero-cta", "control", nil))

	assert.Len(t, f.recorder.Conversions(ctx, "pricing-display"), 1)
	assert.Len(t, f.recorder.Conversions(ctx, "hero-cta"), 1)
	assert.Len(t, Load(ctx, f.store), 2)
}

func TestRecord_LogIsBounded(t *testing.T) {
	f := newFixture(t, 0.1, WithLimit(3))
	ctx := context.Background()

	for i := range 5 {
		f.recorder.RecordVariant(ctx, "hero-cta", "control", analytics.Properties{"n": i})
	}

	all := f.recorder.All(ctx)
	require.Len(t, all, 3)
	n, _ := all[0].Properties.Float("n")
	assert.Equal(t, float64(2), n)
}

func TestRecord_UnavailableStore(t *testing.T) {
	reg, err := experiment.NewRegistry()
	require.NoError(t, err)
	backend := kv.NewMemoryBackend()
	backend.SetUnavailable(true)
	store := kv.New(backend)

	r := NewRecorder(store,
		experiment.NewAssigner(reg, store),
		analytics.NewTracker(store, visitor.Identity{}),
	)
	assert.False(t, r.RecordVariant(context.Background(), "x", "control", nil))
	assert.Empty(t, r.All(context.Background()))
}

func TestClear(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()

	f.recorder.RecordVariant(ctx, "hero-cta", "control", nil)
	f.recorder.Clear(ctx)
	assert.Empty(t, f.recorder.All(ctx))
}
