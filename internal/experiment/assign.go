// ABOUTME: Variant assignment service with memory and durable tiers
// ABOUTME: Assigns once per visitor and experiment by weighted random draw, then memoizes

package experiment

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/2389/abkit/internal/cache"
	"github.com/2389/abkit/internal/kv"
)

// AssignmentsKey is the store key holding every assignment of a visitor
const AssignmentsKey = "ab_tests"

// Assignment binds one visitor to one variant of one experiment.
type Assignment struct {
	ExperimentID  string    `json:"experimentId"`
	Variant       string    `json:"variant"`
	ParticipantID string    `json:"participantId"`
	AssignedAt    time.Time `json:"assignedAt"`
}

// Participation is the outcome of resolving an experiment for the visitor.
// Known is false for unregistered experiments, which always get DefaultVariant.
type Participation struct {
	ExperimentID string
	Variant      string
	Known        bool
}

// Assigner resolves and persists variant assignments for a single visitor.
type Assigner struct {
	registry      *Registry
	source        *assignmentSource
	tiers         *cache.Tiered[Assignment]
	participantID string
	draw          func() float64
	now           func() time.Time
	logger        *slog.Logger
}

// AssignerOption configures an Assigner
type AssignerOption func(*Assigner)

// WithRand overrides the uniform [0,1) source used for new assignments
func WithRand(draw func() float64) AssignerOption {
	return func(a *Assigner) { a.draw = draw }
}

// WithParticipant sets the participant id stamped on new assignments
func WithParticipant(id string) AssignerOption {
	return func(a *Assigner) { a.participantID = id }
}

// WithClock overrides the time source for AssignedAt
func WithClock(now func() time.Time) AssignerOption {
	return func(a *Assigner) { a.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) AssignerOption {
	return func(a *Assigner) { a.logger = l }
}

// NewAssigner creates an Assigner reading definitions from registry and
// persisting assignments to store.
func NewAssigner(registry *Registry, store *kv.Store, opts ...AssignerOption) *Assigner {
	a := &Assigner{
		registry: registry,
		draw:     rand.Float64,
		now:      time.Now,
		logger:   slog.Default().With("component", "assigner"),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.source = &assignmentSource{store: store}
	a.tiers = cache.NewTiered[Assignment](a.source)
	return a
}

// Variant returns the visitor's variant for experimentID, assigning one on first contact.
func (a *Assigner) Variant(ctx context.Context, experimentID string) string {
	return a.Participate(ctx, experimentID).Variant
}

// Participate resolves experimentID for the visitor. It never fails: unknown
// experiments and internal faults yield DefaultVariant.
func (a *Assigner) Participate(ctx context.Context, experimentID string) (p Participation) {
	fallback := Participation{ExperimentID: experimentID, Variant: DefaultVariant}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("variant resolution panicked", "experiment", experimentID, "panic", r)
			p = fallback
		}
	}()

	def, ok := a.registry.Lookup(experimentID)
	if !ok {
		a.logger.Debug("unknown experiment, serving default", "experiment", experimentID)
		return fallback
	}

	// Assignments to variants the definition no longer has are re-sampled
	keep := func(existing Assignment) bool {
		if def.HasVariant(existing.Variant) {
			return true
		}
		a.logger.Info("discarding assignment to retired variant",
			"experiment", experimentID,
			"variant", existing.Variant,
		)
		return false
	}

	assignment, ok, persisted := a.tiers.GetOrPopulateIf(ctx, experimentID, keep, func() (Assignment, bool) {
		return Assignment{
			ExperimentID:  experimentID,
			Variant:       def.Pick(a.draw()),
			ParticipantID: a.participantID,
			AssignedAt:    a.now().UTC(),
		}, true
	})
	if !ok {
		return fallback
	}
	if !persisted {
		a.logger.Warn("assignment not persisted, holding in memory only",
			"experiment", experimentID,
			"variant", assignment.Variant,
		)
	}

	return Participation{
		ExperimentID: experimentID,
		Variant:      assignment.Variant,
		Known:        true,
	}
}

// Current returns the existing assignment for experimentID without creating one.
func (a *Assigner) Current(ctx context.Context, experimentID string) (Assignment, bool) {
	return a.tiers.Get(ctx, experimentID)
}

// Assignments returns every persisted assignment ordered by experiment id.
func (a *Assigner) Assignments(ctx context.Context) []Assignment {
	return a.source.all(ctx)
}

// Reset forgets the assignment for experimentID so the next call re-samples.
func (a *Assigner) Reset(ctx context.Context, experimentID string) {
	a.tiers.Forget(ctx, experimentID)
}

// ResetAll forgets every assignment.
func (a *Assigner) ResetAll(ctx context.Context) {
	a.source.clear(ctx)
	a.tiers.Reset()
}

// LoadAssignments reads the assignments persisted in store.
func LoadAssignments(ctx context.Context, store *kv.Store) []Assignment {
	src := &assignmentSource{store: store}
	return src.all(ctx)
}

// assignmentSource adapts the ab_tests map in the store to a cache.Source.
// Each write rewrites the whole map.
type assignmentSource struct {
	mu    sync.Mutex
	store *kv.Store
}

func (s *assignmentSource) read(ctx context.Context) map[string]Assignment {
	m := make(map[string]Assignment)
	if !s.store.Get(ctx, AssignmentsKey, &m) || m == nil {
		return make(map[string]Assignment)
	}
	return m
}

func (s *assignmentSource) Load(ctx context.Context, key string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.read(ctx)[key]
	return v, ok
}

func (s *assignmentSource) Store(ctx context.Context, key string, value Assignment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.read(ctx)
	m[key] = value
	return s.store.Set(ctx, AssignmentsKey, m)
}

func (s *assignmentSource) Remove(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.read(ctx)
	if _, ok := m[key]; !ok {
		return
	}
	delete(m, key)
	s.store.Set(ctx, AssignmentsKey, m)
}

func (s *assignmentSource) all(ctx context.Context) []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.read(ctx)
	out := make([]Assignment, 0, len(m))
	for id, a := range m {
		if a.ExperimentID == "" {
			a.ExperimentID = id
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })
	return out
}

func (s *assignmentSource) clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Remove(ctx, AssignmentsKey)
}
