// ABOUTME: Experiment definitions and the registry they are looked up in
// ABOUTME: Validates variant/weight shape and performs weighted variant selection

package experiment

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// DefaultVariant is served for unknown experiments and when resolution fails
const DefaultVariant = "control"

// weightTolerance bounds how far weights may sum away from 1.0
const weightTolerance = 1e-6

// ErrInvalidDefinition is returned when a definition violates its invariants
var ErrInvalidDefinition = errors.New("invalid experiment definition")

// Definition describes one experiment: its variants and their selection weights.
// Variants and Weights are parallel and Weights sum to 1.0.
type Definition struct {
	ID       string    `json:"id" yaml:"id" toml:"id"`
	Variants []string  `json:"variants" yaml:"variants" toml:"variants"`
	Weights  []float64 `json:"weights" yaml:"weights" toml:"weights"`
}

// Validate checks the definition invariants.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(d.Variants) == 0 {
		return fmt.Errorf("%w: %s: at least one variant is required", ErrInvalidDefinition, d.ID)
	}
	if len(d.Variants) != len(d.Weights) {
		return fmt.Errorf("%w: %s: %d variants but %d weights",
			ErrInvalidDefinition, d.ID, len(d.Variants), len(d.Weights))
	}

	seen := make(map[string]bool, len(d.Variants))
	var sum float64
	for i, v := range d.Variants {
		if v == "" {
			return fmt.Errorf("%w: %s: variant %d has no name", ErrInvalidDefinition, d.ID, i)
		}
		if seen[v] {
			return fmt.Errorf("%w: %s: duplicate variant %q", ErrInvalidDefinition, d.ID, v)
		}
		seen[v] = true

		w := d.Weights[i]
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: %s: weight for %q must be a non-negative number", ErrInvalidDefinition, d.ID, v)
		}
		sum += w
	}

	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: %s: weights sum to %g, want 1.0", ErrInvalidDefinition, d.ID, sum)
	}

	return nil
}

// Pick returns the first variant whose cumulative weight reaches r, for r in [0,1).
// Falls back to the first variant when rounding leaves r uncovered.
func (d Definition) Pick(r float64) string {
	var cumulative float64
	for i, v := range d.Variants {
		cumulative += d.Weights[i]
		if cumulative >= r {
			return v
		}
	}
	return d.Variants[0]
}

// HasVariant reports whether v is one of the definition's variants.
func (d Definition) HasVariant(v string) bool {
	for _, have := range d.Variants {
		if have == v {
			return true
		}
	}
	return false
}

// Registry holds the experiment definitions in registration order.
// It is safe for concurrent use and can be replaced wholesale on reload.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry validates and registers defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds or replaces a single definition.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.defs[d.ID] = d
	return nil
}

// Replace swaps the full set of definitions. Nothing changes if any is invalid.
func (r *Registry) Replace(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := next[d.ID]; dup {
			return fmt.Errorf("%w: duplicate experiment id %q", ErrInvalidDefinition, d.ID)
		}
		next[d.ID] = d
		order = append(order, d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = next
	r.order = order
	return nil
}

// Lookup returns the definition registered under id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// All returns every definition in registration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}
