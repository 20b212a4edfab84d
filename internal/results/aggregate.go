// ABOUTME: Results aggregator: per-experiment participants, conversions and conversion rate
// ABOUTME: Picks a naive winner; the significance flag is a display heuristic, not a statistical test

package results

import (
	"context"
	"log/slog"
	"strings"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/conversion"
	"github.com/2389/abkit/internal/experiment"
	"github.com/2389/abkit/internal/kv"
)

// DefaultThreshold is the improvement, in percentage points, above which a
// result is flagged significant.
const DefaultThreshold = 5.0

// VariantResult holds the counts for one variant of one experiment.
type VariantResult struct {
	Variant        string  `json:"variant"`
	Participants   int     `json:"participants"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

// Summary is the aggregated outcome of one experiment.
type Summary struct {
	ExperimentID string          `json:"experimentId"`
	Variants     []VariantResult `json:"variants"`
	Winner       string          `json:"winner,omitempty"`
	Improvement  float64         `json:"improvement"`
	// Significant is true when Improvement exceeds the threshold. It does not
	// test statistical significance.
	Significant bool `json:"significant"`
}

// Variant returns the result for name.
func (s Summary) Variant(name string) (VariantResult, bool) {
	for _, v := range s.Variants {
		if v.Variant == name {
			return v, true
		}
	}
	return VariantResult{}, false
}

// Options tunes aggregation.
type Options struct {
	// Definitions fixes experiment and variant order and makes registered
	// variants without participants appear with zero counts.
	Definitions []experiment.Definition
	// Threshold in percentage points; zero means DefaultThreshold.
	Threshold float64
}

// Aggregate computes summaries from raw assignments and conversion events.
// Experiments appear in definition order, followed by any others seen in the
// data in order of first appearance.
func Aggregate(assignments []experiment.Assignment, conversions []analytics.Event, opts Options) []Summary {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	b := newBuilder()
	for _, d := range opts.Definitions {
		for _, v := range d.Variants {
			b.slot(d.ID, v)
		}
	}

	for _, a := range assignments {
		b.slot(a.ExperimentID, a.Variant).Participants++
	}
	for _, e := range conversions {
		expID, variant, ok := e.Conversion()
		if !ok {
			continue
		}
		b.slot(expID, variant).Conversions++
	}

	out := make([]Summary, 0, len(b.experiments))
	for _, expID := range b.experiments {
		out = append(out, summarize(expID, b.variants[expID], threshold))
	}
	return out
}

func summarize(expID string, variants []*VariantResult, threshold float64) Summary {
	s := Summary{ExperimentID: expID, Variants: make([]VariantResult, 0, len(variants))}

	var best, worst float64
	for i, v := range variants {
		v.ConversionRate = Rate(v.Conversions, v.Participants)
		s.Variants = append(s.Variants, *v)

		if i == 0 || v.ConversionRate > best {
			best = v.ConversionRate
			s.Winner = v.Variant
		}
		if i == 0 || v.ConversionRate < worst {
			worst = v.ConversionRate
		}
	}

	s.Improvement = best - worst
	s.Significant = s.Improvement > threshold
	return s
}

// Rate returns conversions per participant as a percentage; 0 with no participants.
func Rate(conversions, participants int) float64 {
	if participants == 0 {
		return 0
	}
	return float64(conversions) / float64(participants) * 100
}

// builder accumulates counts keyed by experiment and variant, keeping first-seen order.
type builder struct {
	experiments []string
	variants    map[string][]*VariantResult
	index       map[string]map[string]*VariantResult
}

func newBuilder() *builder {
	return &builder{
		variants: make(map[string][]*VariantResult),
		index:    make(map[string]map[string]*VariantResult),
	}
}

func (b *builder) slot(expID, variant string) *VariantResult {
	byVariant, ok := b.index[expID]
	if !ok {
		byVariant = make(map[string]*VariantResult)
		b.index[expID] = byVariant
		b.experiments = append(b.experiments, expID)
	}
	if r, ok := byVariant[variant]; ok {
		return r
	}
	r := &VariantResult{Variant: variant}
	byVariant[variant] = r
	b.variants[expID] = append(b.variants[expID], r)
	return r
}

// Load aggregates the state persisted in one visitor keyspace.
func Load(ctx context.Context, store *kv.Store, opts Options) []Summary {
	return Aggregate(
		experiment.LoadAssignments(ctx, store),
		conversion.Load(ctx, store),
		opts,
	)
}

// LoadAll aggregates every visitor keyspace under root, as laid out by
// root.Scope(scope).Scope(visitorID).
func LoadAll(ctx context.Context, root *kv.Store, scope string, opts Options) []Summary {
	logger := slog.Default().With("component", "results")

	parent := root.Scope(scope)
	visitors := make(map[string]bool)
	var order []string
	for _, key := range parent.ListKeys(ctx) {
		id, _, ok := strings.Cut(key, "/")
		if !ok || id == "" || visitors[id] {
			continue
		}
		visitors[id] = true
		order = append(order, id)
	}

	var assignments []experiment.Assignment
	var conversions []analytics.Event
	for _, id := range order {
		store := parent.Scope(id)
		assignments = append(assignments, experiment.LoadAssignments(ctx, store)...)
		conversions = append(conversions, conversion.Load(ctx, store)...)
	}

	logger.Debug("aggregated visitor keyspaces", "visitors", len(order),
		"assignments", len(assignments), "conversions", len(conversions))
	return Aggregate(assignments, conversions, opts)
}
