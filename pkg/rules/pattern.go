// Package rules defines the declarative CoI pattern catalog.
//
// A pattern (motif) is pure data: ordered, typed entity slots; ordered edge
// constraints between slots; and the scoring weights used when the motif
// matches. The engine interprets patterns generically and never hard-codes
// which entities participate in a conflict.
//
// Catalogs are YAML documents:
//
//	patterns:
//	  - id: DirectFinancialTie
//	    version: 1
//	    slots:
//	      - {name: author, type: Author}
//	      - {name: funder, type: Funder}
//	      - {name: paper, type: Paper}
//	    constraints:
//	      - id: funding
//	        from: author
//	        to: funder
//	        kind: FundedBy
//	        min_recency: 0.05
//	      - id: authorship
//	        from: author
//	        to: paper
//	        kind: CoAuthored
//	        relevance: {slots: [paper, funder], min_shared: 1}
//	    weights:
//	      kinds: {FundedBy: 1.0}
//
// Constraints are evaluated in declared order. Each constraint must touch at
// least one slot bound by an earlier constraint (or the first slot), so the
// motif is always connected and matching can extend a partial binding one
// edge at a time. A constraint whose endpoints are both already bound closes
// a cycle in the motif and acts as a pure check. What must not be cyclic is
// the dependency between constraints: an overlap may only refer to an
// earlier constraint, so overlap chains always end.
package rules

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// ErrInvalidPattern is returned for structurally invalid patterns.
var ErrInvalidPattern = errors.New("invalid pattern")

// MaxSlots bounds motif size so matching stays polynomial in node degree.
const MaxSlots = 4

// Magnitude buckets in increasing order of risk. Unknown is kept separate:
// absence of a disclosed value is not evidence of absence.
const (
	BucketNone    = "none"
	BucketLow     = "low"
	BucketMedium  = "medium"
	BucketHigh    = "high"
	BucketUnknown = "unknown"
)

// OrderedBuckets lists the known buckets from lowest to highest.
var OrderedBuckets = []string{BucketNone, BucketLow, BucketMedium, BucketHigh}

// Slot is a typed placeholder bound to one entity during matching.
type Slot struct {
	Name string           `yaml:"name" json:"name"`
	Type graph.EntityType `yaml:"type" json:"type"`
}

// Overlap requires the constrained edge's interval to overlap the relevance
// window of an earlier constraint's edge.
type Overlap struct {
	With          string  `yaml:"with" json:"with"`
	LookbackDays  float64 `yaml:"lookback_days,omitempty" json:"lookbackDays,omitempty"`
	LookaheadDays float64 `yaml:"lookahead_days,omitempty" json:"lookaheadDays,omitempty"`
}

// Window returns the relevance window around iv.
func (o Overlap) Window(iv temporal.Interval) temporal.Interval {
	return temporal.RelevanceWindow(iv, temporal.Days(o.LookbackDays), temporal.Days(o.LookaheadDays))
}

// Relevance requires topical overlap between two bound slots.
//
// The check passes when the two entities share at least MinShared
// normalised topics and the overlap coefficient |A∩B| / min(|A|,|B|) is at
// least MinRatio.
type Relevance struct {
	Slots     []string `yaml:"slots" json:"slots"`
	MinShared int      `yaml:"min_shared,omitempty" json:"minShared,omitempty"`
	MinRatio  float64  `yaml:"min_ratio,omitempty" json:"minRatio,omitempty"`
}

// Constraint is a required edge between two slots.
type Constraint struct {
	ID   string     `yaml:"id" json:"id"`
	From string     `yaml:"from" json:"from"`
	To   string     `yaml:"to" json:"to"`
	Kind graph.Kind `yaml:"kind" json:"kind"`

	// Undirected accepts the edge in either direction.
	Undirected bool `yaml:"undirected,omitempty" json:"undirected,omitempty"`

	// Weight overrides the pattern's kind weight for the edge bound here.
	Weight *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`

	// MinRecency prunes edges whose recency weight is below the value.
	MinRecency float64 `yaml:"min_recency,omitempty" json:"minRecency,omitempty"`

	Overlaps  *Overlap   `yaml:"overlaps,omitempty" json:"overlaps,omitempty"`
	Relevance *Relevance `yaml:"relevance,omitempty" json:"relevance,omitempty"`
}

// Weights are the per-pattern scoring factors. Missing role, magnitude and
// half-life entries fall back to the scorer's defaults. A kind without a
// weight contributes nothing: such edges are structural only.
type Weights struct {
	Kinds        map[graph.Kind]float64 `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Roles        map[string]float64     `yaml:"roles,omitempty" json:"roles,omitempty"`
	Magnitude    map[string]float64     `yaml:"magnitude,omitempty" json:"magnitude,omitempty"`
	HalfLifeDays float64                `yaml:"half_life_days,omitempty" json:"halfLifeDays,omitempty"`
}

// Pattern is a named, versioned CoI motif.
type Pattern struct {
	ID          string       `yaml:"id" json:"id"`
	Version     int          `yaml:"version" json:"version"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Disabled    bool         `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Slots       []Slot       `yaml:"slots" json:"slots"`
	Constraints []Constraint `yaml:"constraints" json:"constraints"`
	Weights     Weights      `yaml:"weights" json:"weights"`
}

// SlotIndex returns the position of the named slot, or -1.
func (p *Pattern) SlotIndex(name string) int {
	return slices.IndexFunc(p.Slots, func(s Slot) bool { return s.Name == name })
}

// ConstraintIndex returns the position of the named constraint, or -1.
func (p *Pattern) ConstraintIndex(id string) int {
	return slices.IndexFunc(p.Constraints, func(c Constraint) bool { return c.ID == id })
}

// overlapCycle reports whether following overlap references from the
// constraint at i leads back to it.
func (p *Pattern) overlapCycle(i int) bool {
	visited := map[int]bool{}
	for j := i; ; {
		o := p.Constraints[j].Overlaps
		if o == nil {
			return false
		}
		j = p.ConstraintIndex(o.With)
		switch {
		case j < 0:
			return false
		case j == i:
			return true
		case visited[j]:
			return false
		}
		visited[j] = true
	}
}

// Types returns the distinct slot types of the pattern.
func (p *Pattern) Types() []graph.EntityType {
	var types []graph.EntityType
	for _, s := range p.Slots {
		if !slices.Contains(types, s.Type) {
			types = append(types, s.Type)
		}
	}
	return types
}

// HalfLife returns the pattern's recency half-life or def when unset.
func (p *Pattern) HalfLife(def time.Duration) time.Duration {
	if p.Weights.HalfLifeDays > 0 {
		return temporal.Days(p.Weights.HalfLifeDays)
	}
	return def
}

// Radius is the maximum hop distance between any two bound entities.
func (p *Pattern) Radius() int {
	return max(len(p.Slots)-1, 0)
}

// KindWeight returns the base weight for the edge bound by constraint i.
// A constraint weight wins over the kind weight; neither means zero.
func (p *Pattern) KindWeight(i int) float64 {
	c := p.Constraints[i]
	if c.Weight != nil {
		return *c.Weight
	}
	return p.Weights.Kinds[c.Kind]
}

// Validate checks the pattern's structure and weights. All problems are
// reported, each wrapping ErrInvalidPattern.
func (p *Pattern) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidPattern, p.ID, fmt.Sprintf(format, args...)))
	}

	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: missing id", ErrInvalidPattern))
	}
	if p.Version < 0 {
		fail("negative version %d", p.Version)
	}
	if len(p.Slots) == 0 {
		fail("no slots")
	}
	if len(p.Slots) > MaxSlots {
		fail("%d slots exceeds the maximum of %d", len(p.Slots), MaxSlots)
	}
	if len(p.Constraints) == 0 {
		fail("no constraints")
	}

	seenSlots := map[string]bool{}
	for _, s := range p.Slots {
		if s.Name == "" {
			fail("slot with empty name")
		}
		if seenSlots[s.Name] {
			fail("duplicate slot %q", s.Name)
		}
		seenSlots[s.Name] = true
		if !s.Type.Valid() {
			fail("slot %q has unknown entity type %q", s.Name, s.Type)
		}
	}

	bound := map[string]bool{}
	if len(p.Slots) > 0 {
		bound[p.Slots[0].Name] = true
	}
	seenConstraints := map[string]bool{}

	for i, c := range p.Constraints {
		label := c.ID
		if label == "" {
			fail("constraint %d has no id", i)
			label = fmt.Sprintf("#%d", i)
		}
		if seenConstraints[c.ID] {
			fail("duplicate constraint %q", c.ID)
		}
		if c.Kind == "" {
			fail("constraint %q has no kind", label)
		}

		dangling := false
		for _, end := range []string{c.From, c.To} {
			if !seenSlots[end] {
				fail("constraint %q references unknown slot %q", label, end)
				dangling = true
			}
		}
		if !dangling {
			if c.From == c.To {
				fail("constraint %q is a self-loop on slot %q", label, c.From)
			}
			if !bound[c.From] && !bound[c.To] {
				fail("constraint %q is disconnected from earlier constraints", label)
			}
			bound[c.From] = true
			bound[c.To] = true
		}

		if c.Weight != nil && *c.Weight < 0 {
			fail("constraint %q has negative weight %v", label, *c.Weight)
		}
		if c.MinRecency < 0 || c.MinRecency > 1 {
			fail("constraint %q min_recency %v outside [0,1]", label, c.MinRecency)
		}

		if o := c.Overlaps; o != nil {
			switch {
			case o.With == c.ID:
				fail("constraint %q overlaps itself", label)
			case p.overlapCycle(i):
				fail("constraint %q is part of a cyclic overlap chain", label)
			case !seenConstraints[o.With]:
				fail("constraint %q overlaps unknown or later constraint %q", label, o.With)
			}
			if o.LookbackDays < 0 || o.LookaheadDays < 0 {
				fail("constraint %q has a negative overlap window", label)
			}
		}

		if r := c.Relevance; r != nil {
			if len(r.Slots) != 2 {
				fail("constraint %q relevance needs exactly two slots", label)
			} else {
				for _, s := range r.Slots {
					if !bound[s] {
						fail("constraint %q relevance references unbound slot %q", label, s)
					}
				}
			}
			if r.MinShared < 0 || r.MinRatio < 0 || r.MinRatio > 1 {
				fail("constraint %q has invalid relevance thresholds", label)
			}
		}

		seenConstraints[c.ID] = true
	}

	for _, s := range p.Slots {
		if seenSlots[s.Name] && !bound[s.Name] {
			fail("slot %q is not reached by any constraint", s.Name)
		}
	}

	errs = append(errs, p.validateWeights()...)
	return errors.Join(errs...)
}

func (p *Pattern) validateWeights() []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidPattern, p.ID, fmt.Sprintf(format, args...)))
	}
	w := p.Weights
	for k, v := range w.Kinds {
		if v < 0 {
			fail("negative weight %v for kind %q", v, k)
		}
	}
	roles := map[string]string{}
	for _, r := range slices.Sorted(maps.Keys(w.Roles)) {
		if v := w.Roles[r]; v <= 0 {
			fail("role multiplier for %q must be positive, got %v", r, v)
		}
		key := NormalizeRole(r)
		if prev, ok := roles[key]; ok {
			fail("roles %q and %q name the same role", prev, r)
		}
		roles[key] = r
	}
	for b, v := range w.Magnitude {
		if b != BucketUnknown && !slices.Contains(OrderedBuckets, b) {
			fail("unknown magnitude bucket %q", b)
		}
		if v <= 0 {
			fail("magnitude multiplier for %q must be positive, got %v", b, v)
		}
	}
	if err := CheckMonotone(w.Magnitude); err != nil {
		fail("%v", err)
	}
	if w.HalfLifeDays < 0 {
		fail("negative half-life %v", w.HalfLifeDays)
	}
	return errs
}

// CheckMonotone verifies that the bucket multipliers present in m never
// decrease from none to high.
func CheckMonotone(m map[string]float64) error {
	prevBucket, prev := "", 0.0
	for _, b := range OrderedBuckets {
		v, ok := m[b]
		if !ok {
			continue
		}
		if prevBucket != "" && v < prev {
			return fmt.Errorf("magnitude multipliers not monotone: %s=%v < %s=%v", b, v, prevBucket, prev)
		}
		prevBucket, prev = b, v
	}
	return nil
}

// NormalizeRole canonicalises a role label: "Co-PI", "co_pi" and "CoPI" all
// map to "copi".
func NormalizeRole(role string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(role) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
