package engine

import (
	"slices"
	"strings"

	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// Check kinds recorded on a candidate.
const (
	CheckRecency   = "recency"
	CheckOverlap   = "overlap"
	CheckRelevance = "relevance"
)

// CheckResult records one temporal or relevance check that a candidate
// passed. Only the fields relevant to Type are set.
type CheckResult struct {
	Type       string `json:"type"`
	Constraint string `json:"constraint"`
	Passed     bool   `json:"passed"`

	// recency
	Recency    float64 `json:"recency,omitempty"`
	MinRecency float64 `json:"minRecency,omitempty"`

	// overlap
	With     string            `json:"with,omitempty"`
	Interval temporal.Interval `json:"interval,omitzero"`
	Window   temporal.Interval `json:"window,omitzero"`

	// relevance
	Slots     []string `json:"slots,omitempty"`
	Shared    []string `json:"shared,omitempty"`
	Ratio     float64  `json:"ratio,omitempty"`
	MinShared int      `json:"minShared,omitempty"`
	MinRatio  float64  `json:"minRatio,omitempty"`
}

// SlotBinding is an entity bound to a pattern slot.
type SlotBinding struct {
	Slot   string           `json:"slot"`
	Type   graph.EntityType `json:"type"`
	Entity graph.EntityID   `json:"entity"`
}

// EdgeBinding is a relationship bound to a pattern constraint.
type EdgeBinding struct {
	Constraint   string               `json:"constraint"`
	Kind         graph.Kind           `json:"kind"`
	Relationship graph.RelationshipID `json:"relationship"`
	Reversed     bool                 `json:"reversed,omitempty"`
}

// CandidateMatch is one complete binding of a pattern against a snapshot,
// prior to scoring.
type CandidateMatch struct {
	RuleID      string        `json:"ruleId"`
	RuleVersion int           `json:"ruleVersion"`
	Slots       []SlotBinding `json:"slots"`
	Edges       []EdgeBinding `json:"edges"`
	Checks      []CheckResult `json:"checks,omitempty"`

	// GraphVersion is the snapshot version the match was found in.
	GraphVersion uint64 `json:"graphVersion"`
}

// EntityIDs returns the bound entity ids sorted.
func (c *CandidateMatch) EntityIDs() []graph.EntityID {
	ids := make([]graph.EntityID, len(c.Slots))
	for i, s := range c.Slots {
		ids[i] = s.Entity
	}
	slices.Sort(ids)
	return ids
}

// RelationshipIDs returns the bound relationship ids sorted.
func (c *CandidateMatch) RelationshipIDs() []graph.RelationshipID {
	ids := make([]graph.RelationshipID, len(c.Edges))
	for i, e := range c.Edges {
		ids[i] = e.Relationship
	}
	slices.Sort(ids)
	return ids
}

// Key is the canonical ordering key: rule id, then the sorted bound entity
// ids, then the sorted bound relationship ids. Two bindings with the same
// key describe the same conflict.
func (c *CandidateMatch) Key() string {
	var b strings.Builder
	b.WriteString(c.RuleID)
	b.WriteByte(0)
	for _, id := range c.EntityIDs() {
		b.WriteString(string(id))
		b.WriteByte(0x1f)
	}
	b.WriteByte(0)
	for _, id := range c.RelationshipIDs() {
		b.WriteString(string(id))
		b.WriteByte(0x1f)
	}
	return b.String()
}

// Entity returns the entity bound to slot name.
func (c *CandidateMatch) Entity(slot string) (graph.EntityID, bool) {
	for _, s := range c.Slots {
		if s.Slot == slot {
			return s.Entity, true
		}
	}
	return "", false
}

// Check returns the first check of type typ for constraint.
func (c *CandidateMatch) Check(constraint, typ string) (CheckResult, bool) {
	for _, ch := range c.Checks {
		if ch.Constraint == constraint && ch.Type == typ {
			return ch, true
		}
	}
	return CheckResult{}, false
}

// SortCandidates orders candidates by Key and drops duplicates, keeping the
// first occurrence. Input order does not affect the result as long as
// duplicates are identical, which holds for a fixed snapshot and catalog.
func SortCandidates(cands []CandidateMatch) []CandidateMatch {
	type keyed struct {
		key string
		c   CandidateMatch
	}
	ks := make([]keyed, len(cands))
	for i, c := range cands {
		ks[i] = keyed{key: c.Key(), c: c}
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		if n := strings.Compare(a.key, b.key); n != 0 {
			return n
		}
		return compareSlots(a.c.Slots, b.c.Slots)
	})
	out := make([]CandidateMatch, 0, len(ks))
	for i, k := range ks {
		if i > 0 && k.key == ks[i-1].key {
			continue
		}
		out = append(out, k.c)
	}
	return out
}

// compareSlots breaks ties between bindings of the same entity set so the
// surviving duplicate does not depend on discovery order.
func compareSlots(a, b []SlotBinding) int {
	for i := range min(len(a), len(b)) {
		if n := strings.Compare(string(a[i].Entity), string(b[i].Entity)); n != 0 {
			return n
		}
	}
	return len(a) - len(b)
}
