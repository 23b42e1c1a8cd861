package coi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/explain"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/review"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/scoring"
)

// Finding is a scored, categorised and explained match of one rule.
//
// Everything except Status is produced by the detection pipeline. Status is
// an overlay read from the review store and is never written by evaluation.
type Finding struct {
	ID          string `json:"id"`
	RuleID      string `json:"ruleId"`
	RuleVersion int    `json:"ruleVersion"`

	Entities []engine.SlotBinding `json:"entities"`
	Edges    []engine.EdgeBinding `json:"edges"`

	Score    float64          `json:"score"`
	Category scoring.Category `json:"category"`
	Trace    explain.Trace    `json:"trace"`

	Status review.Status `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// GraphVersion is the version at which the finding was first committed;
	// EvaluatedVersion the version of its latest re-evaluation.
	GraphVersion     uint64 `json:"graphVersion"`
	EvaluatedVersion uint64 `json:"evaluatedVersion"`

	// Active is false once a full evaluation no longer produces the match,
	// e.g. after its recency fell below the rule's minimum or the rule was
	// disabled. Inactive findings are kept for audit.
	Active bool `json:"active"`

	key string
}

// Key is the canonical ordering key of the underlying match.
func (f *Finding) Key() string { return f.key }

// Involves reports whether id is bound in the finding.
func (f *Finding) Involves(id graph.EntityID) bool {
	for _, s := range f.Entities {
		if s.Entity == id {
			return true
		}
	}
	return false
}

func (f *Finding) clone() *Finding {
	out := *f
	out.Entities = slices.Clone(f.Entities)
	out.Edges = slices.Clone(f.Edges)
	return &out
}

func (f *Finding) touches(ids map[graph.EntityID]bool) bool {
	for _, b := range f.Entities {
		if ids[b.Entity] {
			return true
		}
	}
	return false
}

// Fingerprint identifies everything besides the graph that decides
// evaluation results: the catalog content and the scoring config.
func Fingerprint(cat *rules.Catalog, cfg scoring.Config) (string, error) {
	rulesYAML, err := cat.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding catalog: %w", err)
	}
	scoringJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding scoring config: %w", err)
	}
	h, _ := blake2b.New256(nil)
	h.Write(rulesYAML)
	h.Write([]byte{0})
	h.Write(scoringJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FindingID derives the deterministic identifier of a match: blake2b-256
// over the rule id, the sorted bound entity ids and the sorted bound
// relationship ids. Re-evaluating unchanged data yields the same id.
func FindingID(c *engine.CandidateMatch) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(c.RuleID))
	h.Write([]byte{0})
	for _, id := range c.EntityIDs() {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, id := range c.RelationshipIDs() {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Filter selects findings. Zero values match everything.
type Filter struct {
	Rules      []string
	Categories []scoring.Category
	Statuses   []review.Status
	Entity     graph.EntityID
	MinScore   float64

	// SinceVersion keeps findings first committed after that graph version.
	SinceVersion uint64

	IncludeInactive bool
	Limit           int
}

func (flt *Filter) match(f *Finding) bool {
	switch {
	case !f.Active && !flt.IncludeInactive:
		return false
	case len(flt.Rules) > 0 && !slices.Contains(flt.Rules, f.RuleID):
		return false
	case len(flt.Categories) > 0 && !slices.Contains(flt.Categories, f.Category):
		return false
	case len(flt.Statuses) > 0 && !slices.Contains(flt.Statuses, f.Status):
		return false
	case flt.Entity != "" && !f.Involves(flt.Entity):
		return false
	case f.Score < flt.MinScore:
		return false
	case f.GraphVersion <= flt.SinceVersion && flt.SinceVersion > 0:
		return false
	}
	return true
}

// compareFindings orders by descending score, then canonical match key.
func compareFindings(a, b *Finding) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	if c := strings.Compare(a.key, b.key); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// changed reports whether a re-evaluation materially altered a finding.
func changed(old, next *Finding) bool {
	return old.Score != next.Score ||
		old.Category != next.Category ||
		old.RuleVersion != next.RuleVersion ||
		!old.Active
}

func keyOf(f *Finding) string {
	c := engine.CandidateMatch{RuleID: f.RuleID, Slots: f.Entities, Edges: f.Edges}
	return c.Key()
}
