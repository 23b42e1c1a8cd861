// Package explain builds auditable explanation traces for findings.
//
// A Trace records every input that produced a finding's score: the bound
// entities, the evidence on each bound relationship (kind, interval,
// magnitude, role, confidence, provenance), each scoring factor with its raw
// value and weighted contribution, the checks the match passed, and the
// category thresholds. Nothing is hidden: Replay recomputes the score from
// the trace alone and must reproduce it exactly.
package explain

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/scoring"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// ErrReplayMismatch is returned by Verify when a trace does not reproduce
// its own score.
var ErrReplayMismatch = errors.New("trace replay mismatch")

// EntityRef describes a bound entity.
type EntityRef struct {
	Slot         string           `json:"slot"`
	ID           graph.EntityID   `json:"id"`
	Type         graph.EntityType `json:"type"`
	Name         string           `json:"name"`
	Topics       []string         `json:"topics,omitempty"`
	Jurisdiction string           `json:"jurisdiction,omitempty"`
}

// Evidence describes a bound relationship.
type Evidence struct {
	Constraint   string               `json:"constraint"`
	Relationship graph.RelationshipID `json:"relationship"`
	Kind         graph.Kind           `json:"kind"`
	From         graph.EntityID       `json:"from"`
	To           graph.EntityID       `json:"to"`
	Interval     temporal.Interval    `json:"interval"`
	Magnitude    *graph.Magnitude     `json:"magnitude,omitempty"`
	Role         string               `json:"role,omitempty"`

	// Confidence is the recorded source reliability. ConfidenceKnown is
	// false when the source gave none and Confidence shows the default 1.
	Confidence      float64 `json:"confidence"`
	ConfidenceKnown bool    `json:"confidenceKnown"`

	Provenance graph.Provenance `json:"provenance"`
}

// PolicyLink is an institutional or journal policy relevant to an entity.
type PolicyLink struct {
	EntityType   graph.EntityType `json:"entityType"`
	Jurisdiction string           `json:"jurisdiction,omitempty"`
	URL          string           `json:"url"`
}

// Trace is the explanation of one finding.
type Trace struct {
	RuleID       string    `json:"ruleId"`
	RuleVersion  int       `json:"ruleVersion"`
	GraphVersion uint64    `json:"graphVersion"`
	Now          time.Time `json:"now"`

	Entities []EntityRef         `json:"entities"`
	Evidence []Evidence          `json:"evidence"`
	Checks   []engine.CheckResult `json:"checks,omitempty"`

	Factors    []scoring.Factor   `json:"factors"`
	Thresholds scoring.Thresholds `json:"thresholds"`
	Score      float64            `json:"score"`
	Category   scoring.Category   `json:"category"`

	PolicyLinks []PolicyLink `json:"policyLinks,omitempty"`
}

// Replay recomputes the score and category from the trace's factors.
func (t *Trace) Replay() (float64, scoring.Category) {
	score := scoring.Sum(t.Factors)
	return score, scoring.Categorize(score, t.Thresholds)
}

// Verify checks that every factor's contribution and the total score are
// reproduced exactly by replay.
func (t *Trace) Verify() error {
	for _, f := range t.Factors {
		if got := scoring.Contribution(f); got != f.Contribution {
			return fmt.Errorf("%w: factor %s contributes %v, recorded %v", ErrReplayMismatch, f.Relationship, got, f.Contribution)
		}
	}
	score, cat := t.Replay()
	if score != t.Score || cat != t.Category {
		return fmt.Errorf("%w: replayed %v (%s), recorded %v (%s)", ErrReplayMismatch, score, cat, t.Score, t.Category)
	}
	return nil
}

// Render writes a human-readable explanation.
func (t *Trace) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule %s v%d fired at graph version %d (as of %s)\n",
		t.RuleID, t.RuleVersion, t.GraphVersion, t.Now.Format(time.DateOnly))
	fmt.Fprintf(&b, "Score %.4f -> %s (moderate >= %.2f, high >= %.2f)\n\n",
		t.Score, t.Category, t.Thresholds.Moderate, t.Thresholds.High)

	b.WriteString("Entities:\n")
	for _, e := range t.Entities {
		fmt.Fprintf(&b, "  %-12s %-11s %s (%s)\n", e.Slot, e.Type, e.Name, e.ID)
	}

	b.WriteString("\nEvidence:\n")
	tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  EDGE\tKIND\tINTERVAL\tMAGNITUDE\tROLE\tCONFIDENCE\tSOURCE")
	for _, e := range t.Evidence {
		conf := "unknown"
		if e.ConfidenceKnown {
			conf = fmt.Sprintf("%.2f", e.Confidence)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Relationship, e.Kind, e.Interval, magnitudeString(e.Magnitude), dash(e.Role), conf, dash(e.Provenance.Source))
	}
	tw.Flush()

	b.WriteString("\nFactors (kind x role x magnitude x recency):\n")
	tw = tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  EDGE\tKIND\tROLE\tMAGNITUDE\tRECENCY\tCONTRIBUTION")
	for _, f := range t.Factors {
		fmt.Fprintf(tw, "  %s\t%.4g\t%.4g\t%s=%.4g\t%.4f\t%.4f\n",
			f.Relationship, f.KindWeight, f.RoleMultiplier, f.MagnitudeBucket, f.MagnitudeMultiplier, f.Recency, f.Contribution)
	}
	tw.Flush()

	if len(t.Checks) > 0 {
		b.WriteString("\nChecks:\n")
		for _, c := range t.Checks {
			fmt.Fprintf(&b, "  %s\n", describeCheck(c))
		}
	}
	if len(t.PolicyLinks) > 0 {
		b.WriteString("\nPolicies:\n")
		for _, l := range t.PolicyLinks {
			fmt.Fprintf(&b, "  %s\n", l.URL)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func describeCheck(c engine.CheckResult) string {
	switch c.Type {
	case engine.CheckRecency:
		return fmt.Sprintf("%s: recency %.4f >= %.4f", c.Constraint, c.Recency, c.MinRecency)
	case engine.CheckOverlap:
		return fmt.Sprintf("%s: %s overlaps window %s of %s", c.Constraint, c.Interval, c.Window, c.With)
	case engine.CheckRelevance:
		return fmt.Sprintf("%s: topics shared by %s: %s (ratio %.2f, need %d shared, ratio >= %.2f)",
			c.Constraint, strings.Join(c.Slots, "/"), strings.Join(c.Shared, ", "), c.Ratio, c.MinShared, c.MinRatio)
	default:
		return c.Constraint + ": " + c.Type
	}
}

func magnitudeString(m *graph.Magnitude) string {
	if m == nil {
		return "unknown"
	}
	if m.Bucket != "" {
		return m.Bucket
	}
	return strings.TrimSpace(fmt.Sprintf("%.0f %s", m.Amount, m.Unit))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
