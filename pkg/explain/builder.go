package explain

import (
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/scoring"
)

// Builder assembles traces. A nil resolver omits policy links.
type Builder struct {
	resolver PolicyResolver
	log      *log.Logger
}

// NewBuilder creates a trace builder.
func NewBuilder(resolver PolicyResolver, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Builder{resolver: resolver, log: logger}
}

// Explain builds the trace for a scored candidate.
func (b *Builder) Explain(c *engine.CandidateMatch, res scoring.Result, snap *graph.Snapshot) (Trace, error) {
	t := Trace{
		RuleID:       c.RuleID,
		RuleVersion:  c.RuleVersion,
		GraphVersion: c.GraphVersion,
		Now:          res.Now,
		Checks:       slices.Clone(c.Checks),
		Factors:      slices.Clone(res.Factors),
		Thresholds:   res.Thresholds,
		Score:        res.Score,
		Category:     res.Category,
	}

	for _, s := range c.Slots {
		e, ok := snap.Entity(s.Entity)
		if !ok {
			return Trace{}, fmt.Errorf("%w: entity %s", scoring.ErrMissingEvidence, s.Entity)
		}
		t.Entities = append(t.Entities, EntityRef{
			Slot: s.Slot, ID: e.ID, Type: e.Type, Name: e.Name,
			Topics: e.Topics, Jurisdiction: e.Jurisdiction,
		})
	}

	for _, eb := range c.Edges {
		r, ok := snap.Relationship(eb.Relationship)
		if !ok {
			return Trace{}, fmt.Errorf("%w: %s", scoring.ErrMissingEvidence, eb.Relationship)
		}
		t.Evidence = append(t.Evidence, Evidence{
			Constraint:      eb.Constraint,
			Relationship:    r.ID,
			Kind:            r.Kind,
			From:            r.From,
			To:              r.To,
			Interval:        r.Interval,
			Magnitude:       r.Magnitude,
			Role:            r.Role,
			Confidence:      r.ConfidenceOr(1),
			ConfidenceKnown: r.Confidence != nil,
			Provenance:      r.Provenance,
		})
	}

	t.PolicyLinks = b.policyLinks(t.Entities)
	return t, nil
}

func (b *Builder) policyLinks(entities []EntityRef) []PolicyLink {
	if b.resolver == nil {
		return nil
	}
	type key struct {
		t graph.EntityType
		j string
	}
	seenKey := map[key]bool{}
	seenURL := map[string]bool{}
	var links []PolicyLink
	for _, e := range entities {
		k := key{e.Type, e.Jurisdiction}
		if seenKey[k] {
			continue
		}
		seenKey[k] = true
		urls, err := b.resolver.PolicyLinksFor(e.Type, e.Jurisdiction)
		if err != nil {
			b.log.Warn("policy lookup failed", "type", e.Type, "jurisdiction", e.Jurisdiction, "err", err)
			continue
		}
		for _, u := range urls {
			if seenURL[u] {
				continue
			}
			seenURL[u] = true
			links = append(links, PolicyLink{EntityType: e.Type, Jurisdiction: e.Jurisdiction, URL: u})
		}
	}
	return links
}
