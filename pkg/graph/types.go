// Package graph provides the entity/relationship store that conflict
// detection runs against.
//
// The graph is a typed, directed property graph specialised for research
// integrity data:
//   - Entities are researchers, institutions, funders, companies, papers,
//     grants and reviewers.
//   - Relationships are time-bounded, attributed edges (funding, employment,
//     equity, co-authorship, review assignments, ...).
//
// Design Principles:
//   - Snapshot isolation: readers hold an immutable *Snapshot; writers build
//     the next version copy-on-write and publish it atomically.
//   - Append-only versions: every admitted batch bumps a monotonic version
//     counter that downstream consumers use for incremental re-evaluation.
//   - Partial failure: a bad record is rejected on its own; the rest of the
//     batch is still admitted.
//   - Idempotence: re-ingesting an identical record is a no-op and does not
//     produce a new version.
//
// Example Usage:
//
//	store := graph.NewStore()
//
//	res, err := store.Apply(ctx, graph.Batch{
//		Entities: []graph.Entity{
//			{ID: "a1", Type: graph.Author, Name: "Ada Author"},
//			{ID: "f1", Type: graph.Funder, Name: "Acme Foundation", Topics: []string{"oncology"}},
//		},
//		Relationships: []graph.Relationship{{
//			ID: "r1", Kind: graph.FundedBy, From: "a1", To: "f1",
//			Interval: temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1)),
//			Role:     "PI",
//		}},
//	})
//
//	snap := store.Snapshot()
//	for _, n := range snap.Neighbors("a1", graph.Outgoing, graph.FundedBy) {
//		fmt.Println(n.Relationship.ID, "->", n.Entity.Name)
//	}
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/orneryd/coigraph/pkg/temporal"
)

// Common errors
var (
	ErrDuplicateEntity       = errors.New("duplicate entity")
	ErrDuplicateRelationship = errors.New("duplicate relationship")
	ErrUnknownEndpoint       = errors.New("unknown endpoint")
	ErrInvalidInterval       = temporal.ErrInvalidInterval
	ErrInvalidID             = errors.New("invalid id")
	ErrInvalidType           = errors.New("invalid entity type")
	ErrNotFound              = errors.New("not found")
)

// EntityID is a strongly-typed unique identifier for graph entities.
type EntityID string

// RelationshipID is a strongly-typed unique identifier for relationships.
type RelationshipID string

// EntityType is the closed set of node types the detector understands.
type EntityType string

const (
	Author      EntityType = "Author"
	Institution EntityType = "Institution"
	Funder      EntityType = "Funder"
	Company     EntityType = "Company"
	Paper       EntityType = "Paper"
	Grant       EntityType = "Grant"
	Reviewer    EntityType = "Reviewer"
)

// EntityTypes lists every valid entity type in declaration order.
var EntityTypes = []EntityType{Author, Institution, Funder, Company, Paper, Grant, Reviewer}

// Valid reports whether t is one of EntityTypes.
func (t EntityType) Valid() bool {
	return slices.Contains(EntityTypes, t)
}

// ParseEntityType resolves a type name case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Kind is a relationship kind. Kinds are open strings so new rule catalogs
// can introduce them; the constants below are the ones the default catalog
// uses.
type Kind string

const (
	FundedBy       Kind = "FundedBy"
	AffiliatedWith Kind = "AffiliatedWith"
	CoAuthored     Kind = "CoAuthored"
	EmployedBy     Kind = "EmployedBy"
	OwnsEquityIn   Kind = "OwnsEquityIn"
	ReviewerOf     Kind = "ReviewerOf"
	ConsultsFor    Kind = "ConsultsFor"
	AdvisorOf      Kind = "AdvisorOf"
)

// Entity is a node in the relationship graph.
//
// Entities are immutable once admitted, with one exception: topic
// enrichment. Re-submitting an entity whose only difference is additional
// topics merges the topic sets and produces a new version.
//
// Topics are stored normalised (NFKC, case-folded, whitespace-collapsed),
// de-duplicated and sorted.
type Entity struct {
	ID   EntityID   `json:"id"`
	Type EntityType `json:"type"`
	Name string     `json:"name"`

	// Topics are research keywords (papers) or declared interests
	// (funders, companies). Optional.
	Topics []string `json:"topics,omitempty"`

	// Source is an external-source reference such as "doi:10.1/xyz" or
	// "openalex:A123". Optional.
	Source string `json:"source,omitempty"`

	// Jurisdiction (country or policy region) is used only to enrich
	// explanations with policy links. Optional.
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	e.Topics = slices.Clone(e.Topics)
	return e
}

// Magnitude is the disclosed size of a financial tie.
//
// Either Amount or Bucket may be set. An explicit Bucket ("none", "low",
// "medium", "high") wins over Amount. A nil *Magnitude on a relationship
// means the value is unknown, which scoring treats differently from "none".
type Magnitude struct {
	Amount float64 `json:"amount,omitempty"`
	Unit   string  `json:"unit,omitempty"` // currency code or unit ("USD", "shares")
	Bucket string  `json:"bucket,omitempty"`
}

// Provenance records where a relationship came from.
type Provenance struct {
	Source      string    `json:"source"`
	RetrievedAt time.Time `json:"retrievedAt,omitzero"`
	Reference   string    `json:"reference,omitempty"`
}

// Relationship is a directed, typed, time-bounded edge between two entities.
type Relationship struct {
	ID       RelationshipID    `json:"id"`
	Kind     Kind              `json:"kind"`
	From     EntityID          `json:"from"`
	To       EntityID          `json:"to"`
	Interval temporal.Interval `json:"interval"`

	// Optional attributes. Absent values are "unknown", never zero risk.
	Magnitude  *Magnitude `json:"magnitude,omitempty"`
	Role       string     `json:"role,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`

	Provenance Provenance `json:"provenance"`
}

// Clone returns a deep copy.
func (r Relationship) Clone() Relationship {
	if r.Magnitude != nil {
		m := *r.Magnitude
		r.Magnitude = &m
	}
	if r.Confidence != nil {
		c := *r.Confidence
		r.Confidence = &c
	}
	return r
}

// ConfidenceOr returns the recorded confidence or def when unknown.
func (r Relationship) ConfidenceOr(def float64) float64 {
	if r.Confidence == nil {
		return def
	}
	return *r.Confidence
}

// Other returns the endpoint opposite to id.
func (r Relationship) Other(id EntityID) EntityID {
	if r.From == id {
		return r.To
	}
	return r.From
}

// Direction selects which adjacency list Neighbors walks.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "out"
	case Incoming:
		return "in"
	default:
		return "both"
	}
}

// Neighbor pairs a relationship with the entity at its other end.
type Neighbor struct {
	Relationship Relationship
	Entity       Entity
	Direction    Direction
}

// Batch is a set of records admitted together as one version.
// Entities are processed before relationships, so a batch may introduce
// both endpoints and the edges between them.
type Batch struct {
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Entities) + len(b.Relationships)
}

// RecordError describes why a single record of a batch was rejected.
type RecordError struct {
	Record string // "entity" or "relationship"
	Index  int
	ID     string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s[%d] %q: %v", e.Record, e.Index, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// BatchResult summarises the outcome of Store.Apply.
type BatchResult struct {
	// Version is the store version after the batch. It is unchanged when
	// the batch admitted nothing new.
	Version uint64

	Admitted  int // new entities and relationships
	Enriched  int // entities whose topic set grew
	Unchanged int // identical re-submissions
	Errors    []*RecordError
}

// Changed reports whether the batch produced a new version.
func (r BatchResult) Changed() bool {
	return r.Admitted+r.Enriched > 0
}

// Err joins the per-record errors, or returns nil.
func (r BatchResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}
