package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/coigraph/pkg/storage"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// Validation errors for relationship attributes.
var (
	ErrInvalidKind      = errors.New("invalid relationship kind")
	ErrInvalidAttribute = errors.New("invalid relationship attribute")
)

// ChangeSet lists the entities touched by one version.
type ChangeSet struct {
	Version  uint64       `json:"version"`
	At       time.Time    `json:"at"`
	Entities []EntityID   `json:"entities"`
	Types    []EntityType `json:"types"`
}

// Store is the versioned relationship graph.
//
// Writers are serialised; readers never block. Each successful Apply
// publishes a new immutable Snapshot via an atomic pointer swap, so a
// reader that grabbed a snapshot keeps a consistent view while ingestion
// continues.
//
// When a journal KV is configured every admitted batch is written to it
// before the new version becomes visible, and Open replays the journal to
// restore the exact version history.
type Store struct {
	mu      sync.RWMutex
	current atomic.Pointer[Snapshot]
	changes []ChangeSet

	journal storage.KV
	log     *log.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithJournal persists admitted batches to kv.
func WithJournal(kv storage.KV) Option {
	return func(s *Store) { s.journal = kv }
}

// WithLogger sets the structured logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the clock used to timestamp versions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store at version 0.
func NewStore(opts ...Option) *Store {
	s := &Store{
		log: log.New(io.Discard),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptySnapshot())
	return s
}

// Open creates a store journaled to kv and replays every stored batch.
func Open(ctx context.Context, kv storage.KV, opts ...Option) (*Store, error) {
	s := NewStore(append(opts, WithJournal(kv))...)

	snap := emptySnapshot()
	err := readJournal(kv, func(e *journalEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := newBuilder(snap)
		for i := range e.Entities {
			ent := e.Entities[i].Clone()
			b.putEntity(&ent)
		}
		for i := range e.Relationships {
			rel := e.Relationships[i].Clone()
			if !b.next.HasEntity(rel.From) || !b.next.HasEntity(rel.To) {
				return fmt.Errorf("%w: version %d: relationship %q: %v", ErrCorruptJournal, e.Version, rel.ID, ErrUnknownEndpoint)
			}
			b.putRelationship(&rel)
		}
		b.next.version = e.Version
		snap = b.next
		s.changes = append(s.changes, changeSetOf(b, e.Version, e.At))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replaying graph journal: %w", err)
	}
	s.current.Store(snap)
	s.log.Info("graph restored", "version", snap.version, "entities", len(snap.entities), "relationships", len(snap.rels))
	return s, nil
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Version returns the current version.
func (s *Store) Version() uint64 {
	return s.current.Load().version
}

// AddEntity admits a single entity. It is Apply with a one-record batch.
func (s *Store) AddEntity(ctx context.Context, e Entity) (BatchResult, error) {
	res, err := s.Apply(ctx, Batch{Entities: []Entity{e}})
	if err != nil {
		return res, err
	}
	return res, res.Err()
}

// AddRelationship admits a single relationship.
func (s *Store) AddRelationship(ctx context.Context, r Relationship) (BatchResult, error) {
	res, err := s.Apply(ctx, Batch{Relationships: []Relationship{r}})
	if err != nil {
		return res, err
	}
	return res, res.Err()
}

// Apply admits a batch atomically as at most one new version.
//
// Invalid records are rejected individually and reported in
// BatchResult.Errors; the remaining records are still admitted. The version
// is bumped only if at least one record changed the graph. The returned
// error is non-nil only for store-level failures (cancelled context, journal
// write failure), in which case nothing was admitted.
func (s *Store) Apply(ctx context.Context, batch Batch) (BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return BatchResult{Version: s.Version()}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.current.Load()
	b := newBuilder(base)
	res := BatchResult{Version: base.version}
	entry := &journalEntry{}

	for i, in := range batch.Entities {
		e, outcome, err := b.admitEntity(in)
		if err != nil {
			res.Errors = append(res.Errors, &RecordError{Record: "entity", Index: i, ID: string(in.ID), Err: err})
			continue
		}
		switch outcome {
		case outcomeAdmitted:
			res.Admitted++
		case outcomeEnriched:
			res.Enriched++
		default:
			res.Unchanged++
			continue
		}
		entry.Entities = append(entry.Entities, e.Clone())
	}

	for i, in := range batch.Relationships {
		r, outcome, err := b.admitRelationship(in)
		if err != nil {
			res.Errors = append(res.Errors, &RecordError{Record: "relationship", Index: i, ID: string(in.ID), Err: err})
			continue
		}
		if outcome == outcomeUnchanged {
			res.Unchanged++
			continue
		}
		res.Admitted++
		entry.Relationships = append(entry.Relationships, r.Clone())
	}

	for _, e := range res.Errors {
		s.log.Warn("record rejected", "record", e.Record, "index", e.Index, "id", e.ID, "err", e.Err)
	}

	if !res.Changed() {
		return res, nil
	}

	version := base.version + 1
	at := s.now().UTC()
	b.next.version = version
	entry.Version = version
	entry.At = at

	if s.journal != nil {
		if err := writeJournal(s.journal, entry); err != nil {
			return BatchResult{Version: base.version}, err
		}
	}

	s.current.Store(b.next)
	s.changes = append(s.changes, changeSetOf(b, version, at))
	res.Version = version

	s.log.Debug("batch applied", "version", version, "admitted", res.Admitted, "enriched", res.Enriched,
		"unchanged", res.Unchanged, "rejected", len(res.Errors))
	return res, nil
}

// ChangesSince merges the change sets of every version after since.
// The merged set has Version equal to the current version. When nothing
// changed the result has no entities.
func (s *Store) ChangesSince(since uint64) ChangeSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := ChangeSet{Version: s.current.Load().version}
	ids := map[EntityID]bool{}
	types := map[EntityType]bool{}
	// changes[i] holds version i+1.
	start := min(int(since), len(s.changes))
	for _, cs := range s.changes[start:] {
		merged.At = cs.At
		for _, id := range cs.Entities {
			ids[id] = true
		}
		for _, t := range cs.Types {
			types[t] = true
		}
	}
	merged.Entities = slices.Sorted(maps.Keys(ids))
	merged.Types = slices.Sorted(maps.Keys(types))
	return merged
}

func changeSetOf(b *builder, version uint64, at time.Time) ChangeSet {
	cs := ChangeSet{Version: version, At: at}
	types := map[EntityType]bool{}
	for id := range b.changed {
		cs.Entities = append(cs.Entities, id)
		types[b.next.entities[id].Type] = true
	}
	slices.Sort(cs.Entities)
	cs.Types = slices.Sorted(maps.Keys(types))
	return cs
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeAdmitted
	outcomeEnriched
)

func (b *builder) admitEntity(in Entity) (*Entity, outcome, error) {
	e := Entity{
		ID:           EntityID(strings.TrimSpace(string(in.ID))),
		Type:         in.Type,
		Name:         strings.TrimSpace(in.Name),
		Topics:       NormalizeTopics(in.Topics),
		Source:       strings.TrimSpace(in.Source),
		Jurisdiction: strings.TrimSpace(in.Jurisdiction),
	}
	if e.ID == "" {
		return nil, outcomeUnchanged, ErrInvalidID
	}
	if !e.Type.Valid() {
		return nil, outcomeUnchanged, fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}

	existing, ok := b.next.entities[e.ID]
	if !ok {
		b.putEntity(&e)
		return &e, outcomeAdmitted, nil
	}

	if existing.Type != e.Type || (e.Name != "" && existing.Name != e.Name) ||
		!fillable(existing.Source, e.Source) || !fillable(existing.Jurisdiction, e.Jurisdiction) {
		return nil, outcomeUnchanged, fmt.Errorf("%w: %q conflicts with existing record", ErrDuplicateEntity, e.ID)
	}

	grown := !isSubset(e.Topics, existing.Topics) ||
		(existing.Source == "" && e.Source != "") ||
		(existing.Jurisdiction == "" && e.Jurisdiction != "")
	if !grown {
		return existing, outcomeUnchanged, nil
	}

	merged := existing.Clone()
	merged.Topics = mergeTopics(existing.Topics, e.Topics)
	merged.Source = cmpOr(existing.Source, e.Source)
	merged.Jurisdiction = cmpOr(existing.Jurisdiction, e.Jurisdiction)
	b.putEntity(&merged)
	return &merged, outcomeEnriched, nil
}

// fillable reports whether an incoming optional attribute is compatible
// with the stored one: equal, absent, or filling a blank.
func fillable(have, incoming string) bool {
	return incoming == "" || have == "" || have == incoming
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (b *builder) admitRelationship(in Relationship) (*Relationship, outcome, error) {
	r := in.Clone()
	r.ID = RelationshipID(strings.TrimSpace(string(r.ID)))
	r.Kind = Kind(strings.TrimSpace(string(r.Kind)))
	r.Role = strings.TrimSpace(r.Role)
	r.Interval = temporal.Interval{Start: temporal.Day(r.Interval.Start), End: temporal.Day(r.Interval.End)}

	if r.ID == "" {
		return nil, outcomeUnchanged, ErrInvalidID
	}
	if r.Kind == "" {
		return nil, outcomeUnchanged, ErrInvalidKind
	}
	if err := r.Interval.Validate(); err != nil {
		return nil, outcomeUnchanged, err
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return nil, outcomeUnchanged, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidAttribute, *r.Confidence)
	}
	if r.Magnitude != nil && r.Magnitude.Amount < 0 {
		return nil, outcomeUnchanged, fmt.Errorf("%w: negative magnitude %v", ErrInvalidAttribute, r.Magnitude.Amount)
	}
	if r.Magnitude != nil {
		r.Magnitude.Bucket = strings.ToLower(strings.TrimSpace(r.Magnitude.Bucket))
	}

	if existing, ok := b.next.rels[r.ID]; ok {
		if sameRelationship(existing, &r) {
			return existing, outcomeUnchanged, nil
		}
		return nil, outcomeUnchanged, fmt.Errorf("%w: %q conflicts with existing record", ErrDuplicateRelationship, r.ID)
	}

	for _, end := range []EntityID{r.From, r.To} {
		if !b.next.HasEntity(end) {
			return nil, outcomeUnchanged, fmt.Errorf("%w: %q", ErrUnknownEndpoint, end)
		}
	}

	b.putRelationship(&r)
	return &r, outcomeAdmitted, nil
}

// sameRelationship compares everything except provenance retrieval time,
// so re-fetching the same record from a source is a no-op.
func sameRelationship(a, b *Relationship) bool {
	if a.Kind != b.Kind || a.From != b.From || a.To != b.To || a.Role != b.Role {
		return false
	}
	if !a.Interval.Equal(b.Interval) {
		return false
	}
	if a.Provenance.Source != b.Provenance.Source || a.Provenance.Reference != b.Provenance.Reference {
		return false
	}
	if (a.Magnitude == nil) != (b.Magnitude == nil) || (a.Magnitude != nil && *a.Magnitude != *b.Magnitude) {
		return false
	}
	if (a.Confidence == nil) != (b.Confidence == nil) || (a.Confidence != nil && *a.Confidence != *b.Confidence) {
		return false
	}
	return true
}
