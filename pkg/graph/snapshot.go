package graph

import (
	"maps"
	"slices"
	"strings"
)

// Snapshot is an immutable view of the graph at one version.
//
// A Snapshot never changes after it is published. Holding one pins the
// graph state for the whole duration of an evaluation, regardless of
// concurrent ingestion. Accessors return copies so callers cannot mutate
// shared state.
type Snapshot struct {
	version uint64

	entities map[EntityID]*Entity
	rels     map[RelationshipID]*Relationship

	// Adjacency lists are sorted by relationship ID so traversal order is
	// deterministic.
	out map[EntityID][]RelationshipID
	in  map[EntityID][]RelationshipID

	byType map[EntityType][]EntityID // sorted
	byName map[string][]EntityID     // normalised name -> sorted ids
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		entities: map[EntityID]*Entity{},
		rels:     map[RelationshipID]*Relationship{},
		out:      map[EntityID][]RelationshipID{},
		in:       map[EntityID][]RelationshipID{},
		byType:   map[EntityType][]EntityID{},
		byName:   map[string][]EntityID{},
	}
}

// Version returns the store version this snapshot represents.
func (s *Snapshot) Version() uint64 { return s.version }

// Entity returns a copy of the entity with the given id.
func (s *Snapshot) Entity(id EntityID) (Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

// Relationship returns a copy of the relationship with the given id.
func (s *Snapshot) Relationship(id RelationshipID) (Relationship, bool) {
	r, ok := s.rels[id]
	if !ok {
		return Relationship{}, false
	}
	return r.Clone(), true
}

// HasEntity reports whether id is present.
func (s *Snapshot) HasEntity(id EntityID) bool {
	_, ok := s.entities[id]
	return ok
}

// TypeOf returns the type of id, or "" when absent.
func (s *Snapshot) TypeOf(id EntityID) EntityType {
	if e, ok := s.entities[id]; ok {
		return e.Type
	}
	return ""
}

// Neighbors returns the relationships incident to id in the given direction,
// optionally restricted to kinds, ordered by relationship ID. With Both,
// outgoing edges come first.
func (s *Snapshot) Neighbors(id EntityID, dir Direction, kinds ...Kind) []Neighbor {
	var result []Neighbor
	collect := func(ids []RelationshipID, d Direction) {
		for _, rid := range ids {
			r := s.rels[rid]
			if len(kinds) > 0 && !slices.Contains(kinds, r.Kind) {
				continue
			}
			other := s.entities[r.Other(id)]
			result = append(result, Neighbor{
				Relationship: r.Clone(),
				Entity:       other.Clone(),
				Direction:    d,
			})
		}
	}
	if dir == Outgoing || dir == Both {
		collect(s.out[id], Outgoing)
	}
	if dir == Incoming || dir == Both {
		collect(s.in[id], Incoming)
	}
	return result
}

// Degree returns the number of incident relationships in the given direction.
func (s *Snapshot) Degree(id EntityID, dir Direction) int {
	switch dir {
	case Outgoing:
		return len(s.out[id])
	case Incoming:
		return len(s.in[id])
	default:
		return len(s.out[id]) + len(s.in[id])
	}
}

// EntitiesOfType returns the ids of every entity of type t, sorted.
func (s *Snapshot) EntitiesOfType(t EntityType) []EntityID {
	return slices.Clone(s.byType[t])
}

// FindByName returns entities whose normalised name equals name's.
func (s *Snapshot) FindByName(name string) []Entity {
	ids := s.byName[NormalizeText(name)]
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entities[id].Clone())
	}
	return out
}

// FindBySource returns the entity carrying the given external reference.
func (s *Snapshot) FindBySource(source string) (Entity, bool) {
	if source == "" {
		return Entity{}, false
	}
	for _, id := range s.sortedEntityIDs() {
		if e := s.entities[id]; strings.EqualFold(e.Source, source) {
			return e.Clone(), true
		}
	}
	return Entity{}, false
}

// Search returns entities whose normalised name or id contains query,
// optionally filtered by type, sorted by id. A limit <= 0 means no limit.
func (s *Snapshot) Search(query string, t EntityType, limit int) []Entity {
	q := NormalizeText(query)
	var out []Entity
	for _, id := range s.sortedEntityIDs() {
		e := s.entities[id]
		if t != "" && e.Type != t {
			continue
		}
		if q != "" && !strings.Contains(NormalizeText(e.Name), q) && !strings.Contains(NormalizeText(string(e.ID)), q) {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Related returns the entities of type t reachable from id over one edge of
// the given kind and direction, sorted by id and de-duplicated.
//
//	// Authors of a paper:
//	snap.Related(paperID, graph.CoAuthored, graph.Incoming, graph.Author)
func (s *Snapshot) Related(id EntityID, kind Kind, dir Direction, t EntityType) []Entity {
	seen := map[EntityID]bool{}
	var ids []EntityID
	for _, n := range s.Neighbors(id, dir, kind) {
		if t != "" && n.Entity.Type != t {
			continue
		}
		if !seen[n.Entity.ID] {
			seen[n.Entity.ID] = true
			ids = append(ids, n.Entity.ID)
		}
	}
	slices.Sort(ids)
	out := make([]Entity, len(ids))
	for i, eid := range ids {
		out[i] = s.entities[eid].Clone()
	}
	return out
}

// Neighborhood returns every entity within radius hops of any seed,
// ignoring edge direction. Seeds not in the graph are skipped.
func (s *Snapshot) Neighborhood(seeds []EntityID, radius int) map[EntityID]bool {
	visited := make(map[EntityID]bool, len(seeds))
	frontier := make([]EntityID, 0, len(seeds))
	for _, id := range seeds {
		if s.HasEntity(id) && !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}
	for hop := 0; hop < radius && len(frontier) > 0; hop++ {
		var next []EntityID
		for _, id := range frontier {
			for _, lists := range [][]RelationshipID{s.out[id], s.in[id]} {
				for _, rid := range lists {
					other := s.rels[rid].Other(id)
					if !visited[other] {
						visited[other] = true
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}
	return visited
}

// Entities returns every entity sorted by id.
func (s *Snapshot) Entities() []Entity {
	ids := s.sortedEntityIDs()
	out := make([]Entity, len(ids))
	for i, id := range ids {
		out[i] = s.entities[id].Clone()
	}
	return out
}

// Relationships returns every relationship sorted by id.
func (s *Snapshot) Relationships() []Relationship {
	ids := slices.Sorted(maps.Keys(s.rels))
	out := make([]Relationship, len(ids))
	for i, id := range ids {
		out[i] = s.rels[id].Clone()
	}
	return out
}

// Stats summarises graph size.
type Stats struct {
	Version       uint64             `json:"version"`
	Entities      int                `json:"entities"`
	Relationships int                `json:"relationships"`
	ByType        map[EntityType]int `json:"byType"`
	ByKind        map[Kind]int       `json:"byKind"`
}

// Stats returns entity and relationship counts.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		Version:       s.version,
		Entities:      len(s.entities),
		Relationships: len(s.rels),
		ByType:        make(map[EntityType]int, len(s.byType)),
		ByKind:        map[Kind]int{},
	}
	for t, ids := range s.byType {
		st.ByType[t] = len(ids)
	}
	for _, r := range s.rels {
		st.ByKind[r.Kind]++
	}
	return st
}

func (s *Snapshot) sortedEntityIDs() []EntityID {
	return slices.Sorted(maps.Keys(s.entities))
}

// builder derives the next snapshot from a base without touching it.
//
// Top-level maps are shallow-copied once; slices are copied only when the
// key they belong to is modified. Entity and relationship values are never
// mutated in place, only replaced.
type builder struct {
	next    *Snapshot
	changed map[EntityID]bool
}

func newBuilder(base *Snapshot) *builder {
	return &builder{
		next: &Snapshot{
			version:  base.version,
			entities: maps.Clone(base.entities),
			rels:     maps.Clone(base.rels),
			out:      maps.Clone(base.out),
			in:       maps.Clone(base.in),
			byType:   maps.Clone(base.byType),
			byName:   maps.Clone(base.byName),
		},
		changed: map[EntityID]bool{},
	}
}

func insertSorted[T ~string](list []T, v T) []T {
	i, found := slices.BinarySearch(list, v)
	if found {
		return list
	}
	out := make([]T, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, v)
	return append(out, list[i:]...)
}

func (b *builder) putEntity(e *Entity) {
	s := b.next
	if _, existed := s.entities[e.ID]; !existed {
		s.byType[e.Type] = insertSorted(s.byType[e.Type], e.ID)
		if key := NormalizeText(e.Name); key != "" {
			s.byName[key] = insertSorted(s.byName[key], e.ID)
		}
	}
	s.entities[e.ID] = e
	b.changed[e.ID] = true
}

func (b *builder) putRelationship(r *Relationship) {
	s := b.next
	s.rels[r.ID] = r
	s.out[r.From] = insertSorted(s.out[r.From], r.ID)
	s.in[r.To] = insertSorted(s.in[r.To], r.ID)
	b.changed[r.From] = true
	b.changed[r.To] = true
}
