// Package engine matches CoI patterns against graph snapshots.
//
// Matching is a bounded backtracking search. For every enabled pattern and
// every entity of the pattern's first slot type, the matcher extends a
// partial binding one constraint at a time, in declared order, along the
// required relationship kinds. A partial binding is pruned as soon as it
// violates:
//   - structure: wrong kind, wrong direction, wrong slot type, an entity
//     bound to two slots, or a relationship bound to two constraints;
//   - time: a minimum recency weight, or a required overlap with the
//     relevance window of an earlier edge;
//   - relevance: too few shared topics between two bound slots.
//
// Patterns have at most four slots, so the search from one start entity is
// polynomial in node degree. Start entities are independent and are matched
// in parallel against the same immutable snapshot; results are merged and
// sorted by CandidateMatch.Key, so output is identical regardless of worker
// scheduling.
package engine

import (
	"context"
	"io"
	"runtime"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// DefaultHalfLife is the recency half-life used when neither the pattern
// nor the caller sets one.
const DefaultHalfLife = 730 * 24 * time.Hour

// Options controls one evaluation run.
type Options struct {
	// Now is the evaluation instant. Ongoing intervals extend to it and
	// recency is measured from it. Zero means time.Now().
	Now time.Time

	// HalfLife is the default recency half-life for patterns that do not
	// set their own.
	HalfLife time.Duration

	// Rules restricts evaluation to the given pattern ids. Empty means all
	// enabled patterns.
	Rules []string
}

func (o Options) withDefaults() Options {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	o.Now = o.Now.UTC()
	if o.HalfLife <= 0 {
		o.HalfLife = DefaultHalfLife
	}
	return o
}

// Engine evaluates rule catalogs against snapshots. It holds no graph state
// and is safe for concurrent use.
type Engine struct {
	workers int
	log     *log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of concurrent start-entity tasks.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an engine. Workers default to GOMAXPROCS.
func New(opts ...Option) *Engine {
	e := &Engine{
		workers: runtime.GOMAXPROCS(0),
		log:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// task is one (pattern, start entity) unit of work.
type task struct {
	pattern *rules.Pattern
	start   graph.EntityID
}

// Evaluate matches every enabled pattern of catalog against snap.
//
// The result is sorted by canonical key and free of duplicates. If ctx is
// cancelled the partial work is discarded and ctx.Err() is returned.
func (e *Engine) Evaluate(ctx context.Context, catalog *rules.Catalog, snap *graph.Snapshot, opts Options) ([]CandidateMatch, error) {
	opts = opts.withDefaults()
	var tasks []task
	for _, p := range e.patterns(catalog, opts) {
		for _, id := range snap.EntitiesOfType(p.Slots[0].Type) {
			tasks = append(tasks, task{pattern: p, start: id})
		}
	}
	return e.run(ctx, "full", snap, tasks, opts)
}

// EvaluateIncremental re-matches only what a change set can affect.
//
// A pattern is considered only if one of its slot types appears in
// changes.Types. Since every pattern is connected and has at most
// len(slots)-1 hops between any two bound entities, a match involving a
// changed entity must start within that radius of it; only those start
// entities are searched. The result equals the subset of a full evaluation
// whose bindings touch a changed entity, plus possibly some untouched
// matches near the change.
func (e *Engine) EvaluateIncremental(ctx context.Context, catalog *rules.Catalog, snap *graph.Snapshot, changes graph.ChangeSet, opts Options) ([]CandidateMatch, error) {
	opts = opts.withDefaults()
	if len(changes.Entities) == 0 {
		return nil, nil
	}
	var tasks []task
	for _, p := range e.patterns(catalog, opts) {
		if !intersects(p.Types(), changes.Types) {
			continue
		}
		near := snap.Neighborhood(changes.Entities, p.Radius())
		for _, id := range snap.EntitiesOfType(p.Slots[0].Type) {
			if near[id] {
				tasks = append(tasks, task{pattern: p, start: id})
			}
		}
	}
	return e.run(ctx, "incremental", snap, tasks, opts)
}

func (e *Engine) patterns(catalog *rules.Catalog, opts Options) []*rules.Pattern {
	var out []*rules.Pattern
	for _, p := range catalog.Enabled() {
		if len(opts.Rules) > 0 && !slices.Contains(opts.Rules, p.ID) {
			continue
		}
		out = append(out, &p)
	}
	return out
}

func (e *Engine) run(ctx context.Context, mode string, snap *graph.Snapshot, tasks []task, opts Options) ([]CandidateMatch, error) {
	start := time.Now()
	results := make([][]CandidateMatch, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, t := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m := newMatcher(snap, t.pattern, opts)
			results[i] = m.from(t.start)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		evaluationsTotal.WithLabelValues(mode, "cancelled").Inc()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		evaluationsTotal.WithLabelValues(mode, "cancelled").Inc()
		return nil, err
	}

	var all []CandidateMatch
	for _, r := range results {
		all = append(all, r...)
	}
	all = SortCandidates(all)

	for _, c := range all {
		matchesTotal.WithLabelValues(c.RuleID).Inc()
	}
	evaluationsTotal.WithLabelValues(mode, "ok").Inc()
	evaluationDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	startEntities.WithLabelValues(mode).Observe(float64(len(tasks)))

	e.log.Debug("evaluation complete", "mode", mode, "version", snap.Version(), "starts", len(tasks),
		"candidates", len(all), "elapsed", time.Since(start))
	return all, nil
}

func intersects(a, b []graph.EntityType) bool {
	for _, t := range a {
		if slices.Contains(b, t) {
			return true
		}
	}
	return false
}

// matcher holds the backtracking state for one pattern and start entity.
type matcher struct {
	snap     *graph.Snapshot
	p        *rules.Pattern
	now      time.Time
	halfLife time.Duration

	slotIdx  map[string]int
	bound    []graph.EntityID
	entities []graph.Entity
	edges    []graph.Relationship
	reversed []bool
	checks   []CheckResult

	out []CandidateMatch
}

func newMatcher(snap *graph.Snapshot, p *rules.Pattern, opts Options) *matcher {
	m := &matcher{
		snap:     snap,
		p:        p,
		now:      opts.Now,
		halfLife: p.HalfLife(opts.HalfLife),
		slotIdx:  make(map[string]int, len(p.Slots)),
		bound:    make([]graph.EntityID, len(p.Slots)),
		entities: make([]graph.Entity, len(p.Slots)),
		edges:    make([]graph.Relationship, len(p.Constraints)),
		reversed: make([]bool, len(p.Constraints)),
	}
	for i, s := range p.Slots {
		m.slotIdx[s.Name] = i
	}
	return m
}

func (m *matcher) from(start graph.EntityID) []CandidateMatch {
	e, ok := m.snap.Entity(start)
	if !ok || e.Type != m.p.Slots[0].Type {
		return nil
	}
	m.bound[0] = start
	m.entities[0] = e
	m.extend(0)
	return m.out
}

func (m *matcher) isBound(id graph.EntityID) bool {
	return slices.Contains(m.bound, id)
}

func (m *matcher) edgeUsed(id graph.RelationshipID, upto int) bool {
	for i := 0; i < upto; i++ {
		if m.edges[i].ID == id {
			return true
		}
	}
	return false
}

func (m *matcher) extend(ci int) {
	if ci == len(m.p.Constraints) {
		m.emit()
		return
	}
	c := &m.p.Constraints[ci]
	fi, ti := m.slotIdx[c.From], m.slotIdx[c.To]

	// Walk from whichever endpoint is bound; validation guarantees one is.
	anchor, target := fi, ti
	dir, rev := graph.Outgoing, graph.Incoming
	if m.bound[fi] == "" {
		anchor, target = ti, fi
		dir, rev = graph.Incoming, graph.Outgoing
	}
	if c.Undirected {
		dir = graph.Both
	}

	targetFree := m.bound[target] == ""
	for _, n := range m.snap.Neighbors(m.bound[anchor], dir, c.Kind) {
		if m.edgeUsed(n.Relationship.ID, ci) {
			continue
		}
		if targetFree {
			if n.Entity.Type != m.p.Slots[target].Type || m.isBound(n.Entity.ID) {
				continue
			}
		} else if n.Entity.ID != m.bound[target] {
			continue
		}

		if targetFree {
			m.bound[target] = n.Entity.ID
			m.entities[target] = n.Entity
		}
		m.edges[ci] = n.Relationship
		m.reversed[ci] = n.Direction == rev
		mark := len(m.checks)

		if m.check(ci) {
			m.extend(ci + 1)
		}

		m.checks = m.checks[:mark]
		m.edges[ci] = graph.Relationship{}
		if targetFree {
			m.bound[target] = ""
			m.entities[target] = graph.Entity{}
		}
	}
}

// check runs the temporal and relevance requirements of constraint ci
// against the current binding, appending passed checks.
func (m *matcher) check(ci int) bool {
	c := &m.p.Constraints[ci]
	rel := m.edges[ci]

	if c.MinRecency > 0 {
		w := temporal.RecencyWeight(rel.Interval, m.now, m.halfLife)
		if w < c.MinRecency {
			return false
		}
		m.checks = append(m.checks, CheckResult{
			Type: CheckRecency, Constraint: c.ID, Passed: true,
			Recency: w, MinRecency: c.MinRecency,
		})
	}

	if o := c.Overlaps; o != nil {
		with := m.edges[m.p.ConstraintIndex(o.With)]
		window := o.Window(with.Interval)
		if !temporal.Overlaps(rel.Interval, window, m.now) {
			return false
		}
		m.checks = append(m.checks, CheckResult{
			Type: CheckOverlap, Constraint: c.ID, Passed: true,
			With: o.With, Interval: rel.Interval, Window: window,
		})
	}

	if r := c.Relevance; r != nil {
		a := m.entities[m.slotIdx[r.Slots[0]]]
		b := m.entities[m.slotIdx[r.Slots[1]]]
		shared, ratio, ok := Relevant(a.Topics, b.Topics, r.MinShared, r.MinRatio)
		if !ok {
			return false
		}
		m.checks = append(m.checks, CheckResult{
			Type: CheckRelevance, Constraint: c.ID, Passed: true,
			Slots: slices.Clone(r.Slots), Shared: shared, Ratio: ratio,
			MinShared: max(r.MinShared, 1), MinRatio: r.MinRatio,
		})
	}
	return true
}

func (m *matcher) emit() {
	cm := CandidateMatch{
		RuleID:       m.p.ID,
		RuleVersion:  m.p.Version,
		Slots:        make([]SlotBinding, len(m.p.Slots)),
		Edges:        make([]EdgeBinding, len(m.p.Constraints)),
		Checks:       slices.Clone(m.checks),
		GraphVersion: m.snap.Version(),
	}
	for i, s := range m.p.Slots {
		cm.Slots[i] = SlotBinding{Slot: s.Name, Type: s.Type, Entity: m.bound[i]}
	}
	for i, c := range m.p.Constraints {
		cm.Edges[i] = EdgeBinding{
			Constraint:   c.ID,
			Kind:         c.Kind,
			Relationship: m.edges[i].ID,
			Reversed:     m.reversed[i],
		}
	}
	m.out = append(m.out, cm)
}

// Relevant computes the topical relevance between two normalised topic
// sets. It returns the shared topics, the overlap coefficient
// |A∩B| / min(|A|,|B|), and whether both thresholds are met. At least one
// shared topic is always required; entities without topics are never
// relevant.
func Relevant(a, b []string, minShared int, minRatio float64) (shared []string, ratio float64, ok bool) {
	shared = graph.SharedTopics(a, b)
	if len(a) == 0 || len(b) == 0 {
		return shared, 0, false
	}
	ratio = float64(len(shared)) / float64(min(len(a), len(b)))
	return shared, ratio, len(shared) >= max(minShared, 1) && ratio >= minRatio
}
