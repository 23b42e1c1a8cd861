// Package coi is the detection pipeline facade.
//
// A Detector owns the graph store, the rule catalog, the engine, the scorer,
// the explanation builder and the review store, and commits the findings
// they produce. It is the only place where candidate matches become durable
// findings.
//
// Pipeline:
//  1. Ingest admits a batch into the graph store (one new version).
//  2. Evaluate (full) or Refresh (incremental) matches the catalog against
//     the current snapshot.
//  3. Every candidate is scored and explained in parallel.
//  4. Commit merges the results into the finding set in canonical order,
//     persists them in one KV transaction, and records deltas.
//
// Nothing is mutated before step 4, so a cancelled evaluation leaves no
// trace.
//
// Example Usage:
//
//	d, err := coi.Open(ctx, coi.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	if _, err := d.Ingest(ctx, batch); err != nil {
//		return err
//	}
//	if _, err := d.Refresh(ctx); err != nil {
//		return err
//	}
//	for _, f := range d.Findings(coi.Filter{Categories: []scoring.Category{scoring.High}}) {
//		fmt.Println(f.ID, f.RuleID, f.Score)
//	}
package coi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/explain"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/logging"
	"github.com/orneryd/coigraph/pkg/review"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/scoring"
	"github.com/orneryd/coigraph/pkg/storage"
)

// Errors
var (
	ErrClosed      = errors.New("detector closed")
	ErrAmbiguousID = errors.New("ambiguous finding id prefix")
)

// minPrefix is the shortest id prefix accepted by lookups.
const minPrefix = 6

// Config configures a Detector.
type Config struct {
	// DataDir is where badger keeps the journal, findings and review state.
	// Empty runs fully in memory.
	DataDir    string
	SyncWrites bool
	// CacheSize is badger's block cache in bytes. 0 keeps the default.
	CacheSize int64

	// Workers bounds matching and scoring parallelism. 0 = GOMAXPROCS.
	Workers int

	// AsOf fixes the evaluation instant. Zero evaluates as of Clock().
	AsOf time.Time

	Scoring scoring.Config

	// Catalog defaults to rules.Default().
	Catalog *rules.Catalog

	// Policies enriches explanations with policy links. Optional.
	Policies        explain.PolicyResolver
	PolicyCacheSize int
	PolicyCacheTTL  time.Duration

	Logger *log.Logger

	// Clock stamps created/updated times. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns an in-memory configuration with default scoring.
func DefaultConfig() Config {
	return Config{
		Scoring:         scoring.DefaultConfig(),
		PolicyCacheSize: 256,
		PolicyCacheTTL:  time.Hour,
	}
}

// Summary reports what one evaluation committed.
type Summary struct {
	Mode         string        `json:"mode"`
	GraphVersion uint64        `json:"graphVersion"`
	Candidates   int           `json:"candidates"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	Deactivated  int           `json:"deactivated"`
	Duration     time.Duration `json:"duration"`
}

type meta struct {
	EvaluatedVersion uint64 `json:"evaluatedVersion"`
	Catalog          string `json:"catalog"`
	// Fingerprint covers the catalog content and the scoring config.
	Fingerprint string `json:"fingerprint"`
}

var metaKey = storage.Key(storage.PrefixMeta, "detector")

// Detector runs the detection pipeline and owns the finding set.
//
// Evaluations are serialised. Reads (Findings, Finding, Deltas) never wait
// for an evaluation to finish; they see the last committed state.
type Detector struct {
	cfg       Config
	kv        storage.KV
	graph     *graph.Store
	catalog   *rules.Catalog
	engine    *engine.Engine
	scorer    *scoring.Scorer
	explainer *explain.Builder
	reviews   *review.Store
	log       *log.Logger
	clock     func() time.Time

	fingerprint string

	evalMu sync.Mutex

	mu        sync.RWMutex
	findings  map[string]*Finding
	evaluated uint64
	deltas    []Delta
	subs      map[*subscriber]struct{}
	closed    bool
	done      chan struct{}
	bg        sync.WaitGroup
}

// Open builds a detector, restoring the graph, findings and review state
// from cfg.DataDir when set.
func Open(ctx context.Context, cfg Config) (*Detector, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = rules.Default()
	}
	root := cfg.Logger
	if root == nil {
		root = logging.Discard()
	}

	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	if err := scorer.CheckCatalog(cfg.Catalog); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(cfg.Catalog, scorer.Config())
	if err != nil {
		return nil, err
	}

	var kv storage.KV
	if cfg.DataDir != "" {
		b, err := storage.OpenBadger(storage.BadgerOptions{
			DataDir:        cfg.DataDir,
			SyncWrites:     cfg.SyncWrites,
			BlockCacheSize: cfg.CacheSize,
			Logger:         logging.Badger(root),
		})
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		kv = b
	} else {
		kv = storage.NewMemory()
	}

	d := &Detector{
		cfg:      cfg,
		kv:       kv,
		catalog:  cfg.Catalog,
		scorer:   scorer,

		fingerprint: fp,
		log:      logging.Component(root, "coi"),
		clock:    cfg.Clock,
		findings: map[string]*Finding{},
		subs:     map[*subscriber]struct{}{},
		done:     make(chan struct{}),
	}
	d.engine = engine.New(engine.WithWorkers(cfg.Workers), engine.WithLogger(logging.Component(root, "engine")))

	var resolver explain.PolicyResolver
	if cfg.Policies != nil {
		resolver = explain.NewCachedResolver(cfg.Policies, cfg.PolicyCacheSize, cfg.PolicyCacheTTL)
	}
	d.explainer = explain.NewBuilder(resolver, logging.Component(root, "explain"))

	if err := d.restore(ctx, root); err != nil {
		kv.Close()
		return nil, err
	}
	return d, nil
}

func (d *Detector) restore(ctx context.Context, root *log.Logger) error {
	g, err := graph.Open(ctx, d.kv, graph.WithLogger(logging.Component(root, "graph")), graph.WithClock(d.clock))
	if err != nil {
		return err
	}
	d.graph = g

	d.reviews, err = review.Open(d.kv,
		review.WithLogger(logging.Component(root, "review")),
		review.WithClock(d.clock),
		review.WithListener(d.onStatusChange),
	)
	if err != nil {
		return err
	}

	err = d.kv.Iterate([]byte{storage.PrefixFinding}, func(_, value []byte) error {
		var f Finding
		if err := json.Unmarshal(value, &f); err != nil {
			return fmt.Errorf("decoding finding: %w", err)
		}
		f.key = keyOf(&f)
		d.findings[f.ID] = &f
		return nil
	})
	if err != nil {
		return err
	}

	var m meta
	switch err := storage.GetJSON(d.kv, metaKey, &m); {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case m.Fingerprint != d.fingerprint || m.EvaluatedVersion > g.Version():
		// Force a full evaluation on the next refresh.
		d.log.Info("evaluation state reset", "catalog", m.Catalog, "evaluated", m.EvaluatedVersion,
			"rules_changed", m.Fingerprint != d.fingerprint)
	default:
		d.evaluated = m.EvaluatedVersion
	}
	d.updateGauges()
	d.log.Info("detector ready", "graph_version", g.Version(), "findings", len(d.findings), "evaluated", d.evaluated)
	return nil
}

// Close stops subscriptions and closes storage.
func (d *Detector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.bg.Wait()
	d.evalMu.Lock()
	defer d.evalMu.Unlock()
	return d.kv.Close()
}

// Graph returns the underlying graph store.
func (d *Detector) Graph() *graph.Store { return d.graph }

// Catalog returns the active rule catalog.
func (d *Detector) Catalog() *rules.Catalog { return d.catalog }

// Scorer returns the configured scorer.
func (d *Detector) Scorer() *scoring.Scorer { return d.scorer }

// Reviews returns the review store.
func (d *Detector) Reviews() *review.Store { return d.reviews }

// EvaluatedVersion is the graph version of the last committed evaluation.
func (d *Detector) EvaluatedVersion() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.evaluated
}

// Ingest admits a batch into the graph. Findings are not updated until the
// next Evaluate or Refresh.
func (d *Detector) Ingest(ctx context.Context, batch graph.Batch) (graph.BatchResult, error) {
	if d.isClosed() {
		return graph.BatchResult{}, ErrClosed
	}
	return d.graph.Apply(ctx, batch)
}

// Evaluate re-matches the whole catalog against the current snapshot.
// Findings that are no longer produced are deactivated.
func (d *Detector) Evaluate(ctx context.Context) (Summary, error) {
	return d.run(ctx, true)
}

// Refresh re-matches only the neighbourhood of what changed since the last
// evaluation, and deactivates findings on changed entities that no longer
// match. The first refresh after Open, or after the catalog or scoring
// config changed, is a full evaluation.
func (d *Detector) Refresh(ctx context.Context) (Summary, error) {
	return d.run(ctx, false)
}

func (d *Detector) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Detector) now() time.Time {
	if !d.cfg.AsOf.IsZero() {
		return d.cfg.AsOf.UTC()
	}
	return d.clock().UTC()
}

func (d *Detector) run(ctx context.Context, full bool) (Summary, error) {
	d.evalMu.Lock()
	defer d.evalMu.Unlock()
	if d.isClosed() {
		return Summary{}, ErrClosed
	}

	start := time.Now()
	snap := d.graph.Snapshot()
	now := d.now()
	opts := engine.Options{Now: now, HalfLife: d.scorer.Config().HalfLife}

	d.mu.RLock()
	evaluated := d.evaluated
	d.mu.RUnlock()
	if evaluated == 0 {
		full = true
	}

	sum := Summary{Mode: "incremental", GraphVersion: snap.Version()}
	var (
		cands   []engine.CandidateMatch
		touched map[graph.EntityID]bool
		err     error
	)
	if full {
		sum.Mode = "full"
		cands, err = d.engine.Evaluate(ctx, d.catalog, snap, opts)
	} else {
		changes := d.graph.ChangesSince(evaluated)
		if len(changes.Entities) == 0 {
			return sum, nil
		}
		touched = make(map[graph.EntityID]bool, len(changes.Entities))
		for _, id := range changes.Entities {
			touched[id] = true
		}
		cands, err = d.engine.EvaluateIncremental(ctx, d.catalog, snap, changes, opts)
	}
	if err != nil {
		return Summary{}, err
	}
	sum.Candidates = len(cands)

	next, err := d.build(ctx, cands, snap, now)
	if err != nil {
		return Summary{}, err
	}
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	created, err := d.commit(next, snap.Version(), touched, &sum)
	if err != nil {
		return Summary{}, err
	}
	for _, id := range created {
		if _, err := d.reviews.Track(context.WithoutCancel(ctx), id); err != nil {
			return sum, fmt.Errorf("tracking finding %s: %w", id, err)
		}
	}

	sum.Duration = time.Since(start)
	pipelineDuration.WithLabelValues(sum.Mode).Observe(sum.Duration.Seconds())
	d.log.Info("evaluation committed", "mode", sum.Mode, "version", sum.GraphVersion,
		"candidates", sum.Candidates, "created", sum.Created, "updated", sum.Updated,
		"deactivated", sum.Deactivated, "took", sum.Duration)
	return sum, nil
}

// build scores and explains every candidate. Each task writes only its own
// slot of the result, which keeps the candidate order.
func (d *Detector) build(ctx context.Context, cands []engine.CandidateMatch, snap *graph.Snapshot, now time.Time) ([]*Finding, error) {
	out := make([]*Finding, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i := range cands {
		c := &cands[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := d.scorer.Score(c, d.catalog, snap, now)
			if err != nil {
				return fmt.Errorf("scoring %s: %w", c.RuleID, err)
			}
			tr, err := d.explainer.Explain(c, res, snap)
			if err != nil {
				return fmt.Errorf("explaining %s: %w", c.RuleID, err)
			}
			out[i] = &Finding{
				ID:               FindingID(c),
				RuleID:           c.RuleID,
				RuleVersion:      c.RuleVersion,
				Entities:         slices.Clone(c.Slots),
				Edges:            slices.Clone(c.Edges),
				Score:            res.Score,
				Category:         res.Category,
				Trace:            tr,
				Status:           review.Flagged,
				EvaluatedVersion: snap.Version(),
				Active:           true,
				key:              c.Key(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// commit merges next into the finding set. It returns the ids of findings
// created by this commit.
//
// A nil touched set means a full evaluation: every active finding that was
// not produced again is deactivated. Otherwise only findings bound to a
// touched entity are candidates for deactivation, since the incremental
// run re-matched exactly their neighbourhood.
func (d *Detector) commit(next []*Finding, version uint64, touched map[graph.EntityID]bool, sum *Summary) ([]string, error) {
	stamp := d.clock().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	var (
		writes  []*Finding
		pending []Delta
		created []string
	)
	seen := make(map[string]bool, len(next))
	for _, f := range next {
		seen[f.ID] = true
		old, ok := d.findings[f.ID]
		switch {
		case !ok:
			f.CreatedAt, f.UpdatedAt, f.GraphVersion = stamp, stamp, version
			writes = append(writes, f)
			created = append(created, f.ID)
			pending = append(pending, deltaOf(f, DeltaCreated, version, stamp))
			sum.Created++
		case changed(old, f):
			f.CreatedAt, f.UpdatedAt, f.GraphVersion = old.CreatedAt, stamp, old.GraphVersion
			writes = append(writes, f)
			pending = append(pending, deltaOf(f, DeltaUpdated, version, stamp))
			sum.Updated++
		default:
			sum.Unchanged++
		}
	}
	for _, id := range slices.Sorted(maps.Keys(d.findings)) {
		old := d.findings[id]
		if seen[id] || !old.Active || (touched != nil && !old.touches(touched)) {
			continue
		}
		f := old.clone()
		f.Active = false
		f.UpdatedAt = stamp
		writes = append(writes, f)
		pending = append(pending, deltaOf(f, DeltaDeactivated, version, stamp))
		sum.Deactivated++
	}

	err := d.kv.Update(func(w storage.Writer) error {
		for _, f := range writes {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := w.Put(storage.Key(storage.PrefixFinding, f.ID), data); err != nil {
				return err
			}
		}
		data, err := json.Marshal(meta{EvaluatedVersion: version, Catalog: d.catalog.Name(), Fingerprint: d.fingerprint})
		if err != nil {
			return err
		}
		return w.Put(metaKey, data)
	})
	if err != nil {
		return nil, fmt.Errorf("committing findings: %w", err)
	}

	for _, f := range writes {
		d.findings[f.ID] = f
	}
	d.evaluated = version
	for _, delta := range pending {
		if st, ok := d.reviews.Status(delta.FindingID); ok {
			delta.Status = st
		}
		d.appendDeltaLocked(delta)
		findingChanges.WithLabelValues(string(delta.Type)).Inc()
	}
	if len(pending) > 0 {
		d.notifyLocked()
	}
	d.updateGaugesLocked()
	return created, nil
}

func deltaOf(f *Finding, typ DeltaType, version uint64, at time.Time) Delta {
	return Delta{
		GraphVersion: version,
		Type:         typ,
		FindingID:    f.ID,
		RuleID:       f.RuleID,
		Category:     f.Category,
		Score:        f.Score,
		Status:       review.Flagged,
		At:           at,
	}
}

func (d *Detector) onStatusChange(ev review.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.findings[ev.FindingID]
	if !ok {
		return
	}
	d.appendDeltaLocked(Delta{
		GraphVersion: d.graph.Version(),
		Type:         DeltaStatus,
		FindingID:    f.ID,
		RuleID:       f.RuleID,
		Category:     f.Category,
		Score:        f.Score,
		Status:       ev.To,
		ReviewerID:   ev.ReviewerID,
		At:           ev.At,
	})
	findingChanges.WithLabelValues(string(DeltaStatus)).Inc()
	d.notifyLocked()
}

func (d *Detector) updateGauges() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.updateGaugesLocked()
}

func (d *Detector) updateGaugesLocked() {
	counts := map[scoring.Category]int{}
	for _, f := range d.findings {
		if f.Active {
			counts[f.Category]++
		}
	}
	for _, c := range []scoring.Category{scoring.Low, scoring.Moderate, scoring.High} {
		activeFindings.WithLabelValues(string(c)).Set(float64(counts[c]))
	}
}

// withStatus returns a copy of f with the review overlay applied.
func (d *Detector) withStatus(f *Finding) Finding {
	out := *f.clone()
	out.Status = review.Flagged
	if st, ok := d.reviews.Status(f.ID); ok {
		out.Status = st
	}
	return out
}

// Findings returns the findings matching flt, ordered by descending score
// then canonical match key.
func (d *Detector) Findings(flt Filter) []Finding {
	d.mu.RLock()
	all := slices.Collect(maps.Values(d.findings))
	d.mu.RUnlock()

	slices.SortFunc(all, compareFindings)
	var out []Finding
	for _, f := range all {
		cur := d.withStatus(f)
		if !flt.match(&cur) {
			continue
		}
		out = append(out, cur)
		if flt.Limit > 0 && len(out) == flt.Limit {
			break
		}
	}
	return out
}

// Finding looks up a finding by id or by a unique id prefix of at least
// six characters.
func (d *Detector) Finding(id string) (Finding, error) {
	d.mu.RLock()
	f, err := d.resolveLocked(id)
	d.mu.RUnlock()
	if err != nil {
		return Finding{}, err
	}
	return d.withStatus(f), nil
}

func (d *Detector) resolveLocked(id string) (*Finding, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if f, ok := d.findings[id]; ok {
		return f, nil
	}
	if len(id) >= minPrefix {
		var match *Finding
		for fid, f := range d.findings {
			if !strings.HasPrefix(fid, id) {
				continue
			}
			if match != nil {
				return nil, fmt.Errorf("%w: %s", ErrAmbiguousID, id)
			}
			match = f
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", review.ErrUnknownFinding, id)
}

// SetStatus records a reviewer's disposition of a finding.
func (d *Detector) SetStatus(ctx context.Context, id string, status review.Status, note, reviewerID string) (review.Event, error) {
	d.mu.RLock()
	f, err := d.resolveLocked(id)
	d.mu.RUnlock()
	if err != nil {
		return review.Event{}, err
	}
	return d.reviews.SetStatus(ctx, f.ID, status, note, reviewerID)
}

// Annotate attaches a note to a finding without changing its status.
func (d *Detector) Annotate(ctx context.Context, id, note, reviewerID string) (review.Event, error) {
	d.mu.RLock()
	f, err := d.resolveLocked(id)
	d.mu.RUnlock()
	if err != nil {
		return review.Event{}, err
	}
	return d.reviews.Annotate(ctx, f.ID, note, reviewerID)
}

// History returns the review events of a finding.
func (d *Detector) History(id string) ([]review.Event, error) {
	d.mu.RLock()
	f, err := d.resolveLocked(id)
	d.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return d.reviews.History(f.ID)
}

// AnnotateEntity records a free-form conflict note on an existing entity.
func (d *Detector) AnnotateEntity(ctx context.Context, id graph.EntityID, category, note, author string) (review.Annotation, error) {
	if !d.graph.Snapshot().HasEntity(id) {
		return review.Annotation{}, fmt.Errorf("%w: entity %s", graph.ErrNotFound, id)
	}
	return d.reviews.AnnotateEntity(ctx, string(id), category, note, author)
}

// EntityAnnotations returns the free-form notes on an entity.
func (d *Detector) EntityAnnotations(id graph.EntityID) []review.Annotation {
	return d.reviews.EntityAnnotations(string(id))
}
