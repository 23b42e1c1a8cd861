package coi

import (
	"context"
	"maps"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/review"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/scoring"
	"github.com/orneryd/coigraph/pkg/temporal"
)

var scenarioNow = temporal.Date(2021, 3, 15)

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func financialTie(funding temporal.Interval) graph.Batch {
	return graph.Batch{
		Entities: []graph.Entity{
			{ID: "a1", Type: graph.Author, Name: "Ada Author"},
			{ID: "f1", Type: graph.Funder, Name: "Acme Foundation", Topics: []string{"oncology", "immunotherapy"}},
			{ID: "p1", Type: graph.Paper, Name: "On Tumours", Topics: []string{"Oncology", "statistics"}},
		},
		Relationships: []graph.Relationship{
			{ID: "r-fund", Kind: graph.FundedBy, From: "a1", To: "f1", Interval: funding,
				Role: "PI", Magnitude: &graph.Magnitude{Bucket: "high"},
				Provenance: graph.Provenance{Source: "grants-db"}},
			{ID: "r-auth", Kind: graph.CoAuthored, From: "a1", To: "p1", Interval: temporal.At(scenarioNow)},
		},
	}
}

func open(t *testing.T, cfg Config) *Detector {
	t.Helper()
	if cfg.Scoring.Thresholds == (scoring.Thresholds{}) {
		cfg.Scoring = scoring.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = fixedClock()
	}
	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func ingest(t *testing.T, d *Detector, b graph.Batch) graph.BatchResult {
	t.Helper()
	res, err := d.Ingest(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	return res
}

func TestDirectFinancialTieIsHigh(t *testing.T) {
	ctx := context.Background()
	d := open(t, Config{AsOf: scenarioNow})
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))

	sum, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "full", sum.Mode)
	assert.Equal(t, 1, sum.Created)

	fs := d.Findings(Filter{})
	require.Len(t, fs, 1)
	f := fs[0]
	assert.Equal(t, "DirectFinancialTie", f.RuleID)
	assert.Equal(t, scoring.High, f.Category)
	assert.InDelta(t, 3.0, f.Score, 1e-9)
	assert.Equal(t, review.Flagged, f.Status)
	assert.Len(t, f.ID, 64)
	assert.Equal(t, uint64(1), f.GraphVersion)

	require.NotEmpty(t, f.Trace.Evidence)
	fund := f.Trace.Evidence[0]
	assert.Equal(t, graph.FundedBy, fund.Kind)
	assert.Equal(t, "PI", fund.Role)
	assert.Equal(t, "high", fund.Magnitude.Bucket)
	assert.Equal(t, "high", f.Trace.Factors[0].MagnitudeBucket)

	var relevance *engine.CheckResult
	for i, c := range f.Trace.Checks {
		if c.Type == engine.CheckRelevance {
			relevance = &f.Trace.Checks[i]
		}
	}
	require.NotNil(t, relevance)
	assert.Equal(t, []string{"oncology"}, relevance.Shared)
	assert.NoError(t, f.Trace.Verify())
}

const noMinimumCatalog = `
name: no-minimum
patterns:
  - id: DirectFinancialTie
    version: 2
    slots:
      - {name: author, type: Author}
      - {name: funder, type: Funder}
      - {name: paper, type: Paper}
    constraints:
      - {id: funding, from: author, to: funder, kind: FundedBy}
      - id: authorship
        from: author
        to: paper
        kind: CoAuthored
        relevance: {slots: [paper, funder], min_shared: 1}
    weights:
      kinds: {FundedBy: 1.0}
`

func TestStaleFunding(t *testing.T) {
	ctx := context.Background()
	stale := financialTie(temporal.Between(temporal.Date(2010, 1, 1), temporal.Date(2011, 1, 1)))
	asOf := temporal.Date(2024, 1, 1)

	t.Run("default catalog requires minimum recency", func(t *testing.T) {
		d := open(t, Config{AsOf: asOf})
		ingest(t, d, stale)
		sum, err := d.Evaluate(ctx)
		require.NoError(t, err)
		assert.Zero(t, sum.Candidates)
		assert.Empty(t, d.Findings(Filter{}))
	})

	t.Run("without a minimum the finding is low", func(t *testing.T) {
		cat, err := rules.Parse([]byte(noMinimumCatalog))
		require.NoError(t, err)
		d := open(t, Config{AsOf: asOf, Catalog: cat})
		ingest(t, d, stale)
		_, err = d.Evaluate(ctx)
		require.NoError(t, err)

		fs := d.Findings(Filter{})
		require.Len(t, fs, 1)
		assert.Equal(t, scoring.Low, fs[0].Category)
		assert.Equal(t, 2, fs[0].RuleVersion)
		assert.Greater(t, fs[0].Score, 0.0)
	})
}

func TestReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := open(t, Config{AsOf: scenarioNow})
	batch := financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1)))
	ingest(t, d, batch)
	_, err := d.Refresh(ctx)
	require.NoError(t, err)

	res := ingest(t, d, batch)
	assert.False(t, res.Changed())
	assert.Equal(t, uint64(1), res.Version)

	sum, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Created)

	sum, err = d.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Created)
	assert.Zero(t, sum.Updated)
	assert.Equal(t, 1, sum.Unchanged)

	assert.Len(t, d.Findings(Filter{}), 1)
	assert.Len(t, d.Deltas(0), 1)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	ctx := context.Background()
	batch := financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1)))
	batch.Entities = append(batch.Entities,
		graph.Entity{ID: "a2", Type: graph.Author, Name: "Bo Author"},
		graph.Entity{ID: "c1", Type: graph.Company, Name: "Tumorix", Topics: []string{"oncology"}},
	)
	batch.Relationships = append(batch.Relationships,
		graph.Relationship{ID: "r-auth2", Kind: graph.CoAuthored, From: "a2", To: "p1", Interval: temporal.At(scenarioNow)},
		graph.Relationship{ID: "r-eq", Kind: graph.OwnsEquityIn, From: "a2", To: "c1", Interval: temporal.Since(temporal.Date(2020, 1, 1))},
		graph.Relationship{ID: "r-fund2", Kind: graph.FundedBy, From: "a2", To: "f1", Interval: temporal.Since(temporal.Date(2020, 1, 1)), Role: "Co-PI"},
	)

	run := func(workers int) []Finding {
		d := open(t, Config{AsOf: scenarioNow, Workers: workers})
		ingest(t, d, batch)
		_, err := d.Evaluate(ctx)
		require.NoError(t, err)
		return d.Findings(Filter{})
	}

	serial := run(1)
	require.Len(t, serial, 3)
	parallel := run(8)
	if diff := cmp.Diff(serial, parallel, cmp.AllowUnexported(Finding{})); diff != "" {
		t.Errorf("findings differ between serial and parallel runs (-serial +parallel):\n%s", diff)
	}
	for i := 1; i < len(serial); i++ {
		assert.GreaterOrEqual(t, serial[i-1].Score, serial[i].Score)
	}
}

func TestRefreshIsIncremental(t *testing.T) {
	ctx := context.Background()
	d := open(t, Config{AsOf: scenarioNow})
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err := d.Refresh(ctx)
	require.NoError(t, err)

	ingest(t, d, graph.Batch{
		Entities: []graph.Entity{{ID: "a2", Type: graph.Author, Name: "Bo Author"}},
		Relationships: []graph.Relationship{
			{ID: "r-fund2", Kind: graph.FundedBy, From: "a2", To: "f1", Interval: temporal.Since(temporal.Date(2020, 1, 1))},
			{ID: "r-auth2", Kind: graph.CoAuthored, From: "a2", To: "p1", Interval: temporal.At(scenarioNow)},
		},
	})
	sum, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "incremental", sum.Mode)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, uint64(2), d.EvaluatedVersion())

	fs := d.Findings(Filter{Entity: "a2"})
	require.Len(t, fs, 1)
	assert.Equal(t, uint64(2), fs[0].GraphVersion)
	assert.Len(t, d.Findings(Filter{SinceVersion: 1}), 1)

	sum, err = d.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Candidates)
}

func TestCancelledEvaluationCommitsNothing(t *testing.T) {
	d := open(t, Config{AsOf: scenarioNow})
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Evaluate(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, d.Findings(Filter{IncludeInactive: true}))
	assert.Empty(t, d.Deltas(0))
	assert.Zero(t, d.EvaluatedVersion())
}

func TestReviewOverlayAndDeltas(t *testing.T) {
	ctx := context.Background()
	d := open(t, Config{AsOf: scenarioNow})
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err := d.Refresh(ctx)
	require.NoError(t, err)
	f := d.Findings(Filter{})[0]

	_, err = d.SetStatus(ctx, "0000000000", review.Confirmed, "", "rev-1")
	assert.ErrorIs(t, err, review.ErrUnknownFinding)

	_, err = d.SetStatus(ctx, f.ID[:10], review.Dismissed, "disclosed", "rev-1")
	require.NoError(t, err)
	_, err = d.SetStatus(ctx, f.ID, review.Confirmed, "", "rev-1")
	assert.ErrorIs(t, err, review.ErrInvalidTransition)

	got, err := d.Finding(f.ID)
	require.NoError(t, err)
	assert.Equal(t, review.Dismissed, got.Status)
	assert.Empty(t, d.Findings(Filter{Statuses: []review.Status{review.Flagged}}))
	assert.Len(t, d.Findings(Filter{Statuses: []review.Status{review.Dismissed}}), 1)

	deltas := d.Deltas(0)
	require.Len(t, deltas, 2)
	assert.Equal(t, DeltaCreated, deltas[0].Type)
	assert.Equal(t, uint64(1), deltas[0].Seq)
	assert.Equal(t, DeltaStatus, deltas[1].Type)
	assert.Equal(t, review.Dismissed, deltas[1].Status)
	assert.Equal(t, "rev-1", deltas[1].ReviewerID)
	assert.Equal(t, deltas[1:], d.Deltas(1))

	// Re-evaluation never touches review state.
	_, err = d.Evaluate(ctx)
	require.NoError(t, err)
	got, err = d.Finding(f.ID)
	require.NoError(t, err)
	assert.Equal(t, review.Dismissed, got.Status)
}

func TestSubscribe(t *testing.T) {
	d := open(t, Config{AsOf: scenarioNow})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := d.Subscribe(ctx, 0)
	require.NoError(t, err)

	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err = d.Refresh(context.Background())
	require.NoError(t, err)

	next := func() Delta {
		t.Helper()
		select {
		case delta := <-ch:
			return delta
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delta")
			return Delta{}
		}
	}
	created := next()
	assert.Equal(t, DeltaCreated, created.Type)

	_, err = d.SetStatus(context.Background(), created.FindingID, review.Confirmed, "", "rev-2")
	require.NoError(t, err)
	status := next()
	assert.Equal(t, DeltaStatus, status.Type)
	assert.Equal(t, uint64(2), status.Seq)

	cancel()
	for range ch {
	}
}

func TestPersistenceAndDeactivation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := Open(ctx, Config{DataDir: dir, AsOf: scenarioNow, Scoring: scoring.DefaultConfig(), Clock: fixedClock()})
	require.NoError(t, err)
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err = d.Refresh(ctx)
	require.NoError(t, err)
	id := d.Findings(Filter{})[0].ID
	_, err = d.SetStatus(ctx, id, review.Confirmed, "verified with funder", "rev-1")
	require.NoError(t, err)
	_, err = d.AnnotateEntity(ctx, "a1", "interpersonal", "spouse of editor", "rev-1")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// Fourteen years later the funding no longer clears the minimum recency.
	later := temporal.Date(2035, 6, 1)
	d, err = Open(ctx, Config{DataDir: dir, AsOf: later, Scoring: scoring.DefaultConfig(), Clock: fixedClock()})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, uint64(1), d.Graph().Version())
	assert.Equal(t, uint64(1), d.EvaluatedVersion())
	f, err := d.Finding(id)
	require.NoError(t, err)
	assert.Equal(t, review.Confirmed, f.Status)
	assert.True(t, f.Active)
	assert.Len(t, d.EntityAnnotations("a1"), 1)

	sum, err := d.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Deactivated)
	assert.Empty(t, d.Findings(Filter{}))

	all := d.Findings(Filter{IncludeInactive: true})
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
	assert.Equal(t, review.Confirmed, all[0].Status)
}

func TestAnnotateUnknownEntity(t *testing.T) {
	d := open(t, Config{})
	_, err := d.AnnotateEntity(context.Background(), "ghost", "other", "note", "rev-1")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestFindingID(t *testing.T) {
	a := engine.CandidateMatch{RuleID: "R", Slots: []engine.SlotBinding{{Slot: "x", Entity: "e2"}, {Slot: "y", Entity: "e1"}},
		Edges: []engine.EdgeBinding{{Relationship: "r1"}}}
	b := engine.CandidateMatch{RuleID: "R", Slots: []engine.SlotBinding{{Slot: "y", Entity: "e1"}, {Slot: "x", Entity: "e2"}},
		Edges: []engine.EdgeBinding{{Relationship: "r1"}}}
	c := engine.CandidateMatch{RuleID: "S", Slots: a.Slots, Edges: a.Edges}

	assert.Equal(t, FindingID(&a), FindingID(&b))
	assert.NotEqual(t, FindingID(&a), FindingID(&c))
}

// editedDefault is the default catalog with DirectFinancialTie bumped to
// version 2 and its funding weight cut, under the same catalog name.
func editedDefault(t *testing.T) *rules.Catalog {
	t.Helper()
	patterns := rules.Default().Patterns()
	for i := range patterns {
		p := &patterns[i]
		if p.ID != "DirectFinancialTie" {
			continue
		}
		p.Version = 2
		p.Weights.Kinds = maps.Clone(p.Weights.Kinds)
		p.Weights.Kinds[graph.FundedBy] = 0.1
	}
	cat, err := rules.New("default", patterns...)
	require.NoError(t, err)
	return cat
}

func TestRuleChangeForcesFullEvaluation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reopen := func(cat *rules.Catalog, sc scoring.Config) *Detector {
		t.Helper()
		d, err := Open(ctx, Config{DataDir: dir, AsOf: scenarioNow, Catalog: cat, Scoring: sc, Clock: fixedClock()})
		require.NoError(t, err)
		return d
	}
	refresh := func(d *Detector, id graph.EntityID) Summary {
		t.Helper()
		ingest(t, d, graph.Batch{Entities: []graph.Entity{{ID: id, Type: graph.Institution, Name: "Unrelated " + string(id)}}})
		sum, err := d.Refresh(ctx)
		require.NoError(t, err)
		return sum
	}

	d := reopen(nil, scoring.DefaultConfig())
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err := d.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = reopen(editedDefault(t), scoring.DefaultConfig())
	sum := refresh(d, "i1")
	assert.Equal(t, "full", sum.Mode)
	assert.Equal(t, 1, sum.Updated)
	f := d.Findings(Filter{})[0]
	assert.Equal(t, 2, f.RuleVersion)
	assert.InDelta(t, 0.3, f.Score, 1e-9)
	assert.Equal(t, scoring.Low, f.Category)
	require.NoError(t, d.Close())

	// Same rules and scoring: back to incremental.
	d = reopen(editedDefault(t), scoring.DefaultConfig())
	assert.Equal(t, "incremental", refresh(d, "i2").Mode)
	require.NoError(t, d.Close())

	sc := scoring.DefaultConfig()
	sc.Thresholds.Moderate = 0.2
	d = reopen(editedDefault(t), sc)
	defer d.Close()
	sum = refresh(d, "i3")
	assert.Equal(t, "full", sum.Mode)
	assert.Equal(t, scoring.Moderate, d.Findings(Filter{})[0].Category)
}

const ratioCatalog = `
name: ratio
patterns:
  - id: DirectFinancialTie
    version: 1
    slots:
      - {name: author, type: Author}
      - {name: funder, type: Funder}
      - {name: paper, type: Paper}
    constraints:
      - {id: funding, from: author, to: funder, kind: FundedBy}
      - id: authorship
        from: author
        to: paper
        kind: CoAuthored
        relevance: {slots: [paper, funder], min_shared: 1, min_ratio: 0.5}
    weights:
      kinds: {FundedBy: 1.0}
`

func TestRefreshDeactivatesBrokenMatch(t *testing.T) {
	ctx := context.Background()
	cat, err := rules.Parse([]byte(ratioCatalog))
	require.NoError(t, err)
	d := open(t, Config{AsOf: scenarioNow, Catalog: cat})
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err = d.Refresh(ctx)
	require.NoError(t, err)
	id := d.Findings(Filter{})[0].ID

	// Enrichment dilutes the topic overlap to 1/3.
	res := ingest(t, d, graph.Batch{Entities: []graph.Entity{
		{ID: "f1", Type: graph.Funder, Name: "Acme Foundation", Topics: []string{"virology"}},
		{ID: "p1", Type: graph.Paper, Name: "On Tumours", Topics: []string{"genomics"}},
	}})
	assert.Equal(t, 2, res.Enriched)

	sum, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "incremental", sum.Mode)
	assert.Equal(t, 1, sum.Deactivated)
	assert.Empty(t, d.Findings(Filter{}))

	f, err := d.Finding(id)
	require.NoError(t, err)
	assert.False(t, f.Active)
	deltas := d.Deltas(0)
	assert.Equal(t, DeltaDeactivated, deltas[len(deltas)-1].Type)
}

func TestFindingChangeMetrics(t *testing.T) {
	created := testutil.ToFloat64(findingChanges.WithLabelValues(string(DeltaCreated)))
	status := testutil.ToFloat64(findingChanges.WithLabelValues(string(DeltaStatus)))

	ctx := context.Background()
	d := open(t, Config{AsOf: scenarioNow})
	ingest(t, d, financialTie(temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))))
	_, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, created+1, testutil.ToFloat64(findingChanges.WithLabelValues(string(DeltaCreated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(activeFindings.WithLabelValues(string(scoring.High))))

	_, err = d.SetStatus(ctx, d.Findings(Filter{})[0].ID, review.Confirmed, "", "rev-1")
	require.NoError(t, err)
	assert.Equal(t, status+1, testutil.ToFloat64(findingChanges.WithLabelValues(string(DeltaStatus))))
}
