package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/scoring"
	"github.com/orneryd/coigraph/pkg/temporal"
)

var now = temporal.Date(2022, 9, 1)

func scored(t *testing.T) (*engine.CandidateMatch, scoring.Result, *graph.Snapshot) {
	t.Helper()
	s := graph.NewStore()
	res, err := s.Apply(context.Background(), graph.Batch{
		Entities: []graph.Entity{
			{ID: "A", Type: graph.Author, Name: "Author A", Jurisdiction: "US"},
			{ID: "F", Type: graph.Funder, Name: "Funder F", Topics: []string{"oncology"}},
			{ID: "P", Type: graph.Paper, Name: "Paper P", Topics: []string{"oncology"}},
		},
		Relationships: []graph.Relationship{
			{ID: "fund", Kind: graph.FundedBy, From: "A", To: "F",
				Interval:   temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1)),
				Role:       "PI",
				Magnitude:  &graph.Magnitude{Amount: 250_000, Unit: "USD"},
				Confidence: func() *float64 { v := 0.9; return &v }(),
				Provenance: graph.Provenance{Source: "nih-reporter", RetrievedAt: temporal.Date(2022, 1, 1)}},
			{ID: "auth", Kind: graph.CoAuthored, From: "A", To: "P", Interval: temporal.At(temporal.Date(2022, 3, 1))},
		},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err())

	cands, err := engine.New().Evaluate(context.Background(), rules.Default(), s.Snapshot(), engine.Options{Now: now})
	require.NoError(t, err)
	require.Len(t, cands, 1)

	sc, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	r, err := sc.Score(&cands[0], rules.Default(), s.Snapshot(), now)
	require.NoError(t, err)
	return &cands[0], r, s.Snapshot()
}

func TestExplainIsComplete(t *testing.T) {
	c, res, snap := scored(t)
	tr, err := NewBuilder(nil, nil).Explain(c, res, snap)
	require.NoError(t, err)

	assert.Equal(t, "DirectFinancialTie", tr.RuleID)
	require.Len(t, tr.Evidence, 2)

	fund := tr.Evidence[0]
	assert.Equal(t, graph.FundedBy, fund.Kind)
	assert.Equal(t, "PI", fund.Role)
	assert.Equal(t, 0.9, fund.Confidence)
	assert.True(t, fund.ConfidenceKnown)
	assert.Equal(t, "nih-reporter", fund.Provenance.Source)

	auth := tr.Evidence[1]
	assert.False(t, auth.ConfidenceKnown)
	assert.Equal(t, 1.0, auth.Confidence)

	assert.Equal(t, "high", tr.Factors[0].MagnitudeBucket)
	assert.Less(t, tr.Factors[0].Recency, 1.0)

	_, ok := c.Check("authorship", engine.CheckRelevance)
	require.True(t, ok)
	assert.Len(t, tr.Checks, len(c.Checks))

	score, cat := tr.Replay()
	assert.Equal(t, res.Score, score)
	assert.Equal(t, res.Category, cat)
	assert.NoError(t, tr.Verify())
	assert.Empty(t, tr.PolicyLinks)
}

func TestReplaySurvivesSerialization(t *testing.T) {
	c, res, snap := scored(t)
	tr, err := NewBuilder(nil, nil).Explain(c, res, snap)
	require.NoError(t, err)

	data, err := json.Marshal(tr)
	require.NoError(t, err)
	var decoded Trace
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.NoError(t, decoded.Verify())
	score, _ := decoded.Replay()
	assert.Equal(t, tr.Score, score)
}

func TestVerifyDetectsTampering(t *testing.T) {
	c, res, snap := scored(t)
	tr, err := NewBuilder(nil, nil).Explain(c, res, snap)
	require.NoError(t, err)

	tr.Factors[0].RoleMultiplier = 1
	assert.ErrorIs(t, tr.Verify(), ErrReplayMismatch)
}

func TestPolicyLinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
links:
  - type: Author
    jurisdiction: us
    urls: [https://example.org/us-authors]
  - type: "*"
    urls: [https://example.org/general, https://example.org/us-authors]
`), 0o644))

	static, err := LoadPolicies(path)
	require.NoError(t, err)

	c, res, snap := scored(t)
	tr, err := NewBuilder(static, nil).Explain(c, res, snap)
	require.NoError(t, err)

	var urls []string
	for _, l := range tr.PolicyLinks {
		urls = append(urls, l.URL)
	}
	assert.Equal(t, []string{"https://example.org/us-authors", "https://example.org/general"}, urls)
	assert.Equal(t, graph.Author, tr.PolicyLinks[0].EntityType)
}

type countingResolver struct {
	calls int
	err   error
}

func (r *countingResolver) PolicyLinksFor(graph.EntityType, string) ([]string, error) {
	r.calls++
	return []string{"https://example.org/p"}, r.err
}

func TestCachedResolver(t *testing.T) {
	inner := &countingResolver{}
	cached := NewCachedResolver(inner, 16, time.Hour)

	for i := 0; i < 3; i++ {
		links, err := cached.PolicyLinksFor(graph.Institution, "US")
		require.NoError(t, err)
		assert.Equal(t, []string{"https://example.org/p"}, links)
	}
	_, err := cached.PolicyLinksFor(graph.Institution, "us")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, uint64(3), cached.Stats().Hits)
}

func TestResolverErrorsOmitLinks(t *testing.T) {
	c, res, snap := scored(t)
	tr, err := NewBuilder(&countingResolver{err: errors.New("down")}, nil).Explain(c, res, snap)
	require.NoError(t, err)
	assert.Empty(t, tr.PolicyLinks)
}

func TestRender(t *testing.T) {
	c, res, snap := scored(t)
	tr, err := NewBuilder(nil, nil).Explain(c, res, snap)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tr.Render(&buf))
	out := buf.String()
	for _, want := range []string{"DirectFinancialTie", "FundedBy", "PI", "nih-reporter", "oncology", "unknown"} {
		assert.Contains(t, out, want)
	}
}
