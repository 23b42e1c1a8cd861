package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenario = `
entities:
  - {id: a1, type: Author, name: Ada Author}
  - {id: f1, type: Funder, name: Acme Foundation, topics: [oncology]}
  - {id: p1, type: Paper, name: On Tumours, topics: [Oncology]}
relationships:
  - {id: r-fund, kind: FundedBy, from: a1, to: f1, start: 2019-06-01, end: 2021-06-01, role: PI, bucket: high}
  - {id: r-auth, kind: CoAuthored, from: a1, to: p1, start: 2021-03-15, end: 2021-03-15}
`

// run executes one CLI invocation against dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--data-dir", dir, "--as-of", "2021-03-15", "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLIWorkflow(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(input, []byte(scenario), 0o644))

	out, err := run(t, dir, "ingest", input)
	require.NoError(t, err)
	assert.Contains(t, out, "5 admitted")
	assert.Contains(t, out, "1 created")

	out, err = run(t, dir, "findings", "--json")
	require.NoError(t, err)
	var found []struct {
		ID       string  `json:"id"`
		RuleID   string  `json:"ruleId"`
		Category string  `json:"category"`
		Score    float64 `json:"score"`
		Status   string  `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "DirectFinancialTie", found[0].RuleID)
	assert.Equal(t, "High", found[0].Category)
	assert.Equal(t, "flagged", found[0].Status)
	prefix := found[0].ID[:8]

	out, err = run(t, dir, "explain", prefix)
	require.NoError(t, err)
	assert.Contains(t, out, "DirectFinancialTie")
	assert.Contains(t, out, "Ada Author")

	_, err = run(t, dir, "review", prefix, "confirmed")
	assert.Error(t, err, "a status change needs a reviewer")

	out, err = run(t, dir, "review", prefix, "confirmed", "--reviewer", "alice", "--note", "disclosed late")
	require.NoError(t, err)
	assert.Contains(t, out, "flagged -> confirmed")

	out, err = run(t, dir, "findings", "--status", "confirmed")
	require.NoError(t, err)
	assert.Contains(t, out, found[0].ID[:12])

	out, err = run(t, dir, "stats", "--json")
	require.NoError(t, err)
	var stats statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.Graph.Entities)
	assert.Equal(t, 1, stats.Findings)
	assert.Equal(t, 1, stats.ByStatus["confirmed"])
}

func TestCLIAnnotateAndSearch(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(input, []byte(scenario), 0o644))
	_, err := run(t, dir, "ingest", "--no-refresh", input)
	require.NoError(t, err)

	_, err = run(t, dir, "annotate", "a1", "former doctoral advisor of the editor", "--category", "Interpersonal", "--author", "bob")
	require.NoError(t, err)
	_, err = run(t, dir, "annotate", "nobody", "x")
	assert.Error(t, err)

	out, err := run(t, dir, "annotate", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, "interpersonal")
	assert.Contains(t, out, "former doctoral advisor")

	out, err = run(t, dir, "search", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Acme Foundation [Funder] f1")
	assert.Contains(t, out, "<- FundedBy Ada Author")

	out, err = run(t, dir, "query", "funded", "ACME foundation")
	require.NoError(t, err)
	assert.Contains(t, out, "a1")
}

func TestCLIRules(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "DirectFinancialTie")

	out, err = run(t, dir, "rules", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\npatterns:\n  - id: X\n    bogus: 1\n"), 0o644))
	_, err = run(t, dir, "rules", "validate", bad)
	assert.Error(t, err)
}

func TestCLIPaperIngest(t *testing.T) {
	dir := t.TempDir()
	papers := filepath.Join(t.TempDir(), "papers.jsonl")
	require.NoError(t, os.WriteFile(papers, []byte(
		`{"doi": "10.1/abc", "title": "On Tumours", "topics": ["oncology"], "published": "2021-03-01",`+
			` "authors": [{"name": "Ada Author", "funders": [{"name": "Acme Foundation", "topics": ["oncology"],`+
			` "role": "PI", "start": "2019-06-01", "end": "2021-06-01", "amount": 250000, "currency": "USD"}]}]}`+"\n"), 0o644))

	_, err := run(t, dir, "ingest", "--papers", papers)
	require.NoError(t, err)

	out, err := run(t, dir, "query", "authors", "https://doi.org/10.1/ABC")
	require.NoError(t, err)
	assert.Contains(t, out, "author:ada-author")

	out, err = run(t, dir, "findings")
	require.NoError(t, err)
	assert.Contains(t, out, "DirectFinancialTie")
}

func TestCLIMetrics(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(input, []byte(scenario), 0o644))
	metrics := filepath.Join(t.TempDir(), "coigraph.prom")

	_, err := run(t, dir, "ingest", input, "--metrics", metrics)
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `coigraph_evaluations_total{mode="full",outcome="ok"}`)
	assert.Contains(t, text, `coigraph_candidate_matches_total{rule="DirectFinancialTie"}`)
	assert.Contains(t, text, `coigraph_finding_changes_total{type="created"}`)
	assert.Contains(t, text, `coigraph_active_findings{category="High"}`)
}
