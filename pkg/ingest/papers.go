package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// OrgRecord names an institution or funder.
type OrgRecord struct {
	Name         string   `json:"name" yaml:"name" validate:"required"`
	Topics       []string `json:"topics,omitempty" yaml:"topics"`
	Jurisdiction string   `json:"jurisdiction,omitempty" yaml:"jurisdiction"`
}

// FunderRecord is a funder acknowledged by an author or a paper, with the
// optional details of the award.
type FunderRecord struct {
	OrgRecord `yaml:",inline"`

	Role     string   `json:"role,omitempty" yaml:"role"`
	Amount   *float64 `json:"amount,omitempty" yaml:"amount" validate:"omitempty,gte=0"`
	Currency string   `json:"currency,omitempty" yaml:"currency"`
	Start    string   `json:"start,omitempty" yaml:"start" validate:"omitempty,date"`
	End      string   `json:"end,omitempty" yaml:"end" validate:"omitempty,date"`
}

// AuthorRecord is one author of a paper.
type AuthorRecord struct {
	Name         string         `json:"name" yaml:"name" validate:"required"`
	Role         string         `json:"role,omitempty" yaml:"role"`
	Institutions []OrgRecord    `json:"institutions,omitempty" yaml:"institutions" validate:"dive"`
	Funders      []FunderRecord `json:"funders,omitempty" yaml:"funders" validate:"dive"`
}

// PaperRecord is a publication with its authors and funders.
//
//	{
//	  "doi": "10.1000/xyz123",
//	  "title": "On Tumours",
//	  "topics": ["oncology"],
//	  "published": "2021-03-15",
//	  "authors": [{
//	    "name": "Ada Author",
//	    "institutions": [{"name": "Example University", "jurisdiction": "US"}],
//	    "funders": [{"name": "Acme Foundation", "role": "PI", "amount": 250000, "currency": "USD"}]
//	  }],
//	  "funders": [{"name": "National Science Fund"}]
//	}
type PaperRecord struct {
	DOI       string         `json:"doi" yaml:"doi" validate:"required"`
	Title     string         `json:"title,omitempty" yaml:"title"`
	Topics    []string       `json:"topics,omitempty" yaml:"topics"`
	Published string         `json:"published,omitempty" yaml:"published" validate:"omitempty,date"`
	Source    string         `json:"source,omitempty" yaml:"source"`
	Authors   []AuthorRecord `json:"authors,omitempty" yaml:"authors" validate:"dive"`
	Funders   []FunderRecord `json:"funders,omitempty" yaml:"funders" validate:"dive"`
}

// NormalizeDOI strips resolver prefixes and lowercases a DOI.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	for _, p := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "doi:"} {
		if len(doi) >= len(p) && strings.EqualFold(doi[:len(p)], p) {
			doi = doi[len(p):]
		}
	}
	return strings.ToLower(doi)
}

// PaperID is the entity id of a paper.
func PaperID(doi string) graph.EntityID {
	return graph.EntityID("paper:" + NormalizeDOI(doi))
}

// slug turns a display name into an id fragment.
func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range graph.NormalizeText(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

type nameKey struct {
	t    graph.EntityType
	name string
}

// resolver maps names to entity ids: first entities already emitted in this
// batch, then the snapshot (case and Unicode insensitive), then a new
// deterministic id.
type resolver struct {
	snap  *graph.Snapshot
	batch *graph.Batch
	byKey map[nameKey]int // index into batch.Entities
	ids   map[graph.EntityID]bool
	rels  map[graph.RelationshipID]bool
}

func newResolver(snap *graph.Snapshot, b *graph.Batch) *resolver {
	return &resolver{
		snap:  snap,
		batch: b,
		byKey: map[nameKey]int{},
		ids:   map[graph.EntityID]bool{},
		rels:  map[graph.RelationshipID]bool{},
	}
}

func (r *resolver) entity(t graph.EntityType, name string, topics []string, jurisdiction string) graph.EntityID {
	key := nameKey{t, graph.NormalizeText(name)}
	if i, ok := r.byKey[key]; ok {
		e := &r.batch.Entities[i]
		e.Topics = append(e.Topics, topics...)
		if e.Jurisdiction == "" {
			e.Jurisdiction = jurisdiction
		}
		return e.ID
	}

	e := graph.Entity{Type: t, Name: name, Topics: topics, Jurisdiction: jurisdiction}
	if existing := r.existing(t, name); existing != nil {
		// Reuse the stored identity verbatim so the store sees an
		// enrichment rather than a conflict.
		e.ID, e.Name, e.Source = existing.ID, existing.Name, existing.Source
		if existing.Jurisdiction != "" {
			e.Jurisdiction = existing.Jurisdiction
		}
	} else {
		e.ID = r.freshID(strings.ToLower(string(t)) + ":" + slug(name))
	}
	r.ids[e.ID] = true
	r.byKey[key] = len(r.batch.Entities)
	r.batch.Entities = append(r.batch.Entities, e)
	return e.ID
}

func (r *resolver) existing(t graph.EntityType, name string) *graph.Entity {
	if r.snap == nil {
		return nil
	}
	for _, e := range r.snap.FindByName(name) {
		if e.Type == t {
			return &e
		}
	}
	return nil
}

func (r *resolver) freshID(base string) graph.EntityID {
	id := graph.EntityID(base)
	for n := 2; r.ids[id] || (r.snap != nil && r.snap.HasEntity(id)); n++ {
		id = graph.EntityID(base + "-" + strconv.Itoa(n))
	}
	return id
}

func (r *resolver) paper(rec *PaperRecord) graph.EntityID {
	id := PaperID(rec.DOI)
	key := nameKey{graph.Paper, string(id)}
	if i, ok := r.byKey[key]; ok {
		e := &r.batch.Entities[i]
		e.Topics = append(e.Topics, rec.Topics...)
		return id
	}
	name := rec.Title
	if name == "" {
		name = NormalizeDOI(rec.DOI)
	}
	if r.snap != nil {
		if existing, ok := r.snap.Entity(id); ok {
			name = existing.Name
		}
	}
	r.ids[id] = true
	r.byKey[key] = len(r.batch.Entities)
	r.batch.Entities = append(r.batch.Entities, graph.Entity{
		ID:     id,
		Type:   graph.Paper,
		Name:   name,
		Topics: rec.Topics,
		Source: "doi:" + NormalizeDOI(rec.DOI),
	})
	return id
}

func (r *resolver) relate(rel graph.Relationship) {
	if r.rels[rel.ID] {
		return
	}
	r.rels[rel.ID] = true
	r.batch.Relationships = append(r.batch.Relationships, rel)
}

func relID(kind graph.Kind, from, to graph.EntityID, scope graph.EntityID) graph.RelationshipID {
	id := strings.ToLower(string(kind)) + ":" + string(from) + "->" + string(to)
	if scope != "" {
		id += "@" + string(scope)
	}
	return graph.RelationshipID(id)
}

func funding(f *FunderRecord, published temporal.Interval) (temporal.Interval, *graph.Magnitude) {
	iv := published
	if f.Start != "" || f.End != "" {
		start, _ := parseDate(f.Start)
		end, _ := parseDate(f.End)
		iv = temporal.Interval{Start: start, End: end}
	}
	var m *graph.Magnitude
	if f.Amount != nil {
		m = &graph.Magnitude{Amount: *f.Amount, Unit: f.Currency}
	}
	return iv, m
}

// Papers converts paper records into a batch. Names are resolved against
// snap (which may be nil) so that re-ingesting a known author, institution
// or funder reuses its entity. Invalid papers are reported and skipped.
//
// Affiliations and authorships are dated at the publication date. Author
// funding uses the award dates when given, otherwise the publication date,
// i.e. the funding was acknowledged in the paper.
func Papers(snap *graph.Snapshot, papers []PaperRecord) (graph.Batch, *Report) {
	var b graph.Batch
	rep := &Report{}
	r := newResolver(snap, &b)

	for i := range papers {
		rec := &papers[i]
		if err := check(rec); err != nil {
			rep.reject(&RecordError{Record: "paper", Index: i, ID: rec.DOI, Err: err})
			continue
		}
		if err := fundingIntervals(rec); err != nil {
			rep.reject(&RecordError{Record: "paper", Index: i, ID: rec.DOI, Err: err})
			continue
		}
		rep.Papers++

		var published temporal.Interval
		if day, _ := parseDate(rec.Published); !day.IsZero() {
			published = temporal.At(day)
		}
		prov := graph.Provenance{Source: rec.Source, Reference: "doi:" + NormalizeDOI(rec.DOI)}
		paper := r.paper(rec)

		for _, a := range rec.Authors {
			author := r.entity(graph.Author, a.Name, nil, "")
			r.relate(graph.Relationship{
				ID: relID(graph.CoAuthored, author, paper, ""), Kind: graph.CoAuthored,
				From: author, To: paper, Interval: published, Role: a.Role, Provenance: prov,
			})
			for _, inst := range a.Institutions {
				org := r.entity(graph.Institution, inst.Name, inst.Topics, inst.Jurisdiction)
				r.relate(graph.Relationship{
					ID: relID(graph.AffiliatedWith, author, org, paper), Kind: graph.AffiliatedWith,
					From: author, To: org, Interval: published, Provenance: prov,
				})
			}
			for j := range a.Funders {
				f := &a.Funders[j]
				funder := r.entity(graph.Funder, f.Name, f.Topics, f.Jurisdiction)
				iv, m := funding(f, published)
				r.relate(graph.Relationship{
					ID: relID(graph.FundedBy, author, funder, paper), Kind: graph.FundedBy,
					From: author, To: funder, Interval: iv, Role: f.Role, Magnitude: m, Provenance: prov,
				})
			}
		}
		for j := range rec.Funders {
			f := &rec.Funders[j]
			funder := r.entity(graph.Funder, f.Name, f.Topics, f.Jurisdiction)
			iv, m := funding(f, published)
			r.relate(graph.Relationship{
				ID: relID(graph.FundedBy, paper, funder, ""), Kind: graph.FundedBy,
				From: paper, To: funder, Interval: iv, Role: f.Role, Magnitude: m, Provenance: prov,
			})
		}
	}
	rep.Entities = len(b.Entities)
	rep.Relationships = len(b.Relationships)
	return b, rep
}

func fundingIntervals(rec *PaperRecord) error {
	var errs []error
	checkIv := func(f *FunderRecord) {
		start, _ := parseDate(f.Start)
		end, _ := parseDate(f.End)
		if err := (temporal.Interval{Start: start, End: end}).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: funder %q: %v", ErrInvalidRecord, f.Name, err))
		}
	}
	for i := range rec.Authors {
		for j := range rec.Authors[i].Funders {
			checkIv(&rec.Authors[i].Funders[j])
		}
	}
	for i := range rec.Funders {
		checkIv(&rec.Funders[i])
	}
	return errors.Join(errs...)
}

// DecodePapers reads paper records: a JSON array, JSON Lines, or a YAML
// list. Records that fail to decode are reported and skipped.
func DecodePapers(r io.Reader, format Format) ([]PaperRecord, *Report, error) {
	rep := &Report{}
	var out []PaperRecord
	add := func(i, line int, doi string, err error, rec PaperRecord) {
		if err != nil {
			rep.reject(&RecordError{Record: "paper", Index: i, Line: line, ID: doi, Err: err})
			return
		}
		out = append(out, rec)
	}

	switch format {
	case FormatJSON:
		var raws []json.RawMessage
		if err := json.NewDecoder(r).Decode(&raws); err != nil {
			return nil, rep, fmt.Errorf("decoding paper array: %w", err)
		}
		for i, raw := range raws {
			var rec PaperRecord
			err := strictJSON(raw, &rec)
			add(i, 0, rec.DOI, err, rec)
		}
	case FormatYAML:
		var nodes []yaml.Node
		if err := yaml.NewDecoder(r).Decode(&nodes); err != nil && !errors.Is(err, io.EOF) {
			return nil, rep, fmt.Errorf("decoding paper list: %w", err)
		}
		for i := range nodes {
			var rec PaperRecord
			err := decodeNode(&nodes[i], &rec)
			add(i, nodes[i].Line, rec.DOI, err, rec)
		}
	case FormatJSONL:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		i := 0
		for line := 1; sc.Scan(); line++ {
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 || text[0] == '#' {
				continue
			}
			var rec PaperRecord
			err := strictJSON(text, &rec)
			add(i, line, rec.DOI, err, rec)
			i++
		}
		if err := sc.Err(); err != nil {
			return nil, rep, fmt.Errorf("reading paper lines: %w", err)
		}
	default:
		return nil, rep, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return out, rep, nil
}

// LoadPapers decodes a paper file and converts it against snap. Decode and
// conversion errors are merged into one report.
func LoadPapers(path string, snap *graph.Snapshot) (graph.Batch, *Report, error) {
	format, err := FormatOf(path)
	if err != nil {
		return graph.Batch{}, &Report{Source: path}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return graph.Batch{}, &Report{Source: path}, err
	}
	defer f.Close()

	recs, decodeRep, err := DecodePapers(f, format)
	if err != nil {
		decodeRep.Source = path
		return graph.Batch{}, decodeRep, err
	}
	b, rep := Papers(snap, recs)
	rep.Source = path
	rep.Errors = append(decodeRep.Errors, rep.Errors...)
	return b, rep, nil
}
