package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/coigraph/pkg/graph"
)

// Format is a record file format.
type Format string

const (
	FormatJSON  Format = "json"  // {"entities": [...], "relationships": [...]}
	FormatJSONL Format = "jsonl" // one {"entity": {...}} or {"relationship": {...}} per line
	FormatYAML  Format = "yaml"  // same shape as FormatJSON
)

// ErrUnknownFormat is returned for unrecognised file extensions.
var ErrUnknownFormat = errors.New("unknown record format")

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// RecordError describes one rejected record. Line is set for JSON Lines
// input, Index (0-based within its section) otherwise.
type RecordError struct {
	Record string `json:"record"` // entity, relationship, paper
	Index  int    `json:"index"`
	Line   int    `json:"line,omitempty"`
	ID     string `json:"id,omitempty"`
	Err    error  `json:"-"`
}

func (e *RecordError) Error() string {
	pos := fmt.Sprintf("#%d", e.Index)
	if e.Line > 0 {
		pos = fmt.Sprintf("line %d", e.Line)
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Record, pos, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Record, pos, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Report summarises one decoded source.
type Report struct {
	Source        string         `json:"source"`
	Entities      int            `json:"entities"`
	Relationships int            `json:"relationships"`
	Papers        int            `json:"papers,omitempty"`
	Errors        []*RecordError `json:"errors,omitempty"`
}

// Err joins every record error, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *Report) reject(e *RecordError) {
	r.Errors = append(r.Errors, e)
}

type jsonDocument struct {
	Entities      []json.RawMessage `json:"entities"`
	Relationships []json.RawMessage `json:"relationships"`
}

type yamlDocument struct {
	Entities      []yaml.Node `yaml:"entities"`
	Relationships []yaml.Node `yaml:"relationships"`
}

type jsonLine struct {
	Entity       *EntityRecord       `json:"entity"`
	Relationship *RelationshipRecord `json:"relationship"`
}

// Decode reads graph records in the given format. Structural errors in the
// document itself are returned; errors in individual records are reported
// and the record is skipped.
func Decode(r io.Reader, format Format) (graph.Batch, *Report, error) {
	rep := &Report{}
	var b graph.Batch
	switch format {
	case FormatJSON:
		var doc jsonDocument
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return b, rep, fmt.Errorf("decoding json document: %w", err)
		}
		for i, raw := range doc.Entities {
			var rec EntityRecord
			err := strictJSON(raw, &rec)
			addEntity(&b, rep, rec, i, 0, err)
		}
		for i, raw := range doc.Relationships {
			var rec RelationshipRecord
			err := strictJSON(raw, &rec)
			addRelationship(&b, rep, rec, i, 0, err)
		}

	case FormatYAML:
		var doc yamlDocument
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return b, rep, fmt.Errorf("decoding yaml document: %w", err)
		}
		for i := range doc.Entities {
			var rec EntityRecord
			err := decodeNode(&doc.Entities[i], &rec)
			addEntity(&b, rep, rec, i, doc.Entities[i].Line, err)
		}
		for i := range doc.Relationships {
			var rec RelationshipRecord
			err := decodeNode(&doc.Relationships[i], &rec)
			addRelationship(&b, rep, rec, i, doc.Relationships[i].Line, err)
		}

	case FormatJSONL:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var ents, rels int
		for line := 1; sc.Scan(); line++ {
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 || text[0] == '#' {
				continue
			}
			var rec jsonLine
			err := strictJSON(text, &rec)
			switch {
			case err == nil && rec.Entity != nil && rec.Relationship == nil:
				addEntity(&b, rep, *rec.Entity, ents, line, nil)
				ents++
			case err == nil && rec.Relationship != nil && rec.Entity == nil:
				addRelationship(&b, rep, *rec.Relationship, rels, line, nil)
				rels++
			default:
				if err == nil {
					err = fmt.Errorf("%w: want exactly one of \"entity\" or \"relationship\"", ErrInvalidRecord)
				}
				rep.reject(&RecordError{Record: "line", Index: line - 1, Line: line, Err: err})
			}
		}
		if err := sc.Err(); err != nil {
			return b, rep, fmt.Errorf("reading json lines: %w", err)
		}

	default:
		return b, rep, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return b, rep, nil
}

// strictJSON rejects unknown fields so typos surface as record errors.
func strictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func decodeNode(n *yaml.Node, v any) error {
	if err := n.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Load decodes a record file, inferring the format from its extension.
func Load(path string) (graph.Batch, *Report, error) {
	format, err := FormatOf(path)
	if err != nil {
		return graph.Batch{}, &Report{Source: path}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return graph.Batch{}, &Report{Source: path}, err
	}
	defer f.Close()
	b, rep, err := Decode(f, format)
	rep.Source = path
	return b, rep, err
}

func addEntity(b *graph.Batch, rep *Report, rec EntityRecord, index, line int, err error) {
	var e graph.Entity
	if err == nil {
		e, err = rec.Entity()
	}
	if err != nil {
		rep.reject(&RecordError{Record: "entity", Index: index, Line: line, ID: rec.ID, Err: err})
		return
	}
	b.Entities = append(b.Entities, e)
	rep.Entities++
}

func addRelationship(b *graph.Batch, rep *Report, rec RelationshipRecord, index, line int, err error) {
	var r graph.Relationship
	if err == nil {
		r, err = rec.Relationship()
	}
	if err != nil {
		rep.reject(&RecordError{Record: "relationship", Index: index, Line: line, ID: rec.ID, Err: err})
		return
	}
	b.Relationships = append(b.Relationships, r)
	rep.Relationships++
}
