// Package ingest converts external record files into graph batches.
//
// Two record shapes are supported:
//   - graph records: explicit entities and relationships, as JSON documents,
//     JSON Lines or YAML (see Decode);
//   - paper records: a DOI with its authors, their institutions and
//     funders (see Papers), resolved against the current snapshot so that
//     re-ingesting the same people reuses the same entities.
//
// Every record is validated on its own. A malformed record is reported in
// the Report with its position and id and skipped; it never aborts the
// file.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator"

	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// ErrInvalidRecord wraps every per-record validation failure.
var ErrInvalidRecord = errors.New("invalid record")

// EntityRecord is the wire form of a graph.Entity.
type EntityRecord struct {
	ID           string   `json:"id" yaml:"id" validate:"required"`
	Type         string   `json:"type" yaml:"type" validate:"required,entitytype"`
	Name         string   `json:"name" yaml:"name" validate:"required"`
	Topics       []string `json:"topics,omitempty" yaml:"topics"`
	Source       string   `json:"source,omitempty" yaml:"source"`
	Jurisdiction string   `json:"jurisdiction,omitempty" yaml:"jurisdiction"`
}

// RelationshipRecord is the wire form of a graph.Relationship. Dates are
// YYYY-MM-DD; an empty end means ongoing.
type RelationshipRecord struct {
	ID    string `json:"id" yaml:"id" validate:"required"`
	Kind  string `json:"kind" yaml:"kind" validate:"required"`
	From  string `json:"from" yaml:"from" validate:"required"`
	To    string `json:"to" yaml:"to" validate:"required,nefield=From"`
	Start string `json:"start,omitempty" yaml:"start" validate:"omitempty,date"`
	End   string `json:"end,omitempty" yaml:"end" validate:"omitempty,date"`

	Amount   *float64 `json:"amount,omitempty" yaml:"amount" validate:"omitempty,gte=0"`
	Currency string   `json:"currency,omitempty" yaml:"currency"`
	Bucket   string   `json:"bucket,omitempty" yaml:"bucket" validate:"omitempty,bucket"`

	Role       string   `json:"role,omitempty" yaml:"role"`
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence" validate:"omitempty,gte=0,lte=1"`

	Source      string `json:"source,omitempty" yaml:"source"`
	RetrievedAt string `json:"retrievedAt,omitempty" yaml:"retrieved_at" validate:"omitempty,date"`
	Reference   string `json:"reference,omitempty" yaml:"reference"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(v.RegisterValidation("entitytype", func(fl validator.FieldLevel) bool {
		_, err := graph.ParseEntityType(fl.Field().String())
		return err == nil
	}))
	must(v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := parseDate(fl.Field().String())
		return err == nil
	}))
	must(v.RegisterValidation("bucket", func(fl validator.FieldLevel) bool {
		b := strings.ToLower(fl.Field().String())
		return b == rules.BucketUnknown || b == rules.BucketNone || b == rules.BucketLow ||
			b == rules.BucketMedium || b == rules.BucketHigh
	}))
	return v
}

// check validates a record struct and flattens validator output into one
// readable error.
func check(rec any) error {
	err := validate.Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(msgs, "; "))
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// Entity validates the record and converts it.
func (r EntityRecord) Entity() (graph.Entity, error) {
	if err := check(&r); err != nil {
		return graph.Entity{}, err
	}
	t, _ := graph.ParseEntityType(r.Type)
	return graph.Entity{
		ID:           graph.EntityID(r.ID),
		Type:         t,
		Name:         r.Name,
		Topics:       r.Topics,
		Source:       r.Source,
		Jurisdiction: r.Jurisdiction,
	}, nil
}

// Relationship validates the record and converts it.
func (r RelationshipRecord) Relationship() (graph.Relationship, error) {
	if err := check(&r); err != nil {
		return graph.Relationship{}, err
	}
	start, _ := parseDate(r.Start)
	end, _ := parseDate(r.End)
	retrieved, _ := parseDate(r.RetrievedAt)

	rel := graph.Relationship{
		ID:         graph.RelationshipID(r.ID),
		Kind:       graph.Kind(r.Kind),
		From:       graph.EntityID(r.From),
		To:         graph.EntityID(r.To),
		Interval:   temporal.Interval{Start: start, End: end},
		Role:       r.Role,
		Confidence: r.Confidence,
		Provenance: graph.Provenance{Source: r.Source, RetrievedAt: retrieved, Reference: r.Reference},
	}
	if err := rel.Interval.Validate(); err != nil {
		return graph.Relationship{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Amount != nil || r.Bucket != "" || r.Currency != "" {
		m := &graph.Magnitude{Unit: r.Currency, Bucket: strings.ToLower(r.Bucket)}
		if r.Amount != nil {
			m.Amount = *r.Amount
		}
		rel.Magnitude = m
	}
	return rel, nil
}
