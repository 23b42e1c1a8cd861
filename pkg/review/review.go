// Package review tracks the human review state of findings.
//
// Each finding follows a small state machine:
//
//	flagged ──► confirmed
//	   ▲  └───► dismissed
//	   └────────── (explicit reopen from confirmed or dismissed)
//
// Transitions only happen through SetStatus, always attributed to a
// reviewer. Nothing here feeds back into matching or scoring.
//
// The package also stores free-form entity annotations: interpersonal or
// intellectual conflicts that cannot be detected structurally and are only
// ever entered by hand.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/orneryd/coigraph/pkg/storage"
)

// Errors
var (
	ErrUnknownFinding    = errors.New("unknown finding")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrMissingReviewer   = errors.New("reviewer id required")
	ErrEmptyNote         = errors.New("note must not be empty")
	ErrInvalidCategory   = errors.New("invalid annotation category")
)

// Status is a finding's review state.
type Status string

const (
	Flagged   Status = "flagged"
	Confirmed Status = "confirmed"
	Dismissed Status = "dismissed"
)

// ParseStatus resolves a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case Flagged, Confirmed, Dismissed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

var transitions = map[Status][]Status{
	Flagged:   {Confirmed, Dismissed},
	Confirmed: {Flagged},
	Dismissed: {Flagged},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Event is one entry in a finding's review history. A note without a status
// change has From == To.
type Event struct {
	ID         string    `json:"id"`
	FindingID  string    `json:"findingId"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Note       string    `json:"note,omitempty"`
	ReviewerID string    `json:"reviewerId"`
	At         time.Time `json:"at"`
}

// Record is the persisted review state of one finding.
type Record struct {
	FindingID string    `json:"findingId"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	Events    []Event   `json:"events,omitempty"`
}

// Annotation categories. Conflicts of these kinds are never inferred from
// the graph; reviewers record them by hand.
const (
	Interpersonal = "interpersonal"
	Intellectual  = "intellectual"
	Other         = "other"
)

// ParseCategory resolves an annotation category case-insensitively. Empty
// means Other.
func ParseCategory(s string) (string, error) {
	switch c := strings.ToLower(strings.TrimSpace(s)); c {
	case "":
		return Other, nil
	case Interpersonal, Intellectual, Other:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Annotation is a free-form note attached to an entity.
type Annotation struct {
	ID       string    `json:"id"`
	EntityID string    `json:"entityId"`
	Category string    `json:"category"`
	Note     string    `json:"note"`
	Author   string    `json:"author"`
	At       time.Time `json:"at"`
}

// Store holds review records and entity annotations.
type Store struct {
	mu          sync.RWMutex
	kv          storage.KV
	records     map[string]*Record
	annotations map[string][]Annotation

	listeners []func(Event)
	now       func() time.Time
	log       *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithListener registers fn to be called after every status change.
func WithListener(fn func(Event)) Option {
	return func(s *Store) { s.listeners = append(s.listeners, fn) }
}

// Open loads review state from kv.
func Open(kv storage.KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:          kv,
		records:     map[string]*Record{},
		annotations: map[string][]Annotation{},
		now:         time.Now,
		log:         log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}

	err := kv.Iterate([]byte{storage.PrefixReview}, func(_, value []byte) error {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decoding review record: %w", err)
		}
		s.records[r.FindingID] = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = kv.Iterate([]byte{storage.PrefixAnnotation}, func(_, value []byte) error {
		var a Annotation
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decoding annotation: %w", err)
		}
		s.annotations[a.EntityID] = append(s.annotations[a.EntityID], a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for id := range s.annotations {
		sortAnnotations(s.annotations[id])
	}
	s.log.Debug("review state loaded", "records", len(s.records), "annotated_entities", len(s.annotations))
	return s, nil
}

// NewStore creates an in-memory review store.
func NewStore(opts ...Option) *Store {
	s, err := Open(storage.NewMemory(), opts...)
	if err != nil {
		// An empty memory store cannot fail to load.
		panic(err)
	}
	return s
}

// Track registers a finding as flagged. Tracking a known finding is a no-op
// and never reopens it.
func (s *Store) Track(ctx context.Context, findingID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[findingID]; ok {
		return false, nil
	}
	r := &Record{FindingID: findingID, Status: Flagged, UpdatedAt: s.now().UTC()}
	if err := s.persist(r); err != nil {
		return false, err
	}
	s.records[findingID] = r
	return true, nil
}

// Status returns the current status of a finding.
func (s *Store) Status(findingID string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[findingID]
	if !ok {
		return "", false
	}
	return r.Status, true
}

// Record returns a copy of a finding's review record.
func (s *Store) Record(findingID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[findingID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownFinding, findingID)
	}
	out := *r
	out.Events = slices.Clone(r.Events)
	return out, nil
}

// SetStatus moves a finding to status on behalf of reviewerID.
func (s *Store) SetStatus(ctx context.Context, findingID string, status Status, note, reviewerID string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(reviewerID) == "" {
		return Event{}, ErrMissingReviewer
	}

	s.mu.Lock()
	r, ok := s.records[findingID]
	if !ok {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownFinding, findingID)
	}
	if !CanTransition(r.Status, status) {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	ev, err := s.appendEvent(r, status, note, reviewerID)
	s.mu.Unlock()
	if err != nil {
		return Event{}, err
	}

	s.log.Info("finding status changed", "finding", findingID, "from", ev.From, "to", ev.To, "reviewer", reviewerID)
	for _, fn := range s.listeners {
		fn(ev)
	}
	return ev, nil
}

// Annotate records a note on a finding without changing its status.
func (s *Store) Annotate(ctx context.Context, findingID, note, reviewerID string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(note) == "" {
		return Event{}, ErrEmptyNote
	}
	if strings.TrimSpace(reviewerID) == "" {
		return Event{}, ErrMissingReviewer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[findingID]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownFinding, findingID)
	}
	return s.appendEvent(r, r.Status, note, reviewerID)
}

// appendEvent persists the record with a new event. Caller holds s.mu.
func (s *Store) appendEvent(r *Record, to Status, note, reviewerID string) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		FindingID:  r.FindingID,
		From:       r.Status,
		To:         to,
		Note:       note,
		ReviewerID: reviewerID,
		At:         s.now().UTC(),
	}
	next := *r
	next.Status = to
	next.UpdatedAt = ev.At
	next.Events = append(slices.Clone(r.Events), ev)
	if err := s.persist(&next); err != nil {
		return Event{}, err
	}
	*r = next
	return ev, nil
}

// History returns a finding's events, oldest first.
func (s *Store) History(findingID string) ([]Event, error) {
	r, err := s.Record(findingID)
	if err != nil {
		return nil, err
	}
	return r.Events, nil
}

func (s *Store) persist(r *Record) error {
	if err := storage.PutJSON(s.kv, storage.Key(storage.PrefixReview, r.FindingID), r); err != nil {
		return fmt.Errorf("persisting review record %s: %w", r.FindingID, err)
	}
	return nil
}

// AnnotateEntity attaches a free-form note to an entity.
func (s *Store) AnnotateEntity(ctx context.Context, entityID, category, note, author string) (Annotation, error) {
	if err := ctx.Err(); err != nil {
		return Annotation{}, err
	}
	if strings.TrimSpace(note) == "" {
		return Annotation{}, ErrEmptyNote
	}
	if strings.TrimSpace(author) == "" {
		return Annotation{}, ErrMissingReviewer
	}
	category, err := ParseCategory(category)
	if err != nil {
		return Annotation{}, err
	}
	a := Annotation{
		ID:       uuid.NewString(),
		EntityID: entityID,
		Category: category,
		Note:     note,
		Author:   author,
		At:       s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.PutJSON(s.kv, storage.Key(storage.PrefixAnnotation, entityID, a.ID), a); err != nil {
		return Annotation{}, fmt.Errorf("persisting annotation: %w", err)
	}
	s.annotations[entityID] = append(s.annotations[entityID], a)
	sortAnnotations(s.annotations[entityID])
	return a, nil
}

// EntityAnnotations returns an entity's notes, oldest first.
func (s *Store) EntityAnnotations(entityID string) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.annotations[entityID])
}

func sortAnnotations(as []Annotation) {
	slices.SortStableFunc(as, func(a, b Annotation) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
