// Package scoring turns candidate matches into numeric severity scores and
// categories.
//
// The score of a match is a sum over its bound relationships:
//
//	score = Σ kindWeight × roleMultiplier × magnitudeMultiplier × recency
//
// Every factor is non-negative, so raising any single factor while holding
// the others fixed can never lower the score. Categories come from fixed
// cut points; a score equal to a cut point takes the higher category.
//
// Each term is kept as a Factor so that the explanation trace can show, and
// later replay, exactly how the score was produced.
package scoring

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/orneryd/coigraph/pkg/engine"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/temporal"
)

// Errors
var (
	ErrUnknownRule      = errors.New("unknown rule")
	ErrMissingEvidence  = errors.New("bound relationship missing from snapshot")
	ErrInvalidConfig    = errors.New("invalid scoring config")
	ErrNonMonotoneRules = errors.New("rule weights break monotonicity")
)

// Category is the severity class of a finding.
type Category string

const (
	Low      Category = "Low"
	Moderate Category = "Moderate"
	High     Category = "High"
)

// Rank orders categories Low < Moderate < High.
func (c Category) Rank() int {
	switch c {
	case High:
		return 2
	case Moderate:
		return 1
	default:
		return 0
	}
}

// Thresholds are the category cut points.
type Thresholds struct {
	Moderate float64 `json:"moderate" yaml:"moderate"`
	High     float64 `json:"high" yaml:"high"`
}

// Categorize maps a score to a category. Ties resolve upward.
func Categorize(score float64, th Thresholds) Category {
	switch {
	case score >= th.High:
		return High
	case score >= th.Moderate:
		return Moderate
	default:
		return Low
	}
}

// Tiers maps disclosed amounts to magnitude buckets:
// amount <= 0 is none, below Medium is low, below High is medium, the rest
// is high.
type Tiers struct {
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
}

// Config holds the scorer defaults. Pattern weights override them.
type Config struct {
	HalfLife    time.Duration      `json:"halfLife"`
	Magnitude   map[string]float64 `json:"magnitude"`
	Tiers       Tiers              `json:"tiers"`
	Roles       map[string]float64 `json:"roles"`
	DefaultRole float64            `json:"defaultRole"`
	Thresholds  Thresholds         `json:"thresholds"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HalfLife: engine.DefaultHalfLife,
		Magnitude: map[string]float64{
			rules.BucketNone:    1.0,
			rules.BucketLow:     1.25,
			rules.BucketMedium:  1.5,
			rules.BucketHigh:    2.0,
			rules.BucketUnknown: 1.25,
		},
		Tiers: Tiers{Medium: 10_000, High: 100_000},
		Roles: map[string]float64{
			"PI":                  1.5,
			"Co-PI":               1.25,
			"Consultant":          1.2,
			"CorrespondingAuthor": 1.1,
		},
		DefaultRole: 1.0,
		Thresholds:  Thresholds{Moderate: 1.0, High: 2.5},
	}
}

// Validate checks that every multiplier is positive, buckets are monotone,
// and thresholds are ordered.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}
	for _, b := range append(rules.OrderedBuckets, rules.BucketUnknown) {
		if v, ok := c.Magnitude[b]; !ok || v <= 0 {
			fail("magnitude multiplier %q must be positive", b)
		}
	}
	if err := rules.CheckMonotone(c.Magnitude); err != nil {
		fail("%v", err)
	}
	roles := map[string]string{}
	for _, r := range slices.Sorted(maps.Keys(c.Roles)) {
		if c.Roles[r] <= 0 {
			fail("role multiplier %q must be positive", r)
		}
		key := rules.NormalizeRole(r)
		if prev, ok := roles[key]; ok {
			fail("roles %q and %q name the same role", prev, r)
		}
		roles[key] = r
	}
	if c.DefaultRole <= 0 {
		fail("default role multiplier must be positive")
	}
	if c.Tiers.Medium <= 0 || c.Tiers.High < c.Tiers.Medium {
		fail("magnitude tiers must satisfy 0 < medium <= high")
	}
	if c.Thresholds.Moderate <= 0 || c.Thresholds.High < c.Thresholds.Moderate {
		fail("thresholds must satisfy 0 < moderate <= high")
	}
	if c.HalfLife < 0 {
		fail("negative half-life")
	}
	return errors.Join(errs...)
}

// Factor is one relationship's contribution to a score, with every input
// that produced it.
type Factor struct {
	Constraint   string               `json:"constraint"`
	Relationship graph.RelationshipID `json:"relationship"`
	Kind         graph.Kind           `json:"kind"`

	KindWeight float64 `json:"kindWeight"`

	Role           string  `json:"role,omitempty"`
	RoleMultiplier float64 `json:"roleMultiplier"`

	MagnitudeAmount     float64 `json:"magnitudeAmount,omitempty"`
	MagnitudeUnit       string  `json:"magnitudeUnit,omitempty"`
	MagnitudeBucket     string  `json:"magnitudeBucket"`
	MagnitudeMultiplier float64 `json:"magnitudeMultiplier"`

	ElapsedDays  float64 `json:"elapsedDays"`
	HalfLifeDays float64 `json:"halfLifeDays"`
	Recency      float64 `json:"recency"`

	Contribution float64 `json:"contribution"`
}

// Contribution is the scoring formula for one factor.
func Contribution(f Factor) float64 {
	return f.KindWeight * f.RoleMultiplier * f.MagnitudeMultiplier * f.Recency
}

// Sum adds factor contributions in order.
func Sum(factors []Factor) float64 {
	var total float64
	for _, f := range factors {
		total += Contribution(f)
	}
	return total
}

// Result is the outcome of scoring one candidate.
type Result struct {
	Score      float64    `json:"score"`
	Category   Category   `json:"category"`
	Factors    []Factor   `json:"factors"`
	Thresholds Thresholds `json:"thresholds"`
	Now        time.Time  `json:"now"`
}

// Scorer computes scores. It is immutable and safe for concurrent use.
type Scorer struct {
	cfg   Config
	roles map[string]float64 // normalised role -> multiplier
}

// New validates cfg and creates a scorer.
func New(cfg Config) (*Scorer, error) {
	if cfg.HalfLife == 0 {
		cfg.HalfLife = engine.DefaultHalfLife
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, roles: normalizeRoles(cfg.Roles)}
	s.cfg.Magnitude = maps.Clone(cfg.Magnitude)
	return s, nil
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

func normalizeRoles(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for r, v := range in {
		out[rules.NormalizeRole(r)] = v
	}
	return out
}

// magnitudeMultipliers merges pattern overrides over the defaults.
func (s *Scorer) magnitudeMultipliers(p *rules.Pattern) map[string]float64 {
	m := maps.Clone(s.cfg.Magnitude)
	maps.Copy(m, p.Weights.Magnitude)
	return m
}

// CheckCatalog verifies that every pattern's overrides, merged with the
// defaults, keep magnitude multipliers monotone.
func (s *Scorer) CheckCatalog(cat *rules.Catalog) error {
	var errs []error
	for _, p := range cat.Patterns() {
		if err := rules.CheckMonotone(s.magnitudeMultipliers(&p)); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrNonMonotoneRules, p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Bucket classifies a relationship's magnitude. A nil magnitude or an
// unrecognised bucket label is unknown.
func (s *Scorer) Bucket(m *graph.Magnitude) string {
	if m == nil {
		return rules.BucketUnknown
	}
	if m.Bucket != "" {
		b := strings.ToLower(m.Bucket)
		switch b {
		case rules.BucketNone, rules.BucketLow, rules.BucketMedium, rules.BucketHigh:
			return b
		}
		return rules.BucketUnknown
	}
	switch {
	case m.Amount <= 0:
		return rules.BucketNone
	case m.Amount < s.cfg.Tiers.Medium:
		return rules.BucketLow
	case m.Amount < s.cfg.Tiers.High:
		return rules.BucketMedium
	default:
		return rules.BucketHigh
	}
}

// RoleMultiplier resolves a role against pattern overrides, then defaults.
func (s *Scorer) RoleMultiplier(p *rules.Pattern, role string) float64 {
	key := rules.NormalizeRole(role)
	if key == "" {
		return s.cfg.DefaultRole
	}
	for r, v := range p.Weights.Roles {
		if rules.NormalizeRole(r) == key {
			return v
		}
	}
	if v, ok := s.roles[key]; ok {
		return v
	}
	return s.cfg.DefaultRole
}

// Score computes the score and category of a candidate as of now.
func (s *Scorer) Score(c *engine.CandidateMatch, cat *rules.Catalog, snap *graph.Snapshot, now time.Time) (Result, error) {
	p, ok := cat.Pattern(c.RuleID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRule, c.RuleID)
	}
	now = now.UTC()
	halfLife := p.HalfLife(s.cfg.HalfLife)
	multipliers := s.magnitudeMultipliers(&p)

	res := Result{
		Factors:    make([]Factor, 0, len(c.Edges)),
		Thresholds: s.cfg.Thresholds,
		Now:        now,
	}
	for i, e := range c.Edges {
		rel, ok := snap.Relationship(e.Relationship)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrMissingEvidence, e.Relationship)
		}
		ci := p.ConstraintIndex(e.Constraint)
		if ci < 0 {
			ci = i
		}
		bucket := s.Bucket(rel.Magnitude)
		f := Factor{
			Constraint:          e.Constraint,
			Relationship:        rel.ID,
			Kind:                rel.Kind,
			KindWeight:          p.KindWeight(ci),
			Role:                rel.Role,
			RoleMultiplier:      s.RoleMultiplier(&p, rel.Role),
			MagnitudeBucket:     bucket,
			MagnitudeMultiplier: multipliers[bucket],
			ElapsedDays:         temporal.Elapsed(rel.Interval, now).Hours() / 24,
			HalfLifeDays:        halfLife.Hours() / 24,
			Recency:             temporal.RecencyWeight(rel.Interval, now, halfLife),
		}
		if rel.Magnitude != nil {
			f.MagnitudeAmount = rel.Magnitude.Amount
			f.MagnitudeUnit = rel.Magnitude.Unit
		}
		f.Contribution = Contribution(f)
		res.Factors = append(res.Factors, f)
	}
	res.Score = Sum(res.Factors)
	res.Category = Categorize(res.Score, res.Thresholds)
	return res, nil
}
