// Package temporal provides the interval algebra shared by rule matching and
// scoring.
//
// Every function here is pure: results depend only on the arguments, so the
// rule engine and the scorer can call them concurrently and a finding can be
// reproduced later from the values recorded in its explanation trace.
//
// Intervals are day-resolution. A relationship valid "from 2020-01-01 to
// 2020-12-31" covers both named days, which is the half-open range
// [2020-01-01, 2021-01-01). Two intervals that share a single calendar day
// overlap; intervals that merely touch (one ends the day before the other
// starts) do not.
//
// Example Usage:
//
//	funding := temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))
//	paper := temporal.At(temporal.Date(2021, 3, 15))
//
//	now := temporal.Date(2024, 1, 1)
//	if temporal.Overlaps(funding, paper, now) {
//		w := temporal.RecencyWeight(funding, now, temporal.Days(730))
//		fmt.Printf("recency %.3f\n", w)
//	}
package temporal

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidInterval is returned when an interval starts after it ends.
var ErrInvalidInterval = errors.New("invalid interval: start after end")

const day = 24 * time.Hour

// Interval is a validity window with optional bounds.
//
// A zero Start means "since the beginning of the record" and a zero End means
// the relationship is ongoing. Ongoing intervals are treated as extending to
// the evaluation instant ("now") in every comparison.
type Interval struct {
	Start time.Time `json:"start,omitzero" yaml:"start,omitempty"`
	End   time.Time `json:"end,omitzero" yaml:"end,omitempty"`
}

// Between returns the closed day range [start, end].
func Between(start, end time.Time) Interval {
	return Interval{Start: Day(start), End: Day(end)}
}

// Since returns an ongoing interval starting at start.
func Since(start time.Time) Interval {
	return Interval{Start: Day(start)}
}

// At returns the single-day interval containing t.
func At(t time.Time) Interval {
	d := Day(t)
	return Interval{Start: d, End: d}
}

// Date is shorthand for a UTC midnight date.
func Date(year int, month time.Month, dayOfMonth int) time.Time {
	return time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to UTC midnight. The zero time stays zero.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days converts a day count into a duration. Fractional days are kept.
func Days(n float64) time.Duration {
	return time.Duration(n * float64(day))
}

// IsOpen reports whether the interval has no end date.
func (iv Interval) IsOpen() bool {
	return iv.End.IsZero()
}

// Validate checks that the start date, if present, is not after the end date.
func (iv Interval) Validate() error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return nil
	}
	if Day(iv.Start).After(Day(iv.End)) {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, iv)
	}
	return nil
}

// Equal compares intervals at day resolution.
func (iv Interval) Equal(other Interval) bool {
	return Day(iv.Start).Equal(Day(other.Start)) && Day(iv.End).Equal(Day(other.End))
}

func (iv Interval) String() string {
	start, end := "…", "ongoing"
	if !iv.Start.IsZero() {
		start = iv.Start.Format(time.DateOnly)
	}
	if !iv.End.IsZero() {
		end = iv.End.Format(time.DateOnly)
	}
	return "[" + start + ", " + end + "]"
}

// bounds returns the half-open range [lo, hi) covered by iv when evaluated at
// now. An unknown start yields the zero time, which sorts before every date.
func (iv Interval) bounds(now time.Time) (lo, hi time.Time) {
	lo = Day(iv.Start)
	if iv.IsOpen() {
		hi = Day(now).Add(day)
	} else {
		hi = Day(iv.End).Add(day)
	}
	// Future-dated ongoing intervals still cover their first day.
	if !lo.IsZero() && !hi.After(lo) {
		hi = lo.Add(day)
	}
	return lo, hi
}

// Overlaps reports whether two intervals share at least one day.
//
// Ongoing intervals are closed at now. Adjacent intervals do not overlap:
//
//	a := temporal.Between(temporal.Date(2020, 1, 1), temporal.Date(2020, 12, 31))
//	b := temporal.Since(temporal.Date(2021, 1, 1))
//	temporal.Overlaps(a, b, now) // false
//
//	c := temporal.Between(temporal.Date(2020, 12, 31), temporal.Date(2021, 6, 1))
//	temporal.Overlaps(a, c, now) // true, both cover 2020-12-31
func Overlaps(a, b Interval, now time.Time) bool {
	loA, hiA := a.bounds(now)
	loB, hiB := b.bounds(now)
	return loA.Before(hiB) && loB.Before(hiA)
}

// RecencyWeight returns a relevance factor in (0, 1] that decays with the
// time elapsed between the interval's end and now.
//
// The decay is exponential with the given half-life, the same curve the
// memory-decay tiers used: weight = exp(-ln2 × elapsed / halfLife). Ongoing
// intervals, intervals ending on or after now, and a non-positive half-life
// all yield 1.0. The result never increases as elapsed time grows.
//
// Example:
//
//	iv := temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1))
//	temporal.RecencyWeight(iv, temporal.Date(2023, 6, 1), temporal.Days(730)) // ≈ 0.5
func RecencyWeight(iv Interval, now time.Time, halfLife time.Duration) float64 {
	if iv.IsOpen() || halfLife <= 0 {
		return 1.0
	}
	end, today := Day(iv.End), Day(now)
	if !end.Before(today) {
		return 1.0
	}
	elapsed := today.Sub(end).Hours()
	return math.Exp(-math.Ln2 * elapsed / halfLife.Hours())
}

// RelevanceWindow widens an interval by lookback before its start and
// lookahead after its end.
//
// Disclosure policies usually ask about ties active within some period
// before an event (for example 36 months before publication). Rules express
// that by testing overlap against the event's relevance window rather than
// the event itself. Unknown starts and ongoing ends stay unbounded.
func RelevanceWindow(iv Interval, lookback, lookahead time.Duration) Interval {
	out := Interval{Start: Day(iv.Start), End: Day(iv.End)}
	if !out.Start.IsZero() && lookback > 0 {
		out.Start = Day(out.Start.Add(-lookback))
	}
	if !out.End.IsZero() && lookahead > 0 {
		out.End = Day(out.End.Add(lookahead))
	}
	return out
}

// Elapsed returns how long ago the interval ended relative to now, or zero
// for ongoing intervals and intervals that have not ended yet.
func Elapsed(iv Interval, now time.Time) time.Duration {
	if iv.IsOpen() {
		return 0
	}
	end, today := Day(iv.End), Day(now)
	if !end.Before(today) {
		return 0
	}
	return today.Sub(end)
}
