package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now2024 = Date(2024, 1, 1)

func TestOverlaps(t *testing.T) {
	y2020 := Between(Date(2020, 1, 1), Date(2020, 12, 31))

	tests := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"adjacent years do not overlap", y2020, Since(Date(2021, 1, 1)), false},
		{"shared instant overlaps", y2020, Between(Date(2020, 12, 31), Date(2021, 6, 1)), true},
		{"contained", y2020, At(Date(2020, 6, 15)), true},
		{"disjoint", y2020, Between(Date(2022, 1, 1), Date(2022, 2, 1)), false},
		{"unknown start reaches back", Interval{End: Date(2019, 1, 1)}, At(Date(1990, 1, 1)), true},
		{"ongoing extends to now", Since(Date(2010, 1, 1)), At(Date(2023, 12, 31)), true},
		{"ongoing stops at now", Since(Date(2010, 1, 1)), At(Date(2024, 1, 2)), false},
		{"both ongoing", Since(Date(2015, 1, 1)), Since(Date(2018, 1, 1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a, tt.b, now2024))
			assert.Equal(t, tt.want, Overlaps(tt.b, tt.a, now2024), "overlap must be symmetric")
		})
	}
}

func TestOverlapsIgnoresTimeOfDay(t *testing.T) {
	a := Interval{
		Start: time.Date(2020, 1, 1, 23, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 12, 31, 1, 0, 0, 0, time.UTC),
	}
	b := Interval{Start: time.Date(2020, 12, 31, 22, 0, 0, 0, time.UTC)}
	assert.True(t, Overlaps(a, b, now2024))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Between(Date(2020, 1, 1), Date(2020, 1, 1)).Validate())
	require.NoError(t, Since(Date(2020, 1, 1)).Validate())
	require.NoError(t, Interval{}.Validate())

	err := Interval{Start: Date(2021, 1, 2), End: Date(2021, 1, 1)}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInterval))
}

func TestRecencyWeight(t *testing.T) {
	halfLife := Days(730)

	t.Run("ongoing is fully weighted", func(t *testing.T) {
		assert.Equal(t, 1.0, RecencyWeight(Since(Date(2000, 1, 1)), now2024, halfLife))
	})

	t.Run("future end is fully weighted", func(t *testing.T) {
		assert.Equal(t, 1.0, RecencyWeight(Between(Date(2023, 1, 1), Date(2025, 1, 1)), now2024, halfLife))
	})

	t.Run("one half-life halves", func(t *testing.T) {
		iv := Between(Date(2019, 6, 1), Date(2021, 6, 1))
		assert.InDelta(t, 0.5, RecencyWeight(iv, Date(2023, 6, 1), halfLife), 1e-9)
	})

	t.Run("stale tie is effectively zero", func(t *testing.T) {
		iv := Between(Date(2010, 1, 1), Date(2011, 1, 1))
		w := RecencyWeight(iv, now2024, halfLife)
		assert.Greater(t, w, 0.0)
		assert.Less(t, w, 0.02)
	})

	t.Run("non-positive half-life disables decay", func(t *testing.T) {
		iv := Between(Date(2010, 1, 1), Date(2011, 1, 1))
		assert.Equal(t, 1.0, RecencyWeight(iv, now2024, 0))
	})

	t.Run("monotone in elapsed time", func(t *testing.T) {
		prev := 1.0
		for offset := 0; offset < 3650; offset += 30 {
			end := now2024.AddDate(0, 0, -offset)
			w := RecencyWeight(Between(Date(2000, 1, 1), end), now2024, halfLife)
			assert.LessOrEqual(t, w, prev, "offset %d", offset)
			assert.Greater(t, w, 0.0)
			prev = w
		}
	})
}

func TestRelevanceWindow(t *testing.T) {
	pub := At(Date(2021, 3, 15))
	w := RelevanceWindow(pub, Days(365), 0)
	assert.Equal(t, Date(2020, 3, 15), w.Start)
	assert.Equal(t, Date(2021, 3, 15), w.End)

	funding := Between(Date(2019, 1, 1), Date(2020, 6, 1))
	assert.False(t, Overlaps(funding, pub, now2024))
	assert.True(t, Overlaps(funding, w, now2024))

	open := RelevanceWindow(Since(Date(2020, 1, 1)), Days(10), Days(10))
	assert.True(t, open.IsOpen())
	assert.True(t, RelevanceWindow(Interval{}, Days(10), 0).Start.IsZero())
}

func TestElapsed(t *testing.T) {
	assert.Zero(t, Elapsed(Since(Date(2020, 1, 1)), now2024))
	assert.Equal(t, Days(31), Elapsed(At(Date(2023, 12, 1)), now2024))
}
