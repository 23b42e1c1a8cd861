package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/coigraph/pkg/storage"
	"github.com/orneryd/coigraph/pkg/temporal"
)

func fixture() Batch {
	return Batch{
		Entities: []Entity{
			{ID: "a1", Type: Author, Name: "Ada Author"},
			{ID: "f1", Type: Funder, Name: "Acme Foundation", Topics: []string{"Oncology", "immunotherapy"}},
			{ID: "p1", Type: Paper, Name: "On Tumours", Topics: []string{"oncology"}, Source: "doi:10.1/xyz"},
		},
		Relationships: []Relationship{
			{
				ID: "r1", Kind: FundedBy, From: "a1", To: "f1",
				Interval:  temporal.Between(temporal.Date(2019, 6, 1), temporal.Date(2021, 6, 1)),
				Role:      "PI",
				Magnitude: &Magnitude{Bucket: "high"},
			},
			{
				ID: "r2", Kind: CoAuthored, From: "a1", To: "p1",
				Interval: temporal.At(temporal.Date(2021, 3, 15)),
			},
		},
	}
}

func TestApplyAdmitsBatchAsOneVersion(t *testing.T) {
	s := NewStore()
	res, err := s.Apply(context.Background(), fixture())
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 5, res.Admitted)
	assert.Equal(t, uint64(1), s.Version())

	f, ok := s.Snapshot().Entity("f1")
	require.True(t, ok)
	assert.Equal(t, []string{"immunotherapy", "oncology"}, f.Topics)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)

	res, err := s.Apply(ctx, fixture())
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 5, res.Unchanged)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, uint64(1), s.Version())
}

func TestRetrievalTimeDoesNotBreakIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)

	again := fixture().Relationships[0]
	again.Provenance.RetrievedAt = time.Now()
	res, err := s.AddRelationship(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
}

func TestTopicEnrichment(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)

	res, err := s.AddEntity(ctx, Entity{ID: "f1", Type: Funder, Name: "Acme Foundation", Topics: []string{"GENOMICS"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enriched)
	assert.Equal(t, uint64(2), res.Version)

	f, _ := s.Snapshot().Entity("f1")
	assert.Equal(t, []string{"genomics", "immunotherapy", "oncology"}, f.Topics)

	// A subset of known topics is not an enrichment.
	res, err = s.AddEntity(ctx, Entity{ID: "f1", Type: Funder, Name: "Acme Foundation", Topics: []string{"oncology"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, uint64(2), s.Version())
}

func TestConflictingDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)

	_, err = s.AddEntity(ctx, Entity{ID: "a1", Type: Reviewer, Name: "Ada Author"})
	assert.ErrorIs(t, err, ErrDuplicateEntity)

	r := fixture().Relationships[0]
	r.Role = "Consultant"
	_, err = s.AddRelationship(ctx, r)
	assert.ErrorIs(t, err, ErrDuplicateRelationship)

	assert.Equal(t, uint64(1), s.Version())
}

func TestPartialFailure(t *testing.T) {
	s := NewStore()
	b := fixture()
	b.Relationships = append(b.Relationships,
		Relationship{ID: "bad-endpoint", Kind: FundedBy, From: "a1", To: "nobody"},
		Relationship{ID: "bad-interval", Kind: FundedBy, From: "a1", To: "f1",
			Interval: temporal.Interval{Start: temporal.Date(2022, 1, 1), End: temporal.Date(2021, 1, 1)}},
		Relationship{ID: "bad-confidence", Kind: FundedBy, From: "a1", To: "f1", Confidence: ptr(1.5)},
	)
	b.Entities = append(b.Entities, Entity{ID: "x", Type: "Alien", Name: "?"})

	res, err := s.Apply(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Admitted)
	require.Len(t, res.Errors, 4)

	assert.ErrorIs(t, res.Errors[0], ErrInvalidType)
	assert.ErrorIs(t, res.Errors[1], ErrUnknownEndpoint)
	assert.ErrorIs(t, res.Errors[2], ErrInvalidInterval)
	assert.ErrorIs(t, res.Errors[3], ErrInvalidAttribute)
	assert.Equal(t, "bad-endpoint", res.Errors[1].ID)

	var recErr *RecordError
	require.True(t, errors.As(res.Err(), &recErr))

	snap := s.Snapshot()
	_, ok := snap.Relationship("bad-endpoint")
	assert.False(t, ok)
	_, ok = snap.Relationship("r1")
	assert.True(t, ok)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)

	before := s.Snapshot()
	_, err = s.Apply(ctx, Batch{
		Entities: []Entity{{ID: "c1", Type: Company, Name: "BioCorp"}},
		Relationships: []Relationship{{
			ID: "r3", Kind: OwnsEquityIn, From: "a1", To: "c1",
			Interval: temporal.Since(temporal.Date(2018, 1, 1)),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), before.Version())
	assert.False(t, before.HasEntity("c1"))
	assert.Len(t, before.Neighbors("a1", Outgoing), 2)
	assert.Len(t, s.Snapshot().Neighbors("a1", Outgoing), 3)

	// Returned values are copies.
	f, _ := before.Entity("f1")
	f.Topics[0] = "mutated"
	f2, _ := before.Entity("f1")
	assert.Equal(t, "immunotherapy", f2.Topics[0])
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := s.Snapshot()
				n := len(snap.Neighbors("a1", Both))
				assert.Equal(t, snap.Degree("a1", Both), n)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		id := EntityID("p-extra-" + string(rune('a'+i)))
		_, err := s.Apply(ctx, Batch{
			Entities: []Entity{{ID: id, Type: Paper, Name: string(id)}},
			Relationships: []Relationship{{
				ID: RelationshipID("co-" + string(id)), Kind: CoAuthored, From: "a1", To: id,
			}},
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, uint64(21), s.Version())
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Apply(ctx, fixture())
	require.NoError(t, err)
	_, err = s.AddEntity(ctx, Entity{ID: "rv1", Type: Reviewer, Name: "Rita Reviewer"})
	require.NoError(t, err)

	all := s.ChangesSince(0)
	assert.Equal(t, uint64(2), all.Version)
	assert.Equal(t, []EntityID{"a1", "f1", "p1", "rv1"}, all.Entities)

	latest := s.ChangesSince(1)
	assert.Equal(t, []EntityID{"rv1"}, latest.Entities)
	assert.Equal(t, []EntityType{Reviewer}, latest.Types)

	assert.Empty(t, s.ChangesSince(2).Entities)
	assert.Empty(t, s.ChangesSince(99).Entities)
}

func TestJournalReplay(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	s, err := Open(ctx, kv, WithClock(clock))
	require.NoError(t, err)
	_, err = s.Apply(ctx, fixture())
	require.NoError(t, err)
	_, err = s.AddEntity(ctx, Entity{ID: "f1", Type: Funder, Name: "Acme Foundation", Topics: []string{"genomics"}})
	require.NoError(t, err)

	reopened, err := Open(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.Version())
	assert.Equal(t, s.Snapshot().Stats(), reopened.Snapshot().Stats())
	assert.Equal(t, s.ChangesSince(1), reopened.ChangesSince(1))

	f, _ := reopened.Snapshot().Entity("f1")
	assert.Contains(t, f.Topics, "genomics")
}

func TestJournalGapIsCorrupt(t *testing.T) {
	kv := storage.NewMemory()
	require.NoError(t, kv.Put(storage.Uint64Key(storage.PrefixJournal, 2), []byte(`{"version":2}`)))
	_, err := Open(context.Background(), kv)
	assert.ErrorIs(t, err, ErrCorruptJournal)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStore().Apply(ctx, fixture())
	assert.ErrorIs(t, err, context.Canceled)
}

func ptr[T any](v T) *T { return &v }
