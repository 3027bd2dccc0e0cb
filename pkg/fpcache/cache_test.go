package fpcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/retriever"
)

func newTestCache(t *testing.T, capacity, shards int) (*Cache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c, err := New(Config{Clock: clock, Capacity: capacity, Shards: shards})
	require.NoError(t, err)
	return c, clock
}

func schemaRecord(version string, ids ...string) Record {
	matches := make([]retriever.Match, len(ids))
	for i, id := range ids {
		matches[i] = retriever.Match{Identifier: id, Score: 1 - float64(i)/10}
	}
	return Record{
		SchemaVersion: version,
		HitType:       HitSchema,
		Relevance:     retriever.Result{Version: version, Matches: matches},
	}
}

func TestFPCache_PutLookup_ReturnsStoredEntry(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, 8, 2)
	fp := Compute("How many load balancers are healthy?", "v1")

	rec := Record{
		SchemaVersion:     "v1",
		HitType:           HitFull,
		Relevance:         retriever.Result{Version: "v1", Matches: []retriever.Match{{Identifier: "load_balancers", Score: 0.9}}},
		Statement:         "SELECT count(*) FROM load_balancers WHERE healthy LIMIT 100",
		StatementModified: true,
		GeneralAnswer:     "A load balancer spreads traffic.",
		Result: &executor.Result{
			Columns: []executor.Column{{Name: "count"}},
			Rows:    []executor.Row{{{Column: "count", Value: executor.IntValue(3)}}},
		},
	}
	require.NoError(t, c.Put(fp, rec))

	clock.Advance(time.Minute)
	got, ok := c.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, fp, got.Fingerprint)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.CreatedAt)
	require.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), got.LastAccess)
	if diff := cmp.Diff(rec, got.Record); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestFPCache_Lookup_Miss(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 4, 1)
	_, ok := c.Lookup(Compute("anything", "v1"))
	require.False(t, ok)
}

func TestFPCache_Put_Rejects(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 4, 1)
	fp := Compute("q", "v1")

	require.ErrorContains(t, c.Put(fp, Record{SchemaVersion: "v1", HitType: HitFull}), "requires a statement")
	require.ErrorContains(t, c.Put(fp, Record{SchemaVersion: "v1", HitType: HitNone}), "unsupported hit type")
	require.ErrorContains(t, c.Put(fp, Record{HitType: HitSchema}), "schema version is required")
	require.Zero(t, c.Len())
}

func TestFPCache_Put_ReplacesExisting(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 4, 1)
	fp := Compute("q", "v1")
	require.NoError(t, c.Put(fp, schemaRecord("v1", "a")))
	require.NoError(t, c.Put(fp, schemaRecord("v1", "b")))

	got, ok := c.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, []string{"b"}, got.Relevance.Identifiers())
	require.Equal(t, 1, c.Len())
}

func TestFPCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 1)
	a := Compute("a", "v1")
	b := Compute("b", "v1")
	d := Compute("d", "v1")

	require.NoError(t, c.Put(a, schemaRecord("v1", "t_a")))
	require.NoError(t, c.Put(b, schemaRecord("v1", "t_b")))

	// Touch a so that b becomes the eviction candidate.
	_, ok := c.Lookup(a)
	require.True(t, ok)

	require.NoError(t, c.Put(d, schemaRecord("v1", "t_d")))
	require.Equal(t, 2, c.Len())

	_, ok = c.Lookup(b)
	require.False(t, ok)
	_, ok = c.Lookup(a)
	require.True(t, ok)
	_, ok = c.Lookup(d)
	require.True(t, ok)
}

func TestFPCache_Invalidate(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 16, 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(Compute(fmt.Sprintf("old %d", i), "v1"), schemaRecord("v1", "t")))
		require.NoError(t, c.Put(Compute(fmt.Sprintf("new %d", i), "v2"), schemaRecord("v2", "t")))
	}

	require.Equal(t, 3, c.Invalidate("v1"))
	require.Equal(t, 3, c.Len())
	_, ok := c.Lookup(Compute("old 0", "v1"))
	require.False(t, ok)
	_, ok = c.Lookup(Compute("new 0", "v2"))
	require.True(t, ok)

	require.Zero(t, c.Invalidate("v1"))
}

func TestFPCache_InvalidateExcept(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 16, 4)
	require.NoError(t, c.Put(Compute("a", "v1"), schemaRecord("v1", "t")))
	require.NoError(t, c.Put(Compute("b", "v2"), schemaRecord("v2", "t")))
	require.NoError(t, c.Put(Compute("c", "v3"), schemaRecord("v3", "t")))

	require.Equal(t, 2, c.InvalidateExcept("v3"))
	require.Equal(t, 1, c.Len())
	_, ok := c.Lookup(Compute("c", "v3"))
	require.True(t, ok)
}

func TestFPCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Capacity: 4, Shards: 1, TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	fp := Compute("q", "v1")
	require.NoError(t, c.Put(fp, schemaRecord("v1", "t")))

	_, ok := c.Lookup(fp)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := c.Lookup(fp)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFPCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 256, 8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				fp := Compute(fmt.Sprintf("worker %d request %d", w, i), "v1")
				if err := c.Put(fp, schemaRecord("v1", "t")); err != nil {
					t.Error(err)
					return
				}
				if _, ok := c.Lookup(fp); !ok {
					t.Errorf("entry for worker %d request %d missing", w, i)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 256)
}

func TestFPCache_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Capacity: 4}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 4, cfg.Shards)
	require.NotNil(t, cfg.Clock)

	cfg = Config{}
	require.ErrorContains(t, cfg.Validate(), "capacity must be greater than 0")

	cfg = Config{Capacity: 4, TTL: -time.Second}
	require.ErrorContains(t, cfg.Validate(), "ttl must not be negative")
}
