package index

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/metrics"
)

func newTestIndex(t *testing.T, opts Options) *Index {
	t.Helper()
	if opts.Dimensions == 0 {
		opts.Dimensions = 4
	}
	x, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return x
}

func randomVectors(n, dim int, seed int64) []Entry {
	r := rand.New(rand.NewSource(seed))
	out := make([]Entry, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(r.NormFloat64())
		}
		out[i] = Entry{ID: fmt.Sprintf("doc-%04d", i), Vector: v}
	}
	return out
}

func bruteForce(entries []Entry, q []float32, k int) []Hit {
	nq := normalized(q)
	hits := make([]Hit, len(entries))
	for i, e := range entries {
		hits[i] = Hit{ID: e.ID, Score: dot(nq, normalized(e.Vector))}
	}
	sort.Slice(hits, func(i, j int) bool { return better(hits[i], hits[j]) })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestNew_RequiresDimensions(t *testing.T) {
	if _, err := New(Options{}, nil); err == nil {
		t.Fatal("expected error for zero dimensions")
	}
}

func TestSearch_SelfSimilarity(t *testing.T) {
	x := newTestIndex(t, Options{})
	_ = x.Insert("a", []float32{1, 0, 0, 0})
	_ = x.Insert("b", []float32{0, 1, 0, 0})
	_ = x.Insert("c", []float32{0, 0, 3, 0}) // scale must not matter

	hits, err := x.Search([]float32{0, 0, 1, 0}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "c" {
		t.Fatalf("expected c first, got %v", hits)
	}
	if math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("expected score ~1, got %v", hits[0].Score)
	}
}

func TestSearch_OrderAndTieBreak(t *testing.T) {
	x := newTestIndex(t, Options{})
	_ = x.Insert("z", []float32{1, 0, 0, 0})
	_ = x.Insert("a", []float32{1, 0, 0, 0})
	_ = x.Insert("m", []float32{1, 1, 0, 0})
	_ = x.Insert("far", []float32{-1, 0, 0, 0})

	hits, err := x.Search([]float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := ids(hits)
	want := []string{"a", "z", "m", "far"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("scores not descending at %d: %v", i, hits)
		}
	}
}

func TestSearch_FewerThanK(t *testing.T) {
	x := newTestIndex(t, Options{})
	_ = x.Insert("a", []float32{1, 0, 0, 0})
	_ = x.Insert("b", []float32{0, 1, 0, 0})

	hits, _ := x.Search([]float32{1, 1, 0, 0}, 100)
	if len(hits) != 2 {
		t.Errorf("expected all 2 documents, got %d", len(hits))
	}
}

func TestSearch_EmptyAndNonPositiveK(t *testing.T) {
	x := newTestIndex(t, Options{})
	hits, err := x.Search([]float32{1, 0, 0, 0}, 10)
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected empty result, got %v, %v", hits, err)
	}
	_ = x.Insert("a", []float32{1, 0, 0, 0})
	if hits, _ := x.Search([]float32{1, 0, 0, 0}, 0); len(hits) != 0 {
		t.Errorf("k=0 must return nothing, got %v", hits)
	}
}

func TestDimensionMismatch(t *testing.T) {
	x := newTestIndex(t, Options{})
	if err := x.Insert("a", []float32{1, 2}); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("Insert: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := x.Search([]float32{1, 2, 3}, 5); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("Search: expected ErrDimensionMismatch, got %v", err)
	}
	if x.Size() != 0 {
		t.Errorf("failed insert changed size to %d", x.Size())
	}
}

func TestInsertBatch_AllOrNothing(t *testing.T) {
	x := newTestIndex(t, Options{})
	err := x.InsertBatch([]Entry{
		{ID: "a", Vector: []float32{1, 0, 0, 0}},
		{ID: "b", Vector: []float32{1, 0}},
	})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if x.Size() != 0 {
		t.Errorf("partial batch applied, size %d", x.Size())
	}
	if err := x.InsertBatch([]Entry{{ID: "", Vector: []float32{1, 0, 0, 0}}}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestInsert_Replaces(t *testing.T) {
	x := newTestIndex(t, Options{})
	_ = x.Insert("a", []float32{1, 0, 0, 0})
	_ = x.Insert("a", []float32{0, 1, 0, 0})
	if x.Size() != 1 {
		t.Fatalf("expected size 1 after replace, got %d", x.Size())
	}
	hits, _ := x.Search([]float32{0, 1, 0, 0}, 1)
	if hits[0].ID != "a" || math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("expected replaced vector to match, got %v", hits)
	}
}

func TestRemove(t *testing.T) {
	x := newTestIndex(t, Options{})
	_ = x.Insert("a", []float32{1, 0, 0, 0})
	_ = x.Insert("b", []float32{0.9, 0.1, 0, 0})

	x.Remove("a")
	x.Remove("missing")
	if x.Size() != 1 {
		t.Fatalf("expected size 1, got %d", x.Size())
	}
	hits, _ := x.Search([]float32{1, 0, 0, 0}, 10)
	for _, h := range hits {
		if h.ID == "a" {
			t.Fatal("removed document returned by search")
		}
	}
}

func TestRebuild_TriggeredByThreshold(t *testing.T) {
	x := newTestIndex(t, Options{Dimensions: 8, RebuildThreshold: 4})
	for _, e := range randomVectors(10, 8, 1) {
		if err := x.Insert(e.ID, e.Vector); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	st := x.Stats()
	if st.Size != 10 {
		t.Errorf("Size = %d, want 10", st.Size)
	}
	if st.Delta >= 4 {
		t.Errorf("delta %d should have been folded at threshold 4", st.Delta)
	}
	if st.Partitions != 1 || st.LastRebuild.IsZero() {
		t.Errorf("expected one flat partition after rebuild, got %+v", st)
	}
}

func TestCompact_ReportsIndexSize(t *testing.T) {
	x := newTestIndex(t, Options{Dimensions: 8, RebuildThreshold: 100})
	_ = x.InsertBatch(randomVectors(12, 8, 5))
	metrics.IndexSize.Set(0)

	x.compact()
	if v := testutil.ToFloat64(metrics.IndexSize); v != 12 {
		t.Errorf("index size gauge = %v, want 12", v)
	}
}

func TestRemove_AfterRebuild(t *testing.T) {
	x := newTestIndex(t, Options{Dimensions: 8, RebuildThreshold: 100})
	entries := randomVectors(20, 8, 2)
	_ = x.InsertBatch(entries)
	x.compact()

	x.Remove(entries[3].ID)
	_ = x.Insert(entries[5].ID, entries[6].Vector)
	if st := x.Stats(); st.Tombstones != 2 || st.Size != 19 {
		t.Fatalf("unexpected stats %+v", st)
	}
	hits, _ := x.Search(entries[3].Vector, 20)
	if len(hits) != 19 {
		t.Errorf("expected 19 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.ID == entries[3].ID {
			t.Fatal("removed document returned by search")
		}
	}

	x.compact()
	if st := x.Stats(); st.Tombstones != 0 || st.Delta != 0 || st.Size != 19 {
		t.Errorf("rebuild did not fold mutations: %+v", st)
	}
	hits, _ = x.Search(entries[6].Vector, 2)
	got := ids(hits)
	if !(got[0] == entries[5].ID || got[0] == entries[6].ID) {
		t.Errorf("expected replaced vector near the top, got %v", got)
	}
}

func TestPartitioned_FullProbeMatchesBruteForce(t *testing.T) {
	const dim = 16
	x := newTestIndex(t, Options{Dimensions: dim, FlatLimit: 50, Partitions: 8, Probe: 8, RebuildThreshold: 1 << 20})
	entries := randomVectors(400, dim, 3)
	if err := x.InsertBatch(entries); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	x.compact()
	if st := x.Stats(); st.Partitions != 8 {
		t.Fatalf("expected 8 partitions, got %+v", st)
	}

	for _, q := range randomVectors(10, dim, 4) {
		got, err := x.Search(q.Vector, 25)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		want := bruteForce(entries, q.Vector, 25)
		if fmt.Sprint(ids(got)) != fmt.Sprint(ids(want)) {
			t.Fatalf("full probe differs from brute force:\n got %v\nwant %v", ids(got), ids(want))
		}
	}
}

func TestPartitioned_SingleProbeFindsSelf(t *testing.T) {
	const dim = 16
	x := newTestIndex(t, Options{Dimensions: dim, FlatLimit: 50, Partitions: 10, Probe: 1, RebuildThreshold: 64})
	entries := randomVectors(300, dim, 5)
	for _, e := range entries {
		if err := x.Insert(e.ID, e.Vector); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	for _, e := range entries {
		hits, _ := x.Search(e.Vector, 1)
		if len(hits) != 1 || hits[0].ID != e.ID {
			t.Fatalf("self lookup for %s returned %v", e.ID, hits)
		}
	}
}

func TestSearch_Deterministic(t *testing.T) {
	const dim = 8
	entries := randomVectors(200, dim, 6)
	build := func() *Index {
		x := newTestIndex(t, Options{Dimensions: dim, FlatLimit: 20, Probe: 3, RebuildThreshold: 32})
		for _, e := range entries {
			_ = x.Insert(e.ID, e.Vector)
		}
		return x
	}
	a, b := build(), build()
	q := randomVectors(1, dim, 7)[0].Vector
	ha, _ := a.Search(q, 20)
	hb, _ := b.Search(q, 20)
	if fmt.Sprint(ha) != fmt.Sprint(hb) {
		t.Errorf("identical builds disagree:\n%v\n%v", ha, hb)
	}
	again, _ := a.Search(q, 20)
	if fmt.Sprint(ha) != fmt.Sprint(again) {
		t.Error("repeated search disagrees")
	}
}

func TestEntries_SortedLive(t *testing.T) {
	x := newTestIndex(t, Options{})
	_ = x.Insert("b", []float32{1, 0, 0, 0})
	_ = x.Insert("a", []float32{0, 1, 0, 0})
	_ = x.Insert("c", []float32{0, 0, 1, 0})
	x.Remove("c")
	got := x.Entries()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("Entries() = %v", got)
	}
}

func TestConcurrentSearchDuringWrites(t *testing.T) {
	const dim = 8
	x := newTestIndex(t, Options{Dimensions: dim, FlatLimit: 30, RebuildThreshold: 16})
	entries := randomVectors(300, dim, 8)
	_ = x.InsertBatch(entries[:50])

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for _, q := range randomVectors(100, dim, seed) {
				hits, err := x.Search(q.Vector, 10)
				if err != nil {
					t.Errorf("Search: %v", err)
					return
				}
				seen := map[string]bool{}
				for _, h := range hits {
					if seen[h.ID] {
						t.Errorf("duplicate hit %s", h.ID)
						return
					}
					seen[h.ID] = true
				}
			}
		}(int64(100 + r))
	}
	for i, e := range entries[50:] {
		_ = x.Insert(e.ID, e.Vector)
		if i%3 == 0 {
			x.Remove(entries[i].ID)
		}
	}
	wg.Wait()
}
