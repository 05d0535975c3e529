// Package index implements the in-process approximate nearest-neighbour index used for
// stage-one retrieval.
//
// The index is a chain of immutable snapshots. A snapshot holds vectors grouped into
// partitions around spherical k-means centroids, a small delta of recent inserts that is
// always scanned exactly, and a tombstone set for partitioned vectors that were removed
// or replaced. Writers serialize on a mutex, derive the next snapshot and publish it with
// an atomic pointer swap; readers load the current pointer and never block, so a search
// observes either the state before a mutation or the state after it.
package index

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/metrics"
)

// Defaults for Options zero values.
const (
	DefaultRebuildThreshold = 1024
	DefaultProbe            = 8
	DefaultKMeansIterations = 10
	DefaultFlatLimit        = 4096
	DefaultMaxTrainPoints   = 65536
)

// Options configures an Index.
type Options struct {
	// Dimensions is the fixed vector length D. Required.
	Dimensions int
	// RebuildThreshold is the number of unpartitioned mutations (delta entries plus
	// tombstones) that triggers a rebuild.
	RebuildThreshold int
	// Partitions is the number of k-means partitions; 0 derives ceil(sqrt(n)).
	Partitions int
	// Probe is how many nearest partitions a search scans. Probe >= partitions is exact.
	Probe int
	// KMeansIterations bounds Lloyd iterations during training.
	KMeansIterations int
	// FlatLimit is the size up to which the index keeps a single exact partition.
	FlatLimit int
	// MaxTrainPoints caps the sample k-means trains on; every vector is still assigned.
	MaxTrainPoints int
}

func (o *Options) applyDefaults() {
	if o.RebuildThreshold <= 0 {
		o.RebuildThreshold = DefaultRebuildThreshold
	}
	if o.Probe <= 0 {
		o.Probe = DefaultProbe
	}
	if o.KMeansIterations <= 0 {
		o.KMeansIterations = DefaultKMeansIterations
	}
	if o.FlatLimit <= 0 {
		o.FlatLimit = DefaultFlatLimit
	}
	if o.MaxTrainPoints <= 0 {
		o.MaxTrainPoints = DefaultMaxTrainPoints
	}
}

// Hit is one search result: a document ID and its cosine similarity to the query.
type Hit struct {
	ID    string
	Score float64
}

// Entry is an (ID, vector) pair.
type Entry struct {
	ID     string
	Vector []float32
}

// Stats describes the current snapshot.
type Stats struct {
	Dimensions  int
	Size        int
	Partitions  int
	Delta       int
	Tombstones  int
	TrainedOn   int
	Generation  uint64
	LastRebuild time.Time
}

// Index is a concurrent cosine-similarity vector index. Safe for concurrent use.
type Index struct {
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[snapshot]
}

// New creates an empty index.
func New(opts Options, logger *zap.Logger) (*Index, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("index dimensions must be positive, got %d", opts.Dimensions)
	}
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &Index{opts: opts, logger: logger}
	x.cur.Store(emptySnapshot())
	return x, nil
}

// Dimensions returns D.
func (x *Index) Dimensions() int { return x.opts.Dimensions }

// Size returns the number of live vectors.
func (x *Index) Size() int { return x.cur.Load().size }

// Stats returns a description of the current snapshot.
func (x *Index) Stats() Stats {
	s := x.cur.Load()
	return Stats{
		Dimensions:  x.opts.Dimensions,
		Size:        s.size,
		Partitions:  len(s.parts),
		Delta:       len(s.delta),
		Tombstones:  len(s.dead),
		TrainedOn:   s.trainedOn,
		Generation:  s.generation,
		LastRebuild: s.rebuiltAt,
	}
}

// Insert adds or replaces the vector for id.
func (x *Index) Insert(id string, vector []float32) error {
	return x.InsertBatch([]Entry{{ID: id, Vector: vector}})
}

// InsertBatch adds or replaces several vectors as one mutation.
// Nothing is applied when any entry is invalid.
func (x *Index) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	prepared := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("insert entry %d: empty id", i)
		}
		if err := domain.CheckDimensions(e.Vector, x.opts.Dimensions); err != nil {
			return fmt.Errorf("insert %q: %w", e.ID, err)
		}
		prepared[i] = Entry{ID: e.ID, Vector: normalized(e.Vector)}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	next := x.cur.Load().clone()
	for _, e := range prepared {
		next.put(e.ID, e.Vector)
	}
	x.publish(next)
	return nil
}

// Remove deletes id from the index. Absent ids are a no-op.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.cur.Load()
	if !cur.has(id) {
		return
	}
	next := cur.clone()
	next.del(id)
	x.publish(next)
}

// compact folds the delta and tombstones into partitions now.
func (x *Index) compact() {
	x.mu.Lock()
	defer x.mu.Unlock()

	next := x.rebuild(x.cur.Load())
	x.cur.Store(next)
	metrics.IndexSize.Set(float64(next.size))
}

// Search returns up to k hits ordered by score descending, ties by ID ascending.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	start := time.Now()
	defer func() { metrics.IndexSearchDuration.Observe(time.Since(start).Seconds()) }()

	if err := domain.CheckDimensions(query, x.opts.Dimensions); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	s := x.cur.Load()
	if k <= 0 || s.size == 0 {
		return nil, nil
	}
	q := normalized(query)

	nprobe := x.opts.Probe
	if k >= s.size {
		nprobe = len(s.parts)
	}
	top := newTopK(min(k, s.size))
	for _, p := range s.probe(q, nprobe) {
		for i, id := range p.ids {
			if _, dead := s.dead[id]; dead {
				continue
			}
			top.offer(Hit{ID: id, Score: dot(q, p.vecs[i])})
		}
	}
	for id, v := range s.delta {
		top.offer(Hit{ID: id, Score: dot(q, v)})
	}
	return top.sorted(), nil
}

// Entries returns every live vector, sorted by ID. Vectors are normalized copies
// owned by the index and must not be modified.
func (x *Index) Entries() []Entry {
	return x.cur.Load().live()
}

// publish must be called with mu held.
func (x *Index) publish(next *snapshot) {
	next.generation++
	if len(next.delta)+len(next.dead) >= x.opts.RebuildThreshold {
		next = x.rebuild(next)
	}
	x.cur.Store(next)
	metrics.IndexSize.Set(float64(next.size))
}

// rebuild must be called with mu held.
func (x *Index) rebuild(s *snapshot) *snapshot {
	start := time.Now()
	retrain := x.needsTraining(s)

	var next *snapshot
	if retrain {
		next = train(s.live(), x.opts)
	} else {
		next = s.merge()
	}
	next.generation = s.generation
	next.rebuiltAt = time.Now()

	elapsed := time.Since(start)
	metrics.IndexRebuildsTotal.Inc()
	metrics.IndexRebuildDuration.Observe(elapsed.Seconds())
	x.logger.Info("index rebuilt",
		zap.Int("size", next.size),
		zap.Int("partitions", len(next.parts)),
		zap.Bool("retrained", retrain),
		zap.Duration("elapsed", elapsed),
	)
	return next
}

// needsTraining reports whether centroids must be (re)computed rather than reused:
// there are none yet, or the collection has doubled, halved, or crossed the flat limit.
func (x *Index) needsTraining(s *snapshot) bool {
	flat := s.size <= x.opts.FlatLimit
	if len(s.parts) == 0 || s.trainedOn == 0 {
		return true
	}
	wasFlat := len(s.parts) == 1 && s.parts[0].centroid == nil
	if flat != wasFlat {
		return true
	}
	if flat {
		return false
	}
	return s.size >= 2*s.trainedOn || s.size <= s.trainedOn/2
}

func normalized(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
