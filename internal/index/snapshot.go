package index

import (
	"sort"
	"time"
)

// partition is immutable once published. A nil centroid marks the single exact
// partition used while the index is below the flat limit.
type partition struct {
	centroid []float32
	ids      []string
	vecs     [][]float32
}

type snapshot struct {
	parts []partition
	built map[string]struct{}  // ids held in parts; shared, never mutated
	delta map[string][]float32 // copy-on-write
	dead  map[string]struct{}  // copy-on-write; built ids removed or replaced since the rebuild
	size  int

	trainedOn  int
	generation uint64
	rebuiltAt  time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		built: map[string]struct{}{},
		delta: map[string][]float32{},
		dead:  map[string]struct{}{},
	}
}

func (s *snapshot) has(id string) bool {
	if _, ok := s.delta[id]; ok {
		return true
	}
	if _, ok := s.built[id]; ok {
		_, dead := s.dead[id]
		return !dead
	}
	return false
}

// clone copies the mutable maps; partitions and the built set are shared.
func (s *snapshot) clone() *snapshot {
	next := *s
	next.delta = make(map[string][]float32, len(s.delta)+1)
	for k, v := range s.delta {
		next.delta[k] = v
	}
	next.dead = make(map[string]struct{}, len(s.dead)+1)
	for k := range s.dead {
		next.dead[k] = struct{}{}
	}
	return &next
}

func (s *snapshot) put(id string, vec []float32) {
	if !s.has(id) {
		s.size++
	}
	if _, ok := s.built[id]; ok {
		s.dead[id] = struct{}{}
	}
	s.delta[id] = vec
}

func (s *snapshot) del(id string) {
	if !s.has(id) {
		return
	}
	delete(s.delta, id)
	if _, ok := s.built[id]; ok {
		s.dead[id] = struct{}{}
	}
	s.size--
}

// live returns every live entry sorted by ID.
func (s *snapshot) live() []Entry {
	out := make([]Entry, 0, s.size)
	for _, p := range s.parts {
		for i, id := range p.ids {
			if _, dead := s.dead[id]; dead {
				continue
			}
			out = append(out, Entry{ID: id, Vector: p.vecs[i]})
		}
	}
	for id, v := range s.delta {
		out = append(out, Entry{ID: id, Vector: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// probe picks the n partitions whose centroids are closest to q.
func (s *snapshot) probe(q []float32, n int) []partition {
	if len(s.parts) <= n {
		return s.parts
	}
	type scored struct {
		idx   int
		score float64
	}
	c := make([]scored, len(s.parts))
	for i := range s.parts {
		c[i] = scored{idx: i, score: dot(q, s.parts[i].centroid)}
	}
	sort.Slice(c, func(i, j int) bool {
		if c[i].score != c[j].score {
			return c[i].score > c[j].score
		}
		return c[i].idx < c[j].idx
	})
	out := make([]partition, n)
	for i := 0; i < n; i++ {
		out[i] = s.parts[c[i].idx]
	}
	return out
}

// merge folds delta and tombstones into the existing partitions without retraining.
// Partitions untouched by the mutation are reused as is.
func (s *snapshot) merge() *snapshot {
	added := make([][]Entry, len(s.parts))
	ids := make([]string, 0, len(s.delta))
	for id := range s.delta {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := s.delta[id]
		p := nearest(s.parts, v)
		added[p] = append(added[p], Entry{ID: id, Vector: v})
	}

	next := &snapshot{
		parts:     make([]partition, len(s.parts)),
		built:     make(map[string]struct{}, s.size),
		delta:     map[string][]float32{},
		dead:      map[string]struct{}{},
		size:      s.size,
		trainedOn: s.trainedOn,
	}
	for i, p := range s.parts {
		touched := len(added[i]) > 0
		if !touched {
			for _, id := range p.ids {
				if _, dead := s.dead[id]; dead {
					touched = true
					break
				}
			}
		}
		if !touched {
			next.parts[i] = p
		} else {
			np := partition{centroid: p.centroid}
			for j, id := range p.ids {
				if _, dead := s.dead[id]; dead {
					continue
				}
				np.ids = append(np.ids, id)
				np.vecs = append(np.vecs, p.vecs[j])
			}
			for _, e := range added[i] {
				np.ids = append(np.ids, e.ID)
				np.vecs = append(np.vecs, e.Vector)
			}
			next.parts[i] = np
		}
		for _, id := range next.parts[i].ids {
			next.built[id] = struct{}{}
		}
	}
	return next
}

// nearest returns the partition index with the highest centroid similarity.
// A flat partition (nil centroid) always wins.
func nearest(parts []partition, v []float32) int {
	best, bestScore := 0, 0.0
	for i := range parts {
		if parts[i].centroid == nil {
			return i
		}
		sc := dot(v, parts[i].centroid)
		if i == 0 || sc > bestScore {
			best, bestScore = i, sc
		}
	}
	return best
}
