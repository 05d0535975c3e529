package index

import (
	"math"
)

// train builds a fresh snapshot from entries sorted by ID.
// Small collections get one exact partition; larger ones spherical k-means.
func train(entries []Entry, opts Options) *snapshot {
	n := len(entries)
	s := emptySnapshot()
	s.size = n
	s.trainedOn = n
	if n == 0 {
		return s
	}
	s.built = make(map[string]struct{}, n)
	for _, e := range entries {
		s.built[e.ID] = struct{}{}
	}

	if n <= opts.FlatLimit {
		p := partition{ids: make([]string, n), vecs: make([][]float32, n)}
		for i, e := range entries {
			p.ids[i] = e.ID
			p.vecs[i] = e.Vector
		}
		s.parts = []partition{p}
		return s
	}

	nlist := opts.Partitions
	if nlist <= 0 {
		nlist = int(math.Ceil(math.Sqrt(float64(n))))
	}
	if nlist > n {
		nlist = n
	}

	centroids := kmeans(sample(entries, opts.MaxTrainPoints), nlist, opts.KMeansIterations)
	s.parts = make([]partition, len(centroids))
	for i, c := range centroids {
		s.parts[i].centroid = c
	}
	for _, e := range entries {
		p := nearest(s.parts, e.Vector)
		s.parts[p].ids = append(s.parts[p].ids, e.ID)
		s.parts[p].vecs = append(s.parts[p].vecs, e.Vector)
	}
	return s
}

// sample takes an evenly strided deterministic subset of at most max entries.
func sample(entries []Entry, max int) [][]float32 {
	n := len(entries)
	if n <= max {
		out := make([][]float32, n)
		for i, e := range entries {
			out[i] = e.Vector
		}
		return out
	}
	out := make([][]float32, max)
	for i := range out {
		out[i] = entries[i*n/max].Vector
	}
	return out
}

// kmeans runs spherical k-means (dot-product assignment, normalized means).
// Initial centroids are evenly strided points, so the result depends only on input order.
func kmeans(points [][]float32, k, iterations int) [][]float32 {
	n := len(points)
	if k > n {
		k = n
	}
	dim := len(points[0])
	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = append([]float32(nil), points[i*n/k]...)
	}

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	sums := make([][]float64, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, p := range points {
			best := closest(centroids, p)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		for c := range sums {
			for d := range sums[c] {
				sums[c][d] = 0
			}
			counts[c] = 0
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d, f := range p {
				sums[c][d] += float64(f)
			}
		}
		for c := range centroids {
			// empty clusters keep their previous centroid
			if counts[c] == 0 {
				continue
			}
			centroids[c] = normalized64(sums[c])
		}
	}
	return centroids
}

func closest(centroids [][]float32, v []float32) int {
	best, bestScore := 0, math.Inf(-1)
	for i, c := range centroids {
		if sc := dot(v, c); sc > bestScore {
			best, bestScore = i, sc
		}
	}
	return best
}

func normalized64(v []float64) []float32 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(f * inv)
	}
	return out
}
