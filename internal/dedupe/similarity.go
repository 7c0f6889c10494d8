package dedupe

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
)

// Pair is a similar pair of vectors by index, with i < j.
type Pair struct {
	I, J       int
	Similarity float32
}

// SimilarityConfig bounds the similarity index's two strategies (spec.md §4.3).
type SimilarityConfig struct {
	// LSHThreshold is the vector count at or above which the LSH-filtered
	// strategy replaces the dense strategy (default 50).
	LSHThreshold int
	// UseLSH disables LSH even above LSHThreshold when false, forcing dense.
	UseLSH bool
	// Tables is the number of LSH hash tables (default 10).
	Tables int
	// Bits is the number of hyperplanes (bits) per table (default 8).
	Bits int
	// Parallel bounds concurrent row/candidate-chunk workers (default 10).
	Parallel int
	// Rand seeds the LSH hyperplane generator. Nil uses the default source.
	Rand *rand.Rand
}

func (c *SimilarityConfig) applyDefaults() {
	if c.LSHThreshold <= 0 {
		c.LSHThreshold = 50
	}
	if c.Tables <= 0 {
		c.Tables = 10
	}
	if c.Bits <= 0 {
		c.Bits = 8
	}
	if c.Parallel <= 0 {
		c.Parallel = 10
	}
}

// FindPairs returns all index pairs (i<j) whose vectors' cosine similarity
// is at least theta, sorted by descending similarity (spec.md §4.3).
// Vectors need not be pre-normalized; similarity is computed from raw dot
// products and magnitudes.
func FindPairs(ctx context.Context, vectors [][]float32, theta float32, cfg SimilarityConfig) []Pair {
	cfg.applyDefaults()
	n := len(vectors)
	if n < 2 {
		return nil
	}

	var pairs []Pair
	if n < cfg.LSHThreshold || !cfg.UseLSH {
		pairs = findPairsDense(ctx, vectors, theta, cfg.Parallel)
	} else {
		pairs = findPairsLSH(ctx, vectors, theta, cfg)
	}

	sort.Slice(pairs, func(a, b int) bool { return pairs[a].Similarity > pairs[b].Similarity })
	return pairs
}

// findPairsDense computes the full upper-triangular similarity matrix,
// parallelized over row chunks.
func findPairsDense(ctx context.Context, vectors [][]float32, theta float32, parallel int) []Pair {
	n := len(vectors)
	rowResults, _ := pool.Run(ctx, parallel, n, func(_ context.Context, i int) ([]Pair, error) {
		var rowPairs []Pair
		for j := i + 1; j < n; j++ {
			s := cosineSimilarity(vectors[i], vectors[j])
			if s >= theta {
				rowPairs = append(rowPairs, Pair{I: i, J: j, Similarity: s})
			}
		}
		return rowPairs, nil
	})

	var pairs []Pair
	for _, rp := range rowResults {
		pairs = append(pairs, rp...)
	}
	return pairs
}

// findPairsLSH builds a random-hyperplane LSH index with cfg.Tables tables
// of cfg.Bits bits each, collects candidate pairs that collide in at least
// one table, then verifies candidates in parallel by exact cosine
// similarity (spec.md §4.3).
func findPairsLSH(ctx context.Context, vectors [][]float32, theta float32, cfg SimilarityConfig) []Pair {
	n := len(vectors)
	dim := len(vectors[0])

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}

	type bucketKey struct {
		table int
		hash  int
	}
	buckets := make(map[bucketKey][]int)

	for t := 0; t < cfg.Tables; t++ {
		hyperplanes := make([][]float32, cfg.Bits)
		for b := 0; b < cfg.Bits; b++ {
			plane := make([]float32, dim)
			for d := 0; d < dim; d++ {
				plane[d] = float32(r.NormFloat64())
			}
			hyperplanes[b] = plane
		}

		for idx, v := range vectors {
			hash := 0
			for b, plane := range hyperplanes {
				if dot(plane, v) > 0 {
					hash |= 1 << uint(b)
				}
			}
			key := bucketKey{table: t, hash: hash}
			buckets[key] = append(buckets[key], idx)
		}
	}

	candidateSet := make(map[[2]int]struct{})
	for _, members := range buckets {
		if len(members) < 2 {
			continue
		}
		sort.Ints(members)
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				candidateSet[[2]int{members[a], members[b]}] = struct{}{}
			}
		}
	}

	candidates := make([][2]int, 0, len(candidateSet))
	for c := range candidateSet {
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	results, _ := pool.Run(ctx, cfg.Parallel, len(candidates), func(_ context.Context, i int) (*Pair, error) {
		c := candidates[i]
		s := cosineSimilarity(vectors[c[0]], vectors[c[1]])
		if s >= theta {
			return &Pair{I: c[0], J: c[1], Similarity: s}, nil
		}
		return nil, nil
	})

	var pairs []Pair
	for _, p := range results {
		if p != nil {
			pairs = append(pairs, *p)
		}
	}
	return pairs
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// cosineSimilarity computes the cosine similarity of a and b, normalizing
// by magnitude so callers need not pre-normalize. Returns 0 if either
// vector has zero magnitude.
func cosineSimilarity(a, b []float32) float32 {
	var dotProd, magA, magB float64
	for i := range a {
		dotProd += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dotProd / (math.Sqrt(magA) * math.Sqrt(magB)))
}
