package dedupe

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/distillsvc/internal/llmmerge"
	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
)

// HierarchicalConfig bounds the recursive balanced-splitting merger (spec.md §4.5).
type HierarchicalConfig struct {
	// MaxClusterSize (M) is the largest cluster size the LLM merge client
	// accepts in a single call (default 20).
	MaxClusterSize int
	// MaxDepth (D_max) bounds recursion; at this depth the first
	// MaxClusterSize blocks are force-merged and the remainder is dropped
	// for this iteration (default 10).
	MaxDepth int
}

func (c *HierarchicalConfig) applyDefaults() {
	if c.MaxClusterSize <= 0 {
		c.MaxClusterSize = 20
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 10
	}
}

// Embedder is the subset of the embedding client the hierarchical merger
// needs to re-embed a combined result for the recursion-5 similarity retest.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Hierarchical recursively splits an oversize cluster into LLM-sized
// subclusters, merges each, and reconciles the results (spec.md §4.5).
type Hierarchical struct {
	llm      *llmmerge.Client
	ids      IDGenerator
	embedder Embedder
	llmSem   *pool.Semaphore
	simCfg   SimilarityConfig
	cfg      HierarchicalConfig
}

// NewHierarchical creates a Hierarchical merger. llmSem is the single
// semaphore shared across every recursion depth and every concurrently
// merging cluster in the current iteration, so nested recursive calls never
// exceed the configured LLM parallelism (spec.md §5).
func NewHierarchical(llm *llmmerge.Client, ids IDGenerator, embedder Embedder, llmSem *pool.Semaphore, simCfg SimilarityConfig, cfg HierarchicalConfig) *Hierarchical {
	cfg.applyDefaults()
	return &Hierarchical{llm: llm, ids: ids, embedder: embedder, llmSem: llmSem, simCfg: simCfg, cfg: cfg}
}

// Merge recursively merges cluster at the given similarity threshold theta
// and recursion depth (0 for the top-level call). The result replaces
// cluster in the iteration driver's active set: blocks present in the
// result but absent from the input are newly merged; blocks from the input
// absent from the result were merged away.
func (h *Hierarchical) Merge(ctx context.Context, cluster []Block, theta float32, depth int) ([]Block, error) {
	n := len(cluster)
	if n < 2 {
		return cluster, nil
	}

	if depth >= h.cfg.MaxDepth {
		forceSize := h.cfg.MaxClusterSize
		if forceSize > n {
			forceSize = n
		}
		merged, err := h.mergeLeaf(ctx, cluster[:forceSize])
		if err != nil {
			// Failure semantics (spec.md §4.2): leave the whole cluster
			// unmerged rather than silently drop the forced slice.
			return cluster, nil
		}
		return merged, nil
	}

	if n <= h.cfg.MaxClusterSize {
		merged, err := h.mergeLeaf(ctx, cluster)
		if err != nil {
			return cluster, nil
		}
		return merged, nil
	}

	sorted := append([]Block(nil), cluster...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	subSize := subclusterSize(n, h.cfg.MaxClusterSize)
	k := (n + subSize - 1) / subSize

	slices := make([][]Block, k)
	for i := 0; i < k; i++ {
		lo := i * n / k
		hi := (i + 1) * n / k
		slices[i] = sorted[lo:hi]
	}

	// Unbounded fan-out: each recursive Merge call eventually bottoms out at
	// mergeLeaf, which acquires h.llmSem itself. Gating concurrency here too
	// would charge the same budget twice and deadlock once k reaches the
	// semaphore's capacity (spec.md §5, "single global LLM semaphore").
	results, errs := pool.RunUnbounded(ctx, k, func(ctx context.Context, i int) ([]Block, error) {
		return h.Merge(ctx, slices[i], theta, depth+1)
	})
	if err := pool.FirstError(errs); err != nil {
		return cluster, nil
	}

	var combined []Block
	for _, r := range results {
		combined = append(combined, r...)
	}

	if len(combined) > h.cfg.MaxClusterSize {
		return h.Merge(ctx, combined, theta, depth+1)
	}

	if h.hasPairsAboveThreshold(ctx, combined, theta) {
		return h.Merge(ctx, combined, theta, depth+1)
	}

	return combined, nil
}

// mergeLeaf performs a single LLM merge (C2) and converts the result back
// into Block values carrying merge provenance.
func (h *Hierarchical) mergeLeaf(ctx context.Context, cluster []Block) ([]Block, error) {
	if err := h.llmSem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer h.llmSem.Release()

	input := make([]llmmerge.Block, len(cluster))
	sources := make([]string, len(cluster))
	for i, b := range cluster {
		input[i] = llmmerge.Block{Name: b.Name, CriticalQuestion: b.CriticalQuestion, TrustedAnswer: b.TrustedAnswer}
		sources[i] = b.ID
	}

	merged, err := h.llm.Merge(ctx, input)
	if err != nil {
		return nil, err
	}

	out := make([]Block, len(merged))
	for i, m := range merged {
		out[i] = Block{
			ID:               h.ids.NewID(),
			Type:             BlockMerged,
			Name:             m.Name,
			CriticalQuestion: m.CriticalQuestion,
			TrustedAnswer:    m.TrustedAnswer,
			SourcesUsed:      append([]string(nil), sources...),
		}
	}
	return out, nil
}

func (h *Hierarchical) hasPairsAboveThreshold(ctx context.Context, blocks []Block, theta float32) bool {
	if len(blocks) < 2 {
		return false
	}
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.TextBlob()
	}
	vectors, err := h.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return false
	}
	pairs := FindPairs(ctx, vectors, theta, h.simCfg)
	return len(pairs) > 0
}

// subclusterSize computes s = min(M, max(5, floor(2*sqrt(n)))).
func subclusterSize(n, maxClusterSize int) int {
	s := isqrt(4 * n) // floor(sqrt(4n)) == floor(2*sqrt(n))
	if s < 5 {
		s = 5
	}
	if s > maxClusterSize {
		s = maxClusterSize
	}
	return s
}

// isqrt returns floor(sqrt(n)) for non-negative n using integer arithmetic.
func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
