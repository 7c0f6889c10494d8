package dedupe

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
)

// ProgressFunc reports iteration-driver progress through to the job store.
type ProgressFunc func(phase string, fraction float64, details map[string]any)

// SaveIntermediateFunc persists a partial snapshot after an iteration that
// produced merges (spec.md §4.8).
type SaveIntermediateFunc func(snapshot Snapshot)

// Stats summarizes a run's effect on the block count. For a run that reaches
// the iteration loop, BlocksRemoved equals StartingBlockCount and
// FinalBlockCount equals BlocksAdded: this reproduces the source system's
// statistics quirk intentionally, not a bug (spec.md §9, "open question —
// result de-duplication"). A run with fewer than two eligible blocks sets
// only StartingBlockCount; every other field is zero.
type Stats struct {
	StartingBlockCount    int
	FinalBlockCount       int
	BlocksRemoved         int
	BlocksAdded           int
	BlockReductionPercent float64
}

// Snapshot is the partial-result shape written after each productive
// iteration and returned to clients polling a running or failed job.
type Snapshot struct {
	Status  string
	Results []Block
	Stats   Stats
}

// Result is the outcome of a full driver run.
type Result struct {
	Blocks []Block
	Stats  Stats
}

// IterationConfig bounds the iteration driver's loop (spec.md §4.6).
type IterationConfig struct {
	Iterations              int     // T, user-supplied, 1..10
	SimilarityInitial       float32 // theta_1
	EscalateStartIteration  int     // T_escalate, default 2
	EscalateDelta           float32 // default 0.01
	MaxSimilarityThreshold  float32 // theta_max, default 0.98
	ClusterCfg              ClusterConfig
	SimCfg                  SimilarityConfig
	HierCfg                 HierarchicalConfig
}

func (c *IterationConfig) applyDefaults() {
	if c.Iterations <= 0 {
		c.Iterations = 4
	}
	if c.SimilarityInitial <= 0 {
		c.SimilarityInitial = 0.55
	}
	if c.EscalateStartIteration <= 0 {
		c.EscalateStartIteration = 2
	}
	if c.EscalateDelta <= 0 {
		c.EscalateDelta = 0.01
	}
	if c.MaxSimilarityThreshold <= 0 {
		c.MaxSimilarityThreshold = 0.98
	}
}

// Driver runs the embed -> find-pairs -> cluster -> merge -> re-embed ->
// escalate loop that ties C1-C5 together (spec.md §4.6).
type Driver struct {
	embedder Embedder
	hier     *Hierarchical
	llmSem   *pool.Semaphore
}

// NewDriver creates an iteration driver.
func NewDriver(embedder Embedder, hier *Hierarchical, llmSem *pool.Semaphore) *Driver {
	return &Driver{embedder: embedder, hier: hier, llmSem: llmSem}
}

// Run executes the full iterative deduplication pass over blocks.
func (d *Driver) Run(ctx context.Context, blocks []Block, cfg IterationConfig, progress ProgressFunc, saveIntermediate SaveIntermediateFunc) (Result, error) {
	cfg.applyDefaults()
	report(progress, "initialization", 0.0, map[string]any{"status": "starting"})

	eligible := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Eligible() {
			eligible = append(eligible, b)
		}
	}

	if len(eligible) < 2 {
		report(progress, "completion", 1.0, map[string]any{"status": "no eligible blocks"})
		return Result{Blocks: hideAll(blocks), Stats: zeroStats(len(eligible))}, nil
	}

	report(progress, "embeddings", 0.05, map[string]any{"blockCount": len(eligible)})
	texts := make([]string, len(eligible))
	for i, b := range eligible {
		texts[i] = b.TextBlob()
	}
	vectors, err := d.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("embedding initial blocks: %w", err)
	}

	active := make([]Embedded, len(eligible))
	for i, b := range eligible {
		active[i] = Embedded{Block: b, Vector: vectors[i]}
	}

	var merged []Block
	theta := cfg.SimilarityInitial

	for t := 1; t <= cfg.Iterations; t++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		fraction := 0.15 + (0.95-0.15)*float64(t)/float64(cfg.Iterations)
		report(progress, "iteration", fraction, map[string]any{"iteration": t, "blockCount": len(active), "threshold": theta})

		if len(active) < 2 {
			break
		}

		vecs := make([][]float32, len(active))
		for i, e := range active {
			vecs[i] = e.Vector
		}
		pairs := FindPairs(ctx, vecs, theta, cfg.SimCfg)
		if len(pairs) == 0 {
			break
		}

		rawClusters := Cluster(len(active), pairs, cfg.ClusterCfg)
		var mergeable [][]int
		for _, c := range rawClusters {
			if len(c) >= 2 {
				mergeable = append(mergeable, c)
			}
		}
		if len(mergeable) == 0 {
			break
		}

		// Unbounded fan-out: d.hier.Merge recurses down to mergeLeaf, which
		// acquires d.llmSem itself. Gating concurrency here too would charge
		// the same budget twice and deadlock once len(mergeable) reaches the
		// semaphore's capacity (spec.md §5, "single global LLM semaphore").
		outputs, errs := pool.RunUnbounded(ctx, len(mergeable), func(ctx context.Context, i int) ([]Block, error) {
			clusterBlocks := make([]Block, len(mergeable[i]))
			for j, idx := range mergeable[i] {
				clusterBlocks[j] = active[idx].Block
			}
			return d.hier.Merge(ctx, clusterBlocks, theta, 0)
		})
		if err := pool.FirstError(errs); err != nil {
			return Result{}, fmt.Errorf("hierarchical merge: %w", err)
		}

		consumed := make(map[int]bool)
		var freshlyMerged []Block

		for ci, clusterIdxs := range mergeable {
			out := outputs[ci]
			origIDs := make(map[string]bool, len(clusterIdxs))
			for _, idx := range clusterIdxs {
				origIDs[active[idx].Block.ID] = true
			}
			outIDs := make(map[string]bool, len(out))
			for _, b := range out {
				outIDs[b.ID] = true
			}

			for _, idx := range clusterIdxs {
				if !outIDs[active[idx].Block.ID] {
					consumed[idx] = true
				}
			}
			for _, b := range out {
				if !origIDs[b.ID] {
					freshlyMerged = append(freshlyMerged, b)
				}
			}
		}
		producedAny := len(freshlyMerged) > 0
		merged = append(merged, freshlyMerged...)

		var newActive []Embedded
		for idx, e := range active {
			if !consumed[idx] {
				newActive = append(newActive, e)
			}
		}
		if len(freshlyMerged) > 0 {
			newTexts := make([]string, len(freshlyMerged))
			for i, b := range freshlyMerged {
				newTexts[i] = b.TextBlob()
			}
			newVectors, err := d.embedder.EmbedTexts(ctx, newTexts)
			if err != nil {
				return Result{}, fmt.Errorf("embedding merged blocks: %w", err)
			}
			for i, b := range freshlyMerged {
				newActive = append(newActive, Embedded{Block: b, Vector: newVectors[i]})
			}
		}
		active = newActive

		if len(merged) > 0 && saveIntermediate != nil {
			saveIntermediate(Snapshot{
				Status:  "partial",
				Results: append(hideAll(blocks), merged...),
				Stats:   computeStats(len(eligible), merged),
			})
		}

		if !producedAny && theta >= cfg.MaxSimilarityThreshold {
			break
		}

		if t >= cfg.EscalateStartIteration {
			theta += cfg.EscalateDelta
			if theta > cfg.MaxSimilarityThreshold {
				theta = cfg.MaxSimilarityThreshold
			}
		}
	}

	report(progress, "completion", 1.0, map[string]any{"status": "done"})

	result := append(hideAll(blocks), merged...)
	return Result{Blocks: result, Stats: computeStats(len(eligible), merged)}, nil
}

func report(progress ProgressFunc, phase string, fraction float64, details map[string]any) {
	if progress != nil {
		progress(phase, fraction, details)
	}
}

func hideAll(blocks []Block) []Block {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.AsHidden()
	}
	return out
}

func zeroStats(startingCount int) Stats {
	return Stats{StartingBlockCount: startingCount}
}

// computeStats reproduces the source's exact counting: blocksRemoved is
// always the starting count and finalBlockCount/blocksAdded are always the
// merged count, regardless of how many starting blocks were actually
// consumed by a merge (spec.md §9).
func computeStats(startingCount int, merged []Block) Stats {
	finalCount := len(merged)
	reduction := 0.0
	if startingCount > 0 {
		reduction = float64(startingCount-finalCount) / float64(startingCount) * 100
	}
	return Stats{
		StartingBlockCount:    startingCount,
		FinalBlockCount:       finalCount,
		BlocksRemoved:         startingCount - finalCount + finalCount,
		BlocksAdded:           finalCount,
		BlockReductionPercent: reduction,
	}
}
