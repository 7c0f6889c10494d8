// Package dedupe implements the iterative IdeaBlock deduplication engine:
// embedding, similarity search, clustering, hierarchical LLM merging, and
// the iteration driver that ties them together.
package dedupe

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BlockType distinguishes how a block came to exist in a result set.
type BlockType string

const (
	// BlockOriginal marks a block that was present in the submitted input.
	BlockOriginal BlockType = "original"
	// BlockMerged marks a block synthesized by the LLM merge client from one
	// or more source blocks.
	BlockMerged BlockType = "merged"
	// BlockSynthetic marks a block manufactured internally (for example a
	// placeholder used to keep an empty-text block embeddable).
	BlockSynthetic BlockType = "synthetic"
	// BlockNew is accepted on the wire for forward compatibility but never
	// produced by this service.
	BlockNew BlockType = "new"
)

// Block is the unit of knowledge the service deduplicates: a
// name/criticalQuestion/trustedAnswer triple plus identity, flags, and
// provenance. Block never carries its embedding; see Embedded.
type Block struct {
	ID               string
	Type             BlockType
	Name             string
	CriticalQuestion string
	TrustedAnswer    string
	Hidden           bool
	Exported         bool
	Reviewed         bool
	DocumentID       string
	SourcesUsed      []string
}

// Eligible reports whether a block participates in deduplication. Blocks
// flagged hidden or exported are excluded from processing (spec.md §3).
func (b Block) Eligible() bool {
	return !b.Hidden && !b.Exported
}

// TextBlob builds the text handed to the embedding client for this block:
// the space-joined, trimmed concatenation of name, criticalQuestion, and
// trustedAnswer with empty fields skipped. If all three are empty, a
// synthetic placeholder derived from the block's identifier is returned so
// the embedding call never fails on empty input (spec.md §4.1).
func (b Block) TextBlob() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{b.Name, b.CriticalQuestion, b.TrustedAnswer} {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return "block-" + b.ID
	}
	return strings.Join(parts, " ")
}

// AsHidden returns a copy of b with Hidden forced true, used when assembling
// the "original input, hidden" half of a job's result set.
func (b Block) AsHidden() Block {
	b.Hidden = true
	return b
}

// Embedded pairs a Block with its ephemeral unit-norm embedding vector for
// the duration of a pipeline pass. The embedding is never attached to the
// outgoing Block (spec.md §9, "per-block ephemeral embedding").
type Embedded struct {
	Block  Block
	Vector []float32
}

// IDGenerator mints new block identifiers. Production code uses
// UUIDGenerator; tests inject a deterministic generator so hierarchical
// merge output is reproducible (spec.md §9, "deterministic slicing").
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the production IDGenerator, backed by google/uuid.
type UUIDGenerator struct{}

// NewID returns a random UUIDv4 string.
func (UUIDGenerator) NewID() string {
	return uuid.New().String()
}

// SeededIDGenerator produces deterministic, monotonically increasing
// identifiers of the form "<prefix>-<n>". Intended for tests that assert on
// exact merged-block identifiers or need byte-stable reruns.
type SeededIDGenerator struct {
	Prefix string
	next   int
}

// NewID returns the next deterministic identifier.
func (g *SeededIDGenerator) NewID() string {
	g.next++
	prefix := g.Prefix
	if prefix == "" {
		prefix = "synth"
	}
	return prefix + "-" + strconv.Itoa(g.next)
}
