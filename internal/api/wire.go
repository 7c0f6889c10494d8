// Package api defines the HTTP wire shapes for the distillation service
// (spec.md §6) and their conversion to and from the internal dedupe.Block
// and dedupe.Stats types.
package api

import (
	"fmt"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
)

// Block is the wire shape of an IdeaBlock (spec.md §6, "Block shape").
type Block struct {
	Type                 string               `json:"type"`
	BlockifyResultUUID   string               `json:"blockifyResultUUID"`
	BlockifiedTextResult BlockifiedTextResult `json:"blockifiedTextResult"`
	Hidden               bool                 `json:"hidden"`
	Exported             bool                 `json:"exported"`
	Reviewed             bool                 `json:"reviewed"`
	BlockifyDocumentUUID string               `json:"blockifyDocumentUUID,omitempty"`
	BlockifyResultsUsed  []string             `json:"blockifyResultsUsed,omitempty"`
}

// BlockifiedTextResult carries the name/criticalQuestion/trustedAnswer triple.
type BlockifiedTextResult struct {
	Name             string `json:"name"`
	CriticalQuestion string `json:"criticalQuestion"`
	TrustedAnswer    string `json:"trustedAnswer"`
}

// ToDomain converts a wire Block to the internal dedupe.Block it represents.
func (b Block) ToDomain() dedupe.Block {
	return dedupe.Block{
		ID:               b.BlockifyResultUUID,
		Type:             dedupe.BlockType(b.Type),
		Name:             b.BlockifiedTextResult.Name,
		CriticalQuestion: b.BlockifiedTextResult.CriticalQuestion,
		TrustedAnswer:    b.BlockifiedTextResult.TrustedAnswer,
		Hidden:           b.Hidden,
		Exported:         b.Exported,
		Reviewed:         b.Reviewed,
		DocumentID:       b.BlockifyDocumentUUID,
		SourcesUsed:      b.BlockifyResultsUsed,
	}
}

// FromDomain converts an internal dedupe.Block to its wire shape.
func FromDomain(b dedupe.Block) Block {
	blockType := string(b.Type)
	if blockType == "" {
		blockType = string(dedupe.BlockOriginal)
	}
	return Block{
		Type:               blockType,
		BlockifyResultUUID: b.ID,
		BlockifiedTextResult: BlockifiedTextResult{
			Name:             b.Name,
			CriticalQuestion: b.CriticalQuestion,
			TrustedAnswer:    b.TrustedAnswer,
		},
		Hidden:               b.Hidden,
		Exported:             b.Exported,
		Reviewed:             b.Reviewed,
		BlockifyDocumentUUID: b.DocumentID,
		BlockifyResultsUsed:  b.SourcesUsed,
	}
}

// BlocksToDomain converts a slice of wire blocks.
func BlocksToDomain(blocks []Block) []dedupe.Block {
	out := make([]dedupe.Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.ToDomain()
	}
	return out
}

// BlocksFromDomain converts a slice of internal blocks.
func BlocksFromDomain(blocks []dedupe.Block) []Block {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = FromDomain(b)
	}
	return out
}

// Stats is the wire shape of dedupe.Stats (spec.md §6, "Polling").
type Stats struct {
	StartingBlockCount    int     `json:"startingBlockCount"`
	FinalBlockCount       int     `json:"finalBlockCount"`
	BlocksRemoved         int     `json:"blocksRemoved"`
	BlocksAdded           int     `json:"blocksAdded"`
	BlockReductionPercent float64 `json:"blockReductionPercent"`
}

// StatsFromDomain converts internal stats to their wire shape.
func StatsFromDomain(s dedupe.Stats) Stats {
	return Stats{
		StartingBlockCount:    s.StartingBlockCount,
		FinalBlockCount:       s.FinalBlockCount,
		BlocksRemoved:         s.BlocksRemoved,
		BlocksAdded:           s.BlocksAdded,
		BlockReductionPercent: s.BlockReductionPercent,
	}
}

// SubmitRequest is the request body for POST /api/autoDistill (spec.md §6).
type SubmitRequest struct {
	BlockifyTaskUUID string  `json:"blockifyTaskUUID"`
	Similarity       float32 `json:"similarity"`
	Iterations       int     `json:"iterations"`
	Results          []Block `json:"results"`
}

// Validate checks the submission against spec.md §6's field ranges, filling
// in defaults for similarity and iterations when they are zero.
func (r *SubmitRequest) Validate() error {
	if len(r.Results) == 0 {
		return fmt.Errorf("results must not be empty")
	}
	if r.Similarity == 0 {
		r.Similarity = 0.55
	}
	if r.Similarity < 0 || r.Similarity > 1 {
		return fmt.Errorf("similarity must be in [0,1], got %v", r.Similarity)
	}
	if r.Iterations == 0 {
		r.Iterations = 4
	}
	if r.Iterations < 1 || r.Iterations > 10 {
		return fmt.Errorf("iterations must be in [1,10], got %d", r.Iterations)
	}
	return nil
}

// SubmitResponse is the response body for POST /api/autoDistill.
type SubmitResponse struct {
	SchemaVersion int    `json:"schemaVersion"`
	JobID         string `json:"jobId"`
}

// ProgressView is the wire shape of a running job's progress readout.
type ProgressView struct {
	Percent float64        `json:"percent"`
	Phase   string         `json:"phase"`
	Details map[string]any `json:"details,omitempty"`
}

// JobResponse is the response body for GET /api/jobs/{jobId} (spec.md §6, "Polling").
type JobResponse struct {
	SchemaVersion      int           `json:"schemaVersion"`
	Status             string        `json:"status"`
	Results            []Block       `json:"results,omitempty"`
	Stats              *Stats        `json:"stats,omitempty"`
	Error              *string       `json:"error"`
	Progress           *ProgressView `json:"progress,omitempty"`
	IntermediateResult *Snapshot     `json:"intermediate_result,omitempty"`
}

// Snapshot is the wire shape of a partial result, reusing JobResponse's
// results/stats naming under a "status": "partial" marker (spec.md §7,
// "user-visible behavior").
type Snapshot struct {
	Status  string  `json:"status"`
	Results []Block `json:"results"`
	Stats   Stats   `json:"stats"`
}

// JobResponseFromRecord builds the polling response for rec, attaching the
// given intermediate snapshot (nil if none was saved).
func JobResponseFromRecord(rec store.Record, intermediate *dedupe.Snapshot) JobResponse {
	resp := JobResponse{
		SchemaVersion: 1,
		Status:        string(rec.Status),
	}
	if rec.Error != "" {
		errMsg := rec.Error
		resp.Error = &errMsg
	}
	if rec.Status == store.StatusSuccess {
		resp.Results = BlocksFromDomain(rec.Result)
		stats := StatsFromDomain(rec.Stats)
		resp.Stats = &stats
	}
	if rec.Status == store.StatusRunning {
		resp.Progress = &ProgressView{
			Percent: rec.Progress.Percent,
			Phase:   rec.Progress.Phase,
			Details: rec.Progress.Details,
		}
	}
	if intermediate != nil && rec.Status != store.StatusSuccess {
		resp.IntermediateResult = &Snapshot{
			Status:  intermediate.Status,
			Results: BlocksFromDomain(intermediate.Results),
			Stats:   StatsFromDomain(intermediate.Stats),
		}
	}
	return resp
}
