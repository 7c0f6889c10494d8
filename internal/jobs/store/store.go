// Package store implements the job store (C8): durable persistence for job
// status, results, and intermediate checkpoints, behind one contract with
// interchangeable backends (spec.md §4.8).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
)

// Status is a job's lifecycle state. A polling client always sees exactly
// one of these four (spec.md §7, "user-visible behavior").
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// ErrNotFound is returned by Get and Delete when the job id is unknown to the
// backend. The memory and filesystem backends also return it from
// UpdateSuccess, UpdateFailure and UpdateTimeout; the Postgres backend treats
// those updates of an unknown id as no-ops and returns it from
// ReadIntermediate instead. UpdateProgress and SaveIntermediate ignore
// unknown ids in every backend.
var ErrNotFound = errors.New("store: job not found")

// Progress is the advisory, in-memory-or-persisted progress readout for a
// running job. Backends may keep this in memory only (spec.md §4.8,
// "durability").
type Progress struct {
	Percent float64
	Phase   string
	Details map[string]any
}

// Record is one job's full persisted state.
type Record struct {
	JobID       string
	Status      Status
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      []dedupe.Block
	Stats       dedupe.Stats
	Error       string
	Progress    Progress
	WebhookURL  string
}

// Terminal reports whether r.Status is one a monotonicity-respecting
// backend must treat as final (spec.md §4.8, "monotonicity").
func (r Record) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusFailure || r.Status == StatusTimeout
}

// Store is the C8 contract. Every method must be safe for concurrent use by
// multiple worker goroutines (spec.md §5, "the job store is the only shared
// mutable state within a process").
type Store interface {
	// Create inserts a new job record in StatusRunning, created now, with
	// the given webhook URL (may be empty).
	Create(ctx context.Context, jobID, webhookURL string) error

	// Get returns the current record for jobID, or ErrNotFound.
	Get(ctx context.Context, jobID string) (Record, error)

	// UpdateSuccess transitions jobID to success with its final result and
	// stats, and clears any saved intermediate snapshot. A no-op if the job
	// is already terminal.
	UpdateSuccess(ctx context.Context, jobID string, result []dedupe.Block, stats dedupe.Stats) error

	// UpdateFailure transitions jobID to failure with errMsg. A no-op if
	// the job is already terminal (spec.md §4.8, "failure may overwrite
	// nothing").
	UpdateFailure(ctx context.Context, jobID, errMsg string) error

	// UpdateTimeout transitions jobID to timeout with errMsg. A no-op if
	// the job has already reached success (spec.md §4.7, "the watchdog
	// must not clobber a job that has already reached success").
	UpdateTimeout(ctx context.Context, jobID, errMsg string) error

	// UpdateProgress records the latest progress readout for a running job.
	// Dropped silently if the job is no longer running.
	UpdateProgress(ctx context.Context, jobID string, p Progress) error

	// SaveIntermediate persists a partial snapshot for a running job.
	SaveIntermediate(ctx context.Context, jobID string, snapshot dedupe.Snapshot) error

	// ReadIntermediate returns the most recently saved snapshot for jobID,
	// or nil if none exists.
	ReadIntermediate(ctx context.Context, jobID string) (*dedupe.Snapshot, error)

	// Delete removes jobID's record and any intermediate snapshot.
	Delete(ctx context.Context, jobID string) error

	// CountActive returns the number of jobs currently in StatusRunning.
	CountActive(ctx context.Context) (int, error)

	// CountCompletedSince returns the number of terminal jobs completed at
	// or after ts.
	CountCompletedSince(ctx context.Context, ts time.Time) (int, error)

	// CleanupOlderThan deletes terminal job records older than age and
	// returns the number removed.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}
