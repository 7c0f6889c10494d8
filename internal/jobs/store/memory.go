package store

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
)

// Memory is an in-process Store backend. Final status writes do not survive
// a restart; it exists for tests and single-shot deployments where that
// tradeoff is acceptable (spec.md §4.8, "durability" is a backend, not a
// contract, guarantee).
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	interim map[string]*dedupe.Snapshot
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
		interim: make(map[string]*dedupe.Snapshot),
	}
}

func (m *Memory) Create(_ context.Context, jobID, webhookURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[jobID] = &Record{
		JobID:      jobID,
		Status:     StatusRunning,
		CreatedAt:  now(),
		WebhookURL: webhookURL,
	}
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[jobID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) UpdateSuccess(_ context.Context, jobID string, result []dedupe.Block, stats dedupe.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if r.Terminal() {
		return nil
	}
	r.Status = StatusSuccess
	r.Result = result
	r.Stats = stats
	r.CompletedAt = now()
	delete(m.interim, jobID)
	return nil
}

func (m *Memory) UpdateFailure(_ context.Context, jobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if r.Terminal() {
		return nil
	}
	r.Status = StatusFailure
	r.Error = errMsg
	r.CompletedAt = now()
	return nil
}

func (m *Memory) UpdateTimeout(_ context.Context, jobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusSuccess {
		return nil
	}
	if r.Terminal() {
		return nil
	}
	r.Status = StatusTimeout
	r.Error = errMsg
	r.CompletedAt = now()
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, jobID string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	if !ok || r.Status != StatusRunning {
		return nil
	}
	r.Progress = p
	return nil
}

func (m *Memory) SaveIntermediate(_ context.Context, jobID string, snapshot dedupe.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	if !ok || r.Status != StatusRunning {
		return nil
	}
	snap := snapshot
	m.interim[jobID] = &snap
	return nil
}

func (m *Memory) ReadIntermediate(_ context.Context, jobID string) (*dedupe.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.interim[jobID]
	if !ok {
		return nil, nil
	}
	out := *snap
	return &out, nil
}

func (m *Memory) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[jobID]; !ok {
		return ErrNotFound
	}
	delete(m.records, jobID)
	delete(m.interim, jobID)
	return nil
}

func (m *Memory) CountActive(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.Status == StatusRunning {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountCompletedSince(_ context.Context, ts time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.Terminal() && !r.CompletedAt.Before(ts) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now().Add(-age)
	removed := 0
	for id, r := range m.records {
		if r.Terminal() && r.CompletedAt.Before(cutoff) {
			delete(m.records, id)
			delete(m.interim, id)
			removed++
		}
	}
	return removed, nil
}

// now is a seam tests could override; production always uses time.Now.
var now = time.Now
