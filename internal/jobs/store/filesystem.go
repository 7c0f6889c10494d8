package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
)

// fileRecord is Record's on-disk shape: result/stats/progress flattened to
// plain fields so the JSON file is human-readable (spec.md §6, "Persisted
// layout").
type fileRecord struct {
	JobID       string         `json:"job_id"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Result      []dedupe.Block `json:"result,omitempty"`
	Stats       dedupe.Stats   `json:"stats"`
	Error       string         `json:"error,omitempty"`
	Progress    Progress       `json:"progress,omitempty"`
	WebhookURL  string         `json:"webhook_url,omitempty"`
}

// Filesystem is a Store backend persisting one JSON file per job under
// dir/jobs/<id>.json, with a sibling dir/jobs/<id>.intermediate.json
// checkpoint file (spec.md §4.8, §6). Progress is kept in memory only, since
// the contract allows progress updates to be advisory.
type Filesystem struct {
	mu       sync.Mutex
	dir      string
	progress map[string]Progress
}

// NewFilesystem creates a Filesystem backend rooted at dir, creating
// dir/jobs if it does not already exist.
func NewFilesystem(dir string) (*Filesystem, error) {
	jobsDir := filepath.Join(dir, "jobs")
	if err := os.MkdirAll(jobsDir, 0700); err != nil {
		return nil, fmt.Errorf("creating jobs directory: %w", err)
	}
	return &Filesystem{dir: dir, progress: make(map[string]Progress)}, nil
}

func (f *Filesystem) jobPath(jobID string) string {
	return filepath.Join(f.dir, "jobs", jobID+".json")
}

func (f *Filesystem) intermediatePath(jobID string) string {
	return filepath.Join(f.dir, "jobs", jobID+".intermediate.json")
}

// writeFile replaces path atomically: write to a sibling .tmp file, then
// rename over the target, so concurrent readers never observe a partial
// write.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func (f *Filesystem) readRecord(jobID string) (*fileRecord, error) {
	data, err := os.ReadFile(f.jobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding job file: %w", err)
	}
	return &rec, nil
}

func (f *Filesystem) writeRecord(rec *fileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job file: %w", err)
	}
	return writeFile(f.jobPath(rec.JobID), data)
}

func (f *Filesystem) toRecord(rec *fileRecord) Record {
	return Record{
		JobID:       rec.JobID,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Result:      rec.Result,
		Stats:       rec.Stats,
		Error:       rec.Error,
		Progress:    f.progress[rec.JobID],
		WebhookURL:  rec.WebhookURL,
	}
}

func (f *Filesystem) Create(_ context.Context, jobID, webhookURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeRecord(&fileRecord{
		JobID:      jobID,
		Status:     StatusRunning,
		CreatedAt:  now(),
		WebhookURL: webhookURL,
	})
}

func (f *Filesystem) Get(_ context.Context, jobID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(jobID)
	if err != nil {
		return Record{}, err
	}
	return f.toRecord(rec), nil
}

func (f *Filesystem) UpdateSuccess(_ context.Context, jobID string, result []dedupe.Block, stats dedupe.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(jobID)
	if err != nil {
		return err
	}
	if f.toRecord(rec).Terminal() {
		return nil
	}
	rec.Status = StatusSuccess
	rec.Result = result
	rec.Stats = stats
	rec.CompletedAt = now()
	if err := f.writeRecord(rec); err != nil {
		return err
	}
	os.Remove(f.intermediatePath(jobID))
	return nil
}

func (f *Filesystem) UpdateFailure(_ context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(jobID)
	if err != nil {
		return err
	}
	if f.toRecord(rec).Terminal() {
		return nil
	}
	rec.Status = StatusFailure
	rec.Error = errMsg
	rec.CompletedAt = now()
	return f.writeRecord(rec)
}

func (f *Filesystem) UpdateTimeout(_ context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(jobID)
	if err != nil {
		return err
	}
	if rec.Status == StatusSuccess || f.toRecord(rec).Terminal() {
		return nil
	}
	rec.Status = StatusTimeout
	rec.Error = errMsg
	rec.CompletedAt = now()
	return f.writeRecord(rec)
}

func (f *Filesystem) UpdateProgress(_ context.Context, jobID string, p Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(jobID)
	if err != nil || rec.Status != StatusRunning {
		return nil
	}
	f.progress[jobID] = p
	return nil
}

func (f *Filesystem) SaveIntermediate(_ context.Context, jobID string, snapshot dedupe.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(jobID)
	if err != nil || rec.Status != StatusRunning {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding intermediate snapshot: %w", err)
	}
	return writeFile(f.intermediatePath(jobID), data)
}

func (f *Filesystem) ReadIntermediate(_ context.Context, jobID string) (*dedupe.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.intermediatePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading intermediate snapshot: %w", err)
	}
	var snap dedupe.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding intermediate snapshot: %w", err)
	}
	return &snap, nil
}

func (f *Filesystem) Delete(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.jobPath(jobID)); os.IsNotExist(err) {
		return ErrNotFound
	}
	os.Remove(f.jobPath(jobID))
	os.Remove(f.intermediatePath(jobID))
	delete(f.progress, jobID)
	return nil
}

func (f *Filesystem) listJobIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("listing jobs directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" && !isIntermediateName(name) {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}

func isIntermediateName(name string) bool {
	const suffix = ".intermediate.json"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}

func (f *Filesystem) CountActive(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.listJobIDs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		rec, err := f.readRecord(id)
		if err == nil && rec.Status == StatusRunning {
			n++
		}
	}
	return n, nil
}

func (f *Filesystem) CountCompletedSince(_ context.Context, ts time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.listJobIDs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		rec, err := f.readRecord(id)
		if err != nil {
			continue
		}
		r := f.toRecord(rec)
		if r.Terminal() && !r.CompletedAt.Before(ts) {
			n++
		}
	}
	return n, nil
}

func (f *Filesystem) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.listJobIDs()
	if err != nil {
		return 0, err
	}
	cutoff := now().Add(-age)
	removed := 0
	for _, id := range ids {
		rec, err := f.readRecord(id)
		if err != nil {
			continue
		}
		r := f.toRecord(rec)
		if r.Terminal() && r.CompletedAt.Before(cutoff) {
			os.Remove(f.jobPath(id))
			os.Remove(f.intermediatePath(id))
			delete(f.progress, id)
			removed++
		}
	}
	return removed, nil
}
