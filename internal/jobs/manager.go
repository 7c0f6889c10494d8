// Package jobs implements the job manager (C7): a bounded worker pool that
// runs the dedupe iteration driver asynchronously, enforces a per-job
// timeout, and forwards progress and intermediate snapshots through to the
// job store while a job is running (spec.md §4.7).
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
	"github.com/fyrsmithlabs/distillsvc/internal/logging"
	"github.com/fyrsmithlabs/distillsvc/internal/webhook"
	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the bounded worker pool that executes distillation jobs.
type Manager struct {
	store    store.Store
	driver   *dedupe.Driver
	notifier *webhook.Notifier
	logger   *logging.Logger
	sem      *pool.Semaphore
	timeout  time.Duration
	metrics  *Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a job manager. workerPoolSize bounds the number of
// distillation jobs that may run concurrently; jobTimeout bounds how long a
// single job may run before the watchdog transitions it to timeout.
func NewManager(st store.Store, driver *dedupe.Driver, notifier *webhook.Notifier, logger *logging.Logger, workerPoolSize int, jobTimeout time.Duration) *Manager {
	return &Manager{
		store:    st,
		driver:   driver,
		notifier: notifier,
		logger:   logger,
		sem:      pool.NewSemaphore(workerPoolSize),
		timeout:  jobTimeout,
		metrics:  NewMetrics(),
		running:  make(map[string]context.CancelFunc),
	}
}

// Submit creates a job record and dispatches the work without blocking the
// caller; the returned id is immediately valid for polling (spec.md §4.7,
// "submission is non-blocking: a job record is created first").
func (m *Manager) Submit(ctx context.Context, blocks []dedupe.Block, cfg dedupe.IterationConfig, webhookURL string) (string, error) {
	jobID := uuid.New().String()
	if err := m.store.Create(ctx, jobID, webhookURL); err != nil {
		return "", fmt.Errorf("creating job record: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running[jobID] = cancel
	m.mu.Unlock()

	go m.run(jobCtx, jobID, blocks, cfg)

	return jobID, nil
}

// Cancel requests cooperative termination of a running job and marks it for
// deletion; in-flight result writes are dropped once the job is removed
// from the running set (spec.md §4.7, "cancellation").
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	cancel, ok := m.running[jobID]
	if ok {
		delete(m.running, jobID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return m.store.Delete(ctx, jobID)
}

// run executes one job end to end: acquires a worker slot, races the
// iteration driver against the job's timeout, and writes the terminal
// status through to the store exactly once.
func (m *Manager) run(ctx context.Context, jobID string, blocks []dedupe.Block, cfg dedupe.IterationConfig) {
	defer m.finishRunning(jobID)

	if err := m.sem.Acquire(ctx); err != nil {
		m.store.UpdateFailure(ctx, jobID, err.Error())
		return
	}
	defer m.sem.Release()

	started := time.Now()
	m.metrics.ActiveGauge.Inc()
	defer m.metrics.ActiveGauge.Dec()

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()

	timer := time.AfterFunc(m.timeout, cancelWatchdog)
	defer timer.Stop()

	resultCh := make(chan dedupe.Result, 1)
	errCh := make(chan error, 1)

	go func() {
		progress := func(phase string, fraction float64, details map[string]any) {
			m.store.UpdateProgress(ctx, jobID, store.Progress{Percent: fraction * 100, Phase: phase, Details: details})
		}
		saveIntermediate := func(snap dedupe.Snapshot) {
			m.store.SaveIntermediate(ctx, jobID, snap)
		}
		result, err := m.driver.Run(watchdogCtx, blocks, cfg, progress, saveIntermediate)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		if err := m.store.UpdateSuccess(ctx, jobID, result.Blocks, result.Stats); err != nil {
			m.logger.Error(ctx, "recording job success failed", zap.String("job_id", jobID), zap.Error(err))
		}
		m.metrics.RecordTerminal(string(store.StatusSuccess), time.Since(started).Seconds())
		m.notify(ctx, jobID)

	case err := <-errCh:
		// watchdogCtx is already done when the driver's own error is really
		// just it observing the watchdog firing (e.g. an HTTP call
		// unblocking on context cancellation); attribute that to timeout
		// rather than racing errCh against watchdogCtx.Done() below, which
		// would make the recorded status depend on select's pseudo-random
		// tie-break (spec.md §4.7).
		if watchdogCtx.Err() != nil {
			m.recordTimeout(ctx, jobID, started)
			break
		}
		if err := m.store.UpdateFailure(ctx, jobID, err.Error()); err != nil {
			m.logger.Error(ctx, "recording job failure failed", zap.String("job_id", jobID), zap.Error(err))
		}
		m.metrics.RecordTerminal(string(store.StatusFailure), time.Since(started).Seconds())
		m.notify(ctx, jobID)

	case <-watchdogCtx.Done():
		// Either the watchdog timer fired, or the outer ctx (cancellation
		// request) was cancelled first; both are reported the same way,
		// except the watchdog must never clobber an already-recorded
		// success (spec.md §4.7).
		m.recordTimeout(ctx, jobID, started)
	}
}

func (m *Manager) recordTimeout(ctx context.Context, jobID string, started time.Time) {
	if err := m.store.UpdateTimeout(ctx, jobID, "Job execution timed out"); err != nil {
		m.logger.Error(ctx, "recording job timeout failed", zap.String("job_id", jobID), zap.Error(err))
	}
	m.metrics.RecordTerminal(string(store.StatusTimeout), time.Since(started).Seconds())
	m.notify(ctx, jobID)
}

func (m *Manager) finishRunning(jobID string) {
	m.mu.Lock()
	delete(m.running, jobID)
	m.mu.Unlock()
}

func (m *Manager) notify(ctx context.Context, jobID string) {
	if m.notifier == nil {
		return
	}
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	if rec.WebhookURL == "" {
		return
	}
	m.notifier.Notify(ctx, rec)
}
