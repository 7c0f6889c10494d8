package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
	"github.com/fyrsmithlabs/distillsvc/internal/llmmerge"
	"github.com/fyrsmithlabs/distillsvc/internal/logging"
	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
	require.NoError(t, err)
	return logger
}

// flatEmbedder assigns every text the same unit vector, so every pair meets
// the similarity threshold; the fake merge endpoint returns no content, so
// each merge attempt fails and the blocks stay unmerged.
type flatEmbedder struct{}

func (flatEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// blockingEmbedder never returns on its own; it only unblocks when ctx is
// cancelled, simulating an embedding call that outlives the job's watchdog
// (internal/dedupe.Driver.Run checks ctx.Done() once per iteration, not
// during this initial embedding call, so the call itself must observe
// cancellation for the driver to return promptly).
type blockingEmbedder struct{}

func (blockingEmbedder) EmbedTexts(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestDriver(t *testing.T, embedder dedupe.Embedder) *dedupe.Driver {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}{}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := llmmerge.NewClient(llmmerge.Config{BaseURL: srv.URL, MaxRetries: 1})
	require.NoError(t, err)

	sem := pool.NewSemaphore(4)
	hier := dedupe.NewHierarchical(client, &dedupe.SeededIDGenerator{Prefix: "m"}, embedder, sem,
		dedupe.SimilarityConfig{}, dedupe.HierarchicalConfig{MaxClusterSize: 20, MaxDepth: 10})
	return dedupe.NewDriver(embedder, hier, sem)
}

func testBlocks() []dedupe.Block {
	return []dedupe.Block{
		{ID: "b1", Name: "one", CriticalQuestion: "q1", TrustedAnswer: "a1", Type: dedupe.BlockOriginal},
		{ID: "b2", Name: "two", CriticalQuestion: "q2", TrustedAnswer: "a2", Type: dedupe.BlockOriginal},
	}
}

func TestManager_SubmitAndPoll_Success(t *testing.T) {
	st := store.NewMemory()
	driver := newTestDriver(t, flatEmbedder{})
	m := NewManager(st, driver, nil, testLogger(t), 4, 5*time.Second)

	jobID, err := m.Submit(context.Background(), testBlocks(), dedupe.IterationConfig{Iterations: 1, SimilarityInitial: 0.9}, "")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	var rec store.Record
	require.Eventually(t, func() bool {
		rec, err = st.Get(context.Background(), jobID)
		require.NoError(t, err)
		return rec.Status == store.StatusSuccess || rec.Status == store.StatusFailure
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, store.StatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.Stats.StartingBlockCount)
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestManager_WatchdogTimeout(t *testing.T) {
	st := store.NewMemory()
	driver := newTestDriver(t, blockingEmbedder{})
	m := NewManager(st, driver, nil, testLogger(t), 4, 30*time.Millisecond)

	jobID, err := m.Submit(context.Background(), testBlocks(), dedupe.IterationConfig{Iterations: 1, SimilarityInitial: 0.9}, "")
	require.NoError(t, err)

	var rec store.Record
	require.Eventually(t, func() bool {
		rec, err = st.Get(context.Background(), jobID)
		require.NoError(t, err)
		return rec.Status != store.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, store.StatusTimeout, rec.Status)
	assert.NotEmpty(t, rec.Error)

	// A watchdog firing after the fact must never have clobbered a success;
	// here there was none to clobber, so this just confirms the terminal
	// write happened exactly once (no panic on a second write attempt by
	// the now-cancelled goroutine racing to finish).
	time.Sleep(50 * time.Millisecond)
	rec2, err := st.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, rec.Status, rec2.Status)
}

func TestManager_Cancel_RemovesJob(t *testing.T) {
	st := store.NewMemory()
	driver := newTestDriver(t, blockingEmbedder{})
	m := NewManager(st, driver, nil, testLogger(t), 4, time.Minute)

	jobID, err := m.Submit(context.Background(), testBlocks(), dedupe.IterationConfig{Iterations: 1, SimilarityInitial: 0.9}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := st.Get(context.Background(), jobID)
		require.NoError(t, err)
		return rec.Status == store.StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(context.Background(), jobID))

	_, err = st.Get(context.Background(), jobID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, m.Cancel(context.Background(), jobID), store.ErrNotFound)
}
