package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/llmmerge"
	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	vector []float32
}

func (s stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, nil
}

func fakeMergeServer(t *testing.T, handler func(blocks []llmmerge.Block) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		text := handler(nil)
		resp := struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}{Content: []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{{Type: "text", Text: text}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func mergeOneBlockResponse(name string) string {
	return fmt.Sprintf(`<ideablock><name>%s</name><critical_question>Q</critical_question><trusted_answer>A</trusted_answer></ideablock>`, name)
}

func newTestHierarchical(t *testing.T, srv *httptest.Server, maxClusterSize int) *Hierarchical {
	t.Helper()
	return newTestHierarchicalWithSemaphore(t, srv, maxClusterSize, 4)
}

func newTestHierarchicalWithSemaphore(t *testing.T, srv *httptest.Server, maxClusterSize, semSize int) *Hierarchical {
	t.Helper()
	// RateLimit lifts the client's default 50-per-minute limit, which would
	// otherwise stretch any run of more than five merges past the tests'
	// deadlines.
	client, err := llmmerge.NewClient(llmmerge.Config{BaseURL: srv.URL, MaxRetries: 1, RateLimit: 1000})
	require.NoError(t, err)
	sem := pool.NewSemaphore(semSize)
	return NewHierarchical(client, &SeededIDGenerator{Prefix: "m"}, stubEmbedder{vector: []float32{1, 0}}, sem,
		SimilarityConfig{}, HierarchicalConfig{MaxClusterSize: maxClusterSize, MaxDepth: 10})
}

func TestHierarchical_PassthroughUnderTwo(t *testing.T) {
	h := newTestHierarchical(t, fakeMergeServer(t, func([]llmmerge.Block) string { return "" }), 20)
	out, err := h.Merge(context.Background(), []Block{{ID: "a"}}, 0.9, 0)
	require.NoError(t, err)
	assert.Equal(t, []Block{{ID: "a"}}, out)
}

func TestHierarchical_SingleLeafMerge(t *testing.T) {
	srv := fakeMergeServer(t, func([]llmmerge.Block) string { return mergeOneBlockResponse("Merged") })
	defer srv.Close()
	h := newTestHierarchical(t, srv, 20)

	cluster := []Block{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}
	out, err := h.Merge(context.Background(), cluster, 0.9, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, BlockMerged, out[0].Type)
	assert.Equal(t, "Merged", out[0].Name)
	assert.ElementsMatch(t, []string{"1", "2"}, out[0].SourcesUsed)
}

func TestHierarchical_FailureLeavesClusterUnmerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	h := newTestHierarchical(t, srv, 20)

	cluster := []Block{{ID: "1"}, {ID: "2"}}
	out, err := h.Merge(context.Background(), cluster, 0.9, 0)
	require.NoError(t, err)
	assert.Equal(t, cluster, out)
}

func TestHierarchical_RecursesWhenOverMaxClusterSize(t *testing.T) {
	srv := fakeMergeServer(t, func([]llmmerge.Block) string { return mergeOneBlockResponse("Merged") })
	defer srv.Close()
	h := newTestHierarchical(t, srv, 4)

	cluster := make([]Block, 10)
	for i := range cluster {
		cluster[i] = Block{ID: fmt.Sprintf("id-%02d", i), Name: fmt.Sprintf("n%d", i)}
	}
	out, err := h.Merge(context.Background(), cluster, 0.99, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	for _, b := range out {
		assert.Equal(t, BlockMerged, b.Type)
	}
}

// TestHierarchical_WideFanOutDoesNotDeadlock guards against the shared LLM
// semaphore being acquired at both the recursive split fan-out and
// mergeLeaf: with MaxClusterSize small enough that every slice recurses
// straight into mergeLeaf, and k slices outnumbering the semaphore's
// capacity, a fan-out layer that also acquired the semaphore would fill
// every permit before any mergeLeaf call could get one, hanging forever
// (spec.md §5, "single global LLM semaphore").
func TestHierarchical_WideFanOutDoesNotDeadlock(t *testing.T) {
	srv := fakeMergeServer(t, func([]llmmerge.Block) string { return mergeOneBlockResponse("Merged") })
	defer srv.Close()
	h := newTestHierarchicalWithSemaphore(t, srv, 4, 2)

	cluster := make([]Block, 20)
	for i := range cluster {
		cluster[i] = Block{ID: fmt.Sprintf("id-%02d", i), Name: fmt.Sprintf("n%d", i)}
	}

	done := make(chan struct{})
	var out []Block
	var err error
	go func() {
		out, err = h.Merge(context.Background(), cluster, 0.99, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Merge deadlocked on a wide fan-out over the shared semaphore")
	}

	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestSubclusterSize(t *testing.T) {
	assert.Equal(t, 6, subclusterSize(10, 20))
	assert.Equal(t, 20, subclusterSize(10000, 20))
}

func TestIsqrt(t *testing.T) {
	assert.Equal(t, 0, isqrt(0))
	assert.Equal(t, 3, isqrt(9))
	assert.Equal(t, 3, isqrt(15))
	assert.Equal(t, 4, isqrt(16))
}
