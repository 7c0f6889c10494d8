package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEmbedServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vectors := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			v := make([]float32, dim)
			v[0] = float32(i + 1)
			vectors[i] = v
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
}

func TestClient_EmbedTexts_ReturnsOneNormalizedVectorPerText(t *testing.T) {
	srv := fakeEmbedServer(t, 4)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, BatchSize: 2, Parallel: 4})
	require.NoError(t, err)

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := c.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, v := range vectors {
		assert.InDelta(t, float32(1.0), v[0], 1e-6, "vector %d should be unit norm on its only nonzero component", i)
		_ = i
	}
}

func TestClient_EmbedTexts_EmptyInput(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://unused"})
	require.NoError(t, err)

	_, err = c.EmbedTexts(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestClient_EmbedTexts_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req teiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		vectors := make([][]float32, len(req.Inputs))
		for i := range vectors {
			vectors[i] = []float32{1, 0}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(vectors)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, MaxRetries: 3, BaseBackoff: 1})
	require.NoError(t, err)

	vectors, err := c.EmbedTexts(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_EmbedTexts_NonRetryableStatusFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, MaxRetries: 3, BaseBackoff: 1})
	require.NoError(t, err)

	_, err = c.EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, float32(0.6), v[0], 1e-6)
	assert.InDelta(t, float32(0.8), v[1], 1e-6)

	zero := normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
