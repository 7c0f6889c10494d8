// Package embeddings implements the embedding client (C1): it turns block
// text into unit-norm vectors via a remote embedding API, batching and
// parallelizing requests while preserving input order.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/httpretry"
	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
	"golang.org/x/time/rate"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Config holds configuration for the embedding client.
type Config struct {
	// BaseURL is the base URL of the embedding API (TEI-compatible /embed endpoint).
	BaseURL string
	// Model is the embedding model name, passed through for logging/metrics only.
	Model string
	// APIKey is sent as a bearer token if set.
	APIKey string
	// BatchSize is the maximum number of texts per request (spec default 1000).
	BatchSize int
	// Parallel is the maximum number of concurrent batch requests (spec default 10).
	Parallel int
	// MaxRetries is the total attempt count per batch, including the first (default 3).
	MaxRetries int
	// BaseBackoff is the initial retry backoff, doubled on each subsequent attempt.
	BaseBackoff time.Duration
	// RequestTimeout bounds a single batch request.
	RequestTimeout time.Duration
	// RateLimit caps requests per second against the embedding API; 0 disables limiting.
	RateLimit float64
	// Burst is the rate limiter's burst allowance.
	Burst int
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Parallel <= 0 {
		c.Parallel = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return nil
}

// Client generates embeddings for block text via a TEI-compatible HTTP API.
type Client struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	metrics *Metrics
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Client{
		config:  config,
		client:  &http.Client{Timeout: config.RequestTimeout},
		limiter: limiter,
		metrics: NewMetrics(),
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// EmbedTexts embeds texts in input order, splitting into batches of at most
// config.BatchSize and dispatching up to config.Parallel batches
// concurrently. The returned slice has one unit-norm vector per input text,
// in the same order (spec.md §4.1).
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	batches := chunk(texts, c.config.BatchSize)
	start := time.Now()

	batchResults, errs := pool.Run(ctx, c.config.Parallel, len(batches), func(ctx context.Context, i int) ([][]float32, error) {
		return c.embedBatch(ctx, batches[i])
	})

	c.metrics.RecordGeneration(ctx, c.config.Model, "embed_batch", time.Since(start), len(texts), pool.FirstError(errs))
	if err := pool.FirstError(errs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	vectors := make([][]float32, 0, len(texts))
	for _, b := range batchResults {
		vectors = append(vectors, b...)
	}
	for i, v := range vectors {
		vectors[i] = normalize(v)
	}
	return vectors, nil
}

// EmbedText embeds a single text and returns its unit-norm vector.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	policy := httpretry.Policy{MaxAttempts: c.config.MaxRetries, BaseBackoff: c.config.BaseBackoff}
	return httpretry.Do(ctx, policy, func(ctx context.Context, _ int) ([][]float32, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}
		return c.doEmbed(ctx, texts)
	})
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, httpretry.Retryable(fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpretry.RetryableStatus(resp.StatusCode) {
		return nil, httpretry.Retryable(fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.Unmarshal(respBody, &vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", ErrEmbeddingFailed, len(texts), len(vectors))
	}
	return vectors, nil
}

// chunk splits texts into contiguous slices of at most size, preserving order.
func chunk(texts []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, texts[i:end])
	}
	return batches
}

// normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged rather than dividing by zero.
func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
