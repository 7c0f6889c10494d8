// Package webhook implements the fire-and-forget notification a job manager
// sends to a caller-supplied URL when a job reaches a terminal status
// (spec.md §6, "Optional query parameter webhook_url").
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/httpretry"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
	"github.com/fyrsmithlabs/distillsvc/internal/logging"
	"go.uber.org/zap"
)

// Config configures a Notifier.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Notifier posts a job's terminal state to its webhook URL. Delivery is
// best-effort: failures are logged, never surfaced to the polling client,
// since the job's own status is already durably recorded (spec.md §4.7).
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *logging.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg Config, logger *logging.Logger) *Notifier {
	cfg.applyDefaults()
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// payload mirrors the polling response shape (spec.md §6, "Polling") so a
// webhook receiver can reuse the same deserializer as a polling client.
type payload struct {
	SchemaVersion int         `json:"schemaVersion"`
	JobID         string      `json:"jobId"`
	Status        store.Status `json:"status"`
	Error         *string     `json:"error"`
}

// Notify fires the webhook in a detached goroutine and returns immediately;
// the caller's request/job-manager loop never blocks on delivery.
func (n *Notifier) Notify(ctx context.Context, rec store.Record) {
	go n.deliver(rec)
}

func (n *Notifier) deliver(rec store.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	body, err := json.Marshal(payload{SchemaVersion: 1, JobID: rec.JobID, Status: rec.Status, Error: errMsg})
	if err != nil {
		n.logger.Error(ctx, "encoding webhook payload failed", zap.Error(err))
		return
	}

	policy := httpretry.Policy{MaxAttempts: n.cfg.MaxRetries, BaseBackoff: 2 * time.Second}
	_, err = httpretry.Do(ctx, policy, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, n.post(ctx, rec.WebhookURL, body)
	})
	if err != nil {
		n.logger.Warn(ctx, "webhook delivery failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return httpretry.Retryable(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()

	if httpretry.RetryableStatus(resp.StatusCode) {
		return httpretry.Retryable(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
