package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
	"github.com/fyrsmithlabs/distillsvc/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
	require.NoError(t, err)
	return logger
}

func TestNotifier_DeliversOnSuccess(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Timeout: 2 * time.Second, MaxRetries: 1}, testLogger(t))
	rec := store.Record{JobID: "job-1", Status: store.StatusSuccess, WebhookURL: srv.URL}
	n.Notify(t.Context(), rec)

	select {
	case p := <-received:
		assert.Equal(t, "job-1", p.JobID)
		assert.Equal(t, store.StatusSuccess, p.Status)
		assert.Nil(t, p.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered in time")
	}
}

func TestNotifier_DeliversFailureError(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Timeout: 2 * time.Second, MaxRetries: 1}, testLogger(t))
	rec := store.Record{JobID: "job-2", Status: store.StatusFailure, Error: "boom", WebhookURL: srv.URL}
	n.Notify(t.Context(), rec)

	select {
	case p := <-received:
		require.NotNil(t, p.Error)
		assert.Equal(t, "boom", *p.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered in time")
	}
}

func TestNotifier_GivesUpAfterRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Timeout: 5 * time.Second, MaxRetries: 2}, testLogger(t))
	rec := store.Record{JobID: "job-3", Status: store.StatusFailure, WebhookURL: srv.URL}
	n.Notify(t.Context(), rec)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 2
	}, 4*time.Second, 20*time.Millisecond, "notifier should make MaxRetries attempts then give up")

	// No further attempts should arrive once retries are exhausted.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestNotifier_NotifyDoesNotBlock(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(unblock)

	n := NewNotifier(Config{Timeout: 2 * time.Second, MaxRetries: 1}, testLogger(t))
	rec := store.Record{JobID: "job-4", Status: store.StatusSuccess, WebhookURL: srv.URL}

	start := time.Now()
	n.Notify(t.Context(), rec)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Notify must return before delivery completes")
}
