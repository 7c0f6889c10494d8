package jobs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the job manager's Prometheus instruments: one counter per
// terminal status, a duration histogram, and a gauge tracking jobs
// currently occupying a worker slot.
type Metrics struct {
	SubmittedTotal *prometheus.CounterVec
	Duration       prometheus.Histogram
	ActiveGauge    prometheus.Gauge
}

// NewMetrics creates and registers the job manager's metrics exactly once
// per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SubmittedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "distill_jobs_total",
					Help: "Total number of distillation jobs by terminal status",
				},
				[]string{"status"},
			),
			Duration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "distill_job_duration_seconds",
					Help:    "Wall-clock duration of a distillation job from acquiring a worker slot to terminal status",
					Buckets: prometheus.ExponentialBuckets(1, 2, 14),
				},
			),
			ActiveGauge: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "distill_jobs_active",
					Help: "Number of distillation jobs currently occupying a worker slot",
				},
			),
		}
	})
	return globalMetrics
}

// RecordTerminal records a job reaching a terminal status after durationSeconds.
func (m *Metrics) RecordTerminal(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SubmittedTotal.WithLabelValues(status).Inc()
	m.Duration.Observe(durationSeconds)
}
