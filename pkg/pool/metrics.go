package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus pool metrics distinguished by the "pool" label.
// Run, RunWithSemaphore and RunUnbounded do not record into it; a caller
// records through RecordTask and SetInFlight.
type Metrics struct {
	TasksTotal    *prometheus.CounterVec
	TaskFailures  *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	InFlightGauge *prometheus.GaugeVec
}

// NewMetrics creates and registers the pool metrics exactly once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "distill_pool_tasks_total",
					Help: "Total number of pool tasks completed",
				},
				[]string{"pool"},
			),
			TaskFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "distill_pool_task_failures_total",
					Help: "Total number of pool tasks that returned an error",
				},
				[]string{"pool"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "distill_pool_task_duration_seconds",
					Help:    "Duration of individual pool tasks in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
				},
				[]string{"pool"},
			),
			InFlightGauge: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "distill_pool_in_flight",
					Help: "Number of pool tasks currently executing",
				},
				[]string{"pool"},
			),
		}
	})
	return globalMetrics
}

// RecordTask records the completion of a single task, successful or not.
func (m *Metrics) RecordTask(pool string, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(pool).Inc()
	m.TaskDuration.WithLabelValues(pool).Observe(durationSeconds)
	if err != nil {
		m.TaskFailures.WithLabelValues(pool).Inc()
	}
}

// SetInFlight updates the current in-flight task count for a pool.
func (m *Metrics) SetInFlight(pool string, n int) {
	if m == nil {
		return
	}
	m.InFlightGauge.WithLabelValues(pool).Set(float64(n))
}
