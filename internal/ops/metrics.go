// Package ops carries the operational surface: Prometheus metrics and the
// aggregated system status served to operators.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// duplicate-registration panics.
type Metrics struct {
	// Admission
	JobsCreated      *prometheus.CounterVec
	AdmissionRefused *prometheus.CounterVec

	// Dispatch
	JobsFinished *prometheus.CounterVec
	JobRetries   *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec

	// Safety
	CircuitState *prometheus.GaugeVec

	// Browser pool
	PoolInstances prometheus.Gauge
	PoolInUse     prometheus.Gauge

	// API
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_jobs_created_total",
				Help: "Jobs admitted and enqueued",
			},
			[]string{"domain", "job_type"},
		),

		AdmissionRefused: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_admission_refused_total",
				Help: "Admissions refused by the policy enforcer",
			},
			[]string{"action"}, // deny, rate_limit, concurrency_limit, strategy_restricted
		),

		JobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_jobs_finished_total",
				Help: "Jobs reaching a terminal status",
			},
			[]string{"domain", "status"},
		),

		JobRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_job_retries_total",
				Help: "Attempts re-enqueued after a retryable failure",
			},
			[]string{"domain"},
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marionette_job_duration_seconds",
				Help:    "Execution duration per attempt",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"job_type"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marionette_queue_depth",
				Help: "Entries waiting per priority stream",
			},
			[]string{"priority"},
		),

		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marionette_circuit_state",
				Help: "Circuit breaker state per domain (0 closed, 1 half-open, 2 open)",
			},
			[]string{"domain"},
		),

		PoolInstances: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "marionette_browser_instances",
				Help: "Live browser instances in the pool",
			},
		),

		PoolInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "marionette_browser_pages_in_use",
				Help: "Pages currently leased to workers",
			},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marionette_http_request_duration_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}

// RecordJobCreated counts an admitted job.
func (m *Metrics) RecordJobCreated(domain, jobType string) {
	if m == nil {
		return
	}
	m.JobsCreated.WithLabelValues(domain, jobType).Inc()
}

// RecordRefusal counts a policy refusal by audit action.
func (m *Metrics) RecordRefusal(action string) {
	if m == nil {
		return
	}
	m.AdmissionRefused.WithLabelValues(action).Inc()
}

// RecordJobFinished counts a terminal transition and its duration.
func (m *Metrics) RecordJobFinished(domain, status, jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(domain, status).Inc()
	if seconds > 0 {
		m.JobDuration.WithLabelValues(jobType).Observe(seconds)
	}
}

// RecordRetry counts a re-enqueued attempt.
func (m *Metrics) RecordRetry(domain string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(domain).Inc()
}

// SetQueueDepth updates one priority stream's gauge.
func (m *Metrics) SetQueueDepth(priority string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(priority).Set(depth)
}

// SetCircuitState mirrors a breaker state change.
func (m *Metrics) SetCircuitState(domain string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(domain).Set(state)
}

// SetPoolStats mirrors the browser pool gauges.
func (m *Metrics) SetPoolStats(instances, inUse int) {
	if m == nil {
		return
	}
	m.PoolInstances.Set(float64(instances))
	m.PoolInUse.Set(float64(inUse))
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, status).Observe(seconds)
}
