// Package metrics exposes Prometheus collectors for dispatch, progress and recovery.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "probe_orchestrator"

// Metrics holds the service's collectors
type Metrics struct {
	JobsEnqueued        *prometheus.CounterVec
	JobsDeduped         *prometheus.CounterVec
	JobsProcessed       *prometheus.CounterVec
	ProgressIncrements  *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	RecoveryOutcomes    *prometheus.CounterVec
	RegistryCacheMisses prometheus.Counter
	JobDuration         *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs submitted to the queue.",
		}, []string{"type", "queue"}),
		JobsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduped_total",
			Help:      "Jobs skipped because an identical job was already queued.",
		}, []string{"type", "queue"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs handled by the worker pool, by outcome.",
		}, []string{"queue", "outcome"}),
		ProgressIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_increments_total",
			Help:      "Probe outcomes applied to run progress.",
		}, []string{"outcome"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_status_transitions_total",
			Help:      "Run lifecycle transitions, by target status.",
		}, []string{"status"}),
		RecoveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Orphaned-run recovery results, by action.",
		}, []string{"action"}),
		RegistryCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_registry_cache_misses_total",
			Help:      "Model lookups that fell back to the store.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent handling a job.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"queue"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsEnqueued,
			m.JobsDeduped,
			m.JobsProcessed,
			m.ProgressIncrements,
			m.StatusTransitions,
			m.RecoveryOutcomes,
			m.RegistryCacheMisses,
			m.JobDuration,
		)
	}
	return m
}

// JobEnqueued records an enqueue attempt
func (m *Metrics) JobEnqueued(jobType, queue string, created bool) {
	if m == nil {
		return
	}
	if created {
		m.JobsEnqueued.WithLabelValues(jobType, queue).Inc()
	} else {
		m.JobsDeduped.WithLabelValues(jobType, queue).Inc()
	}
}

// JobProcessed records the outcome and duration of a handled job
func (m *Metrics) JobProcessed(queue, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(seconds)
}

// Progress records applied probe outcomes
func (m *Metrics) Progress(completed, failed int) {
	if m == nil {
		return
	}
	if completed > 0 {
		m.ProgressIncrements.WithLabelValues("completed").Add(float64(completed))
	}
	if failed > 0 {
		m.ProgressIncrements.WithLabelValues("failed").Add(float64(failed))
	}
}

// Transition records a run entering status
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// Recovery records a recovery action
func (m *Metrics) Recovery(action string) {
	if m == nil {
		return
	}
	m.RecoveryOutcomes.WithLabelValues(action).Inc()
}

// CacheMiss records a registry lookup that went to the store
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.RegistryCacheMisses.Inc()
}
