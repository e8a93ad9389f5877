// Package metrics exports worker observability events to Prometheus.
package metrics

import (
	"strconv"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "durable"

var (
	scanDurationBuckets    = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	attemptDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Prometheus implements durable.WorkerMetrics.
type Prometheus struct {
	ScansTotal       *prometheus.CounterVec
	WakesDue         *prometheus.CounterVec
	ScanDuration     *prometheus.HistogramVec
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	ActivitiesTotal  *prometheus.CounterVec
	ActivityDuration *prometheus.HistogramVec
	LeasesLostTotal  *prometheus.CounterVec
}

var _ durable.WorkerMetrics = (*Prometheus)(nil)

// NewPrometheus creates and registers the worker instruments on reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Prometheus{
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_scans_total",
			Help:      "Total number of wake index scans.",
		}, []string{"shard"}),
		WakesDue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakes_due_total",
			Help:      "Total number of due wakes read by scans.",
		}, []string{"shard"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wake_scan_duration_seconds",
			Help:      "Wake scan duration in seconds.",
			Buckets:   scanDurationBuckets,
		}, []string{"shard"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_attempts_total",
			Help:      "Total number of workflow attempts by outcome.",
		}, []string{"workflow", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_attempt_duration_seconds",
			Help:      "Workflow attempt duration in seconds.",
			Buckets:   attemptDurationBuckets,
		}, []string{"workflow"}),
		ActivitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_executions_total",
			Help:      "Total number of activity executions by outcome.",
		}, []string{"activity", "outcome"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Activity execution duration in seconds.",
			Buckets:   attemptDurationBuckets,
		}, []string{"activity"}),
		LeasesLostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_lost_total",
			Help:      "Total number of attempts aborted after losing the lease.",
		}, []string{"workflow"}),
	}

	reg.MustRegister(
		m.ScansTotal,
		m.WakesDue,
		m.ScanDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.ActivitiesTotal,
		m.ActivityDuration,
		m.LeasesLostTotal,
	)
	return m
}

func (m *Prometheus) RecordScan(shard int, due int, duration time.Duration) {
	label := strconv.Itoa(shard)
	m.ScansTotal.WithLabelValues(label).Inc()
	m.WakesDue.WithLabelValues(label).Add(float64(due))
	m.ScanDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (m *Prometheus) RecordAttempt(workflow string, outcome durable.AttemptOutcome, duration time.Duration) {
	m.AttemptsTotal.WithLabelValues(workflow, string(outcome)).Inc()
	if outcome != durable.OutcomeSkipped {
		m.AttemptDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	}
}

func (m *Prometheus) RecordActivity(activity string, outcome string, duration time.Duration) {
	m.ActivitiesTotal.WithLabelValues(activity, outcome).Inc()
	m.ActivityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

func (m *Prometheus) RecordLeaseLost(workflow string) {
	m.LeasesLostTotal.WithLabelValues(workflow).Inc()
}
