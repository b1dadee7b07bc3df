package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsTotal tracks action execution outcomes.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_actions_total",
			Help: "Total number of actions executed, by type and outcome",
		},
		[]string{"action_type", "outcome"},
	)

	// ActionDuration tracks how long each action takes to run.
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "updater_action_duration_seconds",
			Help:    "Duration of action execution",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5 minutes
		},
		[]string{"action_type"},
	)

	// ChecksTotal tracks check outcomes.
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_checks_total",
			Help: "Total number of checks executed, by type and outcome",
		},
		[]string{"check_type", "outcome"},
	)

	// JobsTotal tracks terminal job outcomes.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	// ActiveJob is 1 while a job is running, 0 otherwise.
	ActiveJob = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "updater_active_job",
			Help: "1 if a job is currently running, 0 otherwise",
		},
	)

	// BackupsTotal tracks backup store operations.
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_backups_total",
			Help: "Total number of backup store operations, by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ChecksumVerifications tracks checksum verification results across
	// backups, archives, and engine installs.
	ChecksumVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_checksum_verifications_total",
			Help: "Total number of checksum verifications",
		},
		[]string{"subject", "result"},
	)

	// RetryAttempts tracks retry attempts on transient docker-daemon errors.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_retry_attempts_total",
			Help: "Total number of retry attempts against the docker daemon",
		},
		[]string{"operation", "outcome"},
	)

	// DockerOperationDuration tracks docker SDK call latency.
	DockerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "updater_docker_operation_duration_seconds",
			Help:    "Duration of docker SDK operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)
)

// Metrics provides convenience wrappers over the package-level collectors.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordAction records the outcome of one action execution.
func (m *Metrics) RecordAction(actionType, outcome string, seconds float64) {
	ActionsTotal.WithLabelValues(actionType, outcome).Inc()
	ActionDuration.WithLabelValues(actionType).Observe(seconds)
}

// RecordCheck records the outcome of one check execution.
func (m *Metrics) RecordCheck(checkType, outcome string) {
	ChecksTotal.WithLabelValues(checkType, outcome).Inc()
}

// RecordJob records a job's terminal status.
func (m *Metrics) RecordJob(status string) {
	JobsTotal.WithLabelValues(status).Inc()
}

// SetActiveJob marks whether a job is currently running.
func (m *Metrics) SetActiveJob(active bool) {
	if active {
		ActiveJob.Set(1)
	} else {
		ActiveJob.Set(0)
	}
}

// RecordBackup records the outcome of a backup store operation.
func (m *Metrics) RecordBackup(operation, outcome string) {
	BackupsTotal.WithLabelValues(operation, outcome).Inc()
}
