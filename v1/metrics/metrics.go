package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TransitionCounter tracks completed transitions, labelled by outcome
	// (applied, rejected, failed).
	TransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ward_transitions_total",
		Help: "Total number of workflow transitions by outcome",
	}, []string{"outcome"})
	// ConflictCounter tracks optimistic-versioning conflicts.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_conflicts_total",
		Help: "Total number of stale-version and serialization conflicts",
	})
	// RetryCounter tracks retry attempts performed by the retry executor.
	RetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_retries_total",
		Help: "Total number of retried attempts",
	})
	// AuditFailureCounter tracks audit entries that could not be written
	// after a committed transition.
	AuditFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_audit_failures_total",
		Help: "Total number of failed audit writes",
	})
	// LockWaitSeconds observes how long callers waited for the distributed mutex.
	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ward_lock_wait_seconds",
		Help:    "Time spent waiting for the distributed mutex",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
	// TxDurationSeconds observes the duration of the transactional critical section.
	TxDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ward_tx_duration_seconds",
		Help:    "Duration of the transactional critical section",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers ward core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(TransitionCounter, ConflictCounter, RetryCounter,
		AuditFailureCounter, LockWaitSeconds, TxDurationSeconds)
}
