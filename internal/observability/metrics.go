package observability

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace    = "parsync"
	subsystemJob = "job"
	subsystemPar = "parity"

	labelKind    = "kind"
	labelOutcome = "outcome"
	labelReason  = "reason"
	labelAction  = "action"
)

var (
	// JobCounter counts executed jobs by kind and outcome.
	JobCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemJob,
		Name:      "runs_total",
		Help:      "Total number of executed jobs by kind and outcome",
	}, []string{labelKind, labelOutcome})

	// SkipCounter counts jobs skipped before execution by reason.
	SkipCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemJob,
		Name:      "skips_total",
		Help:      "Total number of jobs skipped at an admission gate",
	}, []string{labelReason})

	// JobDuration observes job execution time by kind.
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemJob,
		Name:      "duration_seconds",
		Help:      "Job execution duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{labelKind})

	// ParityFiles counts parity database actions (created, verified,
	// repaired, orphaned).
	ParityFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemPar,
		Name:      "files_total",
		Help:      "Total number of parity file actions",
	}, []string{labelAction})
)

// Skip reasons reported by the admission gates.
const (
	ReasonMount  = "mount_unavailable"
	ReasonMemory = "memory_pressure"
	ReasonLock   = "lock_contention"
)

// Parity action labels.
const (
	ActionCreated  = "created"
	ActionVerified = "verified"
	ActionRepaired = "repaired"
	ActionOrphaned = "orphaned"
)

// Register registers all observability metrics.
func Register() {
	prometheus.MustRegister(JobCounter, SkipCounter, JobDuration, ParityFiles)
}
