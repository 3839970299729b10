package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/adops/internal/archive"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/smallbiznis/adops/pkg/db"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeConflict         = "conflict"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonConcurrentUpdate     = "concurrent_update"
	SchedulerJobReasonArchiveKey           = "archive_key"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	LockResourceExpireCandidates  = "subscriptions_expire"
	LockResourceSuspendCandidates = "subscriptions_suspend"
	LockResourceArchiveCandidates = "subscriptions_archive"
)

// SchedulerMetrics captures subscription sweep health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	rowsSkipped      *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	sweepsRejected   prometheus.Counter
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest swaps the singleton for one backed by a private
// registry and returns that registry.
func ResetSchedulerMetricsForTest() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	schedulerMetricsOnce = sync.Once{}
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(registry, Config{})
	})
	return registry
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.constLabels()

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_scheduler_job_runs_total",
		Help:        "Sweep job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "adops_scheduler_job_duration_seconds",
		Help:        "Sweep job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_scheduler_job_timeouts_total",
		Help:        "Sweep jobs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_scheduler_job_errors_total",
		Help:        "Sweep row and job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_scheduler_batch_processed_total",
		Help:        "Subscriptions transitioned by the sweep.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	rowsSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_scheduler_rows_skipped_total",
		Help:        "Candidate rows skipped because a concurrent writer changed them.",
		ConstLabels: constLabels,
	}, []string{"job"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_subscription_transitions_total",
		Help:        "Subscription lifecycle transitions by source and target state.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	sweepsRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "adops_scheduler_sweeps_rejected_total",
		Help:        "Sweep invocations rejected because another sweep holds the lock.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "adops_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "adops_scheduler_db_lock_wait_seconds",
		Help:        "Time spent claiming candidate rows with SELECT FOR UPDATE SKIP LOCKED.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		rowsSkipped,
		transitions,
		sweepsRejected,
		runLoopLag,
		dbLockWait,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceExpireCandidates:  dbLockWait.WithLabelValues(LockResourceExpireCandidates),
		LockResourceSuspendCandidates: dbLockWait.WithLabelValues(LockResourceSuspendCandidates),
		LockResourceArchiveCandidates: dbLockWait.WithLabelValues(LockResourceArchiveCandidates),
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		rowsSkipped:      rowsSkipped,
		transitions:      transitions,
		sweepsRejected:   sweepsRejected,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a sweep job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records sweep job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the sweep job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncRowSkipped(job string) {
	if m == nil {
		return
	}
	m.rowsSkipped.WithLabelValues(job).Inc()
}

// IncTransition counts a committed lifecycle transition.
func (m *SchedulerMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(from) == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *SchedulerMetrics) IncSweepRejected() {
	if m == nil {
		return
	}
	m.sweepsRejected.Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
		return SchedulerErrorTypeConflict
	}
	if db.IsDriverError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the next sweep may succeed for the same row.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
		return true
	}
	return db.IsDriverError(err)
}

// ClassifySchedulerJobReason maps sweep errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
		return SchedulerJobReasonConcurrentUpdate
	}
	if errors.Is(err, archive.ErrKeyMissing) {
		return SchedulerJobReasonArchiveKey
	}
	if db.IsLockNotAvailable(err) {
		return SchedulerJobReasonDBLockTimeout
	}
	if db.IsSerializationFailure(err) {
		return SchedulerJobReasonSerializationFailure
	}
	if db.IsDuplicateKeyErr(err) {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}
