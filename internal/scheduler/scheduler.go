package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/adops/internal/clock"
	"github.com/smallbiznis/adops/internal/lock"
	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobExpireSubscriptions  = "expire_subscriptions"
	JobSuspendSubscriptions = "suspend_subscriptions"
	JobArchiveSubscriptions = "archive_subscriptions"

	sweepLockKey     = "adops:scheduler:subscription_sweep"
	resourceSub      = "subscription"
	lockReleaseLimit = 5 * time.Second
)

var (
	ErrInvalidConfig   = errors.New("invalid_scheduler_config")
	ErrSweepInProgress = errors.New("sweep_in_progress")
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	Locker          *lock.Locker `optional:"true"`
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	locker          *lock.Locker

	running atomic.Bool
}

// RowError records one subscription the sweep could not advance.
type RowError struct {
	UserID string `json:"user_id"`
	Job    string `json:"job"`
	Error  string `json:"error"`
}

// SweepResult summarizes one RunOnce invocation.
type SweepResult struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Expired    int        `json:"expired"`
	Suspended  int        `json:"suspended"`
	Archived   int        `json:"archived"`
	Skipped    int        `json:"skipped"`
	Errors     []RowError `json:"errors"`
}

type sweepJob struct {
	name      string
	query     candidateQuery
	transform func(ctx context.Context, sub subscriptiondomain.Subscription) error
	counter   *int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.SubscriptionSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	runID string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, runID, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout && parent.Err() == nil {
		// The remaining candidates are picked up by the next sweep.
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce advances every due subscription by at most one lifecycle step per
// job. Row failures are collected in the result; the returned error is
// reserved for job-level failures such as a lost database connection.
func (s *Scheduler) RunOnce(parent context.Context) (SweepResult, error) {
	result := SweepResult{
		RunID:     s.genID.Generate().String(),
		StartedAt: s.clock.Now(),
		Errors:    []RowError{},
	}

	release, token, err := s.acquire(parent)
	if err != nil {
		result.FinishedAt = s.clock.Now()
		return result, err
	}
	defer release()

	now := result.StartedAt
	jobs := []sweepJob{
		{JobExpireSubscriptions, expireCandidates, s.subscriptionSvc.Expire, &result.Expired},
		{JobSuspendSubscriptions, suspendCandidates, s.subscriptionSvc.Suspend, &result.Suspended},
		{JobArchiveSubscriptions, archiveCandidates, s.subscriptionSvc.Archive, &result.Archived},
	}

	var jobErr error
	for i, job := range jobs {
		if !s.isJobEnabled(job.name) {
			continue
		}
		if i > 0 {
			if err := s.extendLock(parent, token); err != nil {
				jobErr = errors.Join(jobErr, err)
				break
			}
		}
		jobErr = errors.Join(jobErr, s.runJob(parent, job.name, result.RunID, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.sweep(ctx, job, now, &result)
		}))
	}

	result.FinishedAt = s.clock.Now()
	return result, jobErr
}

// sweep pages through candidates by user id so rows that keep failing are
// visited once per run.
func (s *Scheduler) sweep(ctx context.Context, job sweepJob, now time.Time, result *SweepResult) error {
	run := jobRunFromContext(ctx)
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates, err := s.claimCandidates(ctx, job.query, now, cursor, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, sub := range candidates {
			cursor = sub.UserID
			s.process(ctx, run, job, sub, result)
		}
		if len(candidates) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Scheduler) process(ctx context.Context, run *jobRun, job sweepJob, sub subscriptiondomain.Subscription, result *SweepResult) {
	schedMetrics := obsmetrics.Scheduler()

	err := job.transform(ctx, sub)
	switch {
	case err == nil:
		*job.counter++
		run.AddProcessed(1)
		schedMetrics.AddBatchProcessed(job.name, resourceSub, 1)
	case errors.Is(err, subscriptiondomain.ErrConcurrentUpdate),
		errors.Is(err, subscriptiondomain.ErrTransitionNotAllowed):
		result.Skipped++
		run.IncSkipped()
		schedMetrics.IncRowSkipped(job.name)
		s.logRowSkipped(ctx, job.name, sub.UserID, err)
	default:
		result.Errors = append(result.Errors, RowError{
			UserID: sub.UserID,
			Job:    job.name,
			Error:  err.Error(),
		})
		schedMetrics.IncJobError(job.name, err)
		s.logSchedulerError(ctx, run, "scheduler.row.failed", job.name, sub.UserID, err,
			zap.String("state", string(sub.State)),
			zap.Int64("version", sub.Version),
		)
	}
}

// acquire takes the in-process guard and, when Redis is configured, the
// cluster-wide sweep lock. The token is empty without Redis.
func (s *Scheduler) acquire(ctx context.Context) (func(), string, error) {
	if !s.running.CompareAndSwap(false, true) {
		obsmetrics.Scheduler().IncSweepRejected()
		return nil, "", ErrSweepInProgress
	}
	if s.locker == nil {
		return func() { s.running.Store(false) }, "", nil
	}

	token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
	if err != nil {
		s.running.Store(false)
		return nil, "", fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.running.Store(false)
		obsmetrics.Scheduler().IncSweepRejected()
		return nil, "", ErrSweepInProgress
	}

	return func() {
		defer s.running.Store(false)
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseLimit)
		defer cancel()
		if err := s.locker.Release(releaseCtx, sweepLockKey, token); err != nil {
			s.log.Warn("failed to release sweep lock", zap.Error(err))
		}
	}, token, nil
}

// extendLock renews the sweep lock between jobs. Only a lost lock stops the
// run; a Redis error leaves the remaining ttl in place.
func (s *Scheduler) extendLock(ctx context.Context, token string) error {
	if s.locker == nil || token == "" {
		return nil
	}
	err := s.locker.Refresh(ctx, sweepLockKey, token, s.cfg.LockTTL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lock.ErrLockLost):
		s.log.Warn("sweep lock lost, stopping run")
		return fmt.Errorf("refresh sweep lock: %w", err)
	default:
		s.log.Warn("failed to refresh sweep lock", zap.Error(err))
		return nil
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		result, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
			s.log.Info("sweep already running elsewhere, skipping tick")
		case err != nil:
			s.log.Warn("scheduler run failed", zap.Error(err))
		default:
			s.log.Info("scheduler run finished",
				zap.String("run_id", result.RunID),
				zap.Int("expired", result.Expired),
				zap.Int("suspended", result.Suspended),
				zap.Int("archived", result.Archived),
				zap.Int("skipped", result.Skipped),
				zap.Int("errors", len(result.Errors)),
			)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
