package scheduler

import (
	"context"
	"fmt"
	"time"

	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"gorm.io/gorm"
)

const candidateColumns = `user_id, plan_code, plan_name, store_limit, campaign_limit, features,
	provider_subscription_id, provider_customer_id, provider_price_id, provider_status,
	current_period_start, current_period_end, cancel_at_period_end,
	state, readonly_mode, grace_period_ends_at, archive_scheduled_at, archived_at, state_reason,
	version, created_at, updated_at`

// candidateQuery selects rows whose lifecycle threshold passed before now.
type candidateQuery struct {
	resource string
	where    string
	args     func(now time.Time) []any
}

var (
	expireCandidates = candidateQuery{
		resource: obsmetrics.LockResourceExpireCandidates,
		where: `state = ?
		   AND current_period_end IS NOT NULL
		   AND current_period_end < ?
		   AND LOWER(provider_status) <> ?`,
		args: func(now time.Time) []any {
			return []any{subscriptiondomain.StateActive, now, subscriptiondomain.ProviderStatusActive}
		},
	}
	suspendCandidates = candidateQuery{
		resource: obsmetrics.LockResourceSuspendCandidates,
		where: `state = ?
		   AND grace_period_ends_at IS NOT NULL
		   AND grace_period_ends_at < ?`,
		args: func(now time.Time) []any {
			return []any{subscriptiondomain.StateExpired, now}
		},
	}
	archiveCandidates = candidateQuery{
		resource: obsmetrics.LockResourceArchiveCandidates,
		where: `state = ?
		   AND archive_scheduled_at IS NOT NULL
		   AND archive_scheduled_at < ?`,
		args: func(now time.Time) []any {
			return []any{subscriptiondomain.StateSuspended, now}
		},
	}
)

// claimCandidates returns the next page after cursor, ordered by user id.
// SKIP LOCKED only keeps the page query from waiting on rows another writer
// holds at that instant; the row locks end with this transaction. Each
// transition is guarded by UpdateIfVersion, so a row advanced elsewhere after
// the claim surfaces as ErrConcurrentUpdate and is counted as skipped.
func (s *Scheduler) claimCandidates(ctx context.Context, q candidateQuery, now time.Time, cursor string, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var rows []subscriptiondomain.Subscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		query := fmt.Sprintf(
			`SELECT %s
			 FROM subscriptions
			 WHERE %s
			   AND user_id > ?
			 ORDER BY user_id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			candidateColumns,
			q.where,
		)
		args := append(q.args(now), cursor, limit)

		schedMetrics := obsmetrics.Scheduler()
		lockStart := time.Now()
		err := tx.WithContext(claimCtx).Raw(query, args...).Scan(&rows).Error
		schedMetrics.ObserveDBLockWait(q.resource, time.Since(lockStart))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
