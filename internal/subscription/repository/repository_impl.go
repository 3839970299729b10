package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `user_id, plan_code, plan_name, store_limit, campaign_limit, features,
	provider_subscription_id, provider_customer_id, provider_price_id, provider_status,
	current_period_start, current_period_end, cancel_at_period_end,
	state, readonly_mode, grace_period_ends_at, archive_scheduled_at, archived_at, state_reason,
	version, created_at, updated_at`

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	var rows []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	var rows []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE provider_subscription_id = ?
		 LIMIT 1`,
		providerSubscriptionID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID,
		sub.PlanCode,
		sub.PlanName,
		sub.StoreLimit,
		sub.CampaignLimit,
		sub.Features,
		sub.ProviderSubscriptionID,
		sub.ProviderCustomerID,
		sub.ProviderPriceID,
		sub.ProviderStatus,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.State,
		sub.ReadonlyMode,
		sub.GracePeriodEndsAt,
		sub.ArchiveScheduledAt,
		sub.ArchivedAt,
		sub.StateReason,
		sub.Version,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateIfVersion(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_code = ?, plan_name = ?, store_limit = ?, campaign_limit = ?, features = ?,
		     provider_subscription_id = ?, provider_customer_id = ?, provider_price_id = ?,
		     provider_status = ?, current_period_start = ?, current_period_end = ?,
		     cancel_at_period_end = ?, state = ?, readonly_mode = ?, grace_period_ends_at = ?,
		     archive_scheduled_at = ?, archived_at = ?, state_reason = ?,
		     version = version + 1, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		sub.PlanCode,
		sub.PlanName,
		sub.StoreLimit,
		sub.CampaignLimit,
		sub.Features,
		sub.ProviderSubscriptionID,
		sub.ProviderCustomerID,
		sub.ProviderPriceID,
		sub.ProviderStatus,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.State,
		sub.ReadonlyMode,
		sub.GracePeriodEndsAt,
		sub.ArchiveScheduledAt,
		sub.ArchivedAt,
		sub.StateReason,
		sub.UpdatedAt,
		sub.UserID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	sub.Version = expectedVersion + 1
	return true, nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, entry *subscriptiondomain.HistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_history (
			id, user_id, event_type, from_state, to_state, plan_code, provider_status,
			period_start, period_end, reason, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.EventType,
		entry.FromState,
		entry.ToState,
		entry.PlanCode,
		entry.ProviderStatus,
		entry.PeriodStart,
		entry.PeriodEnd,
		entry.Reason,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, userID string, limit int) ([]subscriptiondomain.HistoryEntry, error) {
	var entries []subscriptiondomain.HistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, event_type, from_state, to_state, plan_code, provider_status,
		        period_start, period_end, reason, metadata, created_at
		 FROM subscription_history
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) FindProfile(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.Profile, error) {
	var rows []subscriptiondomain.Profile
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, full_name, company FROM profiles WHERE id = ? LIMIT 1`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) AnonymizeProfile(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE profiles
		 SET full_name = ?, company = NULL, updated_at = ?
		 WHERE id = ?`,
		subscriptiondomain.AnonymizedName,
		now,
		userID,
	).Error
}

func (r *repo) InsertArchive(ctx context.Context, db *gorm.DB, row *subscriptiondomain.ArchivedUserData) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO archived_user_data (id, user_id, payload, key_version, archived_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.ID,
		row.UserID,
		row.Payload,
		row.KeyVersion,
		row.ArchivedAt,
	).Error
}
