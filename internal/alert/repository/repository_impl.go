package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/adops/internal/alert/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() alertdomain.Repository {
	return &repo{}
}

const alertColumns = `id, user_id, campaign_id, campaign_name, metric_type, operator, threshold_value,
	is_active, notification_channels, triggered_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, alert *alertdomain.CampaignAlert) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO campaign_alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.UserID,
		alert.CampaignID,
		alert.CampaignName,
		alert.MetricType,
		alert.Operator,
		alert.ThresholdValue,
		alert.IsActive,
		alert.NotificationChannels,
		alert.TriggeredAt,
		alert.CreatedAt,
		alert.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID) (*alertdomain.CampaignAlert, error) {
	var rows []alertdomain.CampaignAlert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+`
		 FROM campaign_alerts
		 WHERE user_id = ? AND id = ?
		 LIMIT 1`,
		userID,
		id,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID, campaignID string) ([]alertdomain.CampaignAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM campaign_alerts WHERE user_id = ?`
	args := []any{userID}
	if campaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	var rows []alertdomain.CampaignAlert
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListActiveForCampaign(ctx context.Context, db *gorm.DB, userID, campaignID string) ([]alertdomain.CampaignAlert, error) {
	var rows []alertdomain.CampaignAlert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+`
		 FROM campaign_alerts
		 WHERE user_id = ? AND campaign_id = ? AND is_active = ?
		 ORDER BY id ASC`,
		userID,
		campaignID,
		true,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM campaign_alerts WHERE user_id = ? AND id = ?`,
		userID,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID, active bool, now time.Time) (bool, error) {
	query := `UPDATE campaign_alerts SET is_active = ?, updated_at = ? WHERE user_id = ? AND id = ?`
	if !active {
		query = `UPDATE campaign_alerts SET is_active = ?, triggered_at = NULL, updated_at = ? WHERE user_id = ? AND id = ?`
	}
	result := db.WithContext(ctx).Exec(query, active, now, userID, id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkTriggered(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE campaign_alerts
		 SET triggered_at = ?, updated_at = ?
		 WHERE id = ? AND triggered_at IS NULL`,
		at,
		at,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ClearTriggered(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE campaign_alerts
		 SET triggered_at = NULL, updated_at = ?
		 WHERE id = ? AND triggered_at IS NOT NULL`,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
