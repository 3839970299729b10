package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, alert *CampaignAlert) error
	FindByID(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID) (*CampaignAlert, error)
	// List returns the user's rules, narrowed to one campaign when campaignID is set.
	List(ctx context.Context, db *gorm.DB, userID, campaignID string) ([]CampaignAlert, error)
	ListActiveForCampaign(ctx context.Context, db *gorm.DB, userID, campaignID string) ([]CampaignAlert, error)
	Delete(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID) (bool, error)
	// SetActive toggles the rule. Deactivating also ends any open episode.
	SetActive(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID, active bool, now time.Time) (bool, error)

	// MarkTriggered stamps triggered_at only if it is still NULL and reports
	// whether this call started the episode.
	MarkTriggered(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ClearTriggered(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}
