package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// UpdateIfVersion writes every mutable column and bumps version when the
	// stored version still equals expectedVersion. It reports whether a row changed.
	UpdateIfVersion(ctx context.Context, db *gorm.DB, subscription *Subscription, expectedVersion int64) (bool, error)

	InsertHistory(ctx context.Context, db *gorm.DB, entry *HistoryEntry) error
	ListHistory(ctx context.Context, db *gorm.DB, userID string, limit int) ([]HistoryEntry, error)

	FindProfile(ctx context.Context, db *gorm.DB, userID string) (*Profile, error)
	AnonymizeProfile(ctx context.Context, db *gorm.DB, userID string, now time.Time) error
	InsertArchive(ctx context.Context, db *gorm.DB, row *ArchivedUserData) error
}
