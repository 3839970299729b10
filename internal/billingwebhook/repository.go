package billingwebhook

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ProcessedEvent is a provider event id that has already been applied.
type ProcessedEvent struct {
	EventID    string
	Provider   string
	EventType  string
	ReceivedAt time.Time
}

func (ProcessedEvent) TableName() string { return "webhook_events" }

type EventRepository interface {
	Exists(ctx context.Context, db *gorm.DB, eventID string) (bool, error)
	Record(ctx context.Context, db *gorm.DB, event ProcessedEvent) error
}

type eventRepo struct{}

func ProvideEventRepository() EventRepository {
	return &eventRepo{}
}

func (r *eventRepo) Exists(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM webhook_events WHERE event_id = ?`,
		eventID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *eventRepo) Record(ctx context.Context, db *gorm.DB, event ProcessedEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (event_id, provider, event_type, received_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID,
		event.Provider,
		event.EventType,
		event.ReceivedAt,
	).Error
}
