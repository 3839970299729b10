// Package domain contains persistence models for subscriptions and their lifecycle.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// State is the lifecycle position of a subscription.
type State string

const (
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateSuspended State = "suspended"
	StateArchived  State = "archived"
)

func (s State) Valid() bool {
	switch s {
	case StateActive, StateExpired, StateSuspended, StateArchived:
		return true
	default:
		return false
	}
}

// TransitionReason is recorded on the row and in history for every mutation.
type TransitionReason string

const (
	ReasonSubscriptionPeriodEnded TransitionReason = "subscription_period_ended"
	ReasonGracePeriodEnded        TransitionReason = "grace_period_ended"
	ReasonArchivePeriodEnded      TransitionReason = "archive_period_ended"
	ReasonCheckoutCompleted       TransitionReason = "checkout_completed"
	ReasonInvoicePaid             TransitionReason = "invoice_paid"
	ReasonSubscriptionUpdated     TransitionReason = "subscription_updated"
	ReasonPaymentFailed           TransitionReason = "payment_failed"
	ReasonSubscriptionCanceled    TransitionReason = "subscription_canceled"
)

// History event types.
const (
	EventCreated        = "subscription_created"
	EventTransitioned   = "state_transitioned"
	EventBillingUpdated = "billing_updated"
)

// Subscription is one user's billing relationship. Rows are never deleted.
type Subscription struct {
	UserID        string                      `json:"user_id"`
	PlanCode      string                      `json:"plan_code"`
	PlanName      string                      `json:"plan_name"`
	StoreLimit    int                         `json:"store_limit"`
	CampaignLimit int                         `json:"campaign_limit"`
	Features      datatypes.JSONSlice[string] `json:"features"`

	ProviderSubscriptionID *string    `json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     *string    `json:"provider_customer_id,omitempty"`
	ProviderPriceID        *string    `json:"provider_price_id,omitempty"`
	ProviderStatus         string     `json:"provider_status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`

	State              State      `json:"state"`
	ReadonlyMode       bool       `json:"readonly_mode"`
	GracePeriodEndsAt  *time.Time `json:"grace_period_ends_at,omitempty"`
	ArchiveScheduledAt *time.Time `json:"archive_scheduled_at,omitempty"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
	StateReason        string     `json:"state_reason"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// HasFeature reports whether the plan grants the feature tag.
func (s Subscription) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// HistoryEntry is an immutable audit record of one subscription mutation.
type HistoryEntry struct {
	ID             snowflake.ID      `json:"id"`
	UserID         string            `json:"user_id"`
	EventType      string            `json:"event_type"`
	FromState      State             `json:"from_state"`
	ToState        State             `json:"to_state"`
	PlanCode       string            `json:"plan_code"`
	ProviderStatus string            `json:"provider_status"`
	PeriodStart    *time.Time        `json:"period_start,omitempty"`
	PeriodEnd      *time.Time        `json:"period_end,omitempty"`
	Reason         TransitionReason  `json:"reason"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (HistoryEntry) TableName() string { return "subscription_history" }

// ArchivedUserData holds a sealed snapshot of a user taken when archiving.
type ArchivedUserData struct {
	ID         snowflake.ID
	UserID     string
	Payload    []byte
	KeyVersion int
	ArchivedAt time.Time
}

func (ArchivedUserData) TableName() string { return "archived_user_data" }

// Profile is the user record owned by the auth backend.
type Profile struct {
	ID       string  `json:"id"`
	Email    *string `json:"email,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Company  *string `json:"company,omitempty"`
}

func (Profile) TableName() string { return "profiles" }

// AnonymizedName replaces full_name on archived profiles.
const AnonymizedName = "Anonymized User"

// Plan is the catalog entry applied on reactivation.
type Plan struct {
	Code          string
	Name          string
	StoreLimit    int
	CampaignLimit int
	Features      []string
}
