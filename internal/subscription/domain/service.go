package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Get(ctx context.Context, userID string) (Subscription, error)
	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
	EnsureWritable(ctx context.Context, userID string) error

	Expire(ctx context.Context, sub Subscription) error
	Suspend(ctx context.Context, sub Subscription) error
	Archive(ctx context.Context, sub Subscription) error

	Reactivate(ctx context.Context, req ReactivateRequest) (Subscription, error)
	RecordBillingUpdate(ctx context.Context, req BillingUpdateRequest) (Subscription, error)
}

// BillingSnapshot is the provider's view of a subscription at event time.
type BillingSnapshot struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPriceID        string
	ProviderStatus         string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      bool
}

// ReactivateRequest restores a user to active. UserID may be empty when the
// provider subscription id is already linked to a row.
type ReactivateRequest struct {
	UserID  string
	Reason  TransitionReason
	EventID string
	Billing BillingSnapshot
}

type BillingUpdateRequest struct {
	UserID  string
	Reason  TransitionReason
	EventID string
	Billing BillingSnapshot
}

var (
	ErrInvalidUserID          = errors.New("invalid_user_id")
	ErrInvalidReason          = errors.New("invalid_reason")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrTransitionNotAllowed   = errors.New("transition_not_allowed")
	ErrConcurrentUpdate       = errors.New("concurrent_update")
	ErrReadonly               = errors.New("subscription_readonly")
	ErrMissingProviderPrice   = errors.New("missing_provider_price")
	ErrMissingSubscriptionRef = errors.New("missing_subscription_reference")
)

// PlanCatalog resolves a provider price to the plan it grants.
type PlanCatalog interface {
	Lookup(priceID string) (Plan, error)
}
