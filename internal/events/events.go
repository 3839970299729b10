// Package events publishes subscription lifecycle transitions to the event bus.
package events

import (
	"context"
	"time"
)

// LifecycleEvent describes one committed subscription transition.
type LifecycleEvent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	Reason         string    `json:"reason"`
	PlanCode       string    `json:"plan_code"`
	ProviderStatus string    `json:"provider_status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Publisher interface {
	PublishLifecycle(ctx context.Context, event LifecycleEvent) error
	Close() error
}

// NoopPublisher drops events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishLifecycle(context.Context, LifecycleEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }
