// Package billingwebhook turns verified Stripe events into subscription
// lifecycle operations.
package billingwebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/adops/internal/clock"
	"github.com/smallbiznis/adops/internal/config"
	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	Provider = "stripe"

	// MaxPayloadBytes caps the request body read by the HTTP handler.
	MaxPayloadBytes = 64 * 1024
)

const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	providerStatusPastDue     = "past_due"
	providerStatusCanceled    = "canceled"
	checkoutModeSubscription  = "subscription"
	metadataUserID            = "user_id"
)

var (
	ErrNotConfigured    = errors.New("webhook_not_configured")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
)

// Outcome is the final disposition of one delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = Outcome(obsmetrics.WebhookOutcomeProcessed)
	OutcomeDuplicate Outcome = Outcome(obsmetrics.WebhookOutcomeDuplicate)
	OutcomeIgnored   Outcome = Outcome(obsmetrics.WebhookOutcomeIgnored)
)

type Result struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
}

// SubscriptionFetcher loads the provider's current view of a subscription.
type SubscriptionFetcher interface {
	Get(ctx context.Context, id string) (*stripe.Subscription, error)
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	Cfg             config.Config
	SubscriptionSvc subscriptiondomain.Service
	Fetcher         SubscriptionFetcher
	Events          EventRepository
	Metrics         *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	secret          string
	subscriptionSvc subscriptiondomain.Service
	fetcher         SubscriptionFetcher
	events          EventRepository
	metrics         *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("billing.webhook"),
		clock:           p.Clock,
		secret:          strings.TrimSpace(p.Cfg.Stripe.WebhookSecret),
		subscriptionSvc: p.SubscriptionSvc,
		fetcher:         p.Fetcher,
		events:          p.Events,
		metrics:         p.Metrics,
	}
}

// Ingest verifies the Stripe-Signature header, skips events already handled
// and applies the event. Signature failures return ErrInvalidSignature so the
// caller can reject the delivery; any other error asks Stripe to retry.
func (s *Service) Ingest(ctx context.Context, payload []byte, signature string) (Result, error) {
	if s.secret == "" {
		return Result{}, ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		s.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		s.metrics.RecordWebhookEvent(Provider, "", obsmetrics.WebhookOutcomeRejected)
		s.log.Warn("stripe signature verification failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := Result{EventID: event.ID, EventType: string(event.Type)}
	log := s.log.With(zap.String("event_id", event.ID), zap.String("event_type", result.EventType))

	seen, err := s.events.Exists(ctx, s.db, event.ID)
	if err != nil {
		s.metrics.RecordWebhookEvent(Provider, result.EventType, obsmetrics.WebhookOutcomeFailed)
		return result, err
	}
	if seen {
		result.Outcome = OutcomeDuplicate
		s.metrics.RecordWebhookEvent(Provider, result.EventType, string(result.Outcome))
		log.Info("stripe event already processed")
		return result, nil
	}

	outcome, err := s.dispatch(ctx, event)
	if err != nil {
		s.metrics.RecordWebhookEvent(Provider, result.EventType, obsmetrics.WebhookOutcomeFailed)
		log.Error("stripe event processing failed", zap.Error(err))
		return result, err
	}
	result.Outcome = outcome

	if err := s.events.Record(ctx, s.db, ProcessedEvent{
		EventID:    event.ID,
		Provider:   Provider,
		EventType:  result.EventType,
		ReceivedAt: s.clock.Now().UTC(),
	}); err != nil {
		// Redelivery re-applies the same provider state.
		log.Warn("failed to record processed stripe event", zap.Error(err))
	}

	s.metrics.RecordWebhookEvent(Provider, result.EventType, string(outcome))
	log.Info("stripe event handled", zap.String("outcome", string(outcome)))
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
		}
		return s.handleCheckoutCompleted(ctx, event.ID, &session)

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return "", fmt.Errorf("%w: invoice: %v", ErrInvalidPayload, err)
		}
		if string(event.Type) == EventInvoicePaid {
			return s.handleInvoicePaid(ctx, event.ID, &invoice)
		}
		return s.handleInvoicePaymentFailed(ctx, event.ID, &invoice)

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("%w: subscription: %v", ErrInvalidPayload, err)
		}
		if string(event.Type) == EventSubscriptionUpdated {
			return s.handleSubscriptionUpdated(ctx, event.ID, &sub)
		}
		return s.handleSubscriptionDeleted(ctx, event.ID, &sub)

	default:
		return OutcomeIgnored, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, eventID string, session *stripe.CheckoutSession) (Outcome, error) {
	if session.Mode != "" && string(session.Mode) != checkoutModeSubscription {
		return OutcomeIgnored, nil
	}
	if session.Subscription == nil || strings.TrimSpace(session.Subscription.ID) == "" {
		return OutcomeIgnored, nil
	}

	sub, err := s.fetch(ctx, session.Subscription.ID)
	if err != nil {
		return "", err
	}
	userID := userIDFrom(sub.Metadata, session.Metadata, session.ClientReferenceID)
	billing := billingSnapshot(sub)
	if billing.ProviderCustomerID == "" && session.Customer != nil {
		billing.ProviderCustomerID = session.Customer.ID
	}

	_, err = s.subscriptionSvc.Reactivate(ctx, subscriptiondomain.ReactivateRequest{
		UserID:  userID,
		Reason:  subscriptiondomain.ReasonCheckoutCompleted,
		EventID: eventID,
		Billing: billing,
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, eventID string, invoice *stripe.Invoice) (Outcome, error) {
	subID := invoiceSubscriptionID(invoice)
	if subID == "" {
		return OutcomeIgnored, nil
	}
	sub, err := s.fetch(ctx, subID)
	if err != nil {
		return "", err
	}

	_, err = s.subscriptionSvc.Reactivate(ctx, subscriptiondomain.ReactivateRequest{
		UserID:  userIDFrom(sub.Metadata, invoice.Metadata, ""),
		Reason:  subscriptiondomain.ReasonInvoicePaid,
		EventID: eventID,
		Billing: billingSnapshot(sub),
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, eventID string, invoice *stripe.Invoice) (Outcome, error) {
	subID := invoiceSubscriptionID(invoice)
	if subID == "" {
		return OutcomeIgnored, nil
	}
	sub, err := s.fetch(ctx, subID)
	if err != nil {
		return "", err
	}

	billing := billingSnapshot(sub)
	if subscriptiondomain.IsHealthyProviderStatus(billing.ProviderStatus) {
		billing.ProviderStatus = providerStatusPastDue
	}
	return s.recordBillingUpdate(ctx, subscriptiondomain.BillingUpdateRequest{
		UserID:  userIDFrom(sub.Metadata, invoice.Metadata, ""),
		Reason:  subscriptiondomain.ReasonPaymentFailed,
		EventID: eventID,
		Billing: billing,
	})
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, eventID string, sub *stripe.Subscription) (Outcome, error) {
	billing := billingSnapshot(sub)
	userID := userIDFrom(sub.Metadata, nil, "")

	if subscriptiondomain.IsHealthyProviderStatus(billing.ProviderStatus) {
		_, err := s.subscriptionSvc.Reactivate(ctx, subscriptiondomain.ReactivateRequest{
			UserID:  userID,
			Reason:  subscriptiondomain.ReasonSubscriptionUpdated,
			EventID: eventID,
			Billing: billing,
		})
		if err != nil {
			return "", err
		}
		return OutcomeProcessed, nil
	}

	return s.recordBillingUpdate(ctx, subscriptiondomain.BillingUpdateRequest{
		UserID:  userID,
		Reason:  subscriptiondomain.ReasonSubscriptionUpdated,
		EventID: eventID,
		Billing: billing,
	})
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, eventID string, sub *stripe.Subscription) (Outcome, error) {
	billing := billingSnapshot(sub)
	billing.ProviderStatus = providerStatusCanceled
	return s.recordBillingUpdate(ctx, subscriptiondomain.BillingUpdateRequest{
		UserID:  userIDFrom(sub.Metadata, nil, ""),
		Reason:  subscriptiondomain.ReasonSubscriptionCanceled,
		EventID: eventID,
		Billing: billing,
	})
}

// recordBillingUpdate acknowledges updates for subscriptions this system has
// never seen; retrying them cannot succeed.
func (s *Service) recordBillingUpdate(ctx context.Context, req subscriptiondomain.BillingUpdateRequest) (Outcome, error) {
	_, err := s.subscriptionSvc.RecordBillingUpdate(ctx, req)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		s.log.Warn("billing update for unknown subscription",
			zap.String("event_id", req.EventID),
			zap.String("provider_subscription_id", req.Billing.ProviderSubscriptionID),
		)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *Service) fetch(ctx context.Context, id string) (*stripe.Subscription, error) {
	if s.fetcher == nil {
		return nil, ErrNotConfigured
	}
	sub, err := s.fetcher.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch stripe subscription %s: %w", id, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("fetch stripe subscription %s: empty response", id)
	}
	return sub, nil
}

func billingSnapshot(sub *stripe.Subscription) subscriptiondomain.BillingSnapshot {
	snap := subscriptiondomain.BillingSnapshot{
		ProviderSubscriptionID: sub.ID,
		ProviderStatus:         strings.ToLower(string(sub.Status)),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		PeriodStart:            unixTime(sub.CurrentPeriodStart),
		PeriodEnd:              unixTime(sub.CurrentPeriodEnd),
	}
	if sub.Customer != nil {
		snap.ProviderCustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				snap.ProviderPriceID = item.Price.ID
				break
			}
		}
	}
	return snap
}

func invoiceSubscriptionID(invoice *stripe.Invoice) string {
	if invoice == nil || invoice.Subscription == nil {
		return ""
	}
	return strings.TrimSpace(invoice.Subscription.ID)
}

// userIDFrom prefers subscription metadata, then the secondary metadata,
// then the checkout client reference.
func userIDFrom(primary, secondary map[string]string, clientRef string) string {
	if v := strings.TrimSpace(primary[metadataUserID]); v != "" {
		return v
	}
	if v := strings.TrimSpace(secondary[metadataUserID]); v != "" {
		return v
	}
	return strings.TrimSpace(clientRef)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
