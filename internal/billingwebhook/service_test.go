package billingwebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/adops/internal/clock"
	"github.com/smallbiznis/adops/internal/config"
	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/smallbiznis/adops/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"
)

const (
	webhookSecret = "whsec_test"
	testUserID    = "3f6c2d1a-8b4e-4c7d-9e2f-1a5b6c7d8e90"
)

func signatureHeader(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, eventType, time.Now().Unix(), object))
}

type fakeFetcher struct {
	subs map[string]*stripe.Subscription
	err  error
}

func (f fakeFetcher) Get(_ context.Context, id string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return sub, nil
}

type recordingSubscriptions struct {
	subscriptiondomain.Service

	mu            sync.Mutex
	reactivations []subscriptiondomain.ReactivateRequest
	updates       []subscriptiondomain.BillingUpdateRequest
	reactivateErr error
	updateErr     error
}

func (r *recordingSubscriptions) Reactivate(_ context.Context, req subscriptiondomain.ReactivateRequest) (subscriptiondomain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactivations = append(r.reactivations, req)
	return subscriptiondomain.Subscription{}, r.reactivateErr
}

func (r *recordingSubscriptions) RecordBillingUpdate(_ context.Context, req subscriptiondomain.BillingUpdateRequest) (subscriptiondomain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, req)
	return subscriptiondomain.Subscription{}, r.updateErr
}

func stripeSubscription(status string) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 "sub_123",
		Status:             stripe.SubscriptionStatus(status),
		Customer:           &stripe.Customer{ID: "cus_9"},
		CurrentPeriodStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Unix(),
		CurrentPeriodEnd:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Unix(),
		Metadata:           map[string]string{"user_id": testUserID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: "price_growth"}}},
		},
	}
}

type testEnv struct {
	svc      *Service
	subs     *recordingSubscriptions
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, fetcher SubscriptionFetcher) *testEnv {
	t.Helper()
	registry := prometheus.NewRegistry()
	subs := &recordingSubscriptions{}
	svc := NewService(Params{
		DB:              dbtest.Open(t),
		Log:             zap.NewNop(),
		Clock:           clock.NewFakeClock(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)),
		Cfg:             config.Config{Stripe: config.StripeConfig{WebhookSecret: webhookSecret}},
		SubscriptionSvc: subs,
		Fetcher:         fetcher,
		Events:          ProvideEventRepository(),
		Metrics:         obsmetrics.NewWithRegisterer(registry, obsmetrics.Config{}),
	})
	return &testEnv{svc: svc, subs: subs, registry: registry}
}

func (e *testEnv) ingest(t *testing.T, payload []byte) (Result, error) {
	t.Helper()
	return e.svc.Ingest(context.Background(), payload, signatureHeader(webhookSecret, payload, time.Now().Unix()))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	payload := eventPayload("evt_1", EventInvoicePaid, `{"id":"in_1","object":"invoice"}`)

	_, err := env.svc.Ingest(context.Background(), payload, signatureHeader("whsec_other", payload, time.Now().Unix()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = env.svc.Ingest(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	stale := time.Now().Add(-time.Hour).Unix()
	_, err = env.svc.Ingest(context.Background(), payload, signatureHeader(webhookSecret, payload, stale))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Empty(t, env.subs.reactivations)
}

func TestIngestWithoutSecretIsNotConfigured(t *testing.T) {
	svc := NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Now()),
	})
	_, err := svc.Ingest(context.Background(), []byte(`{}`), "t=1,v1=00")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCheckoutCompletedReactivatesWithFetchedSubscription(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{subs: map[string]*stripe.Subscription{"sub_123": stripeSubscription("active")}})
	payload := eventPayload("evt_checkout", EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":"sub_123","customer":"cus_9","client_reference_id":"ignored-when-metadata-present"}`)

	result, err := env.ingest(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	require.Len(t, env.subs.reactivations, 1)
	req := env.subs.reactivations[0]
	assert.Equal(t, testUserID, req.UserID)
	assert.Equal(t, subscriptiondomain.ReasonCheckoutCompleted, req.Reason)
	assert.Equal(t, "evt_checkout", req.EventID)
	assert.Equal(t, "sub_123", req.Billing.ProviderSubscriptionID)
	assert.Equal(t, "cus_9", req.Billing.ProviderCustomerID)
	assert.Equal(t, "price_growth", req.Billing.ProviderPriceID)
	assert.Equal(t, "active", req.Billing.ProviderStatus)
	require.NotNil(t, req.Billing.PeriodEnd)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), *req.Billing.PeriodEnd)
}

func TestCheckoutCompletedFallsBackToClientReference(t *testing.T) {
	sub := stripeSubscription("active")
	sub.Metadata = nil
	env := newTestEnv(t, fakeFetcher{subs: map[string]*stripe.Subscription{"sub_123": sub}})
	payload := eventPayload("evt_ref", EventCheckoutCompleted,
		fmt.Sprintf(`{"id":"cs_2","object":"checkout.session","mode":"subscription","subscription":"sub_123","client_reference_id":%q}`, testUserID))

	_, err := env.ingest(t, payload)
	require.NoError(t, err)
	require.Len(t, env.subs.reactivations, 1)
	assert.Equal(t, testUserID, env.subs.reactivations[0].UserID)
}

func TestDuplicateEventIsAcknowledgedOnce(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{subs: map[string]*stripe.Subscription{"sub_123": stripeSubscription("active")}})
	payload := eventPayload("evt_dup", EventInvoicePaid, `{"id":"in_1","object":"invoice","subscription":"sub_123"}`)

	first, err := env.ingest(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)

	second, err := env.ingest(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Len(t, env.subs.reactivations, 1)
	assert.Equal(t, subscriptiondomain.ReasonInvoicePaid, env.subs.reactivations[0].Reason)
}

func TestSubscriptionUpdatedRoutesByStatus(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})

	healthy := eventPayload("evt_u1", EventSubscriptionUpdated,
		fmt.Sprintf(`{"id":"sub_123","object":"subscription","status":"trialing","items":{"data":[{"price":{"id":"price_growth"}}]},"metadata":{"user_id":%q}}`, testUserID))
	_, err := env.ingest(t, healthy)
	require.NoError(t, err)
	require.Len(t, env.subs.reactivations, 1)
	assert.Equal(t, subscriptiondomain.ReasonSubscriptionUpdated, env.subs.reactivations[0].Reason)

	pastDue := eventPayload("evt_u2", EventSubscriptionUpdated,
		`{"id":"sub_123","object":"subscription","status":"past_due","cancel_at_period_end":true}`)
	_, err = env.ingest(t, pastDue)
	require.NoError(t, err)
	require.Len(t, env.subs.updates, 1)
	update := env.subs.updates[0]
	assert.Equal(t, subscriptiondomain.ReasonSubscriptionUpdated, update.Reason)
	assert.Equal(t, "past_due", update.Billing.ProviderStatus)
	assert.True(t, update.Billing.CancelAtPeriodEnd)
	assert.Empty(t, update.UserID, "resolved by provider subscription id")
}

func TestSubscriptionUpdatedFollowsDomainHealthyStatuses(t *testing.T) {
	for i, status := range []string{"active", "trialing", "past_due", "unpaid", "incomplete", "canceled"} {
		t.Run(status, func(t *testing.T) {
			env := newTestEnv(t, fakeFetcher{})
			payload := eventPayload(fmt.Sprintf("evt_s%d", i), EventSubscriptionUpdated,
				fmt.Sprintf(`{"id":"sub_123","object":"subscription","status":%q,"items":{"data":[{"price":{"id":"price_growth"}}]},"metadata":{"user_id":%q}}`, status, testUserID))

			result, err := env.ingest(t, payload)
			require.NoError(t, err)
			assert.Equal(t, OutcomeProcessed, result.Outcome)
			if subscriptiondomain.IsHealthyProviderStatus(status) {
				assert.Len(t, env.subs.reactivations, 1)
				assert.Empty(t, env.subs.updates)
			} else {
				assert.Empty(t, env.subs.reactivations)
				require.Len(t, env.subs.updates, 1)
				assert.Equal(t, status, env.subs.updates[0].Billing.ProviderStatus)
			}
		})
	}
}

func TestPaymentFailedRecordsPastDue(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{subs: map[string]*stripe.Subscription{"sub_123": stripeSubscription("active")}})
	payload := eventPayload("evt_pf", EventInvoicePaymentFailed, `{"id":"in_2","object":"invoice","subscription":"sub_123"}`)

	_, err := env.ingest(t, payload)
	require.NoError(t, err)
	require.Len(t, env.subs.updates, 1)
	assert.Equal(t, subscriptiondomain.ReasonPaymentFailed, env.subs.updates[0].Reason)
	assert.Equal(t, "past_due", env.subs.updates[0].Billing.ProviderStatus)
}

func TestSubscriptionDeletedRecordsCanceled(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	payload := eventPayload("evt_del", EventSubscriptionDeleted, `{"id":"sub_123","object":"subscription","status":"canceled"}`)

	_, err := env.ingest(t, payload)
	require.NoError(t, err)
	require.Len(t, env.subs.updates, 1)
	assert.Equal(t, subscriptiondomain.ReasonSubscriptionCanceled, env.subs.updates[0].Reason)
	assert.Equal(t, "canceled", env.subs.updates[0].Billing.ProviderStatus)
}

func TestBillingUpdateForUnknownSubscriptionIsIgnored(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	env.subs.updateErr = subscriptiondomain.ErrSubscriptionNotFound
	payload := eventPayload("evt_unknown", EventSubscriptionDeleted, `{"id":"sub_missing","object":"subscription","status":"canceled"}`)

	result, err := env.ingest(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestProcessingFailureIsRetriable(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{subs: map[string]*stripe.Subscription{"sub_123": stripeSubscription("active")}})
	env.subs.reactivateErr = errors.New("plan_not_found")
	payload := eventPayload("evt_fail", EventInvoicePaid, `{"id":"in_3","object":"invoice","subscription":"sub_123"}`)

	_, err := env.ingest(t, payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSignature)

	env.subs.reactivateErr = nil
	result, err := env.ingest(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome, "failed deliveries are not marked processed")

	count, err := testutil.GatherAndCount(env.registry, "adops_webhook_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFetchFailureIsRetriable(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{err: errors.New("stripe down")})
	payload := eventPayload("evt_fetch", EventInvoicePaid, `{"id":"in_4","object":"invoice","subscription":"sub_123"}`)

	_, err := env.ingest(t, payload)
	assert.Error(t, err)
	assert.Empty(t, env.subs.reactivations)
}

func TestUnhandledEventIsIgnored(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	payload := eventPayload("evt_other", "customer.created", `{"id":"cus_1","object":"customer"}`)

	result, err := env.ingest(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestStripeFetcherWithoutKey(t *testing.T) {
	_, err := NewStripeFetcher(config.Config{}).Get(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrStripeKeyMissing)
}
