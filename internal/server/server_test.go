package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	redis "github.com/redis/go-redis/v9"
	alertdomain "github.com/smallbiznis/adops/internal/alert/domain"
	"github.com/smallbiznis/adops/internal/billingwebhook"
	"github.com/smallbiznis/adops/internal/config"
	"github.com/smallbiznis/adops/internal/livefeed"
	"github.com/smallbiznis/adops/internal/ratelimit"
	"github.com/smallbiznis/adops/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret = "jwt-secret"
	testJobToken  = "job-token"
	testUserID    = "3f6c2d1a-8b4e-4c7d-9e2f-1a5b6c7d8e90"
)

type fakeSubscriptionService struct {
	subscriptiondomain.Service

	sub        *subscriptiondomain.Subscription
	history    []subscriptiondomain.HistoryEntry
	readonly   bool
	lastLimit  int
	lastUserID string
}

func (f *fakeSubscriptionService) Get(_ context.Context, userID string) (subscriptiondomain.Subscription, error) {
	f.lastUserID = userID
	if f.sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *f.sub, nil
}

func (f *fakeSubscriptionService) History(_ context.Context, userID string, limit int) ([]subscriptiondomain.HistoryEntry, error) {
	f.lastUserID = userID
	f.lastLimit = limit
	return f.history, nil
}

func (f *fakeSubscriptionService) EnsureWritable(context.Context, string) error {
	if f.readonly {
		return subscriptiondomain.ErrReadonly
	}
	return nil
}

type fakeAlertService struct {
	mu           sync.Mutex
	created      []alertdomain.CreateRequest
	evaluated    []alertdomain.EvaluateRequest
	deleted      []string
	activeCalls  map[string]bool
	listCampaign string
	err          error
}

func (f *fakeAlertService) Create(_ context.Context, userID string, req alertdomain.CreateRequest) (alertdomain.CampaignAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.err != nil {
		return alertdomain.CampaignAlert{}, f.err
	}
	return alertdomain.CampaignAlert{ID: 42, UserID: userID, CampaignID: req.CampaignID, IsActive: true}, nil
}

func (f *fakeAlertService) List(_ context.Context, userID, campaignID string) ([]alertdomain.CampaignAlert, error) {
	f.listCampaign = campaignID
	return []alertdomain.CampaignAlert{{ID: 1, UserID: userID, CampaignID: "cmp_1"}}, nil
}

func (f *fakeAlertService) Delete(_ context.Context, _ string, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeAlertService) SetActive(_ context.Context, userID, id string, active bool) (alertdomain.CampaignAlert, error) {
	if f.activeCalls == nil {
		f.activeCalls = map[string]bool{}
	}
	f.activeCalls[id] = active
	if f.err != nil {
		return alertdomain.CampaignAlert{}, f.err
	}
	return alertdomain.CampaignAlert{ID: 7, UserID: userID, IsActive: active}, nil
}

func (f *fakeAlertService) Evaluate(_ context.Context, req alertdomain.EvaluateRequest) (alertdomain.EvaluationResult, error) {
	f.evaluated = append(f.evaluated, req)
	return alertdomain.EvaluationResult{CampaignID: req.CampaignID}, nil
}

type fakeSweeper struct {
	result scheduler.SweepResult
	err    error
	calls  int
}

func (f *fakeSweeper) RunOnce(context.Context) (scheduler.SweepResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeIngestor struct {
	result    billingwebhook.Result
	err       error
	payloads  [][]byte
	signature string
}

func (f *fakeIngestor) Ingest(_ context.Context, payload []byte, signature string) (billingwebhook.Result, error) {
	f.payloads = append(f.payloads, payload)
	f.signature = signature
	return f.result, f.err
}

type testServer struct {
	server   *Server
	subs     *fakeSubscriptionService
	alerts   *fakeAlertService
	sweeper  *fakeSweeper
	webhooks *fakeIngestor
	hub      *livefeed.Hub
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{AuthJWTSecret: testJWTSecret, JobToken: testJobToken}
	if mutate != nil {
		mutate(&cfg)
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		subs:     &fakeSubscriptionService{},
		alerts:   &fakeAlertService{},
		sweeper:  &fakeSweeper{},
		webhooks: &fakeIngestor{},
		hub:      livefeed.NewHub(),
	}
	ts.server = &Server{
		engine:          engine,
		cfg:             cfg,
		log:             zap.NewNop(),
		subscriptionSvc: ts.subs,
		alertSvc:        ts.alerts,
		liveAlerts:      ts.hub,
		webhooks:        ts.webhooks,
		sweeper:         ts.sweeper,
		heartbeat:       time.Hour,
	}
	ts.server.registerRoutes()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func signUserToken(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := userClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestUserAuthRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.subs.sub = &subscriptiondomain.Subscription{UserID: testUserID}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, userClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, userClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: testUserID,
	}}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":       "",
		"garbage":       "not-a-jwt",
		"wrong secret":  signUserToken(t, "other", testUserID, time.Hour),
		"expired":       signUserToken(t, testJWTSecret, testUserID, -time.Hour),
		"no subject":    signUserToken(t, testJWTSecret, "", time.Hour),
		"non-uuid":      signUserToken(t, testJWTSecret, "user-42", time.Hour),
		"wrong method":  hs512,
		"no expiration": noExpiry,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/subscription", token, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
		})
	}
}

func TestUserAuthWithoutSecretIsUnavailable(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.AuthJWTSecret = "" })
	rec := ts.do(t, http.MethodGet, "/api/subscription", signUserToken(t, testJWTSecret, testUserID, time.Hour), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetSubscription(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	rec := ts.do(t, http.MethodGet, "/api/subscription", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)

	ts.subs.sub = &subscriptiondomain.Subscription{UserID: testUserID, State: subscriptiondomain.StateActive}
	rec = ts.do(t, http.MethodGet, "/api/subscription", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testUserID, ts.subs.lastUserID)

	var resp struct {
		Data subscriptiondomain.Subscription `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, subscriptiondomain.StateActive, resp.Data.State)
}

func TestSubscriptionHistoryLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	rec := ts.do(t, http.MethodGet, "/api/subscription/history?limit=25", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, ts.subs.lastLimit)

	rec = ts.do(t, http.MethodGet, "/api/subscription/history?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decodeError(t, rec).Errors[0].Code)
}

func TestAlertMutationsRequireWritableSubscription(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.subs.readonly = true
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	rec := ts.do(t, http.MethodPost, "/api/alerts", token, map[string]interface{}{
		"campaign_id":     "cmp_1",
		"metric_type":     "roas",
		"operator":        ">=",
		"threshold_value": 2,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "subscription_readonly", decodeError(t, rec).Type)
	assert.Empty(t, ts.alerts.created)

	rec = ts.do(t, http.MethodDelete, "/api/alerts/7", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.alerts.deleted)

	// Reads stay available to read-only users.
	rec = ts.do(t, http.MethodGet, "/api/alerts?campaign_id=cmp_1", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cmp_1", ts.alerts.listCampaign)
}

func TestCreateAlert(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	rec := ts.do(t, http.MethodPost, "/api/alerts", token, map[string]interface{}{
		"campaign_id":           "cmp_1",
		"metric_type":           "roas",
		"operator":              ">=",
		"threshold_value":       2,
		"notification_channels": []string{"visual", "email"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ts.alerts.created, 1)
	assert.Equal(t, []string{"visual", "email"}, ts.alerts.created[0].Channels)
	require.NotNil(t, ts.alerts.created[0].ThresholdValue)
	assert.Equal(t, 2.0, *ts.alerts.created[0].ThresholdValue)

	rec = ts.do(t, http.MethodPost, "/api/alerts", token, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAlertValidationErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	cases := []struct {
		err   error
		code  string
		field string
	}{
		{fmt.Errorf("%w: %q", alertdomain.ErrUnknownMetric, "ctr"), "unknown_metric", "metric_type"},
		{fmt.Errorf("%w: %q", alertdomain.ErrInvalidOperator, ">"), "invalid_operator", "operator"},
		{alertdomain.ErrInvalidThreshold, "invalid_threshold", "threshold_value"},
		{fmt.Errorf("%w: %q", alertdomain.ErrInvalidChannel, "sms"), "invalid_channel", "notification_channels"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			ts.alerts.err = tc.err
			rec := ts.do(t, http.MethodPost, "/api/alerts", token, map[string]interface{}{"campaign_id": "cmp_1"})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			payload := decodeError(t, rec)
			assert.Equal(t, "validation_error", payload.Type)
			require.Len(t, payload.Errors, 1)
			assert.Equal(t, tc.code, payload.Errors[0].Code)
			assert.Equal(t, tc.field, payload.Errors[0].Field)
		})
	}
}

func TestUpdateAndDeleteAlert(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	rec := ts.do(t, http.MethodPatch, "/api/alerts/7", token, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/alerts/7", token, map[string]interface{}{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, ts.alerts.activeCalls["7"])

	rec = ts.do(t, http.MethodDelete, "/api/alerts/7", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"7"}, ts.alerts.deleted)

	ts.alerts.err = alertdomain.ErrNotFound
	rec = ts.do(t, http.MethodDelete, "/api/alerts/8", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateCampaignAlerts(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)

	rec := ts.do(t, http.MethodPost, "/api/campaigns/cmp_9/alerts/evaluate", token, map[string]interface{}{
		"campaign_name": "Spring Sale",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.alerts.evaluated)

	rec = ts.do(t, http.MethodPost, "/api/campaigns/cmp_9/alerts/evaluate", token, map[string]interface{}{
		"campaign_name": "Spring Sale",
		"snapshot":      map[string]float64{"results": 12, "spent": 40.5, "cpc": 0.8, "roas": 2.4},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.alerts.evaluated, 1)
	req := ts.alerts.evaluated[0]
	assert.Equal(t, testUserID, req.UserID)
	assert.Equal(t, "cmp_9", req.CampaignID)
	assert.Equal(t, "Spring Sale", req.CampaignName)
	assert.Equal(t, alertdomain.Snapshot{Results: 12, Spent: 40.5, CPC: 0.8, ROAS: 2.4}, req.Snapshot)
}

func TestSubscriptionSweepJobToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/internal/jobs/subscription-sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/internal/jobs/subscription-sweep", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ts.sweeper.calls)

	ts.sweeper.result = scheduler.SweepResult{RunID: "run-1", Expired: 2, Errors: []scheduler.RowError{}}
	rec = ts.do(t, http.MethodPost, "/internal/jobs/subscription-sweep", testJobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data scheduler.SweepResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.Data.RunID)
	assert.Equal(t, 2, resp.Data.Expired)
}

func TestSubscriptionSweepOutcomes(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.sweeper.err = scheduler.ErrSweepInProgress
	rec := ts.do(t, http.MethodPost, "/internal/jobs/subscription-sweep", testJobToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.sweeper.err = errors.New("expire_subscriptions: context deadline exceeded")
	ts.sweeper.result = scheduler.SweepResult{RunID: "run-2"}
	rec = ts.do(t, http.MethodPost, "/internal/jobs/subscription-sweep", testJobToken, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-2")

	disabled := newTestServer(t, func(cfg *config.Config) { cfg.JobToken = "" })
	rec = disabled.do(t, http.MethodPost, "/internal/jobs/subscription-sweep", testJobToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	ts.webhooks.result = billingwebhook.Result{EventID: "evt_1", EventType: "invoice.paid", Outcome: billingwebhook.OutcomeProcessed}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", ts.webhooks.signature)
	assert.Equal(t, payload, ts.webhooks.payloads[0])
	assert.Contains(t, rec.Body.String(), `"outcome":"processed"`)

	ts.webhooks.err = fmt.Errorf("%w: bad", billingwebhook.ErrInvalidSignature)
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", "", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.webhooks.err = errors.New("plan_not_found")
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", "", payload)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStripeWebhookRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := bytes.Repeat([]byte("a"), billingwebhook.MaxPayloadBytes+1)

	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", "", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.webhooks.payloads)
}

func TestStreamAlertsDeliversBacklogAndLiveEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.hub.Publish(testUserID, livefeed.AlertEvent{AlertID: "1", CampaignID: "cmp_1", Badge: true, TriggeredAt: time.Now()})

	srv := httptest.NewServer(ts.server.Engine())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/alerts/stream?access_token="+token, nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() livefeed.AlertEvent {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var event livefeed.AlertEvent
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event))
				return event
			}
		}
	}

	backlog := readData()
	assert.Equal(t, "1", backlog.AlertID)
	assert.True(t, backlog.Badge)

	ts.hub.Publish(testUserID, livefeed.AlertEvent{AlertID: "2", CampaignID: "cmp_1", Sound: true, TriggeredAt: time.Now()})
	live := readData()
	assert.Equal(t, "2", live.AlertID)
	assert.True(t, live.Sound)
}

func TestStreamAlertsNormalizesTokenSubject(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Engine())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := signUserToken(t, testJWTSecret, strings.ToUpper(testUserID), time.Hour)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/alerts/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "retry: 2000\n", line)
	require.Equal(t, 1, ts.hub.Subscribers(testUserID))

	// Alert rules are stored under the canonical id, so that is where they publish.
	ts.hub.Publish(testUserID, livefeed.AlertEvent{AlertID: "9", CampaignID: "cmp_1", Badge: true, Sound: true, TriggeredAt: time.Now()})
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var event livefeed.AlertEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event))
	assert.Equal(t, "9", event.AlertID)
	assert.True(t, event.Badge)
	assert.True(t, event.Sound)
}

func TestUserAuthPassesCanonicalUserID(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.subs.sub = &subscriptiondomain.Subscription{UserID: testUserID, State: subscriptiondomain.StateActive}

	rec := ts.do(t, http.MethodGet, "/api/subscription", signUserToken(t, testJWTSecret, strings.ToUpper(testUserID), time.Hour), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testUserID, ts.subs.lastUserID)
}

func TestStreamAlertsRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/alerts/stream", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ts.hub.Subscribers(testUserID))
}

func TestEvaluateRateLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ts.server.evalLimiter = ratelimit.NewEvaluateLimiter(
		config.Config{RateLimit: config.RateLimitConfig{EvaluateRate: 0.001, EvaluateBurst: 1}},
		client,
		zap.NewNop(),
	)
	token := signUserToken(t, testJWTSecret, testUserID, time.Hour)
	body := map[string]interface{}{"snapshot": map[string]float64{"roas": 2}}

	rec := ts.do(t, http.MethodPost, "/api/campaigns/cmp_1/alerts/evaluate", token, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = ts.do(t, http.MethodPost, "/api/campaigns/cmp_1/alerts/evaluate", token, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, ts.alerts.evaluated, 1)
}
