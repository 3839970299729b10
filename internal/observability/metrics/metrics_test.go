package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordWebhookEventDefaultsType(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry(), Config{ServiceName: "adops", Environment: "test"})

	m.RecordWebhookEvent("stripe", "", WebhookOutcomeRejected)
	m.RecordWebhookEvent("stripe", "invoice.paid", WebhookOutcomeProcessed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("stripe", "unknown", WebhookOutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("stripe", "invoice.paid", WebhookOutcomeProcessed)))
}

func TestRecordLifecycleEmailResult(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry(), Config{})

	m.RecordLifecycleEmail("subscription_expired", nil)
	m.RecordLifecycleEmail("subscription_expired", errors.New("smtp down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleEmails.WithLabelValues("subscription_expired", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleEmails.WithLabelValues("subscription_expired", "failed")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordAlertTriggered("roas")
	m.RecordNotificationFailure("email")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGinMiddlewareCountsRoute(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry(), Config{})
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/api/alerts", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/alerts", "204")))
}
