package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels attached to every series.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "adops"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

const (
	WebhookOutcomeProcessed = "processed"
	WebhookOutcomeDuplicate = "duplicate"
	WebhookOutcomeIgnored   = "ignored"
	WebhookOutcomeRejected  = "rejected"
	WebhookOutcomeFailed    = "failed"
)

// Metrics exposes alert, webhook and HTTP instruments.
type Metrics struct {
	alertTriggers      *prometheus.CounterVec
	alertClears        *prometheus.CounterVec
	notificationErrors *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	lifecycleEmails    *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers the instruments with the default registerer.
func New(cfg Config) *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, cfg)
}

// NewWithRegisterer registers the instruments with the given registerer.
func NewWithRegisterer(registerer prometheus.Registerer, cfg Config) *Metrics {
	return newMetrics(registerer, cfg)
}

func newMetrics(registerer prometheus.Registerer, cfg Config) *Metrics {
	constLabels := cfg.constLabels()

	alertTriggers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_alert_triggers_total",
		Help:        "Alert episodes started, by metric.",
		ConstLabels: constLabels,
	}, []string{"metric"})
	alertClears := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_alert_clears_total",
		Help:        "Alert episodes ended, by metric.",
		ConstLabels: constLabels,
	}, []string{"metric"})
	notificationErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_alert_notification_failures_total",
		Help:        "Alert notifications that could not be delivered, by channel.",
		ConstLabels: constLabels,
	}, []string{"channel"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_webhook_events_total",
		Help:        "Billing webhook events by type and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "event_type", "outcome"})
	lifecycleEmails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_lifecycle_emails_total",
		Help:        "Lifecycle emails attempted, by template and result.",
		ConstLabels: constLabels,
	}, []string{"template", "result"})
	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_rate_limited_total",
		Help:        "Requests rejected by a rate limiter, by route.",
		ConstLabels: constLabels,
	}, []string{"route"})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "adops_http_requests_total",
		Help:        "HTTP requests by route and status code.",
		ConstLabels: constLabels,
	}, []string{"method", "route", "status_code"})
	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "adops_http_request_duration_seconds",
		Help:        "HTTP request latency by route.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"method", "route"})

	registerer.MustRegister(
		alertTriggers,
		alertClears,
		notificationErrors,
		webhookEvents,
		lifecycleEmails,
		rateLimited,
		httpRequests,
		httpDuration,
	)

	return &Metrics{
		alertTriggers:      alertTriggers,
		alertClears:        alertClears,
		notificationErrors: notificationErrors,
		webhookEvents:      webhookEvents,
		lifecycleEmails:    lifecycleEmails,
		rateLimited:        rateLimited,
		httpRequests:       httpRequests,
		httpDuration:       httpDuration,
	}
}

func (m *Metrics) RecordAlertTriggered(metric string) {
	if m == nil {
		return
	}
	m.alertTriggers.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordAlertCleared(metric string) {
	if m == nil {
		return
	}
	m.alertClears.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordNotificationFailure(channel string) {
	if m == nil {
		return
	}
	m.notificationErrors.WithLabelValues(channel).Inc()
}

// RecordWebhookEvent counts a billing webhook by its final outcome.
func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(eventType) == "" {
		eventType = "unknown"
	}
	m.webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordLifecycleEmail(template string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.lifecycleEmails.WithLabelValues(template, result).Inc()
}

func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// GinMiddleware records request counts and latency per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
