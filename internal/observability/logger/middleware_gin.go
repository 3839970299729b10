package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/adops/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLen    = 128
	eventHTTPRequest   = "http.request"
	eventHTTPStream    = "http.stream"
	webhookRoutePrefix = "/webhooks/"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to (error_type, error_code)
	// without exposing raw driver messages.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware assigns a request id and writes one access line per request.
// Event streams are logged once when the client disconnects.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.Int64("bytes_in", nonNegative(c.Request.ContentLength)),
			zap.Int64("bytes_out", nonNegative(int64(c.Writer.Size()))),
		}
		if eventType := c.GetString("webhook_event_type"); eventType != "" {
			fields = append(fields, zap.String("webhook_event_type", eventType))
		}
		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			errorType, errorCode := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
		}

		event := eventHTTPRequest
		if isEventStream(c) {
			event = eventHTTPStream
		}
		if ce := FromContext(c.Request.Context()).Check(requestLevel(route, status, cfg.Debug), event); ce != nil {
			ce.Write(fields...)
		}
	}
}

// ensureRequestID keeps a caller supplied id when it is a plausible token and
// mints one otherwise, so headers cannot inject into the log.
func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if !validRequestID(requestID) {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// requestLevel: server errors at error, rejected webhooks at warn (a bad
// signature usually means a rotated secret), probes at debug.
func requestLevel(route string, status int, debug bool) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case strings.HasPrefix(route, webhookRoutePrefix) && status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case route == "unknown" && !debug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func isEventStream(c *gin.Context) bool {
	return strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream")
}

func nonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
