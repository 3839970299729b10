package server

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/adops/internal/observability/logger"
	"go.uber.org/zap"
)

// EvaluateRateLimit throttles snapshot submissions per user. A limiter
// failure lets the request through so alerting keeps working without Redis.
func (s *Server) EvaluateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.evalLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.evalLimiter.AllowUser(ctx, userIDFromContext(c))
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("evaluate rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed {
			c.Next()
			return
		}

		route := strings.TrimSpace(c.FullPath())
		s.obsMetrics.RecordRateLimited(route)
		logger.WithContext(ctx, s.log).Warn("evaluate rate limit exceeded", zap.String("route", route))

		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
