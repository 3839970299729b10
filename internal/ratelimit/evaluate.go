package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/adops/internal/config"
	"go.uber.org/zap"
)

const keyEvaluateUser = "adops:ratelimit:evaluate:%s"

// EvaluateLimiter bounds how often one user may submit snapshots for alert
// evaluation. A nil limiter allows everything.
type EvaluateLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewEvaluateLimiter returns nil when Redis or the rate is not configured.
func NewEvaluateLimiter(cfg config.Config, client redis.UniversalClient, log *zap.Logger) *EvaluateLimiter {
	limits := cfg.RateLimit
	if client == nil || limits.EvaluateRate <= 0 || limits.EvaluateBurst <= 0 {
		log.Named("ratelimit").Info("alert evaluation rate limit disabled")
		return nil
	}
	return &EvaluateLimiter{
		bucket: NewTokenBucket(client),
		rate:   limits.EvaluateRate,
		burst:  limits.EvaluateBurst,
	}
}

func (l *EvaluateLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *EvaluateLimiter) AllowUser(ctx context.Context, userID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, ErrInvalidKey
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyEvaluateUser, userID), l.rate, l.burst)
}
