package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/adops/internal/archive"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "concurrent_update",
			err:  fmt.Errorf("expire: %w", subscriptiondomain.ErrConcurrentUpdate),
			want: SchedulerJobReasonConcurrentUpdate,
		},
		{
			name: "archive_key",
			err:  archive.ErrKeyMissing,
			want: SchedulerJobReasonArchiveKey,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(subscriptiondomain.ErrConcurrentUpdate); got != SchedulerErrorTypeConflict {
		t.Fatalf("expected conflict, got %q", got)
	}
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "08006"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db, got %q", got)
	}
	if got := ClassifySchedulerErrorType(gorm.ErrRecordNotFound); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %q", got)
	}
	if !IsSchedulerErrorRetryable(subscriptiondomain.ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update to be retryable")
	}
}

func TestAddBatchProcessedAndTransitions(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "adops",
		Environment: "test",
	})

	metrics.AddBatchProcessed("expire_subscriptions", "subscriptions", 3)
	metrics.AddBatchProcessed("expire_subscriptions", "subscriptions", 0)
	metrics.IncTransition("", "active")
	metrics.IncTransition("active", "expired")

	if got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("expire_subscriptions", "subscriptions")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("none", "active")); got != 1 {
		t.Fatalf("expected one creation transition, got %v", got)
	}
}
