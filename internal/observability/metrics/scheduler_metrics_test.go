package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
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
			name: "wrapped_cancel",
			err:  fmt.Errorf("usage_aggregation: %w", context.Canceled),
			want: SchedulerJobReasonDeadlineExceeded,
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
			name: "pq_serialization_failure",
			err:  &pq.Error{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "pq_unique_violation",
			err:  &pq.Error{Code: "23505"},
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
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "55P03"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db, got %q", got)
	}
	if got := ClassifySchedulerErrorType(gorm.ErrRecordNotFound); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %q", got)
	}
	if !IsSchedulerErrorRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected deadline to be retryable")
	}
	if IsSchedulerErrorRetryable(errors.New("bad input")) {
		t.Fatalf("expected plain error to be terminal")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "basilica-billing",
		Environment: "test",
	})

	metrics.AddBatchProcessed("usage_aggregation", "usage_events", 3)
	metrics.AddBatchProcessed("usage_aggregation", "usage_events", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("usage_aggregation", "usage_events"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestBatchAndOutboxCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{})

	metrics.IncBatchTransition("claimed", "failed")
	metrics.IncBatchTransition("claimed", "failed")
	metrics.IncBatchParked()
	metrics.IncOutboxAttempt("failed")
	metrics.SetPriceQuoteAge(90 * time.Second)
	metrics.IncJobError("outbox_dispatch", &pgconn.PgError{Code: "40001"})

	if got := testutil.ToFloat64(metrics.batchTransitions.WithLabelValues("claimed", "failed")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.batchesParked); got != 1 {
		t.Fatalf("expected 1 parked, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.outboxAttempts.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 outbox attempt, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.priceQuoteAge); got != 90 {
		t.Fatalf("expected quote age 90, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobErrors.WithLabelValues("outbox_dispatch", SchedulerJobReasonSerializationFailure)); got != 1 {
		t.Fatalf("expected 1 job error, got %v", got)
	}
}

func TestNilSchedulerMetricsAreSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("x")
	m.IncJobTimeout("x")
	m.ObserveRunLoopLag(-time.Second)
	m.IncBatchParked()
	m.SetPriceQuoteAge(time.Second)
}
