package service

import (
	"context"
	"testing"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/testutil"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	"github.com/one-covenant/basilica-billing/internal/usage/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (usagedomain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t, &usagedomain.UsageEvent{})
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return svc, db
}

func TestAppendIsIdempotentOnEventID(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	req := usagedomain.AppendRequest{
		EventID:          "rental-1:hb:1",
		RentalID:         "rental-1",
		UserID:           "alice",
		Kind:             usagedomain.EventKindHeartbeat,
		OccurredAt:       time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC),
		BillableQuantity: decimal.NewFromInt(2),
		PackageID:        "h100",
	}

	first, inserted, err := svc.Append(ctx, req)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, usagedomain.EventStatusUnprocessed, first.Status)
	require.NotNil(t, first.PackageID)
	assert.Equal(t, "h100", *first.PackageID)

	req.BillableQuantity = decimal.NewFromInt(99)
	second, inserted, err := svc.Append(ctx, req)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.BillableQuantity.Equal(decimal.NewFromInt(2)))

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestAppendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	valid := usagedomain.AppendRequest{
		EventID:    "e-1",
		RentalID:   "r-1",
		UserID:     "alice",
		Kind:       usagedomain.EventKindStarted,
		OccurredAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name   string
		mutate func(r *usagedomain.AppendRequest)
		want   error
	}{
		{name: "event_id", mutate: func(r *usagedomain.AppendRequest) { r.EventID = " " }, want: usagedomain.ErrInvalidEventID},
		{name: "rental", mutate: func(r *usagedomain.AppendRequest) { r.RentalID = "" }, want: usagedomain.ErrInvalidRental},
		{name: "user", mutate: func(r *usagedomain.AppendRequest) { r.UserID = "" }, want: usagedomain.ErrInvalidUser},
		{name: "kind", mutate: func(r *usagedomain.AppendRequest) { r.Kind = "paused" }, want: usagedomain.ErrInvalidKind},
		{name: "quantity", mutate: func(r *usagedomain.AppendRequest) { r.BillableQuantity = decimal.NewFromInt(-1) }, want: usagedomain.ErrInvalidQuantity},
		{name: "occurred_at", mutate: func(r *usagedomain.AppendRequest) { r.OccurredAt = time.Time{} }, want: usagedomain.ErrInvalidOccurredAt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, _, err := svc.Append(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
