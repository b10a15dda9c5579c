package service

import (
	"context"
	"testing"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	ledgerservice "github.com/one-covenant/basilica-billing/internal/ledger/service"
	"github.com/one-covenant/basilica-billing/internal/rental/bus"
	rentaldomain "github.com/one-covenant/basilica-billing/internal/rental/domain"
	"github.com/one-covenant/basilica-billing/internal/testutil"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	usagerepo "github.com/one-covenant/basilica-billing/internal/usage/repository"
	usageservice "github.com/one-covenant/basilica-billing/internal/usage/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*Service, ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t, append(ledgerdomain.Models(), &usagedomain.UsageEvent{})...)
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	node := testutil.Node(t)
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
		Config: config.Config{Ledger: config.LedgerConfig{ReservationTTL: time.Hour}},
	})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: usagerepo.Provide(),
	})
	svc := NewService(Params{Log: zap.NewNop(), Clock: clk, Ledger: ledger, Usage: usage}).(*Service)

	_, err := ledger.ApplyCredit(context.Background(), ledgerdomain.ApplyCreditRequest{
		TransactionID: "seed", UserID: "alice", Amount: decimal.NewFromInt(100), PaymentMethod: "manual",
	})
	require.NoError(t, err)
	return svc, ledger, db
}

func eventKinds(t *testing.T, db *gorm.DB, rentalID string) []usagedomain.EventKind {
	t.Helper()
	var events []usagedomain.UsageEvent
	require.NoError(t, db.Where("rental_id = ?", rentalID).Order("id ASC").Find(&events).Error)
	kinds := make([]usagedomain.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestLifecycleIsIdempotent(t *testing.T) {
	svc, ledger, db := setup(t)
	ctx := context.Background()

	first, err := svc.Start(ctx, rentaldomain.StartRequest{RentalID: "r-1", UserID: "alice", Reserve: decimal.NewFromInt(20)})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := svc.Start(ctx, rentaldomain.StartRequest{RentalID: "r-1", UserID: "alice", Reserve: decimal.NewFromInt(20)})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ReservationID, again.ReservationID)

	bal, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Reserved.Equal(decimal.NewFromInt(20)), "one reservation only")

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.Heartbeat(ctx, rentaldomain.HeartbeatRequest{RentalID: "r-1", UserID: "alice", Sequence: 1, Quantity: decimal.NewFromInt(1)}))
	}
	require.NoError(t, svc.Heartbeat(ctx, rentaldomain.HeartbeatRequest{RentalID: "r-1", UserID: "alice", Sequence: 2, Quantity: decimal.NewFromInt(1)}))
	require.NoError(t, svc.Stop(ctx, rentaldomain.StopRequest{RentalID: "r-1", UserID: "alice"}))
	require.NoError(t, svc.Stop(ctx, rentaldomain.StopRequest{RentalID: "r-1", UserID: "alice"}))

	assert.Equal(t, []usagedomain.EventKind{
		usagedomain.EventKindStarted,
		usagedomain.EventKindHeartbeat,
		usagedomain.EventKindHeartbeat,
		usagedomain.EventKindStopped,
	}, eventKinds(t, db, "r-1"))
}

func TestStartWithoutFundsRecordsNothing(t *testing.T) {
	svc, _, db := setup(t)
	_, err := svc.Start(context.Background(), rentaldomain.StartRequest{RentalID: "r-2", UserID: "alice", Reserve: decimal.NewFromInt(500)})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
	assert.Empty(t, eventKinds(t, db, "r-2"))
}

func TestHeartbeatRequiresSequence(t *testing.T) {
	svc, _, _ := setup(t)
	err := svc.Heartbeat(context.Background(), rentaldomain.HeartbeatRequest{RentalID: "r-3", UserID: "alice"})
	assert.ErrorIs(t, err, rentaldomain.ErrInvalidSequence)
}

func TestSubscriberDispatchesLifecycleMessages(t *testing.T) {
	svc, _, db := setup(t)
	sub := bus.NewSubscriber(nil, svc, zap.NewNop())
	ctx := context.Background()

	sub.Dispatch(ctx, []byte(`{"kind":"start","rental_id":"r-4","user_id":"alice","reserve":"10"}`))
	sub.Dispatch(ctx, []byte(`{"kind":"heartbeat","rental_id":"r-4","user_id":"alice","sequence":1,"quantity":"0.5"}`))
	sub.Dispatch(ctx, []byte(`{"kind":"reboot","rental_id":"r-4","user_id":"alice"}`))
	sub.Dispatch(ctx, []byte(`not json`))
	sub.Dispatch(ctx, []byte(`{"kind":"stop","rental_id":"r-4","user_id":"alice","quantity":"0.25"}`))

	assert.Equal(t, []usagedomain.EventKind{
		usagedomain.EventKindStarted,
		usagedomain.EventKindHeartbeat,
		usagedomain.EventKindStopped,
	}, eventKinds(t, db, "r-4"))

	err := svc.Handle(ctx, rentaldomain.LifecycleMessage{Kind: rentaldomain.LifecycleStop})
	assert.ErrorIs(t, err, rentaldomain.ErrInvalidMessage)
}
