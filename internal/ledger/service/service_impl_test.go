package service

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"github.com/one-covenant/basilica-billing/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t, ledgerdomain.Models()...)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.Node(t),
		Clock:  clk,
		Config: config.Config{Ledger: config.LedgerConfig{ReservationTTL: time.Hour}},
	})
	return svc, clk
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func grant(t *testing.T, svc *Service, user, txID, amount string) ledgerdomain.ApplyCreditResult {
	t.Helper()
	res, err := svc.ApplyCredit(context.Background(), ledgerdomain.ApplyCreditRequest{
		TransactionID: txID,
		UserID:        user,
		Amount:        dec(amount),
		PaymentMethod: "crypto_deposit",
	})
	require.NoError(t, err)
	return res
}

func assertBalance(t *testing.T, svc *Service, user, available, reserved string) ledgerdomain.CreditBalance {
	t.Helper()
	bal, err := svc.GetBalance(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec(available)), "available: want %s got %s", available, bal.Available)
	assert.True(t, bal.Reserved.Equal(dec(reserved)), "reserved: want %s got %s", reserved, bal.Reserved)
	require.NoError(t, bal.CheckInvariant())
	return bal
}

func TestReserveCaptureScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "100")

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("20")})
	require.NoError(t, err)
	assertBalance(t, svc, "alice", "80", "20")

	out, err := svc.Capture(ctx, res.ID, dec("15"))
	require.NoError(t, err)
	assert.True(t, out.Captured.Equal(dec("15")))
	assert.True(t, out.Returned.Equal(dec("5")))
	assert.False(t, out.Terminate)

	bal := assertBalance(t, svc, "alice", "85", "0")
	assert.True(t, bal.TotalConsumed.Equal(dec("15")))
	assert.True(t, bal.TotalIssued.Equal(dec("100")))
}

func TestReserveRejectsInsufficientFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "ghost", RentalID: "r-1", Amount: dec("1")})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	grant(t, svc, "alice", "deposit:1", "10")
	_, err = svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("10.00000001")})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
	assertBalance(t, svc, "alice", "10", "0")

	_, err = svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestCaptureOverageDrawsFromAvailable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "100")

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("20")})
	require.NoError(t, err)

	out, err := svc.Capture(ctx, res.ID, dec("30"))
	require.NoError(t, err)
	assert.True(t, out.Captured.Equal(dec("30")))
	assert.False(t, out.Terminate)
	assertBalance(t, svc, "alice", "70", "0")
}

func TestCaptureShortfallDrainsAndTerminates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "25")

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("20")})
	require.NoError(t, err)

	out, err := svc.Capture(ctx, res.ID, dec("40"))
	require.NoError(t, err)
	assert.True(t, out.Terminate)
	assert.True(t, out.Captured.Equal(dec("25")))
	assert.True(t, out.Shortfall.Equal(dec("15")))
	bal := assertBalance(t, svc, "alice", "0", "0")
	assert.True(t, bal.TotalConsumed.Equal(dec("25")))

	replay, err := svc.Capture(ctx, res.ID, dec("40"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.True(t, replay.Terminate)
	assert.True(t, replay.Captured.Equal(dec("25")))
	assertBalance(t, svc, "alice", "0", "0")
}

func TestReleaseSemantics(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "50")

	first, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("10")})
	require.NoError(t, err)
	released, err := svc.Release(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusReleased, released.Status)
	assertBalance(t, svc, "alice", "50", "0")

	again, err := svc.Release(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusReleased, again.Status)
	assertBalance(t, svc, "alice", "50", "0")

	_, err = svc.Capture(ctx, first.ID, dec("1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrReservationNotActive)

	second, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-2", Amount: dec("10")})
	require.NoError(t, err)
	_, err = svc.Capture(ctx, second.ID, dec("10"))
	require.NoError(t, err)
	_, err = svc.Release(ctx, second.ID)
	assert.ErrorIs(t, err, ledgerdomain.ErrReservationNotActive)

	third, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-3", Amount: dec("5")})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	expired, err := svc.Release(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusExpired, expired.Status)
	assertBalance(t, svc, "alice", "40", "0")
}

func TestApplyCreditIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first := grant(t, svc, "alice", "deposit:abc", "12.5")
	assert.True(t, first.Applied)
	assert.True(t, first.NewBalance.Equal(dec("12.5")))

	second := grant(t, svc, "alice", "deposit:abc", "12.5")
	assert.False(t, second.Applied)
	assert.Equal(t, first.CreditID, second.CreditID)
	assert.True(t, second.NewBalance.Equal(dec("12.5")))

	bal := assertBalance(t, svc, "alice", "12.5", "0")
	assert.True(t, bal.TotalIssued.Equal(dec("12.5")))

	var entries int64
	require.NoError(t, svc.db.Model(&ledgerdomain.LedgerEntry{}).Where("source_type = ?", ledgerdomain.SourceTypeGrant).Count(&entries).Error)
	assert.EqualValues(t, 1, entries)

	_, err := svc.ApplyCredit(ctx, ledgerdomain.ApplyCreditRequest{UserID: "alice", Amount: dec("1")})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidTransaction)
}

func TestExpireReservationsSweep(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "30")

	stale, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-old", Amount: dec("10"), TTL: time.Minute})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-new", Amount: dec("10"), TTL: 3 * time.Hour})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err := svc.ExpireReservations(ctx, clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusExpired, got.Status)
	assertBalance(t, svc, "alice", "20", "10")

	n, err = svc.ExpireReservations(ctx, clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCaptureAfterExpiryDrawsFromAvailable(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "30")

	first, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("10"), TTL: time.Minute})
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-2", Amount: dec("10"), TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	n, err := svc.ExpireReservations(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assertBalance(t, svc, "alice", "30", "0")

	out, err := svc.Capture(ctx, first.ID, dec("12"))
	require.NoError(t, err)
	assert.True(t, out.Captured.Equal(dec("12")))
	assert.True(t, out.Returned.IsZero())
	assert.False(t, out.Terminate)
	bal := assertBalance(t, svc, "alice", "18", "0")
	assert.True(t, bal.TotalConsumed.Equal(dec("12")))

	got, err := svc.GetReservation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusCaptured, got.Status)

	replay, err := svc.Capture(ctx, first.ID, dec("12"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assertBalance(t, svc, "alice", "18", "0")

	short, err := svc.Capture(ctx, second.ID, dec("25"))
	require.NoError(t, err)
	assert.True(t, short.Captured.Equal(dec("18")))
	assert.True(t, short.Shortfall.Equal(dec("7")))
	assert.True(t, short.Terminate)
	bal = assertBalance(t, svc, "alice", "0", "0")
	assert.True(t, bal.TotalConsumed.Equal(dec("30")))
}

func TestFindReservationByRentalAndTotals(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "alice", "deposit:1", "30")
	grant(t, svc, "bob", "deposit:2", "5")

	_, err := svc.FindReservationByRental(ctx, "r-1")
	assert.ErrorIs(t, err, ledgerdomain.ErrReservationNotFound)

	_, err = svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("4")})
	require.NoError(t, err)
	clk.Advance(time.Second)
	latest, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: "alice", RentalID: "r-1", Amount: dec("6")})
	require.NoError(t, err)

	found, err := svc.FindReservationByRental(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, found.ID)

	totals, err := svc.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, totals.Accounts)
	assert.True(t, totals.TotalIssued.Equal(dec("35")))
	assert.True(t, totals.Reserved.Equal(dec("10")))
	assert.True(t, totals.Available.Equal(dec("25")))
}

func TestEnsureAccountAndGetBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetBalance(ctx, "carol")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)

	bal, err := svc.EnsureAccount(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())

	_, err = svc.EnsureAccount(ctx, "carol")
	require.NoError(t, err)
}

func TestConservationUnderRandomOperations(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	users := []string{"u1", "u2", "u3"}
	active := map[string][]snowflake.ID{}

	for i := 0; i < 150; i++ {
		user := users[rng.Intn(len(users))]
		amount := decimal.New(int64(rng.Intn(5000)+1), -2)

		switch op := rng.Intn(4); op {
		case 0:
			_, err := svc.ApplyCredit(ctx, ledgerdomain.ApplyCreditRequest{
				TransactionID: fmt.Sprintf("tx-%d", rng.Intn(40)),
				UserID:        user,
				Amount:        amount,
				PaymentMethod: "test",
			})
			require.NoError(t, err)
		case 1:
			res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{UserID: user, RentalID: fmt.Sprintf("r-%d", i), Amount: amount})
			if err == nil {
				active[user] = append(active[user], res.ID)
			} else {
				require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
			}
		case 2, 3:
			ids := active[user]
			if len(ids) == 0 {
				continue
			}
			id := ids[0]
			active[user] = ids[1:]
			var err error
			if op == 2 {
				_, err = svc.Capture(ctx, id, amount)
			} else {
				_, err = svc.Release(ctx, id)
			}
			require.NoError(t, err)
		}
		clk.Advance(time.Second)

		for _, u := range users {
			bal, err := svc.GetBalance(ctx, u)
			if err != nil {
				require.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
				continue
			}
			require.NoError(t, bal.CheckInvariant(), "after op %d", i)
		}
	}
}
