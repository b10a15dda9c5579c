package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient_funds")
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrReservationNotFound  = errors.New("reservation_not_found")
	ErrReservationNotActive = errors.New("reservation_not_active")
	ErrBalanceInvariant     = errors.New("balance_invariant_violation")

	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidTransaction = errors.New("invalid_transaction")
	ErrInvalidRental      = errors.New("invalid_rental")
)

type Service interface {
	GetBalance(ctx context.Context, userID string) (CreditBalance, error)
	EnsureAccount(ctx context.Context, userID string) (CreditBalance, error)
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	Capture(ctx context.Context, reservationID snowflake.ID, actual decimal.Decimal) (CaptureResult, error)
	Release(ctx context.Context, reservationID snowflake.ID) (Reservation, error)
	ApplyCredit(ctx context.Context, req ApplyCreditRequest) (ApplyCreditResult, error)
	GetReservation(ctx context.Context, reservationID snowflake.ID) (Reservation, error)
	FindReservationByRental(ctx context.Context, rentalID string) (*Reservation, error)
	ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error)
	Totals(ctx context.Context) (AccountingTotals, error)
}

type ReserveRequest struct {
	UserID   string
	RentalID string
	Amount   decimal.Decimal
	// TTL falls back to the configured reservation TTL when zero.
	TTL time.Duration
}

// CaptureResult describes how a final charge was settled against a reservation.
// Captured is what was actually consumed; Shortfall is the part of the charge
// the account could not cover.
type CaptureResult struct {
	ReservationID snowflake.ID
	Requested     decimal.Decimal
	Captured      decimal.Decimal
	Returned      decimal.Decimal
	Shortfall     decimal.Decimal
	Terminate     bool
	Replayed      bool
	Balance       CreditBalance
}

type ApplyCreditRequest struct {
	TransactionID string
	UserID        string
	Amount        decimal.Decimal
	PaymentMethod string
	Metadata      map[string]any
}

type ApplyCreditResult struct {
	CreditID   snowflake.ID
	NewBalance decimal.Decimal
	// Applied is false when the transaction id had already been applied.
	Applied bool
}

type AccountingTotals struct {
	Accounts      int64
	Available     decimal.Decimal
	Reserved      decimal.Decimal
	TotalIssued   decimal.Decimal
	TotalConsumed decimal.Decimal
}
