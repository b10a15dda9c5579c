// Package domain holds the settlement outbox: one row per observed deposit
// that still has to be turned into a ledger credit.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const PaymentMethodCryptoDeposit = "crypto_deposit"

var (
	ErrLedgerUnreachable = errors.New("ledger_unreachable")
	ErrInvalidEntry      = errors.New("invalid_outbox_entry")
	// ErrCreditRejected marks a ledger refusal that no retry can fix.
	ErrCreditRejected = errors.New("credit_rejected")
)

// OutboxEntry carries the native amount; conversion to credits happens at
// dispatch time so a stale price only delays, never misprices. A parked entry
// is out of rotation until someone inspects it.
type OutboxEntry struct {
	ID             snowflake.ID        `gorm:"primaryKey" json:"id"`
	UserID         string              `gorm:"type:text;not null;index" json:"user_id"`
	Amount         decimal.Decimal     `gorm:"type:numeric(78,0);not null" json:"amount"`
	TransactionID  string              `gorm:"type:text;not null;uniqueIndex" json:"transaction_id"`
	Metadata       datatypes.JSONMap   `gorm:"type:json" json:"metadata,omitempty"`
	Attempts       int                 `gorm:"not null;default:0" json:"attempts"`
	ClaimToken     *string             `gorm:"type:text;index" json:"claim_token,omitempty"`
	ClaimedAt      *time.Time          `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time          `json:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time           `gorm:"not null;index" json:"next_attempt_at"`
	DispatchedAt   *time.Time          `gorm:"index" json:"dispatched_at,omitempty"`
	ParkedAt       *time.Time          `json:"parked_at,omitempty"`
	LastError      *string             `gorm:"type:text" json:"last_error,omitempty"`
	CreditID       *snowflake.ID       `json:"credit_id,omitempty"`
	CreditedAmount decimal.NullDecimal `gorm:"type:numeric(38,18)" json:"credited_amount"`
	CreatedAt      time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"not null" json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "settlement_outbox" }

func Models() []any {
	return []any{&OutboxEntry{}}
}

type Repository interface {
	// EnqueueTx inserts entry inside the caller's transaction. A second entry
	// with the same transaction id is ignored and reported as not inserted.
	EnqueueTx(ctx context.Context, tx *gorm.DB, entry OutboxEntry) (bool, error)
	ClaimBatch(ctx context.Context, limit int, leaseUntil, now time.Time, token string) ([]OutboxEntry, error)
	MarkDispatched(ctx context.Context, id snowflake.ID, token string, creditID *snowflake.ID, credited decimal.Decimal, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id snowflake.ID, token string, cause string, nextAttemptAt, now time.Time) (bool, error)
	MarkParked(ctx context.Context, id snowflake.ID, token string, cause string, now time.Time) (bool, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*OutboxEntry, error)
	CountPending(ctx context.Context) (int64, error)
}

type ApplyCreditsRequest struct {
	UserID        string
	Amount        decimal.Decimal
	TransactionID string
	PaymentMethod string
	Metadata      map[string]any
}

type ApplyCreditsResponse struct {
	CreditID   snowflake.ID
	Success    bool
	NewBalance decimal.Decimal
	// Applied is false when the ledger had already seen the transaction id.
	Applied bool
}

// LedgerClient is the credit-granting boundary.
type LedgerClient interface {
	ApplyCredits(ctx context.Context, req ApplyCreditsRequest) (ApplyCreditsResponse, error)
}

// DepositMarker flips the source deposit to credited once the ledger accepted it.
type DepositMarker interface {
	MarkCredited(ctx context.Context, transactionID string, at time.Time) error
}

type Converter interface {
	Convert(native decimal.Decimal) (decimal.Decimal, error)
}

type DispatchResult struct {
	Claimed    int
	Dispatched int
	Failed     int
	Parked     int
}
