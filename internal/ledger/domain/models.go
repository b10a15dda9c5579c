package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusActive
}

type LedgerSourceType string

const (
	SourceTypeGrant   LedgerSourceType = "grant"
	SourceTypeReserve LedgerSourceType = "reserve"
	SourceTypeCapture LedgerSourceType = "capture"
	SourceTypeOverage LedgerSourceType = "overage"
	SourceTypeRelease LedgerSourceType = "release"
	SourceTypeExpire  LedgerSourceType = "expire"
)

// CreditBalance is the per-user account. Rows are never deleted.
type CreditBalance struct {
	UserID        string          `gorm:"primaryKey;type:text" json:"user_id"`
	Available     decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"available"`
	Reserved      decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"reserved"`
	TotalIssued   decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"total_issued"`
	TotalConsumed decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"total_consumed"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null" json:"updated_at"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CheckInvariant verifies available + reserved == issued - consumed with no negative side.
func (b CreditBalance) CheckInvariant() error {
	if b.Available.IsNegative() {
		return fmt.Errorf("%w: available %s < 0", ErrBalanceInvariant, b.Available)
	}
	if b.Reserved.IsNegative() {
		return fmt.Errorf("%w: reserved %s < 0", ErrBalanceInvariant, b.Reserved)
	}
	held := b.Available.Add(b.Reserved)
	net := b.TotalIssued.Sub(b.TotalConsumed)
	if !held.Equal(net) {
		return fmt.Errorf("%w: available+reserved %s != issued-consumed %s", ErrBalanceInvariant, held, net)
	}
	return nil
}

type Reservation struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID         string            `gorm:"type:text;not null;index" json:"user_id"`
	RentalID       string            `gorm:"type:text;not null;index" json:"rental_id"`
	Amount         decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"amount"`
	CapturedAmount decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"captured_amount"`
	Shortfall      decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"shortfall"`
	Terminate      bool              `gorm:"not null;default:false" json:"terminate"`
	Status         ReservationStatus `gorm:"type:text;not null;index" json:"status"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	ExpiresAt      time.Time         `gorm:"not null;index" json:"expires_at"`
	FinalizedAt    *time.Time        `json:"finalized_at,omitempty"`
}

func (Reservation) TableName() string { return "reservations" }

// CreditGrant records an applied credit; transaction_id makes replays detectable.
type CreditGrant struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"credit_id"`
	TransactionID string            `gorm:"type:text;not null;uniqueIndex" json:"transaction_id"`
	UserID        string            `gorm:"type:text;not null;index" json:"user_id"`
	Amount        decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"amount"`
	PaymentMethod string            `gorm:"type:text;not null" json:"payment_method"`
	Metadata      datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	BalanceAfter  decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"balance_after"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

// LedgerEntry is the immutable journal line for one balance mutation.
type LedgerEntry struct {
	ID             snowflake.ID     `gorm:"primaryKey"`
	UserID         string           `gorm:"type:text;not null;index"`
	SourceType     LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID       string           `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	AvailableDelta decimal.Decimal  `gorm:"type:numeric(38,18);not null"`
	ReservedDelta  decimal.Decimal  `gorm:"type:numeric(38,18);not null"`
	IssuedDelta    decimal.Decimal  `gorm:"type:numeric(38,18);not null"`
	ConsumedDelta  decimal.Decimal  `gorm:"type:numeric(38,18);not null"`
	OccurredAt     time.Time        `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Models lists the tables owned by the ledger.
func Models() []any {
	return []any{&CreditBalance{}, &Reservation{}, &CreditGrant{}, &LedgerEntry{}}
}
