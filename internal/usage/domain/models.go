// Package domain contains the append-only usage event model and its claim contract.
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

type EventKind string

const (
	EventKindStarted   EventKind = "started"
	EventKindHeartbeat EventKind = "heartbeat"
	EventKindStopped   EventKind = "stopped"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventKindStarted, EventKindHeartbeat, EventKindStopped:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusUnprocessed EventStatus = "unprocessed"
	EventStatusClaimed     EventStatus = "claimed"
	EventStatusProcessed   EventStatus = "processed"
)

// UsageEvent is one rental lifecycle observation. Rows are never deleted.
type UsageEvent struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	EventID          string            `gorm:"type:text;not null;uniqueIndex" json:"event_id"`
	RentalID         string            `gorm:"type:text;not null;index" json:"rental_id"`
	UserID           string            `gorm:"type:text;not null;index" json:"user_id"`
	Kind             EventKind         `gorm:"type:text;not null" json:"kind"`
	OccurredAt       time.Time         `gorm:"not null;index" json:"occurred_at"`
	BillableQuantity decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"billable_quantity"`
	PackageID        *string           `gorm:"type:text" json:"package_id,omitempty"`
	Status           EventStatus       `gorm:"type:text;not null;index" json:"status"`
	BatchID          *snowflake.ID     `gorm:"index" json:"batch_id,omitempty"`
	LeaseExpiresAt   *time.Time        `json:"lease_expires_at,omitempty"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty"`
	Metadata         datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// RentalUsage is the running total of a rental across processed events plus
// the events of the batch being priced. Outstanding counts the rental's events
// that are neither processed nor part of that batch.
type RentalUsage struct {
	RentalID      string
	UserID        string
	PackageID     string
	TotalQuantity decimal.Decimal
	WindowStart   time.Time
	WindowEnd     time.Time
	Stopped       bool
	Outstanding   int64
}

// Repository operates on the caller's transaction so claims compose with batch state changes.
type Repository interface {
	Append(ctx context.Context, db *gorm.DB, event UsageEvent) (UsageEvent, bool, error)
	ClaimBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, limit int, leaseUntil, now time.Time) ([]UsageEvent, error)
	ReclaimBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, leaseUntil time.Time) ([]UsageEvent, error)
	HoldBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) error
	MarkProcessed(ctx context.Context, db *gorm.DB, batchID snowflake.ID, eventIDs []snowflake.ID, now time.Time) (int64, error)
	SumByRental(ctx context.Context, db *gorm.DB, rentalID string, batchID snowflake.ID) (RentalUsage, error)
}

type AppendRequest struct {
	EventID          string
	RentalID         string
	UserID           string
	Kind             EventKind
	OccurredAt       time.Time
	BillableQuantity decimal.Decimal
	PackageID        string
	Metadata         map[string]any
}

type Service interface {
	// Append stores the event once; a replayed event id returns the stored row with inserted=false.
	Append(ctx context.Context, req AppendRequest) (UsageEvent, bool, error)
}

var (
	ErrInvalidEventID    = errors.New("invalid_event_id")
	ErrInvalidRental     = errors.New("invalid_rental")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidKind       = errors.New("invalid_kind")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidOccurredAt = errors.New("invalid_occurred_at")
)

func Models() []any {
	return []any{&UsageEvent{}}
}
