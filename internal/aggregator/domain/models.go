package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type BatchKind string

const BatchKindUsage BatchKind = "usage"

type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusClaimed   BatchStatus = "claimed"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

var (
	ErrBatchProcessingFailed = errors.New("batch_processing_failed")
	ErrBatchNotFound         = errors.New("batch_not_found")
	ErrBatchNotParked        = errors.New("batch_not_parked")
	ErrBatchLeaseLost        = errors.New("batch_lease_lost")
	// ErrUsageOutstanding defers a final capture while other events of the
	// rental are still unpriced.
	ErrUsageOutstanding = errors.New("usage_outstanding")
)

// ProcessingBatch groups claimed usage events priced together. A failed batch
// with ParkedAt set waits for a manual requeue.
type ProcessingBatch struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Kind           BatchKind    `gorm:"type:text;not null" json:"kind"`
	Status         BatchStatus  `gorm:"type:text;not null;index" json:"status"`
	FirstEventAt   *time.Time   `json:"first_event_at,omitempty"`
	LastEventAt    *time.Time   `json:"last_event_at,omitempty"`
	EventCount     int          `gorm:"not null;default:0" json:"event_count"`
	Attempts       int          `gorm:"not null;default:0" json:"attempts"`
	ClaimToken     *string      `gorm:"type:text;index" json:"-"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	NextAttemptAt  *time.Time   `gorm:"index" json:"next_attempt_at,omitempty"`
	ParkedAt       *time.Time   `json:"parked_at,omitempty"`
	LastError      *string      `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (ProcessingBatch) TableName() string { return "processing_batches" }

func (b ProcessingBatch) Parked() bool {
	return b.Status == BatchStatusFailed && b.ParkedAt != nil
}

// UsageCharge is the priced result of one rental inside one batch.
type UsageCharge struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	BatchID        snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_charges_batch_rental,priority:1" json:"batch_id"`
	RentalID       string          `gorm:"type:text;not null;uniqueIndex:ux_usage_charges_batch_rental,priority:2;index" json:"rental_id"`
	UserID         string          `gorm:"type:text;not null;index" json:"user_id"`
	PackageID      string          `gorm:"type:text" json:"package_id,omitempty"`
	TotalQuantity  decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"total_quantity"`
	BaseCharge     decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"base_charge"`
	AdjustedCharge decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"adjusted_charge"`
	RuleID         *string         `gorm:"type:text" json:"rule_id,omitempty"`
	Final          bool            `gorm:"not null;default:false" json:"final"`
	CapturedAmount decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"captured_amount"`
	Terminate      bool            `gorm:"not null;default:false" json:"terminate"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
}

func (UsageCharge) TableName() string { return "usage_charges" }

func Models() []any {
	return []any{&ProcessingBatch{}, &UsageCharge{}}
}

// Pricer prices one rental aggregation.
type Pricer interface {
	Price(ctx context.Context, agg rulesdomain.Aggregation) (rulesdomain.Evaluation, error)
}

type ActivateBatch struct {
	ID           snowflake.ID
	Token        string
	LeaseUntil   time.Time
	FirstEventAt time.Time
	LastEventAt  time.Time
	EventCount   int
}

// FailBatch records a failed attempt. A nil NextAttemptAt parks the batch.
type FailBatch struct {
	ID            snowflake.ID
	Token         string
	Attempts      int
	Cause         string
	NextAttemptAt *time.Time
}

type Repository interface {
	CreateBatchTx(ctx context.Context, tx *gorm.DB, batch *ProcessingBatch) error
	ActivateBatchTx(ctx context.Context, tx *gorm.DB, req ActivateBatch, now time.Time) (bool, error)
	ClaimDue(ctx context.Context, limit int, leaseUntil, now time.Time, token string) ([]ProcessingBatch, error)
	CompleteTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, token string, now time.Time) (bool, error)
	FailTx(ctx context.Context, tx *gorm.DB, req FailBatch, now time.Time) (bool, error)
	InsertChargesTx(ctx context.Context, tx *gorm.DB, charges []UsageCharge) error
	ListParked(ctx context.Context, limit int) ([]ProcessingBatch, error)
	Requeue(ctx context.Context, id snowflake.ID, now time.Time) (bool, error)
	Get(ctx context.Context, id snowflake.ID) (*ProcessingBatch, error)
	Charges(ctx context.Context, batchID snowflake.ID) ([]UsageCharge, error)
}

type RunResult struct {
	Retried   int
	Completed int
	Failed    int
	Parked    int
	Events    int
}

type Service interface {
	RunOnce(ctx context.Context) (RunResult, error)
	ListParked(ctx context.Context, limit int) ([]ProcessingBatch, error)
	Requeue(ctx context.Context, id snowflake.ID) (ProcessingBatch, error)
}
