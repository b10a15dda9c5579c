// Package domain models deposit accounts and finalized on-chain transfers
// into them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositStatusFinalized DepositStatus = "finalized"
	DepositStatusCredited  DepositStatus = "credited"
)

const DefaultCursorName = "deposit_scan"

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAddress      = errors.New("invalid_address")
	ErrInvalidTransfer     = errors.New("invalid_transfer")
	ErrDepositNotFound     = errors.New("deposit_not_found")
	ErrScannerUnavailable  = errors.New("chain_scanner_unavailable")
	ErrTreasuryUnavailable = errors.New("treasury_unavailable")
)

type DepositAccount struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID    string       `gorm:"type:text;not null;uniqueIndex" json:"user_id"`
	Address   string       `gorm:"type:text;not null;uniqueIndex" json:"address"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (DepositAccount) TableName() string { return "deposit_accounts" }

type ObservedDeposit struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	BlockNumber   uint64          `gorm:"not null;uniqueIndex:ux_observed_deposits_event,priority:1" json:"block_number"`
	EventIndex    uint            `gorm:"not null;uniqueIndex:ux_observed_deposits_event,priority:2" json:"event_index"`
	TxHash        string          `gorm:"type:text;not null" json:"tx_hash"`
	FromAddress   string          `gorm:"type:text;not null" json:"from_address"`
	ToAddress     string          `gorm:"type:text;not null;index" json:"to_address"`
	UserID        string          `gorm:"type:text;not null;index" json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"amount"`
	TransactionID string          `gorm:"type:text;not null;uniqueIndex" json:"transaction_id"`
	Status        DepositStatus   `gorm:"type:text;not null" json:"status"`
	ObservedAt    time.Time       `gorm:"not null" json:"observed_at"`
	CreditedAt    *time.Time      `json:"credited_at,omitempty"`
}

func (ObservedDeposit) TableName() string { return "observed_deposits" }

type ScanCursor struct {
	Name      string    `gorm:"primaryKey;type:text"`
	LastBlock uint64    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ScanCursor) TableName() string { return "scan_cursors" }

func Models() []any {
	return []any{&DepositAccount{}, &ObservedDeposit{}, &ScanCursor{}}
}

// Transfer is one finalized token transfer as reported by the chain scanner.
type Transfer struct {
	BlockNumber uint64
	EventIndex  uint
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Amount      decimal.Decimal
}

// ChainScanner reads finalized token transfers.
type ChainScanner interface {
	LatestFinalizedBlock(ctx context.Context) (uint64, error)
	Transfers(ctx context.Context, fromBlock, toBlock uint64, to []common.Address) ([]Transfer, error)
}

// AddressProvider allocates a fresh deposit address for a user. Custody of the
// key stays with the provider.
type AddressProvider interface {
	NewDepositAddress(ctx context.Context, userID string) (string, error)
}

type Service interface {
	CreateDepositAccount(ctx context.Context, userID string) (DepositAccount, error)
	GetDepositAccount(ctx context.Context, userID string) (DepositAccount, bool, error)
	ListDeposits(ctx context.Context, userID string, limit, offset int) ([]ObservedDeposit, error)
	RecordDeposit(ctx context.Context, transfer Transfer) (bool, error)
	Scan(ctx context.Context) (ScanResult, error)
	MarkCredited(ctx context.Context, transactionID string, at time.Time) error
}

type ScanResult struct {
	FromBlock uint64
	ToBlock   uint64
	Transfers int
	Recorded  int
	// Skipped is true when another instance holds the scan lock or the cursor
	// is already at the finalized head.
	Skipped bool
}
