package repository

import (
	"context"
	"errors"
	"time"

	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	InsertDepositTx(ctx context.Context, tx *gorm.DB, deposit depositdomain.ObservedDeposit) (bool, error)
	AccountsByAddress(ctx context.Context, addresses []string) (map[string]depositdomain.DepositAccount, error)
	TrackedAddresses(ctx context.Context) ([]string, error)
	Cursor(ctx context.Context, name string) (*depositdomain.ScanCursor, error)
	AdvanceCursor(ctx context.Context, name string, block uint64, now time.Time) error
	MarkCredited(ctx context.Context, transactionID string, at time.Time) (int64, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*depositdomain.ObservedDeposit, error)
}

type depositRepo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) Repository {
	return &depositRepo{db: db}
}

func (r *depositRepo) InsertDepositTx(ctx context.Context, tx *gorm.DB, d depositdomain.ObservedDeposit) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO observed_deposits (
			id, block_number, event_index, tx_hash, from_address, to_address, user_id,
			amount, transaction_id, status, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (block_number, event_index) DO NOTHING`,
		d.ID,
		d.BlockNumber,
		d.EventIndex,
		d.TxHash,
		d.FromAddress,
		d.ToAddress,
		d.UserID,
		d.Amount,
		d.TransactionID,
		depositdomain.DepositStatusFinalized,
		d.ObservedAt.UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *depositRepo) AccountsByAddress(ctx context.Context, addresses []string) (map[string]depositdomain.DepositAccount, error) {
	out := make(map[string]depositdomain.DepositAccount, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	var accounts []depositdomain.DepositAccount
	if err := r.db.WithContext(ctx).Where("address IN ?", addresses).Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		out[a.Address] = a
	}
	return out, nil
}

func (r *depositRepo) TrackedAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	err := r.db.WithContext(ctx).
		Model(&depositdomain.DepositAccount{}).
		Order("address ASC").
		Pluck("address", &addresses).Error
	return addresses, err
}

func (r *depositRepo) Cursor(ctx context.Context, name string) (*depositdomain.ScanCursor, error) {
	var cursor depositdomain.ScanCursor
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

// AdvanceCursor never moves the cursor backwards.
func (r *depositRepo) AdvanceCursor(ctx context.Context, name string, block uint64, now time.Time) error {
	cursor := depositdomain.ScanCursor{Name: name, LastBlock: block, UpdatedAt: now.UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_block": gorm.Expr("CASE WHEN scan_cursors.last_block < ? THEN ? ELSE scan_cursors.last_block END", block, block),
			"updated_at": now.UTC(),
		}),
	}).Create(&cursor).Error
}

func (r *depositRepo) MarkCredited(ctx context.Context, transactionID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE observed_deposits SET status = ?, credited_at = ? WHERE transaction_id = ? AND status = ?`,
		depositdomain.DepositStatusCredited,
		at.UTC(),
		transactionID,
		depositdomain.DepositStatusFinalized,
	)
	return result.RowsAffected, result.Error
}

func (r *depositRepo) FindByTransactionID(ctx context.Context, transactionID string) (*depositdomain.ObservedDeposit, error) {
	var d depositdomain.ObservedDeposit
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
