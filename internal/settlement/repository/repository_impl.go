package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type outboxRepo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) settlementdomain.Repository {
	return &outboxRepo{db: db}
}

func (r *outboxRepo) EnqueueTx(ctx context.Context, tx *gorm.DB, entry settlementdomain.OutboxEntry) (bool, error) {
	if entry.TransactionID == "" || entry.UserID == "" || entry.ID == 0 {
		return false, settlementdomain.ErrInvalidEntry
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO settlement_outbox (
			id, user_id, amount, transaction_id, metadata, attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		entry.ID,
		entry.UserID,
		entry.Amount,
		entry.TransactionID,
		entry.Metadata,
		entry.NextAttemptAt.UTC(),
		entry.CreatedAt.UTC(),
		entry.CreatedAt.UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

const dueOutboxPredicate = `dispatched_at IS NULL AND parked_at IS NULL AND next_attempt_at <= ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)`

// ClaimBatch leases up to limit due entries under token and bumps their
// attempt counter. Rows are re-read by token so only the winner of each
// conditional update sees them.
func (r *outboxRepo) ClaimBatch(ctx context.Context, limit int, leaseUntil, now time.Time, token string) ([]settlementdomain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	var claimed []settlementdomain.OutboxEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []snowflake.ID
		if err := tx.Raw(
			`SELECT id FROM settlement_outbox
			WHERE `+dueOutboxPredicate+`
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			now, now, limit,
		).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Exec(
			`UPDATE settlement_outbox
			SET claim_token = ?, claimed_at = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id IN ? AND `+dueOutboxPredicate,
			token, now, leaseUntil.UTC(), now,
			ids,
			now, now,
		).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ? AND dispatched_at IS NULL", token).
			Order("next_attempt_at ASC").
			Order("id ASC").
			Find(&claimed).Error
	})
	return claimed, err
}

func (r *outboxRepo) MarkDispatched(ctx context.Context, id snowflake.ID, token string, creditID *snowflake.ID, credited decimal.Decimal, now time.Time) (bool, error) {
	now = now.UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE settlement_outbox
		SET dispatched_at = ?, credit_id = ?, credited_amount = ?, last_error = NULL,
			lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND dispatched_at IS NULL`,
		now, creditID, credited, now,
		id, token,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id snowflake.ID, token string, cause string, nextAttemptAt, now time.Time) (bool, error) {
	now = now.UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE settlement_outbox
		SET last_error = ?, next_attempt_at = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND dispatched_at IS NULL`,
		cause, nextAttemptAt.UTC(), now,
		id, token,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *outboxRepo) MarkParked(ctx context.Context, id snowflake.ID, token string, cause string, now time.Time) (bool, error) {
	now = now.UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE settlement_outbox
		SET last_error = ?, parked_at = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND dispatched_at IS NULL`,
		cause, now, now,
		id, token,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *outboxRepo) FindByTransactionID(ctx context.Context, transactionID string) (*settlementdomain.OutboxEntry, error) {
	var entry settlementdomain.OutboxEntry
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *outboxRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&settlementdomain.OutboxEntry{}).Where("dispatched_at IS NULL AND parked_at IS NULL").Count(&n).Error
	return n, err
}
