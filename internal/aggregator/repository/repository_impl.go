package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type batchRepo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) aggregatordomain.Repository {
	return &batchRepo{db: db}
}

func (r *batchRepo) CreateBatchTx(ctx context.Context, tx *gorm.DB, batch *aggregatordomain.ProcessingBatch) error {
	if batch.Kind == "" {
		batch.Kind = aggregatordomain.BatchKindUsage
	}
	batch.Status = aggregatordomain.BatchStatusPending
	return tx.WithContext(ctx).Create(batch).Error
}

func (r *batchRepo) ActivateBatchTx(ctx context.Context, tx *gorm.DB, req aggregatordomain.ActivateBatch, now time.Time) (bool, error) {
	now = now.UTC()
	result := tx.WithContext(ctx).Exec(
		`UPDATE processing_batches
		SET status = ?, claim_token = ?, claimed_at = ?, lease_expires_at = ?,
			first_event_at = ?, last_event_at = ?, event_count = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		aggregatordomain.BatchStatusClaimed,
		req.Token,
		now,
		req.LeaseUntil.UTC(),
		req.FirstEventAt.UTC(),
		req.LastEventAt.UTC(),
		req.EventCount,
		now,
		req.ID,
		aggregatordomain.BatchStatusPending,
	)
	return result.RowsAffected > 0, result.Error
}

// A batch is due when it failed, is not parked and its backoff elapsed, or when
// a claimer died and its lease ran out.
const dueBatchPredicate = `((status = ? AND parked_at IS NULL AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
	OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))`

func dueArgs(now time.Time) []any {
	return []any{aggregatordomain.BatchStatusFailed, now, aggregatordomain.BatchStatusClaimed, now}
}

func (r *batchRepo) ClaimDue(ctx context.Context, limit int, leaseUntil, now time.Time, token string) ([]aggregatordomain.ProcessingBatch, error) {
	if limit <= 0 {
		limit = 10
	}
	now = now.UTC()

	var claimed []aggregatordomain.ProcessingBatch
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []snowflake.ID
		lockStart := time.Now()
		err := tx.Raw(
			`SELECT id FROM processing_batches
			WHERE `+dueBatchPredicate+`
			ORDER BY created_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			append(dueArgs(now), limit)...,
		).Scan(&ids).Error
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceProcessingBatch, time.Since(lockStart))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		args := []any{aggregatordomain.BatchStatusClaimed, token, now, leaseUntil.UTC(), now, ids}
		if err := tx.Exec(
			`UPDATE processing_batches
			SET status = ?, claim_token = ?, claimed_at = ?, lease_expires_at = ?, updated_at = ?
			WHERE id IN ? AND `+dueBatchPredicate,
			append(args, dueArgs(now)...)...,
		).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ? AND status = ?", token, aggregatordomain.BatchStatusClaimed).
			Order("created_at ASC").
			Order("id ASC").
			Find(&claimed).Error
	})
	return claimed, err
}

func (r *batchRepo) CompleteTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, token string, now time.Time) (bool, error) {
	now = now.UTC()
	result := tx.WithContext(ctx).Exec(
		`UPDATE processing_batches
		SET status = ?, completed_at = ?, lease_expires_at = NULL, next_attempt_at = NULL,
			last_error = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = ?`,
		aggregatordomain.BatchStatusCompleted,
		now,
		now,
		id,
		token,
		aggregatordomain.BatchStatusClaimed,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *batchRepo) FailTx(ctx context.Context, tx *gorm.DB, req aggregatordomain.FailBatch, now time.Time) (bool, error) {
	now = now.UTC()
	var parkedAt, next *time.Time
	if req.NextAttemptAt == nil {
		parkedAt = &now
	} else {
		t := req.NextAttemptAt.UTC()
		next = &t
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE processing_batches
		SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, parked_at = ?,
			claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = ?`,
		aggregatordomain.BatchStatusFailed,
		req.Attempts,
		req.Cause,
		next,
		parkedAt,
		now,
		req.ID,
		req.Token,
		aggregatordomain.BatchStatusClaimed,
	)
	return result.RowsAffected > 0, result.Error
}

// InsertChargesTx is idempotent on (batch_id, rental_id).
func (r *batchRepo) InsertChargesTx(ctx context.Context, tx *gorm.DB, charges []aggregatordomain.UsageCharge) error {
	if len(charges) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "rental_id"}},
			DoNothing: true,
		}).
		Create(&charges).Error
}

func (r *batchRepo) ListParked(ctx context.Context, limit int) ([]aggregatordomain.ProcessingBatch, error) {
	var batches []aggregatordomain.ProcessingBatch
	err := r.db.WithContext(ctx).
		Where("status = ? AND parked_at IS NOT NULL", aggregatordomain.BatchStatusFailed).
		Order("parked_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&batches).Error
	return batches, err
}

// Requeue makes a parked batch due now with a fresh attempt budget.
func (r *batchRepo) Requeue(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	now = now.UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE processing_batches
		SET attempts = 0, parked_at = NULL, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND parked_at IS NOT NULL`,
		now,
		now,
		id,
		aggregatordomain.BatchStatusFailed,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *batchRepo) Get(ctx context.Context, id snowflake.ID) (*aggregatordomain.ProcessingBatch, error) {
	var batch aggregatordomain.ProcessingBatch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *batchRepo) Charges(ctx context.Context, batchID snowflake.ID) ([]aggregatordomain.UsageCharge, error) {
	var charges []aggregatordomain.UsageCharge
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("rental_id ASC").
		Find(&charges).Error
	return charges, err
}
