package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type eventRepo struct{}

func Provide() usagedomain.Repository {
	return &eventRepo{}
}

func (r *eventRepo) Append(ctx context.Context, db *gorm.DB, event usagedomain.UsageEvent) (usagedomain.UsageEvent, bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_events (
			id, event_id, rental_id, user_id, kind, occurred_at, billable_quantity,
			package_id, status, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.ID,
		event.EventID,
		event.RentalID,
		event.UserID,
		event.Kind,
		event.OccurredAt.UTC(),
		event.BillableQuantity,
		event.PackageID,
		usagedomain.EventStatusUnprocessed,
		event.Metadata,
		event.CreatedAt.UTC(),
	)
	if result.Error != nil {
		return usagedomain.UsageEvent{}, false, result.Error
	}

	var stored usagedomain.UsageEvent
	if err := db.WithContext(ctx).Where("event_id = ?", event.EventID).First(&stored).Error; err != nil {
		return usagedomain.UsageEvent{}, false, err
	}
	return stored, result.RowsAffected > 0, nil
}

const claimablePredicate = `(status = ? OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))`

// ClaimBatch binds up to limit claimable events to batchID. Candidates are
// read with SKIP LOCKED and the claim is re-checked in the UPDATE, so two
// concurrent claimers never end up with the same event.
func (r *eventRepo) ClaimBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, limit int, leaseUntil, now time.Time) ([]usagedomain.UsageEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	now = now.UTC()

	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM usage_events
		WHERE `+claimablePredicate+`
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED`,
		usagedomain.EventStatusUnprocessed,
		usagedomain.EventStatusClaimed,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := db.WithContext(ctx).Exec(
		`UPDATE usage_events
		SET status = ?, batch_id = ?, lease_expires_at = ?
		WHERE id IN ? AND `+claimablePredicate,
		usagedomain.EventStatusClaimed,
		batchID,
		leaseUntil.UTC(),
		ids,
		usagedomain.EventStatusUnprocessed,
		usagedomain.EventStatusClaimed,
		now,
	).Error; err != nil {
		return nil, err
	}

	return r.loadBatch(ctx, db, batchID)
}

func (r *eventRepo) ReclaimBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, leaseUntil time.Time) ([]usagedomain.UsageEvent, error) {
	if err := db.WithContext(ctx).Exec(
		`UPDATE usage_events SET lease_expires_at = ? WHERE batch_id = ? AND status = ?`,
		leaseUntil.UTC(),
		batchID,
		usagedomain.EventStatusClaimed,
	).Error; err != nil {
		return nil, err
	}
	return r.loadBatch(ctx, db, batchID)
}

// HoldBatch drops event leases so the events stay bound to a failed batch
// instead of being picked up as fresh work.
func (r *eventRepo) HoldBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_events SET lease_expires_at = NULL WHERE batch_id = ? AND status = ?`,
		batchID,
		usagedomain.EventStatusClaimed,
	).Error
}

func (r *eventRepo) MarkProcessed(ctx context.Context, db *gorm.DB, batchID snowflake.ID, eventIDs []snowflake.ID, now time.Time) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_events
		SET status = ?, processed_at = ?, lease_expires_at = NULL
		WHERE batch_id = ? AND status = ? AND id IN ?`,
		usagedomain.EventStatusProcessed,
		now.UTC(),
		batchID,
		usagedomain.EventStatusClaimed,
		eventIDs,
	)
	return result.RowsAffected, result.Error
}

func (r *eventRepo) SumByRental(ctx context.Context, db *gorm.DB, rentalID string, batchID snowflake.ID) (usagedomain.RentalUsage, error) {
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("rental_id = ?", rentalID).
		Where("status = ? OR (status = ? AND batch_id = ?)",
			usagedomain.EventStatusProcessed,
			usagedomain.EventStatusClaimed,
			batchID,
		).
		Order("occurred_at ASC").
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return usagedomain.RentalUsage{}, err
	}

	usage := usagedomain.RentalUsage{RentalID: rentalID, TotalQuantity: decimal.Zero}
	err = db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("rental_id = ? AND status <> ?", rentalID, usagedomain.EventStatusProcessed).
		Where("batch_id IS NULL OR batch_id <> ?", batchID).
		Count(&usage.Outstanding).Error
	if err != nil {
		return usagedomain.RentalUsage{}, err
	}
	for i, ev := range events {
		if i == 0 {
			usage.WindowStart = ev.OccurredAt
		}
		usage.WindowEnd = ev.OccurredAt
		usage.UserID = ev.UserID
		usage.TotalQuantity = usage.TotalQuantity.Add(ev.BillableQuantity)
		if ev.PackageID != nil && *ev.PackageID != "" {
			usage.PackageID = *ev.PackageID
		}
		if ev.Kind == usagedomain.EventKindStopped {
			usage.Stopped = true
		}
	}
	return usage, nil
}

func (r *eventRepo) loadBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]usagedomain.UsageEvent, error) {
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, usagedomain.EventStatusClaimed).
		Order("occurred_at ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}
