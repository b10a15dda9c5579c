package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"github.com/one-covenant/basilica-billing/internal/observability/logger"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultReservationTTL = 24 * time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	reservationTTL time.Duration
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	ttl := p.Config.Ledger.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("ledger.service"),
		genID:          p.GenID,
		clock:          clk,
		reservationTTL: ttl,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (ledgerdomain.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.CreditBalance{}, ledgerdomain.ErrInvalidUser
	}
	var balance ledgerdomain.CreditBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.CreditBalance{}, ledgerdomain.ErrAccountNotFound
	}
	return balance, err
}

func (s *Service) EnsureAccount(ctx context.Context, userID string) (ledgerdomain.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.CreditBalance{}, ledgerdomain.ErrInvalidUser
	}
	if err := s.ensureAccountTx(ctx, s.db, userID); err != nil {
		return ledgerdomain.CreditBalance{}, err
	}
	return s.GetBalance(ctx, userID)
}

func (s *Service) ensureAccountTx(ctx context.Context, tx *gorm.DB, userID string) error {
	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (
			user_id, available, reserved, total_issued, total_consumed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID,
		decimal.Zero,
		decimal.Zero,
		decimal.Zero,
		decimal.Zero,
		now,
		now,
	).Error
}

func (s *Service) Reserve(ctx context.Context, req ledgerdomain.ReserveRequest) (ledgerdomain.Reservation, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidUser
	}
	rentalID := strings.TrimSpace(req.RentalID)
	if rentalID == "" {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidRental
	}
	if !req.Amount.IsPositive() {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidAmount
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.reservationTTL
	}

	var reservation ledgerdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, userID)
		if errors.Is(err, ledgerdomain.ErrAccountNotFound) {
			return ledgerdomain.ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		if req.Amount.GreaterThan(balance.Available) {
			return ledgerdomain.ErrInsufficientFunds
		}

		now := s.clock.Now()
		reservation = ledgerdomain.Reservation{
			ID:             s.genID.Generate(),
			UserID:         userID,
			RentalID:       rentalID,
			Amount:         req.Amount,
			CapturedAmount: decimal.Zero,
			Shortfall:      decimal.Zero,
			Status:         ledgerdomain.ReservationStatusActive,
			CreatedAt:      now,
			ExpiresAt:      now.Add(ttl),
		}
		if err := tx.WithContext(ctx).Create(&reservation).Error; err != nil {
			return err
		}

		balance.Available = balance.Available.Sub(req.Amount)
		balance.Reserved = balance.Reserved.Add(req.Amount)
		return s.commitBalance(ctx, tx, &balance, ledgerdomain.LedgerEntry{
			SourceType:     ledgerdomain.SourceTypeReserve,
			SourceID:       reservation.ID.String(),
			AvailableDelta: req.Amount.Neg(),
			ReservedDelta:  req.Amount,
		})
	})
	s.record(ctx, "reserve", err)
	if err != nil {
		return ledgerdomain.Reservation{}, err
	}
	return reservation, nil
}

// Capture settles the final charge of a reservation. The unused part of the
// hold is returned; an overage is drawn from available, and whatever cannot be
// covered drains available to zero and asks the caller to terminate the rental.
// An expired reservation no longer holds anything, so its whole charge is
// drawn from available.
func (s *Service) Capture(ctx context.Context, reservationID snowflake.ID, actual decimal.Decimal) (ledgerdomain.CaptureResult, error) {
	if reservationID == 0 {
		return ledgerdomain.CaptureResult{}, ledgerdomain.ErrReservationNotFound
	}
	if actual.IsNegative() {
		return ledgerdomain.CaptureResult{}, ledgerdomain.ErrInvalidAmount
	}

	var result ledgerdomain.CaptureResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		balance, err := s.lockBalance(ctx, tx, reservation.UserID)
		if err != nil {
			return err
		}

		held := reservation.Amount
		switch reservation.Status {
		case ledgerdomain.ReservationStatusCaptured:
			result = storedCapture(reservation, balance)
			return nil
		case ledgerdomain.ReservationStatusActive:
		case ledgerdomain.ReservationStatusExpired:
			held = decimal.Zero
		default:
			return fmt.Errorf("%w: reservation %s is %s", ledgerdomain.ErrReservationNotActive, reservationID, reservation.Status)
		}

		covered := decimal.Min(actual, held)
		returned := held.Sub(covered)
		overage := actual.Sub(covered)

		balance.Reserved = balance.Reserved.Sub(held)
		balance.Available = balance.Available.Add(returned)

		charged := overage
		shortfall := decimal.Zero
		if overage.GreaterThan(balance.Available) {
			charged = balance.Available
			shortfall = overage.Sub(charged)
		}
		balance.Available = balance.Available.Sub(charged)
		captured := covered.Add(charged)
		balance.TotalConsumed = balance.TotalConsumed.Add(captured)

		now := s.clock.Now()
		terminate := shortfall.IsPositive()
		updates := map[string]any{
			"status":          ledgerdomain.ReservationStatusCaptured,
			"captured_amount": captured,
			"shortfall":       shortfall,
			"terminate":       terminate,
			"finalized_at":    now,
		}
		if err := tx.WithContext(ctx).Model(&ledgerdomain.Reservation{}).
			Where("id = ? AND status = ?", reservation.ID, reservation.Status).
			Updates(updates).Error; err != nil {
			return err
		}

		if err := s.commitBalance(ctx, tx, &balance, ledgerdomain.LedgerEntry{
			SourceType:     ledgerdomain.SourceTypeCapture,
			SourceID:       reservation.ID.String(),
			AvailableDelta: returned,
			ReservedDelta:  held.Neg(),
			ConsumedDelta:  covered,
		}); err != nil {
			return err
		}
		if charged.IsPositive() {
			if err := s.insertEntry(ctx, tx, ledgerdomain.LedgerEntry{
				UserID:         reservation.UserID,
				SourceType:     ledgerdomain.SourceTypeOverage,
				SourceID:       reservation.ID.String(),
				AvailableDelta: charged.Neg(),
				ConsumedDelta:  charged,
			}); err != nil {
				return err
			}
		}

		result = ledgerdomain.CaptureResult{
			ReservationID: reservation.ID,
			Requested:     actual,
			Captured:      captured,
			Returned:      returned,
			Shortfall:     shortfall,
			Terminate:     terminate,
			Balance:       balance,
		}
		if terminate {
			s.log.Warn("ledger.capture.shortfall",
				zap.String("reservation_id", reservation.ID.String()),
				zap.String("rental_id", reservation.RentalID),
				zap.String("shortfall", shortfall.String()),
			)
		}
		return nil
	})
	switch {
	case err != nil:
		s.record(ctx, "capture", err)
	case result.Replayed:
		s.recordOutcome(ctx, "capture", "replayed")
	case result.Terminate:
		s.recordOutcome(ctx, "capture", "terminate")
	default:
		s.recordOutcome(ctx, "capture", "ok")
	}
	if err != nil {
		return ledgerdomain.CaptureResult{}, err
	}
	return result, nil
}

func storedCapture(reservation ledgerdomain.Reservation, balance ledgerdomain.CreditBalance) ledgerdomain.CaptureResult {
	covered := decimal.Min(reservation.CapturedAmount, reservation.Amount)
	return ledgerdomain.CaptureResult{
		ReservationID: reservation.ID,
		Requested:     reservation.CapturedAmount.Add(reservation.Shortfall),
		Captured:      reservation.CapturedAmount,
		Returned:      reservation.Amount.Sub(covered),
		Shortfall:     reservation.Shortfall,
		Terminate:     reservation.Terminate,
		Replayed:      true,
		Balance:       balance,
	}
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) (ledgerdomain.Reservation, error) {
	if reservationID == 0 {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrReservationNotFound
	}
	var out ledgerdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.releaseTx(ctx, tx, reservationID, s.clock.Now())
		return err
	})
	s.record(ctx, "release", err)
	return out, err
}

func (s *Service) releaseTx(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID, now time.Time) (ledgerdomain.Reservation, error) {
	reservation, err := s.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return ledgerdomain.Reservation{}, err
	}
	switch reservation.Status {
	case ledgerdomain.ReservationStatusReleased, ledgerdomain.ReservationStatusExpired:
		return reservation, nil
	case ledgerdomain.ReservationStatusCaptured:
		return ledgerdomain.Reservation{}, fmt.Errorf("%w: reservation %s is captured", ledgerdomain.ErrReservationNotActive, reservationID)
	}

	balance, err := s.lockBalance(ctx, tx, reservation.UserID)
	if err != nil {
		return ledgerdomain.Reservation{}, err
	}

	status := ledgerdomain.ReservationStatusReleased
	sourceType := ledgerdomain.SourceTypeRelease
	if !now.Before(reservation.ExpiresAt) {
		status = ledgerdomain.ReservationStatusExpired
		sourceType = ledgerdomain.SourceTypeExpire
	}
	if err := tx.WithContext(ctx).Model(&ledgerdomain.Reservation{}).
		Where("id = ? AND status = ?", reservation.ID, ledgerdomain.ReservationStatusActive).
		Updates(map[string]any{"status": status, "finalized_at": now}).Error; err != nil {
		return ledgerdomain.Reservation{}, err
	}

	balance.Available = balance.Available.Add(reservation.Amount)
	balance.Reserved = balance.Reserved.Sub(reservation.Amount)
	if err := s.commitBalance(ctx, tx, &balance, ledgerdomain.LedgerEntry{
		SourceType:     sourceType,
		SourceID:       reservation.ID.String(),
		AvailableDelta: reservation.Amount,
		ReservedDelta:  reservation.Amount.Neg(),
	}); err != nil {
		return ledgerdomain.Reservation{}, err
	}

	reservation.Status = status
	reservation.FinalizedAt = &now
	return reservation, nil
}

// ExpireReservations releases active holds whose expiry has passed, one
// transaction per reservation so a failure does not roll back the sweep.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []snowflake.ID
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM reservations
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`,
		ledgerdomain.ReservationStatusActive,
		now.UTC(),
		limit,
	).Scan(&ids).Error; err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := s.releaseTx(ctx, tx, id, now.UTC())
			return err
		})
		s.record(ctx, "expire", err)
		if err != nil {
			return expired, fmt.Errorf("expire reservation %s: %w", id, err)
		}
		expired++
	}
	return expired, nil
}

// ApplyCredit grants credits exactly once per transaction id. A replay returns
// the original credit id and the balance recorded at that time.
func (s *Service) ApplyCredit(ctx context.Context, req ledgerdomain.ApplyCreditRequest) (ledgerdomain.ApplyCreditResult, error) {
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		return ledgerdomain.ApplyCreditResult{}, ledgerdomain.ErrInvalidTransaction
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.ApplyCreditResult{}, ledgerdomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return ledgerdomain.ApplyCreditResult{}, ledgerdomain.ErrInvalidAmount
	}
	paymentMethod := strings.TrimSpace(req.PaymentMethod)
	if paymentMethod == "" {
		paymentMethod = "unknown"
	}

	var result ledgerdomain.ApplyCreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureAccountTx(ctx, tx, userID); err != nil {
			return err
		}
		balance, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		var prior ledgerdomain.CreditGrant
		err = tx.WithContext(ctx).Where("transaction_id = ?", txID).Limit(1).Find(&prior).Error
		if err != nil {
			return err
		}
		if prior.ID != 0 {
			result = ledgerdomain.ApplyCreditResult{CreditID: prior.ID, NewBalance: prior.BalanceAfter}
			return nil
		}

		balance.Available = balance.Available.Add(req.Amount)
		balance.TotalIssued = balance.TotalIssued.Add(req.Amount)

		grant := ledgerdomain.CreditGrant{
			ID:            s.genID.Generate(),
			TransactionID: txID,
			UserID:        userID,
			Amount:        req.Amount,
			PaymentMethod: paymentMethod,
			Metadata:      datatypes.JSONMap(req.Metadata),
			BalanceAfter:  balance.Available,
			CreatedAt:     s.clock.Now(),
		}
		res := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_grants (
				id, transaction_id, user_id, amount, payment_method, metadata, balance_after, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (transaction_id) DO NOTHING`,
			grant.ID,
			grant.TransactionID,
			grant.UserID,
			grant.Amount,
			grant.PaymentMethod,
			grant.Metadata,
			grant.BalanceAfter,
			grant.CreatedAt,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost a race with a concurrent apply of the same transaction.
			if err := tx.WithContext(ctx).Where("transaction_id = ?", txID).First(&prior).Error; err != nil {
				return err
			}
			result = ledgerdomain.ApplyCreditResult{CreditID: prior.ID, NewBalance: prior.BalanceAfter}
			return nil
		}

		if err := s.commitBalance(ctx, tx, &balance, ledgerdomain.LedgerEntry{
			SourceType:     ledgerdomain.SourceTypeGrant,
			SourceID:       txID,
			AvailableDelta: req.Amount,
			IssuedDelta:    req.Amount,
		}); err != nil {
			return err
		}
		result = ledgerdomain.ApplyCreditResult{CreditID: grant.ID, NewBalance: balance.Available, Applied: true}
		return nil
	})
	s.record(ctx, "apply_credit", err)
	if err == nil {
		s.obsMetrics.RecordCreditApplied(ctx, paymentMethod, result.Applied)
	}
	if err != nil {
		return ledgerdomain.ApplyCreditResult{}, err
	}
	return result, nil
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (ledgerdomain.Reservation, error) {
	var reservation ledgerdomain.Reservation
	err := s.db.WithContext(ctx).Where("id = ?", reservationID).First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrReservationNotFound
	}
	return reservation, err
}

func (s *Service) FindReservationByRental(ctx context.Context, rentalID string) (*ledgerdomain.Reservation, error) {
	rentalID = strings.TrimSpace(rentalID)
	if rentalID == "" {
		return nil, ledgerdomain.ErrInvalidRental
	}
	var reservation ledgerdomain.Reservation
	err := s.db.WithContext(ctx).
		Where("rental_id = ?", rentalID).
		Order("created_at DESC").
		Order("id DESC").
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// Totals sums balances in application code so NUMERIC precision survives every dialect.
func (s *Service) Totals(ctx context.Context) (ledgerdomain.AccountingTotals, error) {
	totals := ledgerdomain.AccountingTotals{
		Available:     decimal.Zero,
		Reserved:      decimal.Zero,
		TotalIssued:   decimal.Zero,
		TotalConsumed: decimal.Zero,
	}
	var batch []ledgerdomain.CreditBalance
	err := s.db.WithContext(ctx).Model(&ledgerdomain.CreditBalance{}).
		FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
			for _, b := range batch {
				totals.Accounts++
				totals.Available = totals.Available.Add(b.Available)
				totals.Reserved = totals.Reserved.Add(b.Reserved)
				totals.TotalIssued = totals.TotalIssued.Add(b.TotalIssued)
				totals.TotalConsumed = totals.TotalConsumed.Add(b.TotalConsumed)
			}
			return nil
		}).Error
	return totals, err
}

func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID string) (ledgerdomain.CreditBalance, error) {
	var rows []ledgerdomain.CreditBalance
	start := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM credit_balances WHERE user_id = ? FOR UPDATE`,
		userID,
	).Scan(&rows).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceCreditBalance, time.Since(start))
	if err != nil {
		return ledgerdomain.CreditBalance{}, err
	}
	if len(rows) == 0 {
		return ledgerdomain.CreditBalance{}, ledgerdomain.ErrAccountNotFound
	}
	return rows[0], nil
}

func (s *Service) lockReservation(ctx context.Context, tx *gorm.DB, id snowflake.ID) (ledgerdomain.Reservation, error) {
	var rows []ledgerdomain.Reservation
	start := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM reservations WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&rows).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceReservation, time.Since(start))
	if err != nil {
		return ledgerdomain.Reservation{}, err
	}
	if len(rows) == 0 {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrReservationNotFound
	}
	return rows[0], nil
}

// commitBalance verifies conservation, persists the row and journals the delta.
func (s *Service) commitBalance(ctx context.Context, tx *gorm.DB, balance *ledgerdomain.CreditBalance, entry ledgerdomain.LedgerEntry) error {
	if err := balance.CheckInvariant(); err != nil {
		logger.WithContext(ctx, s.log).Error("ledger.invariant.violation",
			zap.String("user_id", balance.UserID),
			zap.String("source_type", string(entry.SourceType)),
			zap.String("source_id", entry.SourceID),
			zap.Error(err),
		)
		return err
	}

	balance.UpdatedAt = s.clock.Now()
	if err := tx.WithContext(ctx).Model(&ledgerdomain.CreditBalance{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]any{
			"available":      balance.Available,
			"reserved":       balance.Reserved,
			"total_issued":   balance.TotalIssued,
			"total_consumed": balance.TotalConsumed,
			"updated_at":     balance.UpdatedAt,
		}).Error; err != nil {
		return err
	}

	entry.UserID = balance.UserID
	return s.insertEntry(ctx, tx, entry)
}

func (s *Service) insertEntry(ctx context.Context, tx *gorm.DB, entry ledgerdomain.LedgerEntry) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, user_id, source_type, source_id,
			available_delta, reserved_delta, issued_delta, consumed_delta, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		s.genID.Generate(),
		entry.UserID,
		entry.SourceType,
		entry.SourceID,
		entry.AvailableDelta,
		entry.ReservedDelta,
		entry.IssuedDelta,
		entry.ConsumedDelta,
		s.clock.Now(),
	).Error
}

func (s *Service) record(ctx context.Context, operation string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		outcome = "insufficient_funds"
	case errors.Is(err, ledgerdomain.ErrReservationNotActive):
		outcome = "not_active"
	case errors.Is(err, ledgerdomain.ErrBalanceInvariant):
		outcome = "invariant_violation"
	default:
		outcome = "error"
	}
	s.recordOutcome(ctx, operation, outcome)
}

func (s *Service) recordOutcome(ctx context.Context, operation, outcome string) {
	s.obsMetrics.RecordLedgerOperation(ctx, operation, outcome)
}
