package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	obscontext "github.com/one-covenant/basilica-billing/internal/observability/context"
	"github.com/one-covenant/basilica-billing/internal/observability/logger"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	"github.com/one-covenant/basilica-billing/internal/observability/tracing"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/one-covenant/basilica-billing/internal/retry"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	claimTimeout         = 2 * time.Second
	defaultLedgerTimeout = 5 * time.Second
	defaultOutboxLease   = 5 * time.Minute
)

type DispatcherParams struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config `optional:"true"`
	Repo       settlementdomain.Repository
	Converter  settlementdomain.Converter
	Ledger     settlementdomain.LedgerClient
	Marker     settlementdomain.DepositMarker `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
}

// Dispatcher drains the outbox into the ledger. Entries are retried until they
// succeed; every failure pushes next_attempt_at out by a capped backoff. An
// entry the ledger rejects outright is parked instead.
type Dispatcher struct {
	log           *zap.Logger
	clock         clock.Clock
	repo          settlementdomain.Repository
	converter     settlementdomain.Converter
	ledger        settlementdomain.LedgerClient
	marker        settlementdomain.DepositMarker
	obsMetrics    *obsmetrics.Metrics
	batchSize     int
	lease         time.Duration
	ledgerTimeout time.Duration
	backoff       retry.Policy
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	cfg := p.Config.Settlement
	d := &Dispatcher{
		log:           p.Log.Named("settlement.dispatcher"),
		clock:         p.Clock,
		repo:          p.Repo,
		converter:     p.Converter,
		ledger:        p.Ledger,
		marker:        p.Marker,
		obsMetrics:    p.ObsMetrics,
		batchSize:     cfg.BatchSize,
		lease:         cfg.LeaseTTL,
		ledgerTimeout: cfg.LedgerTimeout,
		backoff:       retry.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	if d.lease <= 0 {
		d.lease = defaultOutboxLease
	}
	if d.ledgerTimeout <= 0 {
		d.ledgerTimeout = defaultLedgerTimeout
	}
	if d.backoff.Base <= 0 {
		d.backoff = retry.Policy{Base: 10 * time.Second, Max: 15 * time.Minute}
	}
	return d
}

// RunOnce claims one batch of due entries and dispatches each of them. Per-entry
// failures are recorded on the entry and do not fail the run.
func (d *Dispatcher) RunOnce(ctx context.Context) (settlementdomain.DispatchResult, error) {
	var result settlementdomain.DispatchResult

	now := d.clock.Now()
	token := ulid.Make().String()

	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	start := time.Now()
	entries, err := d.repo.ClaimBatch(claimCtx, d.batchSize, now.Add(d.lease), now, token)
	cancel()
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSettlementOutbox, time.Since(start))
	if err != nil {
		return result, fmt.Errorf("claim outbox: %w", err)
	}
	result.Claimed = len(entries)
	if len(entries) == 0 {
		obsmetrics.Scheduler().IncBatchDeferred("outbox_dispatch", obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return result, nil
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := d.dispatch(ctx, entry, token); err != nil {
			result.Failed++
			if errors.Is(err, settlementdomain.ErrCreditRejected) {
				result.Parked++
			}
			continue
		}
		result.Dispatched++
	}
	obsmetrics.Scheduler().AddBatchProcessed("outbox_dispatch", obsmetrics.LockResourceSettlementOutbox, result.Dispatched)
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, entry settlementdomain.OutboxEntry, token string) error {
	ctx = obscontext.WithUserID(ctx, entry.UserID)
	ctx, span := otel.Tracer("basilica-billing/settlement").Start(ctx, "settlement.dispatch")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.Int("attempts", entry.Attempts),
		attribute.String("transaction_id", entry.TransactionID),
	)...)

	log := logger.WithContext(ctx, d.log).With(
		zap.String("outbox_id", entry.ID.String()),
		zap.String("transaction_id", entry.TransactionID),
		zap.Int("attempts", entry.Attempts),
	)

	err := d.deliver(ctx, entry, token, log)
	if err == nil {
		d.obsMetrics.RecordOutboxDispatch(ctx, "dispatched", "")
		obsmetrics.Scheduler().IncOutboxAttempt("dispatched")
		return nil
	}

	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, "dispatch failed")

	reason := failureReason(err)
	now := d.clock.Now()
	if errors.Is(err, settlementdomain.ErrCreditRejected) {
		d.obsMetrics.RecordOutboxDispatch(ctx, "parked", reason)
		obsmetrics.Scheduler().IncOutboxAttempt("parked")
		if _, markErr := d.repo.MarkParked(context.WithoutCancel(ctx), entry.ID, token, err.Error(), now); markErr != nil {
			log.Error("settlement.outbox.mark_parked_error", zap.Error(markErr))
			return errors.Join(err, markErr)
		}
		log.Error("settlement.outbox.parked", zap.String("reason", reason), zap.Error(err))
		return err
	}

	d.obsMetrics.RecordOutboxDispatch(ctx, "failed", reason)
	obsmetrics.Scheduler().IncOutboxAttempt("failed")

	next := d.backoff.NextAttempt(now, entry.Attempts)
	if _, markErr := d.repo.MarkFailed(context.WithoutCancel(ctx), entry.ID, token, err.Error(), next, now); markErr != nil {
		log.Error("settlement.outbox.mark_failed_error", zap.Error(markErr))
		return errors.Join(err, markErr)
	}
	log.Warn("settlement.outbox.retry_scheduled",
		zap.String("reason", reason),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, entry settlementdomain.OutboxEntry, token string, log *zap.Logger) error {
	credits, err := d.converter.Convert(entry.Amount)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	var creditID *snowflake.ID
	if credits.IsPositive() {
		ledgerCtx, cancel := context.WithTimeout(ctx, d.ledgerTimeout)
		res, err := d.ledger.ApplyCredits(ledgerCtx, settlementdomain.ApplyCreditsRequest{
			UserID:        entry.UserID,
			Amount:        credits,
			TransactionID: entry.TransactionID,
			PaymentMethod: settlementdomain.PaymentMethodCryptoDeposit,
			Metadata:      creditMetadata(entry),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("apply credits: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("%w: ledger rejected credit", settlementdomain.ErrLedgerUnreachable)
		}
		id := res.CreditID
		creditID = &id
		log.Info("settlement.outbox.credited",
			zap.String("credits", credits.String()),
			zap.String("credit_id", res.CreditID.String()),
			zap.Bool("applied", res.Applied),
		)
	} else {
		log.Warn("settlement.outbox.dust", zap.String("native_amount", entry.Amount.String()))
	}

	now := d.clock.Now()
	if d.marker != nil {
		if err := d.marker.MarkCredited(ctx, entry.TransactionID, now); err != nil {
			return fmt.Errorf("mark deposit credited: %w", err)
		}
	}

	ok, err := d.repo.MarkDispatched(ctx, entry.ID, token, creditID, credits, now)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if !ok {
		// Lease lost to another dispatcher; the ledger call was idempotent.
		log.Warn("settlement.outbox.lease_lost")
	}
	return nil
}

func creditMetadata(entry settlementdomain.OutboxEntry) map[string]any {
	meta := map[string]any{
		"outbox_id":     entry.ID.String(),
		"native_amount": entry.Amount.String(),
	}
	for k, v := range entry.Metadata {
		meta[k] = v
	}
	return meta
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, settlementdomain.ErrCreditRejected):
		return "credit_rejected"
	case errors.Is(err, pricedomain.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, settlementdomain.ErrLedgerUnreachable):
		return "ledger_unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}
