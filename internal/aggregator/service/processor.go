package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	obscontext "github.com/one-covenant/basilica-billing/internal/observability/context"
	"github.com/one-covenant/basilica-billing/internal/observability/logger"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	"github.com/one-covenant/basilica-billing/internal/observability/tracing"
	rentaldomain "github.com/one-covenant/basilica-billing/internal/rental/domain"
	"github.com/one-covenant/basilica-billing/internal/retry"
	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobName           = "usage_aggregation"
	claimTimeout      = 2 * time.Second
	defaultBatchSize  = 500
	defaultLease      = 5 * time.Minute
	defaultMaxAttempt = 5
	retryClaimLimit   = 10
	maxParkedList     = 200
)

var errNoEvents = errors.New("no claimable events")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config `optional:"true"`
	Repo    aggregatordomain.Repository
	Events  usagedomain.Repository
	Pricer  aggregatordomain.Pricer
	Ledger  ledgerdomain.Service
	Rentals rentaldomain.RentalController `optional:"true"`
}

// Processor turns claimed usage events into priced charges and final captures.
type Processor struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        aggregatordomain.Repository
	events      usagedomain.Repository
	pricer      aggregatordomain.Pricer
	ledger      ledgerdomain.Service
	rentals     rentaldomain.RentalController
	batchSize   int
	lease       time.Duration
	maxAttempts int
	backoff     retry.Policy
}

func NewService(p Params) aggregatordomain.Service {
	return NewProcessor(p)
}

func NewProcessor(p Params) *Processor {
	cfg := p.Config.Aggregator
	proc := &Processor{
		db:          p.DB,
		log:         p.Log.Named("aggregator.processor"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		events:      p.Events,
		pricer:      p.Pricer,
		ledger:      p.Ledger,
		rentals:     p.Rentals,
		batchSize:   cfg.BatchSize,
		lease:       cfg.LeaseTTL,
		maxAttempts: cfg.MaxAttempts,
		backoff:     retry.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}
	if proc.batchSize <= 0 {
		proc.batchSize = defaultBatchSize
	}
	if proc.lease <= 0 {
		proc.lease = defaultLease
	}
	if proc.maxAttempts <= 0 {
		proc.maxAttempts = defaultMaxAttempt
	}
	if proc.backoff.Base <= 0 {
		proc.backoff = retry.Policy{Base: 30 * time.Second, Max: 30 * time.Minute}
	}
	return proc
}

// RunOnce retries due batches first, then claims one fresh batch of events.
// Batch failures are recorded on the batch and reported in the result; only
// claim errors fail the run.
func (p *Processor) RunOnce(ctx context.Context) (aggregatordomain.RunResult, error) {
	var result aggregatordomain.RunResult

	if err := p.retryDue(ctx, &result); err != nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	batch, events, err := p.claimFresh(ctx)
	if err != nil {
		return result, err
	}
	if batch == nil {
		if result.Retried == 0 {
			obsmetrics.Scheduler().IncBatchDeferred(jobName, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		}
		return result, nil
	}
	p.run(ctx, *batch, events, &result)
	obsmetrics.Scheduler().AddBatchProcessed(jobName, obsmetrics.LockResourceUsageEvents, result.Events)
	return result, nil
}

func (p *Processor) retryDue(ctx context.Context, result *aggregatordomain.RunResult) error {
	now := p.clock.Now()
	token := ulid.Make().String()
	leaseUntil := now.Add(p.lease)

	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	batches, err := p.repo.ClaimDue(claimCtx, retryClaimLimit, leaseUntil, now, token)
	cancel()
	if err != nil {
		return fmt.Errorf("claim due batches: %w", err)
	}

	for _, batch := range batches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		obsmetrics.Scheduler().IncBatchTransition(string(aggregatordomain.BatchStatusFailed), string(aggregatordomain.BatchStatusClaimed))
		events, err := p.events.ReclaimBatch(ctx, p.db, batch.ID, leaseUntil)
		result.Retried++
		if err != nil {
			p.fail(ctx, batch, fmt.Errorf("reclaim events: %w", err), result)
			continue
		}
		p.run(ctx, batch, events, result)
	}
	return nil
}

// claimFresh inserts a pending batch and binds events to it in one
// transaction. An empty claim rolls the batch back.
func (p *Processor) claimFresh(ctx context.Context) (*aggregatordomain.ProcessingBatch, []usagedomain.UsageEvent, error) {
	now := p.clock.Now()
	token := ulid.Make().String()
	batch := aggregatordomain.ProcessingBatch{
		ID:        p.genID.Generate(),
		Kind:      aggregatordomain.BatchKindUsage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	leaseUntil := now.Add(p.lease)

	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	var events []usagedomain.UsageEvent
	lockStart := time.Now()
	err := p.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		if err := p.repo.CreateBatchTx(claimCtx, tx, &batch); err != nil {
			return err
		}
		claimed, err := p.events.ClaimBatch(claimCtx, tx, batch.ID, p.batchSize, leaseUntil, now)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return errNoEvents
		}
		events = claimed

		first, last := claimed[0].OccurredAt, claimed[0].OccurredAt
		for _, ev := range claimed[1:] {
			if ev.OccurredAt.Before(first) {
				first = ev.OccurredAt
			}
			if ev.OccurredAt.After(last) {
				last = ev.OccurredAt
			}
		}
		ok, err := p.repo.ActivateBatchTx(claimCtx, tx, aggregatordomain.ActivateBatch{
			ID:           batch.ID,
			Token:        token,
			LeaseUntil:   leaseUntil,
			FirstEventAt: first,
			LastEventAt:  last,
			EventCount:   len(claimed),
		}, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("activate batch %s: %w", batch.ID, aggregatordomain.ErrBatchLeaseLost)
		}
		return nil
	})
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceUsageEvents, time.Since(lockStart))
	if errors.Is(err, errNoEvents) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claim usage events: %w", err)
	}

	obsmetrics.Scheduler().IncBatchTransition(string(aggregatordomain.BatchStatusPending), string(aggregatordomain.BatchStatusClaimed))
	batch.Status = aggregatordomain.BatchStatusClaimed
	batch.ClaimToken = &token
	batch.EventCount = len(events)
	return &batch, events, nil
}

func (p *Processor) run(ctx context.Context, batch aggregatordomain.ProcessingBatch, events []usagedomain.UsageEvent, result *aggregatordomain.RunResult) {
	if err := p.process(ctx, batch, events); err != nil {
		p.fail(ctx, batch, err, result)
		return
	}
	result.Completed++
	result.Events += len(events)
}

func (p *Processor) process(ctx context.Context, batch aggregatordomain.ProcessingBatch, events []usagedomain.UsageEvent) error {
	ctx = obscontext.WithBatchID(ctx, batch.ID.String())
	ctx, span := otel.Tracer("basilica-billing/aggregator").Start(ctx, "aggregator.batch.process")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.Int("events", len(events)),
		attribute.Int("attempts", batch.Attempts),
	)...)

	err := p.processBatch(ctx, batch, events)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "batch failed")
	}
	return err
}

func (p *Processor) processBatch(ctx context.Context, batch aggregatordomain.ProcessingBatch, events []usagedomain.UsageEvent) error {
	token := ""
	if batch.ClaimToken != nil {
		token = *batch.ClaimToken
	}

	var order []string
	seen := make(map[string]struct{})
	eventIDs := make([]snowflake.ID, 0, len(events))
	for _, ev := range events {
		eventIDs = append(eventIDs, ev.ID)
		if _, ok := seen[ev.RentalID]; ok {
			continue
		}
		seen[ev.RentalID] = struct{}{}
		order = append(order, ev.RentalID)
	}

	charges := make([]aggregatordomain.UsageCharge, 0, len(order))
	for _, rentalID := range order {
		charge, err := p.chargeRental(ctx, batch.ID, rentalID)
		if err != nil {
			return fmt.Errorf("rental %s: %w", rentalID, err)
		}
		charges = append(charges, charge)
	}

	now := p.clock.Now()
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.repo.InsertChargesTx(ctx, tx, charges); err != nil {
			return fmt.Errorf("insert charges: %w", err)
		}
		if _, err := p.events.MarkProcessed(ctx, tx, batch.ID, eventIDs, now); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		ok, err := p.repo.CompleteTx(ctx, tx, batch.ID, token, now)
		if err != nil {
			return fmt.Errorf("complete batch: %w", err)
		}
		if !ok {
			return aggregatordomain.ErrBatchLeaseLost
		}
		obsmetrics.Scheduler().IncBatchTransition(string(aggregatordomain.BatchStatusClaimed), string(aggregatordomain.BatchStatusCompleted))
		logger.WithContext(ctx, p.log).Info("aggregator.batch.completed",
			zap.Int("events", len(events)),
			zap.Int("rentals", len(charges)),
		)
		return nil
	})
}

// chargeRental prices the running total of a rental. A stopped rental gets its
// final capture once none of its events are held by another batch; an active
// one is only checked against what it can still pay.
func (p *Processor) chargeRental(ctx context.Context, batchID snowflake.ID, rentalID string) (aggregatordomain.UsageCharge, error) {
	usage, err := p.events.SumByRental(ctx, p.db, rentalID, batchID)
	if err != nil {
		return aggregatordomain.UsageCharge{}, fmt.Errorf("sum usage: %w", err)
	}
	if usage.Stopped && usage.Outstanding > 0 {
		return aggregatordomain.UsageCharge{}, fmt.Errorf("%w: %d events held elsewhere", aggregatordomain.ErrUsageOutstanding, usage.Outstanding)
	}
	eval, err := p.pricer.Price(ctx, rulesdomain.Aggregation{
		RentalID:      usage.RentalID,
		UserID:        usage.UserID,
		PackageID:     usage.PackageID,
		WindowStart:   usage.WindowStart,
		WindowEnd:     usage.WindowEnd,
		TotalQuantity: usage.TotalQuantity,
	})
	if err != nil {
		return aggregatordomain.UsageCharge{}, fmt.Errorf("price: %w", err)
	}

	charge := aggregatordomain.UsageCharge{
		ID:             p.genID.Generate(),
		BatchID:        batchID,
		RentalID:       rentalID,
		UserID:         usage.UserID,
		PackageID:      usage.PackageID,
		TotalQuantity:  usage.TotalQuantity,
		BaseCharge:     eval.BaseCharge,
		AdjustedCharge: eval.AdjustedCharge,
		CapturedAmount: decimal.Zero,
		CreatedAt:      p.clock.Now(),
	}
	if eval.RuleID != "" {
		ruleID := eval.RuleID
		charge.RuleID = &ruleID
	}

	reservation, err := p.ledger.FindReservationByRental(ctx, rentalID)
	if err != nil {
		return aggregatordomain.UsageCharge{}, fmt.Errorf("find reservation: %w", err)
	}
	log := logger.WithContext(ctx, p.log).With(
		zap.String("rental_id", rentalID),
		zap.String("reservation_id", reservation.ID.String()),
	)

	if usage.Stopped {
		captured, err := p.ledger.Capture(ctx, reservation.ID, eval.AdjustedCharge)
		if err != nil {
			return aggregatordomain.UsageCharge{}, fmt.Errorf("capture: %w", err)
		}
		charge.Final = true
		charge.CapturedAmount = captured.Captured
		charge.Terminate = captured.Terminate
		log.Info("aggregator.rental.captured",
			zap.String("charge", eval.AdjustedCharge.String()),
			zap.String("captured", captured.Captured.String()),
			zap.String("shortfall", captured.Shortfall.String()),
			zap.Bool("replayed", captured.Replayed),
		)
		if captured.Terminate {
			if err := p.terminate(ctx, rentaldomain.TerminationSignal{
				RentalID:  rentalID,
				UserID:    usage.UserID,
				Reason:    rentaldomain.TerminationInsufficientCredits,
				Charge:    eval.AdjustedCharge,
				Shortfall: captured.Shortfall,
				At:        p.clock.Now(),
			}); err != nil {
				return aggregatordomain.UsageCharge{}, err
			}
		}
		return charge, nil
	}

	var held decimal.Decimal
	switch reservation.Status {
	case ledgerdomain.ReservationStatusActive:
		held = reservation.Amount
	case ledgerdomain.ReservationStatusExpired:
		// The hold went back to available; the final capture will draw from there.
		held = decimal.Zero
	default:
		return charge, nil
	}
	balance, err := p.ledger.GetBalance(ctx, usage.UserID)
	if err != nil {
		return aggregatordomain.UsageCharge{}, fmt.Errorf("balance: %w", err)
	}
	coverable := held.Add(balance.Available)
	if eval.AdjustedCharge.GreaterThan(coverable) {
		charge.Terminate = true
		log.Warn("aggregator.rental.credits_exhausted",
			zap.String("charge", eval.AdjustedCharge.String()),
			zap.String("coverable", coverable.String()),
		)
		if err := p.terminate(ctx, rentaldomain.TerminationSignal{
			RentalID:  rentalID,
			UserID:    usage.UserID,
			Reason:    rentaldomain.TerminationCreditsExhausted,
			Charge:    eval.AdjustedCharge,
			Shortfall: eval.AdjustedCharge.Sub(coverable),
			At:        p.clock.Now(),
		}); err != nil {
			return aggregatordomain.UsageCharge{}, err
		}
	}
	return charge, nil
}

func (p *Processor) terminate(ctx context.Context, signal rentaldomain.TerminationSignal) error {
	if p.rentals == nil {
		logger.WithContext(ctx, p.log).Warn("aggregator.rental.terminate_unrouted",
			zap.String("rental_id", signal.RentalID),
			zap.String("reason", string(signal.Reason)),
		)
		return nil
	}
	if err := p.rentals.Terminate(ctx, signal); err != nil {
		return fmt.Errorf("terminate rental: %w", err)
	}
	return nil
}

// fail records the attempt, releases the event leases so the events stay bound
// to this batch, and parks the batch once the attempt budget is spent.
func (p *Processor) fail(ctx context.Context, batch aggregatordomain.ProcessingBatch, cause error, result *aggregatordomain.RunResult) {
	ctx = context.WithoutCancel(obscontext.WithBatchID(ctx, batch.ID.String()))
	log := logger.WithContext(ctx, p.log)
	cause = fmt.Errorf("%w: %w", aggregatordomain.ErrBatchProcessingFailed, cause)

	token := ""
	if batch.ClaimToken != nil {
		token = *batch.ClaimToken
	}
	now := p.clock.Now()
	attempts := batch.Attempts + 1
	req := aggregatordomain.FailBatch{
		ID:       batch.ID,
		Token:    token,
		Attempts: attempts,
		Cause:    cause.Error(),
	}
	parked := attempts >= p.maxAttempts
	if !parked {
		next := p.backoff.NextAttempt(now, attempts)
		req.NextAttemptAt = &next
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := p.repo.FailTx(ctx, tx, req, now)
		if err != nil {
			return err
		}
		if !ok {
			return aggregatordomain.ErrBatchLeaseLost
		}
		return p.events.HoldBatch(ctx, tx, batch.ID)
	})
	if err != nil {
		log.Error("aggregator.batch.fail_record_error", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	result.Failed++
	obsmetrics.Scheduler().IncBatchTransition(string(aggregatordomain.BatchStatusClaimed), string(aggregatordomain.BatchStatusFailed))
	if parked {
		result.Parked++
		obsmetrics.Scheduler().IncBatchParked()
		log.Error("aggregator.batch.parked",
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return
	}
	log.Warn("aggregator.batch.retry_scheduled",
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", *req.NextAttemptAt),
		zap.Error(cause),
	)
}

func (p *Processor) ListParked(ctx context.Context, limit int) ([]aggregatordomain.ProcessingBatch, error) {
	if limit <= 0 || limit > maxParkedList {
		limit = maxParkedList
	}
	return p.repo.ListParked(ctx, limit)
}

// Requeue resets a parked batch so the next run retries it.
func (p *Processor) Requeue(ctx context.Context, id snowflake.ID) (aggregatordomain.ProcessingBatch, error) {
	batch, err := p.repo.Get(ctx, id)
	if err != nil {
		return aggregatordomain.ProcessingBatch{}, err
	}
	if batch == nil {
		return aggregatordomain.ProcessingBatch{}, aggregatordomain.ErrBatchNotFound
	}
	if !batch.Parked() {
		return aggregatordomain.ProcessingBatch{}, aggregatordomain.ErrBatchNotParked
	}
	ok, err := p.repo.Requeue(ctx, id, p.clock.Now())
	if err != nil {
		return aggregatordomain.ProcessingBatch{}, err
	}
	if !ok {
		return aggregatordomain.ProcessingBatch{}, aggregatordomain.ErrBatchNotParked
	}

	logger.WithContext(ctx, p.log).Info("aggregator.batch.requeued",
		zap.String("batch_id", id.String()),
		zap.Int("previous_attempts", batch.Attempts),
	)
	updated, err := p.repo.Get(ctx, id)
	if err != nil {
		return aggregatordomain.ProcessingBatch{}, err
	}
	return *updated, nil
}
