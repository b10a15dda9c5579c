package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	"github.com/one-covenant/basilica-billing/internal/clock"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPriceRefresh      = "price_refresh"
	JobDepositScan       = "deposit_scan"
	JobOutboxDispatch    = "outbox_dispatch"
	JobUsageAggregation  = "usage_aggregation"
	JobReservationExpiry = "reservation_expiry"
)

var ErrInvalidConfig = errors.New("invalid_config")

type UsageAggregator interface {
	RunOnce(ctx context.Context) (aggregatordomain.RunResult, error)
}

type OutboxDispatcher interface {
	RunOnce(ctx context.Context) (settlementdomain.DispatchResult, error)
}

type DepositScanner interface {
	Scan(ctx context.Context) (depositdomain.ScanResult, error)
}

type PriceRefresher interface {
	RefreshIfDue(ctx context.Context) (bool, error)
}

type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error)
}

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config             `optional:"true"`
	Aggregator   UsageAggregator    `optional:"true"`
	Outbox       OutboxDispatcher   `optional:"true"`
	Deposits     DepositScanner     `optional:"true"`
	Price        PriceRefresher     `optional:"true"`
	Reservations ReservationExpirer `optional:"true"`
}

// Scheduler runs the billing loops as bounded jobs on a fixed interval.
type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	aggregator   UsageAggregator
	outbox       OutboxDispatcher
	deposits     DepositScanner
	price        PriceRefresher
	reservations ReservationExpirer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		aggregator:   p.Aggregator,
		outbox:       p.Outbox,
		deposits:     p.Deposits,
		price:        p.Price,
		reservations: p.Reservations,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logger(ctx).Debug("scheduler.job.start", zap.Duration("timeout", timeout))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx, run)
	schedMetrics.ObserveJobDuration(name, time.Since(run.startedAt))
	// A deadline is a soft timeout: leases expire and the next run resumes.
	run.timedOut = errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.finishJobRun(ctx, run, err)
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if run.timedOut {
		schedMetrics.IncJobTimeout(name)
		return nil
	}
	s.logSchedulerError(ctx, "scheduler.job.failed", err)
	return fmt.Errorf("%s: %w", name, err)
}

type job struct {
	name    string
	enabled bool
	timeout time.Duration
	run     func(ctx context.Context, run *jobRun) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobPriceRefresh, s.price != nil && s.isJobEnabled(JobPriceRefresh), s.cfg.PriceRefreshTimeout, s.PriceRefreshJob},
		{JobDepositScan, s.deposits != nil && s.isJobEnabled(JobDepositScan), s.cfg.JobTimeout, s.DepositScanJob},
		{JobOutboxDispatch, s.outbox != nil && s.isJobEnabled(JobOutboxDispatch), s.cfg.JobTimeout, s.OutboxDispatchJob},
		{JobUsageAggregation, s.aggregator != nil && s.isJobEnabled(JobUsageAggregation), s.cfg.JobTimeout, s.UsageAggregationJob},
		{JobReservationExpiry, s.reservations != nil && s.isJobEnabled(JobReservationExpiry), s.cfg.JobTimeout, s.ReservationExpiryJob},
	}
}

// RunOnce runs every enabled job once. Price refresh goes first so the
// dispatch in the same pass converts with a fresh quote.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !j.enabled {
			continue
		}
		if parent.Err() != nil {
			return errors.Join(err, parent.Err())
		}
		err = errors.Join(err, s.runJob(parent, j.name, j.timeout, j.run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) PriceRefreshJob(ctx context.Context, run *jobRun) error {
	refreshed, err := s.price.RefreshIfDue(ctx)
	if refreshed {
		run.AddProcessed(1)
	}
	return err
}

func (s *Scheduler) DepositScanJob(ctx context.Context, run *jobRun) error {
	res, err := s.deposits.Scan(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(res.Recorded)
	if res.Recorded > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(JobDepositScan, "observed_deposits", res.Recorded)
	}
	return nil
}

// OutboxDispatchJob drains due entries until a claim comes back empty or the
// job deadline hits.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context, run *jobRun) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := s.outbox.RunOnce(ctx)
		if err != nil {
			return err
		}
		run.AddProcessed(res.Dispatched)
		run.AddFailed(res.Failed)
		if res.Claimed == 0 || res.Dispatched == 0 {
			return nil
		}
	}
}

func (s *Scheduler) UsageAggregationJob(ctx context.Context, run *jobRun) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := s.aggregator.RunOnce(ctx)
		if err != nil {
			return err
		}
		run.AddProcessed(res.Events)
		run.AddFailed(res.Failed)
		if res.Events == 0 {
			return nil
		}
	}
}

func (s *Scheduler) ReservationExpiryJob(ctx context.Context, run *jobRun) error {
	expired, err := s.reservations.ExpireReservations(ctx, s.clock.Now(), s.cfg.ReservationSweepLimit)
	run.AddProcessed(expired)
	if expired > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(JobReservationExpiry, obsmetrics.LockResourceReservation, expired)
	}
	return err
}
