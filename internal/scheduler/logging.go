package scheduler

import (
	"context"
	"time"

	obscontext "github.com/one-covenant/basilica-billing/internal/observability/context"
	obslogger "github.com/one-covenant/basilica-billing/internal/observability/logger"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobUnits names what each job counts, so finish lines read "processed=12
// unit=events" instead of a bare number.
var jobUnits = map[string]string{
	JobPriceRefresh:      "quotes",
	JobDepositScan:       "deposits",
	JobOutboxDispatch:    "outbox_entries",
	JobUsageAggregation:  "events",
	JobReservationExpiry: "reservations",
}

type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	processed int
	failed    int
	timedOut  bool
}

func (r *jobRun) AddProcessed(n int) {
	if n > 0 {
		r.processed += n
	}
}

// AddFailed counts units that failed inside an otherwise successful pass,
// such as a batch sent back for retry.
func (r *jobRun) AddFailed(n int) {
	if n > 0 {
		r.failed += n
	}
}

func (s *Scheduler) startJobRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
	return obscontext.WithJob(ctx, job, run.runID), run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) finishJobRun(ctx context.Context, run *jobRun, err error) {
	unit := jobUnits[run.job]
	if unit == "" {
		unit = "items"
	}
	fields := []zap.Field{
		zap.String("unit", unit),
		zap.Int("processed", run.processed),
		zap.Int("failed", run.failed),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
	}
	log := s.logger(ctx)
	switch {
	case run.timedOut:
		log.Warn("scheduler.job.timeout", fields...)
	case err != nil || run.failed > 0:
		log.Warn("scheduler.job.finish", fields...)
	case run.processed == 0:
		log.Debug("scheduler.job.finish", fields...)
	default:
		log.Info("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logSchedulerError(ctx context.Context, msg string, err error, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}
