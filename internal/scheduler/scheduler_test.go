package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	"github.com/one-covenant/basilica-billing/internal/clock"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type callLog struct {
	calls []string
}

func (c *callLog) add(name string) { c.calls = append(c.calls, name) }

type fakeAggregator struct {
	log     *callLog
	results []aggregatordomain.RunResult
	err     error
}

func (f *fakeAggregator) RunOnce(context.Context) (aggregatordomain.RunResult, error) {
	f.log.add(JobUsageAggregation)
	if f.err != nil {
		return aggregatordomain.RunResult{}, f.err
	}
	if len(f.results) == 0 {
		return aggregatordomain.RunResult{}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

type fakeOutbox struct {
	log *callLog
}

func (f *fakeOutbox) RunOnce(context.Context) (settlementdomain.DispatchResult, error) {
	f.log.add(JobOutboxDispatch)
	return settlementdomain.DispatchResult{}, nil
}

type fakeDeposits struct {
	log *callLog
	err error
}

func (f *fakeDeposits) Scan(context.Context) (depositdomain.ScanResult, error) {
	f.log.add(JobDepositScan)
	return depositdomain.ScanResult{Recorded: 2}, f.err
}

type fakePrice struct {
	log *callLog
}

func (f *fakePrice) RefreshIfDue(context.Context) (bool, error) {
	f.log.add(JobPriceRefresh)
	return true, nil
}

type fakeExpirer struct {
	log   *callLog
	limit int
	now   time.Time
}

func (f *fakeExpirer) ExpireReservations(_ context.Context, now time.Time, limit int) (int, error) {
	f.log.add(JobReservationExpiry)
	f.now, f.limit = now, limit
	return 1, nil
}

func newTestScheduler(t *testing.T, p Params) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	t.Cleanup(swapPrometheusRegistry(registry))
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "basilica-billing",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	p.Log = zap.NewNop()
	p.GenID = node
	if p.Clock == nil {
		p.Clock = clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	}
	s, err := New(p)
	require.NoError(t, err)
	return s, registry
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, registry := newTestScheduler(t, Params{})

	err := s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context, _ *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "basilica-billing",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "basilica_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "basilica-billing",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "basilica_scheduler_job_errors_total", errorLabels))
}

func TestRunOnceRunsJobsInOrder(t *testing.T) {
	calls := &callLog{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	expirer := &fakeExpirer{log: calls}
	s, registry := newTestScheduler(t, Params{
		Clock:        clk,
		Config:       Config{ReservationSweepLimit: 25},
		Aggregator:   &fakeAggregator{log: calls},
		Outbox:       &fakeOutbox{log: calls},
		Deposits:     &fakeDeposits{log: calls},
		Price:        &fakePrice{log: calls},
		Reservations: expirer,
	})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{
		JobPriceRefresh,
		JobDepositScan,
		JobOutboxDispatch,
		JobUsageAggregation,
		JobReservationExpiry,
	}, calls.calls)
	assert.Equal(t, 25, expirer.limit)
	assert.True(t, expirer.now.Equal(clk.Now()))

	runs := map[string]string{"service": "basilica-billing", "env": "test", "job": JobDepositScan}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "basilica_scheduler_job_runs_total", runs))
}

func TestRunOnceSkipsMissingAndDisabledJobs(t *testing.T) {
	calls := &callLog{}
	s, _ := newTestScheduler(t, Params{
		Config:     Config{EnabledJobs: []string{" Usage_Aggregation ", JobDepositScan}},
		Aggregator: &fakeAggregator{log: calls},
		Outbox:     &fakeOutbox{log: calls},
		Price:      &fakePrice{log: calls},
	})

	require.NoError(t, s.RunOnce(context.Background()))
	// deposit_scan is enabled but has no scanner wired.
	assert.Equal(t, []string{JobUsageAggregation}, calls.calls)
}

func TestUsageAggregationDrainsUntilEmpty(t *testing.T) {
	calls := &callLog{}
	agg := &fakeAggregator{log: calls, results: []aggregatordomain.RunResult{
		{Completed: 1, Events: 500},
		{Completed: 1, Events: 12},
	}}
	s, _ := newTestScheduler(t, Params{Aggregator: agg})

	run := &jobRun{}
	require.NoError(t, s.UsageAggregationJob(context.Background(), run))
	assert.Len(t, calls.calls, 3)
	assert.Equal(t, 512, run.processed)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	calls := &callLog{}
	scanErr := errors.New("rpc unavailable")
	aggErr := errors.New("db down")
	s, _ := newTestScheduler(t, Params{
		Aggregator:   &fakeAggregator{log: calls, err: aggErr},
		Deposits:     &fakeDeposits{log: calls, err: scanErr},
		Reservations: &fakeExpirer{log: calls},
	})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scanErr)
	assert.ErrorIs(t, err, aggErr)
	assert.Contains(t, err.Error(), JobDepositScan)
	// A failing job does not stop the jobs after it.
	assert.Equal(t, []string{JobDepositScan, JobUsageAggregation, JobReservationExpiry}, calls.calls)
}

func TestRunOnceStopsWhenCancelled(t *testing.T) {
	calls := &callLog{}
	s, _ := newTestScheduler(t, Params{Aggregator: &fakeAggregator{log: calls}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls.calls)
}

func TestRunForeverReturnsOnCancel(t *testing.T) {
	calls := &callLog{}
	s, _ := newTestScheduler(t, Params{
		Config:       Config{RunInterval: time.Hour},
		Reservations: &fakeExpirer{log: calls},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{}
	assert.True(t, s.isJobEnabled(JobOutboxDispatch))

	s.cfg.EnabledJobs = []string{"OUTBOX_DISPATCH"}
	assert.True(t, s.isJobEnabled(JobOutboxDispatch))
	assert.False(t, s.isJobEnabled(JobPriceRefresh))
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
