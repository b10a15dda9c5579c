package metricspush

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

var sampleTotals = ledgerdomain.AccountingTotals{
	Accounts:      3,
	Available:     decimal.RequireFromString("120.5"),
	Reserved:      decimal.RequireFromString("30"),
	TotalIssued:   decimal.RequireFromString("200"),
	TotalConsumed: decimal.RequireFromString("49.5"),
}

func TestNewPusherSelectsExporter(t *testing.T) {
	base := config.Config{AppName: "basilica-billing", Environment: "test"}

	cfg := base
	assert.Nil(t, NewPusher(cfg, zap.NewNop()), "disabled")

	cfg.MetricsPush = config.MetricsPushConfig{Enabled: true, Exporter: ExporterPrometheusPushgateway}
	assert.Nil(t, NewPusher(cfg, zap.NewNop()), "missing endpoint")

	cfg.MetricsPush.Endpoint = "http://pushgateway:9091"
	assert.IsType(t, &PushgatewayPusher{}, NewPusher(cfg, zap.NewNop()))

	cfg.MetricsPush.Exporter = ExporterPrometheusRemoteWrite
	assert.IsType(t, &RemoteWritePusher{}, NewPusher(cfg, zap.NewNop()))

	cfg.MetricsPush.Exporter = ExporterOTLP
	cfg.MetricsPush.Endpoint = "grpcs://collector.example:4317"
	otlp, ok := NewPusher(cfg, zap.NewNop()).(*OTLPPusher)
	require.True(t, ok)
	assert.Equal(t, "collector.example:4317", otlp.address)
	assert.True(t, otlp.secure)

	cfg.MetricsPush.Exporter = "statsd"
	assert.Nil(t, NewPusher(cfg, zap.NewNop()))
}

func TestRemoteWritePushSendsSnappyProtobuf(t *testing.T) {
	var (
		mu       sync.Mutex
		received prompb.WriteRequest
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(decoded, protoadapt.MessageV2Of(&received)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	metrics := NewAccountingMetrics("basilica-billing", "test")
	metrics.SetTotals(sampleTotals, 1700000000)

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	require.NoError(t, pusher.Push(context.Background(), metrics.Registry()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))

	values := map[string]float64{}
	for _, ts := range received.Timeseries {
		var name string
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				name = label.Value
			}
		}
		require.Len(t, ts.Samples, 1)
		values[name] = ts.Samples[0].Value
	}
	assert.Equal(t, float64(3), values["basilica_ledger_accounts"])
	assert.Equal(t, 120.5, values["basilica_ledger_available_credits"])
	assert.Equal(t, float64(30), values["basilica_ledger_reserved_credits"])
}

func TestRemoteWritePushReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	metrics := NewAccountingMetrics("basilica-billing", "test")
	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), metrics.Registry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushgatewayPushUsesJobAndGrouping(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	metrics := NewAccountingMetrics("basilica-billing", "test")
	pusher := NewPushgatewayPusher(srv.URL, "basilica-billing", map[string]string{"environment": "test"})
	require.NoError(t, pusher.Push(context.Background(), metrics.Registry()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/basilica-billing/environment/test", path)
}

func TestBuildRemoteWriteSeriesSkipsHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "c_total", Help: "c"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "h_seconds", Help: "h"})
	registry.MustRegister(counter, histogram)
	counter.Add(2)
	histogram.Observe(1)

	families, err := registry.Gather()
	require.NoError(t, err)
	series := buildRemoteWriteSeries(families, 42)
	require.Len(t, series, 1)
	assert.Equal(t, "c_total", series[0].Labels[0].Value)
	assert.Equal(t, int64(42), series[0].Samples[0].Timestamp)

	otlp := buildOTLPMetrics(families, 42)
	require.Len(t, otlp, 1)
	assert.True(t, otlp[0].GetSum().GetIsMonotonic())
}

type capturePusher struct {
	families []*dto.MetricFamily
	err      error
}

func (c *capturePusher) Push(_ context.Context, registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	c.families = families
	return c.err
}

type fakeTotals struct {
	totals ledgerdomain.AccountingTotals
	err    error
}

func (f fakeTotals) Totals(context.Context) (ledgerdomain.AccountingTotals, error) {
	return f.totals, f.err
}

func gaugeValue(families []*dto.MetricFamily, name string) (float64, bool) {
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestWorkerPushOnceRefreshesTotals(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0).UTC())
	pusher := &capturePusher{}
	worker := NewWorker(NewAccountingMetrics("basilica-billing", "test"), pusher, fakeTotals{totals: sampleTotals}, clk, zap.NewNop())

	require.NoError(t, worker.PushOnce(context.Background()))

	consumed, ok := gaugeValue(pusher.families, "basilica_ledger_consumed_credits_total")
	require.True(t, ok)
	assert.Equal(t, 49.5, consumed)
	refreshed, _ := gaugeValue(pusher.families, "basilica_ledger_totals_refreshed_timestamp_seconds")
	assert.Equal(t, float64(1700000000), refreshed)
	memory, _ := gaugeValue(pusher.families, "basilica_process_memory_bytes")
	assert.Greater(t, memory, float64(0))
}

func TestWorkerSkipsPushWhenTotalsFail(t *testing.T) {
	pusher := &capturePusher{}
	boom := errors.New("db unavailable")
	worker := NewWorker(NewAccountingMetrics("basilica-billing", "test"), pusher, fakeTotals{err: boom}, clock.NewFakeClock(time.Now()), zap.NewNop())

	assert.ErrorIs(t, worker.PushOnce(context.Background()), boom)
	assert.Nil(t, pusher.families)
}

func TestRemoteWriteStampsSamplesWithClock(t *testing.T) {
	var received prompb.WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		decoded, err := snappy.Decode(nil, body)
		if err == nil {
			_ = proto.Unmarshal(decoded, protoadapt.MessageV2Of(&received))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := clock.NewFakeClock(time.UnixMilli(1700000000123).UTC())
	pusher := NewRemoteWritePusher(srv.URL, "")
	pusher.now = clk.Now
	require.NoError(t, pusher.Push(context.Background(), NewAccountingMetrics("basilica-billing", "test").Registry()))

	require.NotEmpty(t, received.Timeseries)
	for _, ts := range received.Timeseries {
		assert.Equal(t, int64(1700000000123), ts.Samples[0].Timestamp)
	}
}

func TestPushgatewaySendsBearerToken(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Config{
		AppName:     "basilica-billing",
		Environment: "test",
		MetricsPush: config.MetricsPushConfig{
			Enabled:   true,
			Exporter:  ExporterPrometheusPushgateway,
			Endpoint:  srv.URL,
			AuthToken: "gw-token",
		},
	}
	pusher := NewPusher(cfg, zap.NewNop())
	require.NotNil(t, pusher)
	require.NoError(t, pusher.Push(context.Background(), NewAccountingMetrics("basilica-billing", "test").Registry()))
	assert.Equal(t, "Bearer gw-token", <-auth)
}
