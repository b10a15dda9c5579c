package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes domain-level instruments.
type Metrics struct {
	ledgerOperations metric.Int64Counter
	usageAppended    metric.Int64Counter
	depositsRecorded metric.Int64Counter
	creditsApplied   metric.Int64Counter
	outboxDispatches metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "basilica-billing"
	}
	meter := provider.Meter(name)

	ledgerOperations, err := meter.Int64Counter("basilica_ledger_operations_total")
	if err != nil {
		return nil, err
	}
	usageAppended, err := meter.Int64Counter("basilica_usage_events_appended_total")
	if err != nil {
		return nil, err
	}
	depositsRecorded, err := meter.Int64Counter("basilica_deposits_recorded_total")
	if err != nil {
		return nil, err
	}
	creditsApplied, err := meter.Int64Counter("basilica_credits_applied_total")
	if err != nil {
		return nil, err
	}
	outboxDispatches, err := meter.Int64Counter("basilica_outbox_dispatches_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerOperations: ledgerOperations,
		usageAppended:    usageAppended,
		depositsRecorded: depositsRecorded,
		creditsApplied:   creditsApplied,
		outboxDispatches: outboxDispatches,
	}, nil
}

// RecordLedgerOperation counts a ledger mutation by operation and outcome.
func (m *Metrics) RecordLedgerOperation(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.ledgerOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageAppended counts usage events by kind; duplicates are tagged separately.
func (m *Metrics) RecordUsageAppended(ctx context.Context, kind string, inserted bool) {
	if m == nil {
		return
	}
	outcome := "inserted"
	if !inserted {
		outcome = "duplicate"
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", outcome),
	)
	m.usageAppended.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDepositRecorded(ctx context.Context, recorded bool) {
	if m == nil {
		return
	}
	outcome := "recorded"
	if !recorded {
		outcome = "duplicate"
	}
	m.depositsRecorded.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

func (m *Metrics) RecordCreditApplied(ctx context.Context, paymentMethod string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "replayed"
	}
	attrs := FilterAttributes(
		attribute.String("payment_method", strings.TrimSpace(paymentMethod)),
		attribute.String("outcome", outcome),
	)
	m.creditsApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOutboxDispatch(ctx context.Context, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.outboxDispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":      {},
	"outcome":        {},
	"kind":           {},
	"payment_method": {},
	"reason":         {},
	"status_code":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
