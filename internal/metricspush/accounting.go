package metricspush

import (
	"runtime"

	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// AccountingMetrics holds the gauges pushed each interval. They live on a
// dedicated registry so the push carries ledger totals only.
type AccountingMetrics struct {
	registry      *prometheus.Registry
	accounts      prometheus.Gauge
	available     prometheus.Gauge
	reserved      prometheus.Gauge
	issued        prometheus.Gauge
	consumed      prometheus.Gauge
	memoryUsage   prometheus.Gauge
	lastRefreshed prometheus.Gauge
}

func NewAccountingMetrics(serviceName, environment string) *AccountingMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	m := &AccountingMetrics{
		registry:      registry,
		accounts:      gauge("basilica_ledger_accounts", "Number of credit balances."),
		available:     gauge("basilica_ledger_available_credits", "Sum of available credits over all balances."),
		reserved:      gauge("basilica_ledger_reserved_credits", "Sum of reserved credits over all balances."),
		issued:        gauge("basilica_ledger_issued_credits_total", "Credits ever issued from deposits and grants."),
		consumed:      gauge("basilica_ledger_consumed_credits_total", "Credits ever captured for usage."),
		memoryUsage:   gauge("basilica_process_memory_bytes", "Memory obtained from the OS by the billing process."),
		lastRefreshed: gauge("basilica_ledger_totals_refreshed_timestamp_seconds", "Unix time of the last totals refresh."),
	}
	registry.MustRegister(
		m.accounts,
		m.available,
		m.reserved,
		m.issued,
		m.consumed,
		m.memoryUsage,
		m.lastRefreshed,
	)
	return m
}

func (m *AccountingMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Decimal credits become float64 here; the gauges are for dashboards, not
// reconciliation.
func (m *AccountingMetrics) SetTotals(totals ledgerdomain.AccountingTotals, unixSeconds int64) {
	if m == nil {
		return
	}
	m.accounts.Set(float64(totals.Accounts))
	m.available.Set(totals.Available.InexactFloat64())
	m.reserved.Set(totals.Reserved.InexactFloat64())
	m.issued.Set(totals.TotalIssued.InexactFloat64())
	m.consumed.Set(totals.TotalConsumed.InexactFloat64())
	m.lastRefreshed.Set(float64(unixSeconds))
}

func (m *AccountingMetrics) UpdateSystem() {
	if m == nil {
		return
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.memoryUsage.Set(float64(stats.Sys))
}
