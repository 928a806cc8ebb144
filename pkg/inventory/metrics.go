package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds ledger Prometheus metrics
// 台帳のPrometheusメトリクス
type Metrics struct {
	// Allocations counts plan attempts
	// Labels: result (planned, insufficient)
	Allocations *prometheus.CounterVec

	// UnitsAllocated counts units deducted by committed sale lines
	UnitsAllocated prometheus.Counter

	// OptimisticConflicts counts conditional updates that matched no row
	// Labels: operation
	OptimisticConflicts *prometheus.CounterVec

	// Sales counts commit outcomes
	// Labels: outcome (committed, rejected, partial)
	Sales *prometheus.CounterVec

	// Transfers counts committed transfers
	// Labels: kind (full, split)
	Transfers *prometheus.CounterVec

	// OperationDuration tracks latency of ledger operations
	// Labels: operation
	OperationDuration *prometheus.HistogramVec
}

// NewMetrics creates ledger metrics registered on registry
// (prometheus.DefaultRegisterer when nil)
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		Allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_allocations_total",
				Help: "Total number of FEFO allocation plans by result",
			},
			[]string{"result"},
		),

		UnitsAllocated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_units_allocated_total",
				Help: "Total number of units deducted from batches by sales",
			},
		),

		OptimisticConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_optimistic_conflicts_total",
				Help: "Total number of conditional batch updates rejected because the batch changed",
			},
			[]string{"operation"},
		),

		Sales: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_sales_total",
				Help: "Total number of sale commits by outcome",
			},
			[]string{"outcome"},
		),

		Transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transfers_total",
				Help: "Total number of batch transfers by kind",
			},
			[]string{"kind"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) observeAllocation(result string) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(result).Inc()
}

func (m *Metrics) addUnits(n int64) {
	if m == nil {
		return
	}
	m.UnitsAllocated.Add(float64(n))
}

func (m *Metrics) observeConflict(operation string) {
	if m == nil {
		return
	}
	m.OptimisticConflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) observeSale(outcome string) {
	if m == nil {
		return
	}
	m.Sales.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeTransfer(kind string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeDuration(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
