package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records gateway activity against the escrow state machine.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safeswap",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Total escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safeswap",
				Subsystem: "escrow",
				Name:      "rejections_total",
				Help:      "Escrow operations rejected by a precondition, segmented by reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "safeswap",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Wall-clock duration of escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(escrowRegistry.operations, escrowRegistry.rejections, escrowRegistry.latency)
	})
	return escrowRegistry
}

// ObserveOperation records one completed operation with its outcome.
func (m *EscrowMetrics) ObserveOperation(operation, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveRejection records a precondition rejection by reason.
func (m *EscrowMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}
