package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"skillchain/native/escrow"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record API
// activity for both the HTTP and gRPC surfaces.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillchain",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by transport, route, and outcome.",
			}, []string{"transport", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillchain",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by transport, route, and status code.",
			}, []string{"transport", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "skillchain",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"transport", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillchain",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"transport", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. For gRPC the status is the
// HTTP status the gRPC code maps onto.
func (m *moduleMetrics) Observe(transport, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if transport == "" {
		transport = "unknown"
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(transport, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(transport, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(transport, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(transport, reason string) {
	if m == nil {
		return
	}
	if transport == "" {
		transport = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(transport, reason).Inc()
}

// EscrowMetrics records engine operations and committed value flows.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	value      *prometheus.CounterVec
}

var _ escrow.Metrics = (*EscrowMetrics)(nil)

// Escrow returns the singleton escrow engine metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillchain",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Count of escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "skillchain",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			value: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillchain",
				Subsystem: "escrow",
				Name:      "value_total",
				Help:      "Committed value moved through custody segmented by flow.",
			}, []string{"flow"}),
		}
		prometheus.MustRegister(escrowRegistry.operations, escrowRegistry.latency, escrowRegistry.value)
	})
	return escrowRegistry
}

// ObserveOperation implements escrow.Metrics.
func (m *EscrowMetrics) ObserveOperation(op escrow.Operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	name := strings.TrimSpace(string(op))
	if name == "" {
		name = "unknown"
	}
	m.operations.WithLabelValues(name, outcome).Inc()
	m.latency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveValue implements escrow.Metrics. Amounts are exported as floats and
// lose precision beyond 2^53.
func (m *EscrowMetrics) ObserveValue(flow string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.value.WithLabelValues(flow).Add(value)
}
