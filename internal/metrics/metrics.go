// Package metrics wraps the Prometheus collectors shared across the
// streaming pipeline and control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the gateway's Prometheus collectors.
type Registry struct {
	ProcessingLatencySeconds *prometheus.HistogramVec
	TicksProcessedTotal      *prometheus.CounterVec
	ProcessingErrorsTotal    *prometheus.CounterVec
	DroppedTotal             *prometheus.CounterVec
	CircuitState             *prometheus.GaugeVec
	RegistryStaleRefreshes   prometheus.Gauge
	BatchFlushedTotal        *prometheus.CounterVec
	OrderTasksTotal          *prometheus.CounterVec
}

// NewRegistry creates and registers every collector the gateway emits.
func NewRegistry() *Registry {
	return &Registry{
		ProcessingLatencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_processing_latency_seconds",
			Help:    "Tick processing latency from receipt to enqueue on the publish batcher, by path",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		TicksProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_ticks_processed_total",
			Help: "Total ticks processed, by path",
		}, []string{"path"}),
		ProcessingErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_processing_errors_total",
			Help: "Total tick processing errors, by path",
		}, []string{"path"}),
		DroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_dropped_total",
			Help: "Total items dropped, by reason",
		}, []string{"reason"}),
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgate_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open), by breaker name",
		}, []string{"name"}),
		RegistryStaleRefreshes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_registry_stale_refreshes",
			Help: "Consecutive failed instrument registry refresh attempts",
		}),
		BatchFlushedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_batch_flushed_total",
			Help: "Total publish-batcher flushes, by channel and trigger",
		}, []string{"channel", "trigger"}),
		OrderTasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_order_tasks_total",
			Help: "Total order task terminal outcomes, by status",
		}, []string{"status"}),
	}
}

// Handler returns an HTTP handler exposing the collected metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// CircuitStateValue maps a breaker state name to its gauge value.
func CircuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default: // "closed"
		return 0
	}
}
