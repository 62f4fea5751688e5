// Package metrics exposes Prometheus instrumentation for the orchestrator
// and the batch executor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors registered on a single registry so tests can
// create isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ProviderCost    *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	ItemsProcessed  *prometheus.CounterVec
	JobsActive      prometheus.Gauge
	CheckpointSaves prometheus.Counter
	CacheSize       prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_total",
			Help: "Orchestration requests by outcome.",
		}, []string{"outcome"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_retries_total",
			Help: "Retry attempts across all requests.",
		}),
		ProviderCost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_provider_cost_dollars_total",
			Help: "Accumulated provider spend in dollars.",
		}, []string{"provider"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"strategy"}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_items_processed_total",
			Help: "Batch items processed by outcome.",
		}, []string{"outcome"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batch_jobs_active",
			Help: "Jobs currently in the running state.",
		}),
		CheckpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_checkpoint_saves_total",
			Help: "Checkpoint writes performed.",
		}),
		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_cache_entries",
			Help: "Live entries in the orchestrator cache.",
		}),
	}
}
