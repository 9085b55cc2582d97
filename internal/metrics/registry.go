// Package metrics holds the ingress datapath's Prometheus registry.
//
// A metrics registry is passed into each component as an explicit
// dependency rather than relying on the default global registerer, so
// tests can inject a scratch registry — this package wraps promauto
// registration behind a constructor that takes a *prometheus.Registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every counter/gauge/histogram the datapath emits.
type Registry struct {
	reg *prometheus.Registry

	PacketsReceived   *prometheus.CounterVec // by flow_class, queue (the processor fills queue with its active path, "xdp" or "fallback")
	ParseErrors       prometheus.Counter
	ClassificationUnk prometheus.Counter
	RxDropped         *prometheus.CounterVec // by queue
	RingTransient     *prometheus.CounterVec // by ring, queue
	ActivePath        *prometheus.GaugeVec   // "xdp" or "fallback", by queue

	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheEntries  prometheus.Gauge
	CacheBytes    prometheus.Gauge
	CacheEvictions *prometheus.CounterVec // by policy
	WritebackLatency prometheus.Histogram
	WritebackFailures prometheus.Counter
	DurableIOFailures *prometheus.CounterVec // by backend

	XDPAttachAttempts *prometheus.CounterVec // by mode, result
}

// New builds a Registry backed by reg. Pass prometheus.NewRegistry() in
// tests for isolation; pass prometheus.NewPedanticRegistry() (or the default
// registerer wrapped in a *prometheus.Registry) in production.
func New(namespace string, reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Packets classified and dispatched, by flow class and queue.",
		}, []string{"flow_class", "queue"}),

		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "parse_errors_total",
			Help: "Packets dropped due to truncated or unsupported headers.",
		}),

		ClassificationUnk: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "classification_unknown_total",
			Help: "Well-formed packets whose destination port had no flow mapping.",
		}),

		RxDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rx_dropped_total",
			Help: "Packets dropped by the kernel because the RX ring was full.",
		}, []string{"queue"}),

		RingTransient: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ring_transient_total",
			Help: "Transient ring conditions (rx empty, tx full, fill exhausted).",
		}, []string{"ring", "queue"}),

		ActivePath: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_path",
			Help: "1 if the kernel-bypass path is active for this queue, 0 if on the fallback UDP socket.",
		}, []string{"queue"}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "RAM cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "RAM cache misses (including durable-tier promotions).",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries", Help: "Current entry count in the RAM cache.",
		}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_bytes_used", Help: "Current byte usage of the RAM cache.",
		}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total", Help: "Evictions, by policy.",
		}, []string{"policy"}),
		WritebackLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "writeback_latency_seconds",
			Help:    "Latency of a single durable-tier writeback write.",
			Buckets: prometheus.DefBuckets,
		}),
		WritebackFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "writeback_failures_total", Help: "Durable-tier writes that failed and left the entry dirty.",
		}),
		DurableIOFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "durable_io_failures_total", Help: "Durable-tier I/O failures, by backend.",
		}, []string{"backend"}),

		XDPAttachAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "xdp_attach_attempts_total", Help: "Filter program attach attempts, by mode and result.",
		}, []string{"mode", "result"}),
	}
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
