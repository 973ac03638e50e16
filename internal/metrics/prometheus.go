package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promCollectors mirrors each atomic counter as a Prometheus collector so
// the same events feed both the JSON snapshot and a scrape endpoint.
type promCollectors struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	evictions      prometheus.Counter
	workersCreated prometheus.Counter
	workersFailed  prometheus.Counter
	latency        prometheus.Histogram
}

func newPromCollectors(namespace string) *promCollectors {
	return &promCollectors{
		hits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_hits_total",
			Help:      "Requests served by a warm, healthy worker.",
		}),
		misses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_misses_total",
			Help:      "Requests that required spawning a new worker.",
		}),
		evictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_evictions_total",
			Help:      "Workers evicted to stay within the pool's capacity.",
		}),
		workersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_created_total",
			Help:      "Worker processes successfully spawned.",
		}),
		workersFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_failed_total",
			Help:      "Worker process spawn attempts that failed.",
		}),
		latency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Per-request dispatch latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}
}
