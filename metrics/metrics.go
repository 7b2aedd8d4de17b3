// Package metrics provides kvdex's ambient Prometheus instrumentation:
// commit/batch counters, queue delivery counters, watch emission
// counters. New registers a handful of collectors on a caller-supplied
// *prometheus.Registry, and the resulting Recorder is passed around by
// reference rather than reached for as a global.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder bundles the collectors every instrumented component
// (atomicwrap, dex, kv/memory) takes a reference to. The *Recorder
// returned by Noop is safe to use and its counts are never exported,
// so components don't need a nil check on every call.
type Recorder struct {
	CommitsTotal        *prometheus.CounterVec
	CommitBatchesTotal  prometheus.Counter
	QueueDeliveredTotal *prometheus.CounterVec
	QueueRetriesTotal   *prometheus.CounterVec
	QueueUndeliveredTotal *prometheus.CounterVec
	WatchEmissionsTotal prometheus.Counter
	CommitDuration      prometheus.Histogram
}

// New registers a fresh set of collectors against reg and returns a
// Recorder wired to them. Pass prometheus.NewRegistry() in production,
// or prometheus.NewPedanticRegistry() in tests that want duplicate
// registration to panic loudly.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvdex_commits_total",
			Help: "Atomic commits, labeled by outcome (ok, conflict, error).",
		}, []string{"outcome"}),
		CommitBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvdex_commit_batches_total",
			Help: "Batches submitted by the atomic wrapper, including split batches.",
		}),
		QueueDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvdex_queue_delivered_total",
			Help: "Queue messages successfully delivered, labeled by handler id.",
		}, []string{"handler_id"}),
		QueueRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvdex_queue_retries_total",
			Help: "Queue delivery attempts that failed and were retried, labeled by handler id.",
		}, []string{"handler_id"}),
		QueueUndeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvdex_queue_undelivered_total",
			Help: "Queue messages that exhausted their backoff schedule, labeled by handler id.",
		}, []string{"handler_id"}),
		WatchEmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvdex_watch_emissions_total",
			Help: "Watch stream emissions across every open stream.",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvdex_commit_duration_seconds",
			Help:    "Latency of a single underlying atomic commit.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		r.CommitsTotal,
		r.CommitBatchesTotal,
		r.QueueDeliveredTotal,
		r.QueueRetriesTotal,
		r.QueueUndeliveredTotal,
		r.WatchEmissionsTotal,
		r.CommitDuration,
	)
	return r
}

// Noop returns a Recorder backed by a private, unregistered registry —
// every call records into memory nobody reads. Used as the default
// when a caller (tests, CLI collaborators) doesn't care about metrics.
func Noop() *Recorder {
	return New(prometheus.NewRegistry())
}
