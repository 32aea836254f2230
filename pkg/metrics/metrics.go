package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pantrysync_online",
		Help: "1 when the backend was reachable at the last probe.",
	})
	ConnectivityTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pantrysync_connectivity_transitions_total",
		Help: "Reachability flips, by new state.",
	}, []string{"state"})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_cache_fallback_hits_total",
		Help: "Reads served from the local snapshot.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_cache_fallback_misses_total",
		Help: "Reads that needed a snapshot and found none.",
	})
	CacheWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_cache_writes_total",
		Help: "Network reads persisted to the snapshot cache.",
	})
	StorageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pantrysync_storage_errors_total",
		Help: "Local cache/queue failures, by operation.",
	}, []string{"op"})

	Queued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pantrysync_mutations_queued_total",
		Help: "Mutations enqueued for later replay, by HTTP method.",
	}, []string{"method"})
	OptimisticApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_optimistic_applied_total",
		Help: "Queued mutations reflected in a cached snapshot.",
	})
	ServerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_server_failures_total",
		Help: "Non-2xx responses propagated to callers.",
	})

	SyncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pantrysync_sync_passes_total",
		Help: "Sync passes, by outcome (ok, partial, skipped).",
	}, []string{"outcome"})
	ReplayOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_replay_ok_total",
		Help: "Queued mutations replayed successfully.",
	})
	ReplayFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pantrysync_replay_fail_total",
		Help: "Queued mutations whose replay failed and stay pending.",
	})
	Pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pantrysync_pending_mutations",
		Help: "Pending mutations after the last sync pass.",
	})
)

// Register adds every collector to reg, or to the default registry when reg is nil.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		Online, ConnectivityTransitions,
		CacheHits, CacheMisses, CacheWrites, StorageErrors,
		Queued, OptimisticApplied, ServerFailures,
		SyncPasses, ReplayOK, ReplayFail, Pending,
	)
}
