package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks reads that returned a fresh or stale entry.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_hits_total",
			Help: "Total number of storefront cache hits",
		},
		[]string{"freshness"}, // "fresh", "stale"
	)

	// CacheMisses tracks reads that found nothing usable.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_misses_total",
			Help: "Total number of storefront cache misses",
		},
	)

	// CacheEvictions tracks removed entries by reason.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"reason"}, // "expired", "sweep", "delete", "pattern", "tags", "clear"
	)

	// CacheEntries tracks the number of entries held across every Store in
	// the process. Stores apply deltas, never absolute values.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storefront_cache_entries",
			Help: "Current number of entries across all storefront caches",
		},
	)

	// CacheRejectedWrites tracks versioned writes dropped for being older
	// than the stored entry, and loads invalidated while in flight.
	CacheRejectedWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_rejected_writes_total",
			Help: "Total number of out-of-order cache writes rejected",
		},
	)

	// CacheSharedFetches tracks Fetch callers that joined an in-flight load.
	CacheSharedFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_shared_fetches_total",
			Help: "Total number of cache loads served by an in-flight load for the same key",
		},
	)
)
