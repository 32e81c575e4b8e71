package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups answered from an entry, by state (fresh, stale, error)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of cache lookups answered from an entry",
		},
		[]string{"state"},
	)

	// CacheMisses tracks cold misses (no entry, or entry beyond the hard TTL)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of cold cache misses",
		},
	)

	// CacheEntries tracks the number of stored entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Current number of cache entries",
		},
	)

	// CacheRefreshes tracks upstream refreshes by result (success, failure)
	CacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_refreshes_total",
			Help: "Total number of upstream refreshes by result",
		},
		[]string{"result"},
	)

	// CacheSharedRefreshes tracks callers that joined an in-flight refresh
	CacheSharedRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_shared_refreshes_total",
			Help: "Total number of callers that shared an in-flight refresh",
		},
	)

	// CacheEvictions tracks entries dropped by the capacity bound
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_evictions_total",
			Help: "Total number of entries evicted by the capacity bound",
		},
	)

	// CacheFallbacks tracks responses served by the FallbackProvider
	CacheFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_fallbacks_total",
			Help: "Total number of responses served from fallback data",
		},
	)

	// CacheClears tracks entries removed by Clear
	CacheClears = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_cleared_entries_total",
			Help: "Total number of entries removed by explicit clears",
		},
	)
)
