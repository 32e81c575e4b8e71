// Package metrics exposes the Prometheus registry of the catalog gateway.
// Metrics are defined in their own packages (cache, upstream, budget, warmup)
// via promauto; this package serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all gateway metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - gateway_cache_hits_total{state} (Counter): Lookups answered from an entry (fresh, stale, error)
//   - gateway_cache_misses_total (Counter): Cold misses
//   - gateway_cache_entries (Gauge): Current number of entries
//   - gateway_cache_refreshes_total{result} (Counter): Upstream refreshes (success, failure)
//   - gateway_cache_shared_refreshes_total (Counter): Callers served by a refresh started by another caller
//   - gateway_cache_evictions_total (Counter): Entries dropped by the capacity bound
//   - gateway_cache_fallbacks_total (Counter): Responses served from fallback data
//   - gateway_cache_cleared_entries_total (Counter): Entries removed by explicit clears
//
// Upstream Metrics (pkg/upstream):
//   - gateway_upstream_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - gateway_upstream_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - gateway_upstream_errors_total{kind} (Counter): Errors by kind (timeout, unavailable, http_status, ...)
//   - gateway_upstream_retries_total{kind} (Counter): Retry attempts by error kind
//   - gateway_upstream_retry_backoff_seconds{kind} (Histogram): Backoff duration by error kind
//   - gateway_upstream_retry_exhausted_total{kind} (Counter): Requests that exhausted their attempts
//
// Error Budget Metrics (pkg/budget):
//   - gateway_upstream_errors_remaining (Gauge): Failures left in the current window
//   - gateway_budget_blocks_total (Counter): Requests blocked by the exhausted budget
//   - gateway_budget_throttles_total (Counter): Requests throttled in the warning zone
//   - gateway_budget_store_errors_total (Counter): Failed budget store operations
//
// Warm-up Metrics (pkg/warmup):
//   - gateway_warmup_runs_total (Counter): Warm-up runs
//   - gateway_warmup_targets_total{target, result} (Counter): Target fetches by result
//   - gateway_warmup_duration_seconds (Histogram): Run duration
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate (fresh only)
//	sum(rate(gateway_cache_hits_total{state="fresh"}[5m])) /
//	(sum(rate(gateway_cache_hits_total[5m])) + sum(rate(gateway_cache_misses_total[5m])))
//
//	# Share of responses served stale after a failed refresh
//	rate(gateway_cache_hits_total{state="error"}[5m])
//
//	# Error Budget Status
//	gateway_upstream_errors_remaining < 15
//
//	# P95 Upstream Latency
//	histogram_quantile(0.95, rate(gateway_upstream_request_duration_seconds_bucket[5m]))
