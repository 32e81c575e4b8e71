// Package cache provides the process-local response cache of the catalog gateway.
//
// The cache stores decoded upstream responses keyed by a request signature and
// implements the following policy:
//
// - Fresh entries (younger than the TTL) are served without an upstream call
// - Expired entries are served stale while a background refresh runs
// - Cold misses block on the refresh
// - Concurrent refreshes of one key share a single upstream call (single-flight)
// - A failed refresh keeps the previous value and marks the entry as error
// - Without any usable value the FallbackProvider is asked before failing
// - Values older than the hard TTL are never served
//
// # Basic Usage
//
//	c, err := cache.New(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer c.Shutdown(ctx)
//
//	key := cache.CacheKey{
//		Endpoint:    "/catalog/categories",
//		QueryParams: url.Values{"shipmentcity": []string{"Moscow"}},
//	}.String()
//
//	value, state, err := c.GetOrRefresh(ctx, key, 30*time.Minute, func(ctx context.Context) (any, error) {
//		return client.Fetch(ctx, req)
//	})
//
// # Keys
//
// CacheKey sorts query parameters and canonicalizes request bodies, so
// parameter order never splits the cache while different requests never share
// a key. Use FillDefaults before building the key so that omitted optional
// parameters and explicit defaults map to the same entry.
//
// # Metrics
//
//   - gateway_cache_hits_total{state} - Lookups answered from an entry
//   - gateway_cache_misses_total - Cold misses
//   - gateway_cache_entries - Current number of entries
//   - gateway_cache_refreshes_total{result} - Upstream refreshes
//   - gateway_cache_shared_refreshes_total - Callers served by a shared refresh
//   - gateway_cache_evictions_total - Capacity evictions
//   - gateway_cache_fallbacks_total - Fallback responses
//   - gateway_cache_cleared_entries_total - Entries removed by Clear
//
// The cache is not shared between processes: every gateway instance holds its
// own, possibly different, view of the upstream.
package cache
