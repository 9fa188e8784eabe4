// Package cache provides the storefront's in-memory response cache.
//
// Entries carry a TTL, an optional stale-while-revalidate window and a set of
// tags:
//
//   - fresh while now <= Timestamp + StaleWhileRevalidate (always, if unset)
//   - stale but usable while Timestamp + StaleWhileRevalidate < now <= Expires
//   - expired once now > Expires, and evicted on the next read or sweep
//
// # Basic Usage
//
//	store := cache.NewStore(cache.Options{})
//
//	key := cache.Key{
//		Endpoint:    "/products",
//		QueryParams: url.Values{"category": []string{"eggs"}},
//	}.String()
//
//	store.Set(key, products, cache.SetOptions{
//		TTL:                  10 * time.Minute,
//		StaleWhileRevalidate: 2 * time.Minute,
//		Tags:                 []string{"products"},
//	})
//
//	if data, ok := store.Get(key); ok {
//		// use data
//	}
//
// # Invalidation
//
// After a mutation through an unrelated endpoint, drop every read of the
// resource family without knowing the exact keys:
//
//	store.InvalidateByTags([]string{"products"})
//
// Delete and DeletePattern remove by exact key and by substring.
//
// # Coalesced Loads
//
// Fetch shares one load among concurrent callers of the same key and stamps
// the write with a version taken when the load started. A slow load that
// finishes after a newer one is discarded instead of overwriting it.
//
// # Metrics
//
// GetMetrics returns per-store hits, misses, size and hit rate ("50.0%").
// The package also exports Prometheus metrics:
//
//   - storefront_cache_hits_total{freshness} - Cache hits
//   - storefront_cache_misses_total - Cache misses
//   - storefront_cache_evictions_total{reason} - Removed entries
//   - storefront_cache_entries - Live entries
//   - storefront_cache_rejected_writes_total - Out-of-order writes dropped
//   - storefront_cache_shared_fetches_total - Loads joined by a second caller
//
// The store is process-lifetime only; nothing is written to disk.
package cache
