// Package prefetch warms the cache store with bounded parallelism.
//
// A Warmer loads a list of targets through cache.Store.Fetch, so a warm run
// shares loads with concurrent readers of the same keys and never overwrites
// a newer entry with an older one.
//
// Example usage:
//
//	warmer := prefetch.NewWarmer(store, prefetch.DefaultConfig())
//	report := warmer.Warm(ctx, []prefetch.Target{
//		prefetch.JSONTarget(apiClient, "/products", cache.SetOptions{TTL: 5 * time.Minute}),
//		prefetch.JSONTarget(apiClient, "/categories", cache.SetOptions{TTL: time.Hour}),
//	})
//
// The warmer:
//   - Runs at most MaxConcurrency loads at once
//   - Bounds each load with Timeout
//   - Keeps going when a target fails and reports it
package prefetch
