// Package metrics catalogues the Prometheus metrics of the storefront client
// and serves them. The metrics themselves are defined with promauto in the
// packages that record them (client, cache, ratelimit, prefetch), so
// importing those packages registers them with Registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every storefront metric is added to.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler serves.
var Gatherer = prometheus.DefaultGatherer

// Kind is a Prometheus metric type.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Metric describes one exported metric.
type Metric struct {
	Name    string
	Kind    Kind
	Labels  []string
	Package string
}

// Catalog lists every metric the module exports.
var Catalog = []Metric{
	// pkg/client
	{Name: "storefront_requests_total", Kind: KindCounter, Labels: []string{"method", "status"}, Package: "client"},
	{Name: "storefront_request_duration_seconds", Kind: KindHistogram, Labels: []string{"method"}, Package: "client"},
	{Name: "storefront_errors_total", Kind: KindCounter, Labels: []string{"class"}, Package: "client"},
	{Name: "storefront_retries_total", Kind: KindCounter, Labels: []string{"error_class"}, Package: "client"},
	{Name: "storefront_retry_backoff_seconds", Kind: KindHistogram, Labels: []string{"error_class"}, Package: "client"},
	{Name: "storefront_retry_exhausted_total", Kind: KindCounter, Labels: []string{"error_class"}, Package: "client"},

	// pkg/cache
	{Name: "storefront_cache_hits_total", Kind: KindCounter, Labels: []string{"freshness"}, Package: "cache"},
	{Name: "storefront_cache_misses_total", Kind: KindCounter, Package: "cache"},
	{Name: "storefront_cache_evictions_total", Kind: KindCounter, Labels: []string{"reason"}, Package: "cache"},
	{Name: "storefront_cache_entries", Kind: KindGauge, Package: "cache"},
	{Name: "storefront_cache_rejected_writes_total", Kind: KindCounter, Package: "cache"},
	{Name: "storefront_cache_shared_fetches_total", Kind: KindCounter, Package: "cache"},

	// pkg/ratelimit
	{Name: "storefront_rate_limit_remaining", Kind: KindGauge, Package: "ratelimit"},
	{Name: "storefront_rate_limit_limit", Kind: KindGauge, Package: "ratelimit"},
	{Name: "storefront_rate_limit_blocks_total", Kind: KindCounter, Package: "ratelimit"},
	{Name: "storefront_rate_limit_throttles_total", Kind: KindCounter, Package: "ratelimit"},

	// pkg/prefetch
	{Name: "storefront_prefetch_targets_total", Kind: KindCounter, Labels: []string{"result"}, Package: "prefetch"},
}

// Handler serves Gatherer in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(storefront_cache_hits_total[5m])) /
//   (sum(rate(storefront_cache_hits_total[5m])) + sum(rate(storefront_cache_misses_total[5m])))
//
//   # Budget nearly spent
//   storefront_rate_limit_remaining < 5
//
//   # Request Error Rate by class
//   sum by (class) (rate(storefront_errors_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(storefront_request_duration_seconds_bucket[5m]))
//
//   # Out-of-order loads dropped by the cache
//   rate(storefront_cache_rejected_writes_total[5m])
