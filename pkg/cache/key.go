package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key describes a logical storefront query and renders a deterministic cache key.
type Key struct {
	// Endpoint is the API path relative to the prefix (e.g., "/products").
	Endpoint string

	// Prefix is the API surface, "api" or "api/v1". Empty means "api".
	Prefix string

	// QueryParams are the query parameters (e.g., {"category": "eggs"}).
	QueryParams url.Values

	// Scope separates otherwise identical queries per viewer (user id, locale).
	// Empty for public data.
	Scope string
}

// String generates a deterministic cache key string.
// Format: sf:prefix:endpoint:query1=val1,val2:scope=abc
//
// Example:
//
//	sf:api:products:category=eggs:page=2
func (k Key) String() string {
	prefix := strings.Trim(k.Prefix, "/")
	if prefix == "" {
		prefix = "api"
	}
	parts := []string{"sf", prefix}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism; multi-valued params keep their order.
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}

// Tag returns the first path segment of the endpoint ("products" for
// "/products/42/reviews"), the conventional tag for a resource family.
func (k Key) Tag() string {
	endpoint := strings.Trim(k.Endpoint, "/")
	if i := strings.IndexByte(endpoint, '/'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return endpoint
}

// KeyFromPath builds a Key from an API path that may carry a query string,
// e.g. "/products?category=eggs".
func KeyFromPath(prefix, path string) Key {
	endpoint, rawQuery, _ := strings.Cut(path, "?")
	query, _ := url.ParseQuery(rawQuery)
	return Key{Endpoint: endpoint, Prefix: prefix, QueryParams: query}
}
