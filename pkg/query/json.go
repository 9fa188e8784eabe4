package query

import (
	"context"

	"github.com/Sternrassler/storefront-client/pkg/cache"
	"github.com/Sternrassler/storefront-client/pkg/client"
)

// NewJSON binds GET path on c to a query. The cache key is derived from the
// client's prefix and the path; with no Tags set, the first path segment is
// used as the tag.
func NewJSON[T any](c *client.Client, store *cache.Store, path string, opts Options[T], reqOpts ...client.Option) *Query[T] {
	key := cache.KeyFromPath(c.Prefix(), path)
	if len(opts.Tags) == 0 {
		if tag := key.Tag(); tag != "" {
			opts.Tags = []string{tag}
		}
	}

	fetch := func(ctx context.Context) (T, error) {
		resp, err := c.Get(ctx, path, reqOpts...)
		if err != nil {
			var zero T
			return zero, err
		}
		return client.Decode[T](resp)
	}

	return New(store, key.String(), fetch, opts)
}
