// Package query binds a cached storefront resource to a consumer's lifetime.
// A Query serves fresh cache entries without a network call, serves stale
// ones while revalidating in the background, and loads on a miss. Consumers
// observe State snapshots through Options.OnChange.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-client/pkg/cache"
	"github.com/Sternrassler/storefront-client/pkg/logging"
)

// State is what a consumer renders.
type State[T any] struct {
	Data T

	// HasData is false until a value has been adopted.
	HasData bool

	// Loading is set only while a miss or an explicit Refresh is loading.
	// Background revalidation never sets it.
	Loading bool

	// Error is the last load failure, cleared by the next success.
	Error string

	// Stale is true while the adopted value is past its fresh window.
	Stale bool

	// UpdatedAt is when the adopted value was stored.
	UpdatedAt time.Time
}

// FetchFunc loads the value for a query.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configures a Query.
type Options[T any] struct {
	// TTL and StaleWhileRevalidate are applied when the result is cached.
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration

	// Tags are attached to the cached entry for InvalidateByTags.
	Tags []string

	// OnChange receives every state change while mounted.
	OnChange func(State[T])

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// Query is a cache-backed binding for one key.
type Query[T any] struct {
	store *cache.Store
	key   string
	fetch FetchFunc[T]
	opts  Options[T]

	logger zerolog.Logger

	mu      sync.Mutex
	state   State[T]
	mounted bool

	// started numbers loads; settled is the newest one whose result was
	// applied. Results of older loads are discarded.
	started uint64
	settled uint64

	background sync.WaitGroup
}

// New creates an unmounted query for key.
func New[T any](store *cache.Store, key string, fetch FetchFunc[T], opts Options[T]) *Query[T] {
	q := &Query[T]{
		store:  store,
		key:    key,
		fetch:  fetch,
		opts:   opts,
		logger: logging.NewLogger(logging.ComponentQuery),
	}
	if opts.Logger != nil {
		q.logger = *opts.Logger
	}
	return q
}

// Key returns the cache key the query reads and writes.
func (q *Query[T]) Key() string {
	return q.key
}

// State returns a snapshot.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Mount starts observing. A fresh entry is adopted with no network call. A
// stale entry is adopted and revalidated in the background. A miss loads
// synchronously with Loading set; its error is returned and kept in State.
func (q *Query[T]) Mount(ctx context.Context) error {
	q.mu.Lock()
	q.mounted = true
	q.mu.Unlock()

	entry, freshness := q.store.Lookup(q.key)
	if freshness != cache.Absent {
		if data, ok := coerce[T](entry.Data); ok {
			stale := freshness == cache.Stale
			q.update(func(s *State[T]) {
				s.Data = data
				s.HasData = true
				s.Stale = stale
				s.UpdatedAt = entry.Timestamp
			})

			if stale {
				q.logger.Debug().Str("key", q.key).Msg("Serving stale entry - revalidating")
				q.background.Add(1)
				go func() {
					defer q.background.Done()
					q.load(context.WithoutCancel(ctx), false, false)
				}()
			}
			return nil
		}
		q.logger.Warn().Str("key", q.key).Msgf("Cached value is %T, not the query type - reloading", entry.Data)
	}

	return q.load(ctx, true, false)
}

// Refresh bypasses the cache and issues its own request, never joining a
// revalidation already in flight, then rewrites the entry.
func (q *Query[T]) Refresh(ctx context.Context) error {
	return q.load(ctx, true, true)
}

// Unmount stops state updates and notifications. In-flight loads are not
// cancelled; their results still reach the cache.
func (q *Query[T]) Unmount() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mounted = false
}

// Wait blocks until background revalidations have finished.
func (q *Query[T]) Wait() {
	q.background.Wait()
}

func (q *Query[T]) setOptions() cache.SetOptions {
	return cache.SetOptions{
		TTL:                  q.opts.TTL,
		StaleWhileRevalidate: q.opts.StaleWhileRevalidate,
		Tags:                 q.opts.Tags,
	}
}

// load fetches through the store so concurrent loads of the key share one
// call and an older result never replaces a newer one. A forced load starts
// a new request instead of joining one in flight.
func (q *Query[T]) load(ctx context.Context, showLoading, force bool) error {
	q.mu.Lock()
	q.started++
	seq := q.started
	q.mu.Unlock()

	if showLoading {
		q.update(func(s *State[T]) { s.Loading = true })
	}

	fetch := q.store.Fetch
	if force {
		fetch = q.store.Refetch
	}
	v, err := fetch(ctx, q.key, q.setOptions(), func(ctx context.Context) (any, error) {
		return q.fetch(ctx)
	})

	var data T
	if err == nil {
		var ok bool
		if data, ok = coerce[T](v); !ok {
			err = fmt.Errorf("query %s: loaded value is %T", q.key, v)
		}
	}

	if err != nil {
		q.logger.Debug().Err(err).Str("key", q.key).Bool("background", !showLoading).Msg("Query load failed")
		q.settle(seq, func(s *State[T]) {
			s.Loading = false
			s.Error = err.Error()
		})
		return err
	}

	now := time.Now()
	q.settle(seq, func(s *State[T]) {
		s.Data = data
		s.HasData = true
		s.Loading = false
		s.Error = ""
		s.Stale = false
		s.UpdatedAt = now
	})
	return nil
}

// coerce adopts v as a T. Raw JSON entries, as written by the prefetcher,
// are decoded.
func coerce[T any](v any) (T, bool) {
	if data, ok := v.(T); ok {
		return data, true
	}
	var out T
	raw, ok := v.(json.RawMessage)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

// update applies fn while mounted and notifies outside the lock.
func (q *Query[T]) update(fn func(*State[T])) {
	q.apply(0, fn)
}

// settle applies the result of load seq unless a newer load already settled.
func (q *Query[T]) settle(seq uint64, fn func(*State[T])) {
	q.apply(seq, fn)
}

func (q *Query[T]) apply(seq uint64, fn func(*State[T])) {
	q.mu.Lock()
	if !q.mounted {
		q.mu.Unlock()
		return
	}
	if seq != 0 {
		if seq < q.settled {
			q.mu.Unlock()
			q.logger.Debug().Str("key", q.key).Msg("Discarded result of superseded load")
			return
		}
		q.settled = seq
	}
	fn(&q.state)
	snapshot := q.state
	q.mu.Unlock()

	if q.opts.OnChange != nil {
		q.opts.OnChange(snapshot)
	}
}
