package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/storefront-client/pkg/logging"
)

const (
	// DefaultTTL is used when SetOptions.TTL is zero.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = time.Minute

	// DefaultLoadTimeout bounds a shared load once it is detached from its callers.
	DefaultLoadTimeout = 30 * time.Second
)

// SetOptions controls how a value is stored.
type SetOptions struct {
	// TTL is the lifetime of the entry. Zero means DefaultTTL.
	TTL time.Duration

	// StaleWhileRevalidate is the fresh window. Zero means fresh until expiry.
	StaleWhileRevalidate time.Duration

	// Tags used by InvalidateByTags.
	Tags []string

	// Version, when non-zero, makes the write conditional: it is dropped if
	// the live entry carries a newer version. Obtain one from NextVersion
	// before the load starts.
	Version uint64
}

// Options configures a Store.
type Options struct {
	// DefaultTTL replaces the package DefaultTTL when non-zero.
	DefaultTTL time.Duration

	// SweepInterval is the period of the background sweep started by Start.
	SweepInterval time.Duration

	// LoadTimeout bounds a load run by Fetch. The load does not inherit the
	// cancellation of any one caller. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration

	// Now returns the current time. Tests replace it to move the clock.
	Now func() time.Time

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// Metrics is a point-in-time snapshot of store activity.
type Metrics struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Size    int    `json:"size"`
	HitRate string `json:"hitRate"`
}

// Store is an in-memory keyed cache with TTL, stale-while-revalidate and tags.
// It never returns errors: absence is the only failure signal.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	hits    uint64
	misses  uint64

	version atomic.Uint64
	group   singleflight.Group
	loads   map[uint64]*load

	defaultTTL    time.Duration
	sweepInterval time.Duration
	loadTimeout   time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	taskMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	s := &Store{
		entries:       make(map[string]*Entry),
		loads:         make(map[uint64]*load),
		defaultTTL:    opts.DefaultTTL,
		sweepInterval: opts.SweepInterval,
		loadTimeout:   opts.LoadTimeout,
		now:           opts.Now,
		logger:        logging.NewLogger(logging.ComponentCache),
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	if s.loadTimeout <= 0 {
		s.loadTimeout = DefaultLoadTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	return s
}

// Get returns the value for key while it has not expired.
// An expired entry is evicted and reported as absent.
func (s *Store) Get(key string) (any, bool) {
	entry, freshness := s.Lookup(key)
	if freshness == Absent {
		return nil, false
	}
	return entry.Data, true
}

// Lookup returns a copy of the entry for key and its freshness.
// It counts as one access for the hit/miss metrics.
func (s *Store) Lookup(key string) (Entry, Freshness) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		CacheMisses.Inc()
		return Entry{}, Absent
	}

	freshness := entry.Freshness(now)
	if freshness == Absent {
		delete(s.entries, key)
		s.misses++
		CacheMisses.Inc()
		CacheEvictions.WithLabelValues("expired").Inc()
		CacheEntries.Dec()
		s.logger.Debug().Str("key", key).Msg("Cache entry expired on read")
		return Entry{}, Absent
	}

	s.hits++
	CacheHits.WithLabelValues(freshness.String()).Inc()
	return *entry, freshness
}

// IsStale reports whether key is inside its stale-while-revalidate window.
// It does not count as an access.
func (s *Store) IsStale(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	return entry.IsStale(s.now())
}

// NextVersion returns a new, strictly increasing write stamp.
func (s *Store) NextVersion() uint64 {
	return s.version.Add(1)
}

// Set stores data under key. Unversioned writes always win. A versioned
// write is dropped, and Set returns false, when the live entry is newer.
func (s *Store) Set(key string, data any, opts SetOptions) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, data, opts)
}

// setLocked must be called with s.mu held.
func (s *Store) setLocked(key string, data any, opts SetOptions) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	version := opts.Version
	if version == 0 {
		version = s.NextVersion()
	} else if current, ok := s.entries[key]; ok && !current.IsExpired(now) && current.Version > version {
		CacheRejectedWrites.Inc()
		s.logger.Debug().
			Str("key", key).
			Uint64("version", version).
			Uint64("current_version", current.Version).
			Msg("Rejected out-of-order cache write")
		return false
	}

	tags := make([]string, len(opts.Tags))
	copy(tags, opts.Tags)

	if _, ok := s.entries[key]; !ok {
		CacheEntries.Inc()
	}
	s.entries[key] = &Entry{
		Data:                 data,
		Timestamp:            now,
		Expires:              now.Add(ttl),
		Tags:                 tags,
		StaleWhileRevalidate: opts.StaleWhileRevalidate,
		Version:              version,
	}

	s.logger.Debug().
		Str("key", key).
		Strs("tags", tags).
		Dur("ttl", ttl).
		Msg("Cached value")

	return true
}

// Delete removes key. Returns 1 if an entry was removed, else 0.
// A Fetch of key already in flight will not store its result.
func (s *Store) Delete(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLoads(func(l *load) bool { return l.key == key })

	if _, ok := s.entries[key]; !ok {
		return 0
	}
	delete(s.entries, key)
	s.evicted("delete", 1)
	return 1
}

// DeletePattern removes every key containing substr and returns the count.
func (s *Store) DeletePattern(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLoads(func(l *load) bool { return strings.Contains(l.key, substr) })

	removed := 0
	for key := range s.entries {
		if strings.Contains(key, substr) {
			delete(s.entries, key)
			removed++
		}
	}
	s.evicted("pattern", removed)
	return removed
}

// InvalidateByTags removes every entry carrying at least one of tags.
// In-flight Fetch loads tagged with any of them will not store their result.
func (s *Store) InvalidateByTags(tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLoads(func(l *load) bool {
		for _, t := range l.tags {
			for _, want := range tags {
				if t == want {
					return true
				}
			}
		}
		return false
	})

	removed := 0
	for key, entry := range s.entries {
		if entry.HasTag(tags...) {
			delete(s.entries, key)
			removed++
		}
	}
	s.evicted("tags", removed)

	s.logger.Debug().Strs("tags", tags).Int("removed", removed).Msg("Invalidated by tags")
	return removed
}

// Cleanup evicts every expired entry and returns the count.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if entry.IsExpired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	s.evicted("sweep", removed)
	return removed
}

// Clear removes every entry and resets the hit/miss counters.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLoads(func(*load) bool { return true })
	s.evicted("clear", len(s.entries))
	s.entries = make(map[string]*Entry)
	s.hits = 0
	s.misses = 0
}

// Keys returns the keys currently held, expired or not.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// GetMetrics returns hits, misses, size and the formatted hit rate.
func (s *Store) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Metrics{
		Hits:    s.hits,
		Misses:  s.misses,
		Size:    len(s.entries),
		HitRate: formatHitRate(s.hits, s.misses),
	}
}

func formatHitRate(hits, misses uint64) string {
	total := hits + misses
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(hits)/float64(total)*100)
}

// evicted must be called with s.mu held.
func (s *Store) evicted(reason string, n int) {
	if n == 0 {
		return
	}
	CacheEvictions.WithLabelValues(reason).Add(float64(n))
	CacheEntries.Sub(float64(n))
}

// LoadFunc produces the value for a key.
type LoadFunc func(ctx context.Context) (any, error)

// load is a Fetch in flight. Invalidations that match it set cancelled so
// the result is returned to callers but never stored.
type load struct {
	key       string
	tags      []string
	cancelled bool
}

// cancelLoads must be called with s.mu held.
func (s *Store) cancelLoads(match func(*load) bool) {
	for _, l := range s.loads {
		if !l.cancelled && match(l) {
			l.cancelled = true
		}
	}
}

// Fetch loads key with fn and stores the result, sharing one load among
// concurrent callers of the same key.
//
// The write is stamped with a version taken before fn runs, so a slow load
// never overwrites an entry written after it started. A Delete, DeletePattern,
// InvalidateByTags or Clear that matches the load while it runs also keeps
// its result out of the cache.
//
// fn runs detached from the cancellation of any single caller and is bounded
// by Options.LoadTimeout instead. Each caller stops waiting when its own ctx
// is done. The cache is not consulted first; callers decide when a load is
// needed.
func (s *Store) Fetch(ctx context.Context, key string, opts SetOptions, fn LoadFunc) (any, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		return s.runLoad(ctx, key, opts, fn)
	})

	select {
	case r := <-ch:
		if r.Shared {
			CacheSharedFetches.Inc()
		}
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refetch is Fetch without joining a load already in flight for key. The
// new load gets a newer version, so whichever load finishes last, the
// cache ends up holding the result of this one.
func (s *Store) Refetch(ctx context.Context, key string, opts SetOptions, fn LoadFunc) (any, error) {
	s.group.Forget(key)
	return s.Fetch(ctx, key, opts, fn)
}

func (s *Store) runLoad(ctx context.Context, key string, opts SetOptions, fn LoadFunc) (any, error) {
	s.mu.Lock()
	version := s.NextVersion()
	l := &load{key: key, tags: opts.Tags}
	s.loads[version] = l
	s.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
	defer cancel()

	data, err := fn(loadCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loads, version)

	if err != nil {
		return nil, err
	}
	if l.cancelled {
		CacheRejectedWrites.Inc()
		s.logger.Debug().Str("key", key).Msg("Dropped load invalidated while in flight")
		return data, nil
	}

	o := opts
	o.Version = version
	s.setLocked(key, data, o)
	return data, nil
}

// Start runs the periodic sweep until Stop is called or ctx is done.
// Calling Start on a running store is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.sweep(ctx, s.stop, s.done)
}

// Stop halts the sweep started by Start and waits for it to exit.
func (s *Store) Stop() {
	s.taskMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.taskMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Store) sweep(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if removed := s.Cleanup(); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("Cache sweep evicted expired entries")
			}
		}
	}
}
