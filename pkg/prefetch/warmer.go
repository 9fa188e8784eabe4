package prefetch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/storefront-client/pkg/cache"
	"github.com/Sternrassler/storefront-client/pkg/client"
	"github.com/Sternrassler/storefront-client/pkg/logging"
)

var warmTargetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_prefetch_targets_total",
	Help: "Total cache warm targets by result",
}, []string{"result"})

// Config holds warmer configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel loads.
	MaxConcurrency int

	// Timeout bounds the wait for each target. The load itself is bounded by
	// the store's LoadTimeout.
	Timeout time.Duration

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Target is one cache entry to warm.
type Target struct {
	Key     string
	Load    cache.LoadFunc
	Options cache.SetOptions
}

// Report summarizes a warm run.
type Report struct {
	Loaded   int
	Failed   int
	Duration time.Duration

	// Errors maps failed keys to their load errors.
	Errors map[string]error
}

// Warmer loads targets into a cache store.
type Warmer struct {
	store  *cache.Store
	config Config
	logger zerolog.Logger
}

// NewWarmer creates a new warmer.
func NewWarmer(store *cache.Store, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	w := &Warmer{
		store:  store,
		config: config,
		logger: logging.NewLogger(logging.ComponentPrefetch),
	}
	if config.Logger != nil {
		w.logger = *config.Logger
	}
	return w
}

// Warm loads every target. A failing target is recorded and does not stop
// the others; cancelling ctx does.
func (w *Warmer) Warm(ctx context.Context, targets []Target) Report {
	start := time.Now()
	report := Report{Errors: make(map[string]error)}

	if len(targets) == 0 {
		return report
	}

	w.logger.Info().
		Int("targets", len(targets)).
		Int("concurrency", w.config.MaxConcurrency).
		Msg("Starting cache warm")

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.config.MaxConcurrency)

	for _, target := range targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Failed++
				report.Errors[target.Key] = ctx.Err()
				mu.Unlock()
				return nil
			}

			loadCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
			defer cancel()

			_, err := w.store.Fetch(loadCtx, target.Key, target.Options, target.Load)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors[target.Key] = err
				warmTargetsTotal.WithLabelValues("failed").Inc()
				w.logger.Warn().Err(err).Str("key", target.Key).Msg("Cache warm target failed")
				return nil
			}
			report.Loaded++
			warmTargetsTotal.WithLabelValues("loaded").Inc()
			return nil
		})
	}
	g.Wait()

	report.Duration = time.Since(start)

	w.logger.Info().
		Int("loaded", report.Loaded).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Cache warm complete")

	return report
}

// JSONTarget warms GET path on c. The entry holds the response's raw data
// under the key and tag NewJSON-style bindings use.
func JSONTarget(c *client.Client, path string, opts cache.SetOptions) Target {
	key := cache.KeyFromPath(c.Prefix(), path)
	if len(opts.Tags) == 0 {
		if tag := key.Tag(); tag != "" {
			opts.Tags = []string{tag}
		}
	}

	return Target{
		Key:     key.String(),
		Load:    JSONLoader(c, path),
		Options: opts,
	}
}

// JSONLoader returns a LoadFunc for GET path that yields the raw data.
func JSONLoader(c *client.Client, path string) cache.LoadFunc {
	return func(ctx context.Context) (any, error) {
		resp, err := c.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		return client.Decode[json.RawMessage](resp)
	}
}
