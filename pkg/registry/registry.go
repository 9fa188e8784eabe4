// Package registry owns one storefront session's shared state: the HTTP
// client and cookie jar, the CSRF token manager, the cache store, the rate
// limit tracker and the API clients. Registries are independent of each
// other, so tests and multi-tenant processes can hold several.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"

	"github.com/Sternrassler/storefront-client/pkg/cache"
	"github.com/Sternrassler/storefront-client/pkg/client"
	"github.com/Sternrassler/storefront-client/pkg/config"
	"github.com/Sternrassler/storefront-client/pkg/csrf"
	"github.com/Sternrassler/storefront-client/pkg/logging"
	"github.com/Sternrassler/storefront-client/pkg/ratelimit"
)

// Config describes a registry.
type Config struct {
	// BaseURL is the storefront origin. Required.
	BaseURL   string
	UserAgent string

	// Request holds the default request options. Zero means client defaults.
	Request *client.RequestOptions

	// RespectRateLimit fails requests locally while the budget is exhausted.
	RespectRateLimit bool

	// Cache configures the cache store.
	Cache cache.Options

	// TokenStaleAfter and TokenCheckInterval drive the token refresh task.
	TokenStaleAfter    time.Duration
	TokenCheckInterval time.Duration

	// Redis, when set, backs the rate limit tracker and is closed by Dispose.
	Redis *redis.Client

	// ClearTokenOnDispose invalidates the CSRF token on Dispose (logout).
	ClearTokenOnDispose bool

	// Transport is used by the shared HTTP client. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	TracerProvider trace.TracerProvider

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// FromConfig maps environment configuration onto a registry Config.
// A REDIS_URL becomes a client that Dispose closes.
func FromConfig(c config.Config) (Config, error) {
	req := client.RequestOptions{
		Timeout:        c.Timeout,
		Retries:        c.Retries,
		RetryDelay:     c.RetryDelay,
		RateLimitRetry: c.RateLimitRetry,
		MaxRetryWait:   c.MaxRetryWait,
	}

	cfg := Config{
		BaseURL:          c.BaseURL,
		UserAgent:        c.UserAgent,
		Request:          &req,
		RespectRateLimit: c.RespectRateLimit,
		Cache: cache.Options{
			DefaultTTL:    c.CacheTTL,
			SweepInterval: c.CacheSweep,
			LoadTimeout:   c.CacheLoad,
		},
		TokenStaleAfter:    c.TokenStaleAfter,
		TokenCheckInterval: c.TokenCheckInterval,
	}

	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return Config{}, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		cfg.Redis = redis.NewClient(opts)
	}

	return cfg, nil
}

// Registry is the constructible owner of a session's shared pieces.
type Registry struct {
	HTTP      *http.Client
	Tokens    *csrf.Manager
	Cache     *cache.Store
	Tracker   *ratelimit.Tracker
	Client    *client.Client
	Versioned *client.Client

	redis               *redis.Client
	clearTokenOnDispose bool
	logger              zerolog.Logger

	mu       sync.Mutex
	started  bool
	disposed bool
}

// Create builds a registry. Nothing touches the network until Start.
func Create(cfg Config) (*Registry, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	logger := logging.NewLogger(logging.ComponentRegistry)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	httpClient := &http.Client{Jar: jar, Transport: cfg.Transport}

	tokens, err := csrf.NewManager(csrf.Config{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    httpClient,
		StaleAfter:    cfg.TokenStaleAfter,
		CheckInterval: cfg.TokenCheckInterval,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create token manager: %w", err)
	}

	cacheOpts := cfg.Cache
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = cfg.Logger
	}
	store := cache.NewStore(cacheOpts)

	var backend ratelimit.Backend
	if cfg.Redis != nil {
		backend = ratelimit.NewRedisBackend(cfg.Redis)
	}
	trackerLogger := logging.NewLogger(logging.ComponentRateLimit)
	if cfg.Logger != nil {
		trackerLogger = *cfg.Logger
	}
	tracker := ratelimit.NewTracker(backend, trackerLogger)

	apiClient, err := client.New(client.Config{
		BaseURL:          cfg.BaseURL,
		UserAgent:        cfg.UserAgent,
		HTTPClient:       httpClient,
		Tokens:           tokens,
		Tracker:          tracker,
		RespectRateLimit: cfg.RespectRateLimit,
		Defaults:         cfg.Request,
		TracerProvider:   cfg.TracerProvider,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Registry{
		HTTP:                httpClient,
		Tokens:              tokens,
		Cache:               store,
		Tracker:             tracker,
		Client:              apiClient,
		Versioned:           apiClient.Versioned(),
		redis:               cfg.Redis,
		clearTokenOnDispose: cfg.ClearTokenOnDispose,
		logger:              logger,
	}, nil
}

// Start initializes the CSRF token, then starts the token staleness task and
// the cache sweep. A failed token fetch is returned but the tasks still run,
// so the next staleness check or RefreshToken can recover.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return fmt.Errorf("registry disposed")
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if r.redis != nil {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			r.logger.Error().Err(err).Msg("Redis unavailable - rate limit state will not be shared")
		}
	}

	initErr := r.Tokens.Initialize(ctx)
	if initErr != nil {
		r.logger.Warn().Err(initErr).Msg("CSRF token initialization failed")
	}

	r.Tokens.Start(ctx)
	r.Cache.Start(ctx)

	r.logger.Info().Str("status", r.Tokens.State().Status.String()).Msg("Registry started")
	return initErr
}

// Dispose stops the background tasks, clears the token when configured, and
// closes Redis. It is safe to call more than once.
func (r *Registry) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	r.mu.Unlock()

	r.Tokens.Stop()
	r.Cache.Stop()

	if r.clearTokenOnDispose {
		r.Tokens.ClearToken(ctx)
	}

	var errs []error
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	r.logger.Info().Msg("Registry disposed")
	return errors.Join(errs...)
}
