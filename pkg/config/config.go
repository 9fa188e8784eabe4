// Package config loads storefront client settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven configuration shared by the library
// registry and the proxy.
type Config struct {
	BaseURL   string `env:"STOREFRONT_BASE_URL" envDefault:"http://localhost:3000"`
	UserAgent string `env:"STOREFRONT_USER_AGENT" envDefault:"storefront-client/0.1.0"`

	// Request defaults.
	Timeout          time.Duration `env:"STOREFRONT_TIMEOUT" envDefault:"10s"`
	Retries          int           `env:"STOREFRONT_RETRIES" envDefault:"2"`
	RetryDelay       time.Duration `env:"STOREFRONT_RETRY_DELAY" envDefault:"1s"`
	MaxRetryWait     time.Duration `env:"STOREFRONT_MAX_RETRY_WAIT" envDefault:"60s"`
	RateLimitRetry   bool          `env:"STOREFRONT_RATE_LIMIT_RETRY" envDefault:"true"`
	RespectRateLimit bool          `env:"STOREFRONT_RESPECT_RATE_LIMIT" envDefault:"false"`

	// Cache.
	CacheTTL   time.Duration `env:"STOREFRONT_CACHE_TTL" envDefault:"5m"`
	CacheSWR   time.Duration `env:"STOREFRONT_CACHE_SWR" envDefault:"0s"`
	CacheSweep time.Duration `env:"STOREFRONT_CACHE_SWEEP" envDefault:"1m"`
	CacheLoad  time.Duration `env:"STOREFRONT_CACHE_LOAD_TIMEOUT" envDefault:"30s"`

	// CSRF token lifecycle.
	TokenStaleAfter    time.Duration `env:"STOREFRONT_TOKEN_STALE_AFTER" envDefault:"23h"`
	TokenCheckInterval time.Duration `env:"STOREFRONT_TOKEN_CHECK_INTERVAL" envDefault:"5m"`

	// RedisURL enables the shared rate limit backend, e.g. "redis://localhost:6379/0".
	RedisURL string `env:"REDIS_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	// Proxy.
	Port            string   `env:"PORT" envDefault:"8080"`
	WarmPaths       []string `env:"STOREFRONT_WARM_PATHS" envSeparator:","`
	WarmConcurrency int      `env:"STOREFRONT_WARM_CONCURRENCY" envDefault:"4"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.WarmPaths = trimPaths(cfg.WarmPaths)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot produce a working client.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("STOREFRONT_BASE_URL must be an absolute URL (got %q)", c.BaseURL)
	}
	if c.Retries < 0 {
		return fmt.Errorf("STOREFRONT_RETRIES must be >= 0 (got %d)", c.Retries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("STOREFRONT_TIMEOUT must be > 0 (got %s)", c.Timeout)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("STOREFRONT_RETRY_DELAY must be >= 0 (got %s)", c.RetryDelay)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("STOREFRONT_CACHE_TTL must be > 0 (got %s)", c.CacheTTL)
	}
	if c.CacheSWR < 0 || c.CacheSWR > c.CacheTTL {
		return fmt.Errorf("STOREFRONT_CACHE_SWR must be within [0, STOREFRONT_CACHE_TTL] (got %s)", c.CacheSWR)
	}
	if c.WarmConcurrency < 1 {
		return fmt.Errorf("STOREFRONT_WARM_CONCURRENCY must be >= 1 (got %d)", c.WarmConcurrency)
	}
	return nil
}

func trimPaths(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
