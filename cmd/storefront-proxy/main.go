// Command storefront-proxy serves a cached, rate-limit aware view of a
// storefront API. It is configured from the environment (see pkg/config).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-client/pkg/cache"
	"github.com/Sternrassler/storefront-client/pkg/config"
	"github.com/Sternrassler/storefront-client/pkg/logging"
	"github.com/Sternrassler/storefront-client/pkg/prefetch"
	"github.com/Sternrassler/storefront-client/pkg/registry"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		logger := logging.NewLogger(logging.ComponentProxy)
		logger.Error().Err(err).Msg("Invalid configuration")
		return err
	}

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "storefront-proxy",
	})
	logger := logging.NewLogger(logging.ComponentProxy)

	regCfg, err := registry.FromConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid registry configuration")
		return err
	}
	reg, err := registry.Create(regCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create registry")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reg.Start(ctx); err != nil {
		// The staleness task retries; reads do not need a token.
		logger.Warn().Err(err).Msg("Started without a CSRF token")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Dispose(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Registry dispose failed")
		}
	}()

	srv := newServer(reg, cache.SetOptions{
		TTL:                  cfg.CacheTTL,
		StaleWhileRevalidate: cfg.CacheSWR,
	}, logger)

	if len(cfg.WarmPaths) > 0 {
		go warm(ctx, srv, cfg, logger)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("base_url", cfg.BaseURL).
			Str("user_agent", cfg.UserAgent).
			Bool("redis", cfg.RedisURL != "").
			Msg("Starting storefront proxy")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down storefront proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Graceful shutdown failed")
			return err
		}
	}
	return nil
}

// warm loads the configured catalog paths into the cache.
func warm(ctx context.Context, s *server, cfg config.Config, logger zerolog.Logger) {
	targets := make([]prefetch.Target, 0, len(cfg.WarmPaths))
	for _, path := range cfg.WarmPaths {
		targets = append(targets, s.target(path))
	}

	report := prefetch.NewWarmer(s.reg.Cache, prefetch.Config{
		MaxConcurrency: cfg.WarmConcurrency,
		Timeout:        cfg.Timeout,
	}).Warm(ctx, targets)

	if report.Failed > 0 {
		logger.Warn().Int("failed", report.Failed).Int("loaded", report.Loaded).Msg("Cache warm incomplete")
	}
}
