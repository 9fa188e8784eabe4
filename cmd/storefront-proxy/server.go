package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-client/pkg/cache"
	"github.com/Sternrassler/storefront-client/pkg/client"
	"github.com/Sternrassler/storefront-client/pkg/metrics"
	"github.com/Sternrassler/storefront-client/pkg/prefetch"
	"github.com/Sternrassler/storefront-client/pkg/registry"
)

// Cache status reported in the X-Cache response header.
const (
	cacheHit   = "HIT"
	cacheStale = "STALE"
	cacheMiss  = "MISS"
)

type server struct {
	reg       *registry.Registry
	cacheOpts cache.SetOptions
	logger    zerolog.Logger
}

func newServer(reg *registry.Registry, cacheOpts cache.SetOptions, logger zerolog.Logger) *server {
	return &server{reg: reg, cacheOpts: cacheOpts, logger: logger}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /catalog/{path...}", s.catalogHandler)
	mux.HandleFunc("POST /cache/invalidate", s.invalidateHandler)
	mux.HandleFunc("GET /cache/stats", s.statsHandler)
	mux.HandleFunc("GET /ratelimit", s.rateLimitHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports ready once a CSRF token is held.
func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.reg.Tokens.Token() == "" {
		http.Error(w, "CSRF token unavailable: "+s.reg.Tokens.State().Status.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// target builds the cache target for an API path relative to /api.
func (s *server) target(path string) prefetch.Target {
	return prefetch.JSONTarget(s.reg.Client, path, s.cacheOpts)
}

// catalogHandler serves GET /catalog/<path> from the cache, loading
// GET /api/<path> on a miss. A stale entry is served while a background
// load refreshes it.
func (s *server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	target := s.target(path)

	entry, freshness := s.reg.Cache.Lookup(target.Key)
	switch freshness {
	case cache.Fresh:
		s.writeData(w, entry.Data, cacheHit)
		return
	case cache.Stale:
		go s.revalidate(context.WithoutCancel(r.Context()), target)
		s.writeData(w, entry.Data, cacheStale)
		return
	}

	data, err := s.reg.Cache.Fetch(r.Context(), target.Key, target.Options, target.Load)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Catalog load failed")
		writeError(w, err)
		return
	}
	s.writeData(w, data, cacheMiss)
}

func (s *server) revalidate(ctx context.Context, target prefetch.Target) {
	if _, err := s.reg.Cache.Fetch(ctx, target.Key, target.Options, target.Load); err != nil {
		s.logger.Warn().Err(err).Str("key", target.Key).Msg("Background revalidation failed")
	}
}

func (s *server) writeData(w http.ResponseWriter, data any, status string) {
	w.Header().Set("X-Cache", status)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// invalidateHandler removes entries by tag, key or key substring.
func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var removed int
	switch {
	case q.Has("tag"):
		removed = s.reg.Cache.InvalidateByTags(q["tag"])
	case q.Has("key"):
		for _, key := range q["key"] {
			removed += s.reg.Cache.Delete(key)
		}
	case q.Has("pattern"):
		pattern := q.Get("pattern")
		if strings.TrimSpace(pattern) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "pattern must not be empty"})
			return
		}
		removed = s.reg.Cache.DeletePattern(pattern)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "one of tag, key or pattern is required"})
		return
	}

	s.logger.Info().Str("query", r.URL.RawQuery).Int("removed", removed).Msg("Cache invalidated")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Cache.GetMetrics())
}

func (s *server) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	state, err := s.reg.Tracker.GetState(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read rate limit state")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// writeError maps a client error onto the proxy response. Upstream statuses
// pass through; transport failures become 502.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := map[string]any{"success": false, "error": err.Error()}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == client.CodeTimeout:
			status = http.StatusGatewayTimeout
		case apiErr.Code == client.CodeNetwork, apiErr.Code == client.CodeInvalidResponse:
			status = http.StatusBadGateway
		case apiErr.Status >= 400:
			status = apiErr.Status
		}
		body["error"] = apiErr.Message
		if apiErr.Code != "" {
			body["code"] = apiErr.Code
		}
	}

	var rlErr *client.RateLimitError
	if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rlErr.RetryAfter))
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
