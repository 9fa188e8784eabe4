// Package client provides the storefront HTTP client: a request executor
// with per-attempt timeouts, CSRF headers for mutating verbs, failure
// classification and retries, plus the verb facade built on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/storefront-client/pkg/csrf"
	"github.com/Sternrassler/storefront-client/pkg/logging"
	"github.com/Sternrassler/storefront-client/pkg/ratelimit"
)

// Prometheus metrics for storefront client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_requests_total",
		Help: "Total storefront HTTP attempts by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_request_duration_seconds",
		Help:    "Storefront call duration in seconds, retries included, by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_errors_total",
		Help: "Total failed storefront attempts by error class",
	}, []string{"class"})
)

const (
	// APIPrefix is the path prefix of the storefront API.
	APIPrefix = "/api"

	// VersionedPrefix is the path prefix of the versioned API.
	VersionedPrefix = "/api/v1"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 10 << 20

	tracerName = "github.com/Sternrassler/storefront-client/pkg/client"
)

// TokenSource supplies the CSRF token for mutating requests.
// *csrf.Manager implements it.
type TokenSource interface {
	Token() string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the storefront origin, e.g. "https://shop.example.com". Required.
	BaseURL string

	// Prefix is prepended to every path. Defaults to APIPrefix.
	Prefix string

	// UserAgent is sent on every request when set.
	UserAgent string

	// HTTPClient performs requests. Share its Jar with the csrf.Manager.
	HTTPClient *http.Client

	// Tokens supplies X-CSRF-Token for POST, PUT, PATCH and DELETE.
	Tokens TokenSource

	// Tracker receives every response's rate limit headers.
	Tracker *ratelimit.Tracker

	// RespectRateLimit fails requests locally while Tracker reports the
	// budget exhausted.
	RespectRateLimit bool

	// Defaults replaces DefaultRequestOptions when set.
	Defaults *RequestOptions

	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with default request options.
func DefaultConfig(baseURL string) Config {
	defaults := DefaultRequestOptions()
	return Config{
		BaseURL:   baseURL,
		Prefix:    APIPrefix,
		UserAgent: "storefront-client/0.1.0",
		Defaults:  &defaults,
	}
}

// executor is shared by a Client and its Versioned sibling.
type executor struct {
	baseURL          *url.URL
	http             *http.Client
	tokens           TokenSource
	tracker          *ratelimit.Tracker
	respectRateLimit bool
	userAgent        string
	defaults         RequestOptions
	tracer           trace.Tracer
	logger           zerolog.Logger
	sleep            func(ctx context.Context, d time.Duration) error
}

// Client is the storefront API client.
type Client struct {
	exec   *executor
	prefix string
}

// New creates a new storefront client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}

	defaults := DefaultRequestOptions()
	if cfg.Defaults != nil {
		defaults = cfg.Defaults.clone()
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default request options: %w", err)
	}

	if cfg.RespectRateLimit && cfg.Tracker == nil {
		return nil, fmt.Errorf("respect_rate_limit requires a tracker")
	}

	exec := &executor{
		baseURL:          base,
		http:             cfg.HTTPClient,
		tokens:           cfg.Tokens,
		tracker:          cfg.Tracker,
		respectRateLimit: cfg.RespectRateLimit,
		userAgent:        cfg.UserAgent,
		defaults:         defaults,
		logger:           logging.NewLogger(logging.ComponentExecutor),
		sleep:            sleepContext,
	}
	if exec.http == nil {
		exec.http = &http.Client{}
	}
	if cfg.Logger != nil {
		exec.logger = *cfg.Logger
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	exec.tracer = tp.Tracer(tracerName)

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = APIPrefix
	}

	return &Client{exec: exec, prefix: normalizePrefix(prefix)}, nil
}

func normalizePrefix(prefix string) string {
	return "/" + strings.Trim(prefix, "/")
}

// Prefix returns the path prefix this client resolves paths against.
func (c *Client) Prefix() string {
	return c.prefix
}

// Defaults returns a copy of the default request options.
func (c *Client) Defaults() RequestOptions {
	return c.exec.defaults.clone()
}

// Do performs one logical call: up to 1+Retries attempts, run one after
// another. A 2xx yields the decoded envelope; anything else a typed error
// (*APIError, *CSRFError or *RateLimitError), or the context's error when
// the caller cancels.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...Option) (*APIResponse, error) {
	o := c.exec.defaults.clone()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request options: %w", err)
	}

	target, err := c.exec.resolve(c.prefix, path, o.Query)
	if err != nil {
		return nil, err
	}

	p, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	return c.exec.do(ctx, method, target, p, o)
}

func (e *executor) do(ctx context.Context, method string, target *url.URL, p *payload, o RequestOptions) (_ *APIResponse, err error) {
	ctx, span := e.tracer.Start(ctx, "storefront "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", target.Path),
			attribute.Int("storefront.retries", o.Retries),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	if e.respectRateLimit {
		if f := e.checkBudget(ctx, method, target.Path); f != nil {
			errorsTotal.WithLabelValues(string(f.class)).Inc()
			return nil, f.err
		}
	}

	for attempt := 0; ; attempt++ {
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))

		resp, f := e.attempt(ctx, method, target, p, o)
		if f == nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
			if attempt > 0 {
				e.logger.Info().
					Str("method", method).
					Str("path", target.Path).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if f.kind == failCancelled {
			e.logger.Debug().
				Str("method", method).
				Str("path", target.Path).
				Int("attempt", attempt).
				Msg("Request cancelled by caller")
			return nil, f.err
		}

		errorsTotal.WithLabelValues(string(f.class)).Inc()

		wait, retry := f.retryWait(attempt, o)
		if !retry {
			return nil, f.err
		}

		if attempt >= o.Retries {
			retryExhaustedTotal.WithLabelValues(string(f.class)).Inc()
			e.logger.Error().
				Err(f.err).
				Str("method", method).
				Str("path", target.Path).
				Str("error_class", string(f.class)).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return nil, f.err
		}

		retriesTotal.WithLabelValues(string(f.class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(f.class)).Observe(wait.Seconds())
		e.logger.Warn().
			Err(f.err).
			Str("method", method).
			Str("path", target.Path).
			Str("error_class", string(f.class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// attempt performs a single HTTP exchange.
func (e *executor) attempt(ctx context.Context, method string, target *url.URL, p *payload, o RequestOptions) (*APIResponse, *failure) {
	attemptCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, target.String(), p.reader())
	if err != nil {
		return nil, &failure{
			kind:  failTerminal,
			class: ErrorClassClient,
			err:   fmt.Errorf("create request: %w", err),
		}
	}
	e.prepareHeaders(req, p, o)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, e.transportFailure(ctx, attemptCtx, o.Timeout, method, target.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, e.transportFailure(ctx, attemptCtx, o.Timeout, method, target.Path, err)
	}

	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if e.tracker != nil {
		if err := e.tracker.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return decodeSuccess(resp.StatusCode, body)
	}

	f := classifyResponse(resp.StatusCode, resp.Header, body)
	e.logger.Warn().
		Str("method", method).
		Str("path", target.Path).
		Int("status", resp.StatusCode).
		Str("error_class", string(f.class)).
		Msg("Storefront request error")
	return nil, f
}

// transportFailure tells caller cancellation, attempt timeouts and network
// errors apart.
func (e *executor) transportFailure(ctx, attemptCtx context.Context, timeout time.Duration, method, path string, err error) *failure {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &failure{kind: failCancelled, class: ErrorClassNetwork, err: ctxErr}
	}

	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		e.logger.Warn().Str("method", method).Str("path", path).Dur("timeout", timeout).Msg("Storefront request timed out")
		return timeoutFailure(timeout, err)
	}

	e.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("HTTP request failed")
	return networkFailure(err)
}

// checkBudget fails fast while the tracked rate limit budget is exhausted.
func (e *executor) checkBudget(ctx context.Context, method, path string) *failure {
	allowed, wait, err := e.tracker.ShouldAllowRequest(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Rate limit check failed - sending request anyway")
		return nil
	}
	if allowed {
		return nil
	}

	var limit int
	var reset int64
	if state, err := e.tracker.GetState(ctx); err == nil {
		limit = state.Limit
		if !state.ResetAt.IsZero() {
			reset = state.ResetAt.Unix()
		}
	}

	e.logger.Warn().
		Str("method", method).
		Str("path", path).
		Dur("wait_duration", wait).
		Msg("Request blocked by rate limiter")

	rlErr := &RateLimitError{
		APIError: APIError{
			Status:  http.StatusTooManyRequests,
			Code:    CodeRateLimited,
			Message: "rate limit budget exhausted, request not sent",
		},
		RetryAfter: int(math.Ceil(wait.Seconds())),
		Limit:      limit,
		ResetTime:  reset,
	}
	return &failure{kind: failRateLimit, class: ErrorClassRateLimit, err: rlErr, rateLimit: rlErr}
}

// prepareHeaders sets content negotiation, caller headers and, for mutating
// verbs, the CSRF token.
func (e *executor) prepareHeaders(req *http.Request, p *payload, o RequestOptions) {
	req.Header.Set("Accept", "application/json")
	if p != nil && p.multipart {
		req.Header.Set("Content-Type", p.contentType)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	for key, values := range o.Header {
		req.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}

	if !isMutating(req.Method) || o.SkipCSRF || req.Header.Get(csrf.HeaderName) != "" {
		return
	}

	var token string
	if e.tokens != nil {
		token = e.tokens.Token()
	}
	if token == "" {
		e.logger.Warn().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Msg("No CSRF token available for mutating request")
		return
	}
	req.Header.Set(csrf.HeaderName, token)
	e.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("Attached CSRF token")
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// resolve joins the base URL, prefix and path, and merges query values.
func (e *executor) resolve(prefix, path string, query url.Values) (*url.URL, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	if rel.Scheme != "" || rel.Host != "" {
		return nil, fmt.Errorf("path %q must be relative to %s", path, prefix)
	}

	u := *e.baseURL
	u.Path = strings.TrimRight(e.baseURL.Path, "/") + prefix + "/" + strings.TrimLeft(rel.Path, "/")
	u.RawPath = ""
	u.Fragment = ""

	q := rel.Query()
	for key, values := range query {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()

	return &u, nil
}
