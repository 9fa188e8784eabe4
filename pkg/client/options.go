package client

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RequestOptions controls a single call.
type RequestOptions struct {
	// Timeout bounds each attempt. Ignored when the caller's context already
	// carries a deadline.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first.
	Retries int

	// RetryDelay is the base of the exponential backoff: attempt n waits
	// RetryDelay * 2^n.
	RetryDelay time.Duration

	// SkipCSRF omits the X-CSRF-Token header on mutating verbs.
	SkipCSRF bool

	// RateLimitRetry waits out a 429's Retry-After instead of failing.
	RateLimitRetry bool

	// MaxRetryWait caps a rate limit wait.
	MaxRetryWait time.Duration

	// Header is merged into the request headers, replacing defaults.
	Header http.Header

	// Query is merged into the request URL's query.
	Query url.Values
}

// DefaultRequestOptions returns the defaults used when a Client is built
// without explicit ones.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:        10 * time.Second,
		Retries:        2,
		RetryDelay:     time.Second,
		RateLimitRetry: true,
		MaxRetryWait:   60 * time.Second,
	}
}

// Validate reports options that cannot produce a request.
func (o RequestOptions) Validate() error {
	if o.Retries < 0 {
		return fmt.Errorf("retries must be >= 0 (got %d)", o.Retries)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0 (got %s)", o.Timeout)
	}
	if o.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be >= 0 (got %s)", o.RetryDelay)
	}
	return nil
}

// clone copies o so per-call options never alias the client defaults.
func (o RequestOptions) clone() RequestOptions {
	out := o
	if o.Header != nil {
		out.Header = o.Header.Clone()
	}
	if o.Query != nil {
		out.Query = make(url.Values, len(o.Query))
		for k, v := range o.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Option adjusts RequestOptions for one call.
type Option func(*RequestOptions)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *RequestOptions) { o.Timeout = d }
}

// WithRetries sets the number of extra attempts.
func WithRetries(n int) Option {
	return func(o *RequestOptions) { o.Retries = n }
}

// WithRetryDelay sets the backoff base.
func WithRetryDelay(d time.Duration) Option {
	return func(o *RequestOptions) { o.RetryDelay = d }
}

// WithMaxRetryWait caps rate limit waits.
func WithMaxRetryWait(d time.Duration) Option {
	return func(o *RequestOptions) { o.MaxRetryWait = d }
}

// WithoutRateLimitRetry returns 429s immediately.
func WithoutRateLimitRetry() Option {
	return func(o *RequestOptions) { o.RateLimitRetry = false }
}

// SkipCSRF omits the CSRF header, e.g. for login before a session exists.
func SkipCSRF() Option {
	return func(o *RequestOptions) { o.SkipCSRF = true }
}

// WithHeader sets a request header.
func WithHeader(key, value string) Option {
	return func(o *RequestOptions) {
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Set(key, value)
	}
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) Option {
	return func(o *RequestOptions) {
		if o.Query == nil {
			o.Query = make(url.Values)
		}
		o.Query.Add(key, value)
	}
}

// WithOptions replaces every option at once.
func WithOptions(opts RequestOptions) Option {
	return func(o *RequestOptions) { *o = opts.clone() }
}
