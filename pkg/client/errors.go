package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/storefront-client/pkg/ratelimit"
)

// Error codes set by the storefront or by the client itself.
const (
	CodeCSRFInvalid     = "CSRF_TOKEN_INVALID"
	CodeInvalidOrigin   = "INVALID_ORIGIN"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTimeout         = "TIMEOUT"
	CodeNetwork         = "NETWORK_ERROR"
	CodeInvalidResponse = "INVALID_RESPONSE"
)

// Common errors returned by the client.
var (
	// ErrNoData is returned by Decode when the response carries no data.
	ErrNoData = errors.New("response has no data")

	// ErrUnsuccessful is returned by Decode for a response with success=false.
	ErrUnsuccessful = errors.New("response reported failure")
)

// ErrorClass labels a failure for logs and metrics.
type ErrorClass string

const (
	// ErrorClassClient represents terminal 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx and other retryable statuses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and local budget blocks.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassCSRF represents a rejected CSRF token or origin.
	ErrorClassCSRF ErrorClass = "csrf"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is a non-2xx response or a transport failure.
// Status is 0 for transport failures and 408 for timeouts.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
	Err     error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Status > 0 {
		return fmt.Sprintf("storefront api error (status %d): %s", e.Status, msg)
	}
	return fmt.Sprintf("storefront api error: %s", msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// CSRFError is a 403 caused by a missing, invalid or foreign-origin token.
// Retrying cannot fix it; the token has to be refreshed first.
type CSRFError struct {
	APIError
}

// Error implements the error interface.
func (e *CSRFError) Error() string {
	return "csrf rejected: " + e.APIError.Error()
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *CSRFError) Unwrap() error {
	return &e.APIError
}

// RateLimitError is a 429 response, or a request held back locally because
// the tracked budget was exhausted.
type RateLimitError struct {
	APIError

	// RetryAfter is the server's Retry-After in seconds (default 60).
	RetryAfter int

	// Limit, Remaining and ResetTime mirror the X-RateLimit-* headers, 0 when absent.
	Limit     int
	Remaining int
	ResetTime int64
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", e.APIError.Error(), e.RetryAfter)
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *RateLimitError) Unwrap() error {
	return &e.APIError
}

// failureKind is the closed set of outcomes a failed attempt can have.
type failureKind int

const (
	failRetryable failureKind = iota
	failTerminal
	failCSRF
	failRateLimit
	failCancelled
)

// failure is a failed attempt, classified once.
type failure struct {
	kind  failureKind
	class ErrorClass
	err   error

	rateLimit *RateLimitError
}

// retryWait reports how long to wait before the next attempt, or false when
// the failure must be returned as is.
func (f *failure) retryWait(attempt int, opts RequestOptions) (time.Duration, bool) {
	switch f.kind {
	case failRetryable:
		return backoff(opts.RetryDelay, attempt), true
	case failRateLimit:
		if !opts.RateLimitRetry {
			return 0, false
		}
		return rateLimitWait(f.rateLimit.RetryAfter, opts.MaxRetryWait), true
	default:
		return 0, false
	}
}

// errorBody is the storefront's error envelope.
type errorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details"`
}

// terminalStatus lists the statuses retrying cannot fix.
func terminalStatus(status int) bool {
	switch status {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// classifyResponse decodes a non-2xx response into a failure.
func classifyResponse(status int, header http.Header, body []byte) *failure {
	apiErr := APIError{
		Status:  status,
		Message: fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
	}

	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error != "":
			apiErr.Message = envelope.Error
		case envelope.Message != "":
			apiErr.Message = envelope.Message
		}
		apiErr.Code = envelope.Code
		apiErr.Details = envelope.Details
	}

	switch {
	case status == http.StatusForbidden && (apiErr.Code == CodeCSRFInvalid || apiErr.Code == CodeInvalidOrigin):
		return &failure{kind: failCSRF, class: ErrorClassCSRF, err: &CSRFError{APIError: apiErr}}

	case status == http.StatusTooManyRequests:
		h := ratelimit.ParseHeaders(header)
		if apiErr.Code == "" {
			apiErr.Code = CodeRateLimited
		}
		rlErr := &RateLimitError{
			APIError:   apiErr,
			RetryAfter: h.RetryAfterSeconds,
			Limit:      h.Limit,
			Remaining:  h.Remaining,
			ResetTime:  h.Reset,
		}
		return &failure{kind: failRateLimit, class: ErrorClassRateLimit, err: rlErr, rateLimit: rlErr}

	case terminalStatus(status):
		return &failure{kind: failTerminal, class: ErrorClassClient, err: &apiErr}

	default:
		return &failure{kind: failRetryable, class: ErrorClassServer, err: &apiErr}
	}
}

// timeoutFailure is a retryable timeout of a single attempt.
func timeoutFailure(timeout time.Duration, err error) *failure {
	return &failure{
		kind:  failRetryable,
		class: ErrorClassNetwork,
		err: &APIError{
			Status:  http.StatusRequestTimeout,
			Code:    CodeTimeout,
			Message: fmt.Sprintf("request timed out after %s", timeout),
			Err:     err,
		},
	}
}

// networkFailure is a retryable transport failure.
func networkFailure(err error) *failure {
	return &failure{
		kind:  failRetryable,
		class: ErrorClassNetwork,
		err: &APIError{
			Code:    CodeNetwork,
			Message: err.Error(),
			Err:     err,
		},
	}
}
