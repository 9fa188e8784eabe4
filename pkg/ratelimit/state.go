// Package ratelimit tracks the storefront API's advertised request budget.
// It reads the X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
// and Retry-After headers so callers can back off before the server starts
// answering 429.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names consumed from storefront responses.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DefaultRetryAfter applies when a 429 carries no Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// ThrottleFraction is the share of the limit below which callers are warned.
const ThrottleFraction = 0.1

// Headers is the parsed rate limit header set. Absent values are zero,
// except RetryAfterSeconds which defaults to 60.
type Headers struct {
	Limit             int
	Remaining         int
	Reset             int64
	RetryAfterSeconds int

	// Present is true when any X-RateLimit-* header was sent.
	Present bool
}

// ParseHeaders extracts rate limit metadata. Unparseable values count as absent.
func ParseHeaders(h http.Header) Headers {
	out := Headers{RetryAfterSeconds: int(DefaultRetryAfter / time.Second)}

	if v, ok := intHeader(h, HeaderLimit); ok {
		out.Limit = int(v)
		out.Present = true
	}
	if v, ok := intHeader(h, HeaderRemaining); ok {
		out.Remaining = int(v)
		out.Present = true
	}
	if v, ok := intHeader(h, HeaderReset); ok {
		out.Reset = v
		out.Present = true
	}
	if v, ok := intHeader(h, HeaderRetryAfter); ok && v >= 0 {
		out.RetryAfterSeconds = int(v)
	}

	return out
}

func intHeader(h http.Header, name string) (int64, bool) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ResetTime converts an X-RateLimit-Reset value to an absolute time.
// Large values are Unix timestamps (seconds, or milliseconds past 1e12);
// small values are seconds from now. Zero means unknown.
func ResetTime(reset int64, now time.Time) time.Time {
	switch {
	case reset <= 0:
		return time.Time{}
	case reset >= 1e12:
		return time.UnixMilli(reset)
	case reset >= 1e9:
		return time.Unix(reset, 0)
	default:
		return now.Add(time.Duration(reset) * time.Second)
	}
}

// State is the last observed rate limit budget.
type State struct {
	// Limit is the request budget per window. Zero when unknown.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets. Zero when unknown.
	ResetAt time.Time `json:"reset_at"`

	// RetryAfter is the server's wait hint from the last 429, if any.
	RetryAfter time.Duration `json:"retry_after"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge at now.
func (s *State) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Exhausted reports whether the budget is spent and the window has not reset.
func (s *State) Exhausted(now time.Time) bool {
	if s.Limit <= 0 || s.Remaining > 0 {
		return false
	}
	return !s.ResetAt.IsZero() && now.Before(s.ResetAt)
}

// NeedsThrottling reports whether fewer than ThrottleFraction of the budget is left.
func (s *State) NeedsThrottling(now time.Time) bool {
	if s.Limit <= 0 || s.Exhausted(now) {
		return false
	}
	return float64(s.Remaining) < float64(s.Limit)*ThrottleFraction
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed or is unknown.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
