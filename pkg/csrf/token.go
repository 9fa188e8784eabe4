// Package csrf manages the storefront's CSRF token lifecycle.
//
// The server issues a 64-character lowercase hex token through the
// csrf-token cookie and GET /api/csrf-token. Mutating requests echo it in
// the X-CSRF-Token header. The Manager adopts a valid cookie without a
// network call, refreshes the token before the server's 24h lifetime runs
// out, and clears it on logout.
package csrf

import (
	"errors"
	"regexp"
	"time"
)

const (
	// CookieName is the cookie the server sets with the token.
	CookieName = "csrf-token"

	// HeaderName is the request header mutating requests carry.
	HeaderName = "X-CSRF-Token"

	// DefaultEndpoint issues (GET) and invalidates (DELETE) tokens.
	DefaultEndpoint = "/api/csrf-token"

	// DefaultStaleAfter refreshes ahead of the server's 24h token lifetime.
	DefaultStaleAfter = 23 * time.Hour

	// DefaultCheckInterval is how often the background task checks staleness.
	DefaultCheckInterval = 5 * time.Minute
)

var (
	// ErrInvalidToken is returned when the server hands out a malformed token.
	ErrInvalidToken = errors.New("csrf: server returned an invalid token")

	// ErrSuperseded is returned by a fetch cancelled by a newer fetch or a clear.
	ErrSuperseded = errors.New("csrf: fetch superseded")
)

var tokenPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidToken reports whether s is a well-formed token.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// Status is the token lifecycle state.
type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusReady
	StatusStale
	StatusRefreshing
	StatusError
	StatusCleared
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusStale:
		return "stale"
	case StatusRefreshing:
		return "refreshing"
	case StatusError:
		return "error"
	case StatusCleared:
		return "cleared"
	default:
		return "uninitialized"
	}
}

// State is a snapshot of the manager.
type State struct {
	// Token is the current token, or "" when none is held.
	Token string `json:"token,omitempty"`

	// Loading is true while a server fetch is in flight.
	Loading bool `json:"loading"`

	// Error is the message of the last failed fetch. A token may still be held.
	Error string `json:"error,omitempty"`

	// LastFetched is when the token was last read from the cookie or server.
	LastFetched time.Time `json:"lastFetched"`

	Status Status `json:"status"`
}
