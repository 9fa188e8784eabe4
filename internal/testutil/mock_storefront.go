// Package testutil provides testing utilities for the storefront client.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// TokenPath is the storefront's CSRF token endpoint.
const TokenPath = "/api/csrf-token"

// NewToken derives a well-formed 64-char lowercase hex token from seed.
func NewToken(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request seen by the mock.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// MockStorefront is a configurable mock storefront API for testing.
type MockStorefront struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	requests []RecordedRequest

	token           string
	setTokenCookie  bool
	tokenFetches    int
	tokenInvalidate int
}

// NewMockStorefront creates a new mock storefront server. The token endpoint
// issues NewToken("default") and sets the csrf-token cookie.
func NewMockStorefront() *MockStorefront {
	mock := &MockStorefront{
		handlers:       make(map[string]func(w http.ResponseWriter, r *http.Request)),
		token:          NewToken("default"),
		setTokenCookie: true,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(r)

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		handler, exists := mock.handlers[r.Method+" "+r.URL.Path]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockStorefront) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockStorefront) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockStorefront) Close() {
	m.server.Close()
}

// Reset clears recorded requests and counters.
func (m *MockStorefront) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.tokenFetches = 0
	m.tokenInvalidate = 0
}

// SetToken changes the token issued by the token endpoint.
func (m *MockStorefront) SetToken(token string, setCookie bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.setTokenCookie = setCookie
}

// SetHandler sets a custom handler for a path, optionally prefixed with a
// method ("POST /api/orders"). Method-specific handlers win.
func (m *MockStorefront) SetHandler(pattern string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[pattern] = handler
}

// SetResponse configures a fixed response for a pattern.
func (m *MockStorefront) SetResponse(pattern string, resp MockResponse) {
	m.SetHandler(pattern, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, r, resp)
	})
}

// SetSequence serves responses in order; the last one repeats.
func (m *MockStorefront) SetSequence(pattern string, resps ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(pattern, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[next]
		if next < len(resps)-1 {
			next++
		}
		mu.Unlock()
		writeResponse(w, r, resp)
	})
}

// Requests returns a copy of all recorded requests.
func (m *MockStorefront) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CountFor returns how many requests hit method and path. An empty method matches any.
func (m *MockStorefront) CountFor(method, path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path && (method == "" || r.Method == method) {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request to path.
func (m *MockStorefront) LastRequest(path string) (RecordedRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Path == path {
			return m.requests[i], true
		}
	}
	return RecordedRequest{}, false
}

// TokenFetches returns the number of GET /api/csrf-token calls served by the default handler.
func (m *MockStorefront) TokenFetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenFetches
}

// TokenInvalidations returns the number of DELETE /api/csrf-token calls served by the default handler.
func (m *MockStorefront) TokenInvalidations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenInvalidate
}

// defaultHandler serves the token endpoint and 404s everything else.
func (m *MockStorefront) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path != TokenPath {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"Not found"}`))
		return
	}

	switch r.Method {
	case http.MethodGet:
		m.mu.Lock()
		m.tokenFetches++
		token, setCookie := m.token, m.setTokenCookie
		m.mu.Unlock()

		if setCookie {
			http.SetCookie(w, &http.Cookie{
				Name:     "csrf-token",
				Value:    token,
				Path:     "/",
				SameSite: http.SameSiteStrictMode,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "token": token})
	case http.MethodDelete:
		m.mu.Lock()
		m.tokenInvalidate++
		m.mu.Unlock()
		w.Write([]byte(`{"success":true}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"Method not allowed"}`))
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" && resp.Body != "" {
		w.Header().Set("Content-Type", "application/json")
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	body, _ := io.ReadAll(r.Body)
	return body
}

// NewOKResponse creates a 200 response wrapping data in the success envelope.
func NewOKResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"success":true,"data":%s}`, data),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewErrorResponse creates an error envelope with an optional code.
func NewErrorResponse(status int, code, message string) MockResponse {
	payload := map[string]any{"success": false, "error": message}
	if code != "" {
		payload["code"] = code
	}
	body, _ := json.Marshal(payload)
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewErrorResponse(http.StatusInternalServerError, "", "Internal server error")
}

// NewCSRFErrorResponse creates the 403 the storefront returns for a bad token.
func NewCSRFErrorResponse() MockResponse {
	return NewErrorResponse(http.StatusForbidden, "CSRF_TOKEN_INVALID", "Invalid CSRF token")
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
	resp.Headers = map[string]string{
		"Retry-After":           strconv.Itoa(retryAfterSeconds),
		"X-RateLimit-Limit":     "60",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     strconv.Itoa(retryAfterSeconds),
	}
	return resp
}
