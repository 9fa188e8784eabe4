package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sternrassler/storefront-client/internal/testutil"
	"github.com/Sternrassler/storefront-client/pkg/csrf"
	"github.com/Sternrassler/storefront-client/pkg/ratelimit"
)

type staticTokens string

func (s staticTokens) Token() string { return string(s) }

// sleepRecorder replaces the executor's sleep so backoff is observable and instant.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func newTestClient(t *testing.T, mock *testutil.MockStorefront, mutate func(*Config)) (*Client, *sleepRecorder) {
	t.Helper()

	logger := zerolog.Nop()
	cfg := DefaultConfig(mock.URL())
	cfg.HTTPClient = mock.Client()
	cfg.Tokens = staticTokens(testutil.NewToken("client"))
	cfg.Logger = &logger
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := &sleepRecorder{}
	c.exec.sleep = rec.sleep
	return c, rec
}

func durationsEqual(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_Validation(t *testing.T) {
	negative := DefaultRequestOptions()
	negative.Retries = -1

	zeroTimeout := DefaultRequestOptions()
	zeroTimeout.Timeout = 0

	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://shop.example.com"),
		},
		{
			name:     "missing base url",
			config:   Config{},
			errorMsg: "base url is required",
		},
		{
			name:     "relative base url",
			config:   Config{BaseURL: "/shop"},
			errorMsg: `base url must be absolute (got "/shop")`,
		},
		{
			name:     "negative retries",
			config:   Config{BaseURL: "https://shop.example.com", Defaults: &negative},
			errorMsg: "invalid default request options: retries must be >= 0 (got -1)",
		},
		{
			name:     "zero timeout",
			config:   Config{BaseURL: "https://shop.example.com", Defaults: &zeroTimeout},
			errorMsg: "invalid default request options: timeout must be > 0 (got 0s)",
		},
		{
			name:     "respect rate limit without tracker",
			config:   Config{BaseURL: "https://shop.example.com", RespectRateLimit: true},
			errorMsg: "respect_rate_limit requires a tracker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)

			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.Prefix() != APIPrefix {
				t.Errorf("Prefix() = %q, want %q", c.Prefix(), APIPrefix)
			}
		})
	}
}

func TestDefaultRequestOptions(t *testing.T) {
	o := DefaultRequestOptions()

	if o.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", o.Timeout)
	}
	if o.Retries != 2 {
		t.Errorf("Retries = %d, want 2", o.Retries)
	}
	if o.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", o.RetryDelay)
	}
	if !o.RateLimitRetry {
		t.Error("RateLimitRetry should default to true")
	}
	if o.MaxRetryWait != 60*time.Second {
		t.Errorf("MaxRetryWait = %v, want 60s", o.MaxRetryWait)
	}
	if o.SkipCSRF {
		t.Error("SkipCSRF should default to false")
	}
}

func TestGet_DecodesEnvelope(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.NewOKResponse(`[{"id":"p1","name":"Eggs"}]`))

	c, _ := newTestClient(t, mock, nil)

	resp, err := c.Get(context.Background(), "/products")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.Success || resp.Status != http.StatusOK {
		t.Errorf("resp = %+v, want success with status 200", resp)
	}

	type product struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	products, err := Decode[[]product](resp)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(products) != 1 || products[0].Name != "Eggs" {
		t.Errorf("products = %+v, want one Eggs product", products)
	}
}

func TestDo_DefaultHeaders(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.NewOKResponse(`[]`))

	c, _ := newTestClient(t, mock, func(cfg *Config) {
		cfg.UserAgent = "TestShop/1.0"
	})

	if _, err := c.Get(context.Background(), "/products", WithHeader("X-Trace", "abc")); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	req, _ := mock.LastRequest("/api/products")
	checks := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
		"User-Agent":   "TestShop/1.0",
		"X-Trace":      "abc",
	}
	for header, want := range checks {
		if got := req.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.NewServerErrorResponse())

	c, rec := newTestClient(t, mock, nil)
	exhaustedBefore := promtestutil.ToFloat64(retryExhaustedTotal.WithLabelValues(string(ErrorClassServer)))

	_, err := c.Get(context.Background(), "/products")
	if err == nil {
		t.Fatal("Get() should fail after retries")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", apiErr.Status)
	}
	if apiErr.Message != "Internal server error" {
		t.Errorf("Message = %q, want server message", apiErr.Message)
	}

	if got := mock.CountFor(http.MethodGet, "/api/products"); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", got)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !durationsEqual(rec.recorded(), want) {
		t.Errorf("backoff = %v, want %v", rec.recorded(), want)
	}
	if got := promtestutil.ToFloat64(retryExhaustedTotal.WithLabelValues(string(ErrorClassServer))) - exhaustedBefore; got != 1 {
		t.Errorf("retry exhausted counter delta = %v, want 1", got)
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetSequence("/api/cart",
		testutil.NewServerErrorResponse(),
		testutil.NewOKResponse(`{"items":[]}`),
	)

	c, rec := newTestClient(t, mock, nil)

	resp, err := c.Get(context.Background(), "/cart")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.Success {
		t.Error("expected success after retry")
	}
	if got := mock.CountFor(http.MethodGet, "/api/cart"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if len(rec.recorded()) != 1 {
		t.Errorf("sleeps = %v, want one backoff", rec.recorded())
	}
}

func TestDo_NoRetryOnTerminalStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad request", http.StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden without csrf code", http.StatusForbidden},
		{"not found", http.StatusNotFound},
		{"unprocessable", http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockStorefront()
			defer mock.Close()

			mock.SetResponse("/api/orders/42", testutil.NewErrorResponse(tt.status, "", "nope"))

			c, rec := newTestClient(t, mock, nil)

			_, err := c.Get(context.Background(), "/orders/42")

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", apiErr.Status, tt.status)
			}
			var csrfErr *CSRFError
			if errors.As(err, &csrfErr) {
				t.Error("plain 4xx must not be a CSRFError")
			}
			if got := mock.CountFor(http.MethodGet, "/api/orders/42"); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
			if len(rec.recorded()) != 0 {
				t.Errorf("sleeps = %v, want none", rec.recorded())
			}
		})
	}
}

func TestDo_CSRFErrorNotRetried(t *testing.T) {
	for _, code := range []string{CodeCSRFInvalid, CodeInvalidOrigin} {
		t.Run(code, func(t *testing.T) {
			mock := testutil.NewMockStorefront()
			defer mock.Close()

			mock.SetResponse("POST /api/cart", testutil.NewErrorResponse(http.StatusForbidden, code, "rejected"))

			c, rec := newTestClient(t, mock, nil)

			_, err := c.Post(context.Background(), "/cart", map[string]string{"sku": "egg"})

			var csrfErr *CSRFError
			if !errors.As(err, &csrfErr) {
				t.Fatalf("error = %v, want *CSRFError", err)
			}
			if csrfErr.Code != code {
				t.Errorf("Code = %q, want %q", csrfErr.Code, code)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
				t.Errorf("CSRFError should unwrap to a 403 *APIError, got %v", apiErr)
			}
			if got := mock.CountFor(http.MethodPost, "/api/cart"); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
			if len(rec.recorded()) != 0 {
				t.Errorf("sleeps = %v, want none", rec.recorded())
			}
		})
	}
}

func TestDo_RateLimitWaitIsClamped(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetSequence("/api/products",
		testutil.NewRateLimitResponse(120),
		testutil.NewOKResponse(`[]`),
	)

	c, rec := newTestClient(t, mock, nil)

	resp, err := c.Get(context.Background(), "/products", WithMaxRetryWait(5*time.Second))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.Success {
		t.Error("expected success after rate limit wait")
	}
	if want := []time.Duration{5 * time.Second}; !durationsEqual(rec.recorded(), want) {
		t.Errorf("waits = %v, want %v", rec.recorded(), want)
	}
	if got := mock.CountFor(http.MethodGet, "/api/products"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestDo_RateLimitWithoutRetry(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.NewRateLimitResponse(120))

	c, rec := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/products", WithoutRateLimitRetry())

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want *RateLimitError", err)
	}
	if rlErr.RetryAfter != 120 {
		t.Errorf("RetryAfter = %d, want 120", rlErr.RetryAfter)
	}
	if rlErr.Limit != 60 || rlErr.Remaining != 0 || rlErr.ResetTime != 120 {
		t.Errorf("Limit/Remaining/ResetTime = %d/%d/%d, want 60/0/120", rlErr.Limit, rlErr.Remaining, rlErr.ResetTime)
	}
	if rlErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", rlErr.Status)
	}
	if got := mock.CountFor(http.MethodGet, "/api/products"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("waits = %v, want none", rec.recorded())
	}
}

func TestDo_RateLimitDefaults(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"success":false,"error":"slow down"}`,
	})

	c, rec := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/products", WithRetries(1))

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want *RateLimitError", err)
	}
	if rlErr.RetryAfter != 60 {
		t.Errorf("RetryAfter = %d, want default 60", rlErr.RetryAfter)
	}
	if rlErr.Limit != 0 || rlErr.Remaining != 0 || rlErr.ResetTime != 0 {
		t.Errorf("absent headers should be 0, got %d/%d/%d", rlErr.Limit, rlErr.Remaining, rlErr.ResetTime)
	}
	if want := []time.Duration{60 * time.Second}; !durationsEqual(rec.recorded(), want) {
		t.Errorf("waits = %v, want %v", rec.recorded(), want)
	}
	if got := mock.CountFor(http.MethodGet, "/api/products"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestDo_NonJSONErrorBody(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       "<html>bad gateway</html>",
		Headers:    map[string]string{"Content-Type": "text/html"},
	})

	c, _ := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/products", WithRetries(0))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Message != "HTTP 502: Bad Gateway" {
		t.Errorf("Message = %q, want generic status message", apiErr.Message)
	}
}

func TestDo_SuccessBodies(t *testing.T) {
	tests := []struct {
		name     string
		resp     testutil.MockResponse
		wantCode string
	}{
		{
			name: "empty body",
			resp: testutil.MockResponse{StatusCode: http.StatusNoContent},
		},
		{
			name:     "invalid json",
			resp:     testutil.MockResponse{StatusCode: http.StatusOK, Body: "not json", Headers: map[string]string{"Content-Type": "text/plain"}},
			wantCode: CodeInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockStorefront()
			defer mock.Close()

			mock.SetResponse("DELETE /api/cart/items/1", tt.resp)

			c, _ := newTestClient(t, mock, nil)

			resp, err := c.Delete(context.Background(), "/cart/items/1")

			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Delete() error = %v", err)
				}
				if !resp.Success {
					t.Error("empty 2xx body should be a bare success")
				}
				return
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Fatalf("error = %v, want code %s", err, tt.wantCode)
			}
			if got := mock.CountFor(http.MethodDelete, "/api/cart/items/1"); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
		})
	}
}

func TestDo_CSRFHeader(t *testing.T) {
	token := testutil.NewToken("client")

	tests := []struct {
		name       string
		call       func(c *Client) error
		method     string
		wantHeader bool
	}{
		{
			name:   "GET",
			method: http.MethodGet,
			call: func(c *Client) error {
				_, err := c.Get(context.Background(), "/thing")
				return err
			},
		},
		{
			name:       "POST",
			method:     http.MethodPost,
			wantHeader: true,
			call: func(c *Client) error {
				_, err := c.Post(context.Background(), "/thing", map[string]int{"n": 1})
				return err
			},
		},
		{
			name:       "PUT",
			method:     http.MethodPut,
			wantHeader: true,
			call: func(c *Client) error {
				_, err := c.Put(context.Background(), "/thing", map[string]int{"n": 1})
				return err
			},
		},
		{
			name:       "PATCH",
			method:     http.MethodPatch,
			wantHeader: true,
			call: func(c *Client) error {
				_, err := c.Patch(context.Background(), "/thing", map[string]int{"n": 1})
				return err
			},
		},
		{
			name:       "DELETE",
			method:     http.MethodDelete,
			wantHeader: true,
			call: func(c *Client) error {
				_, err := c.Delete(context.Background(), "/thing")
				return err
			},
		},
		{
			name:   "POST with SkipCSRF",
			method: http.MethodPost,
			call: func(c *Client) error {
				_, err := c.Post(context.Background(), "/thing", nil, SkipCSRF())
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockStorefront()
			defer mock.Close()

			mock.SetResponse("/api/thing", testutil.NewOKResponse(`null`))

			c, _ := newTestClient(t, mock, nil)

			if err := tt.call(c); err != nil {
				t.Fatalf("call error = %v", err)
			}

			req, ok := mock.LastRequest("/api/thing")
			if !ok || req.Method != tt.method {
				t.Fatalf("last request = %+v, want %s", req, tt.method)
			}
			got := req.Header.Get(csrf.HeaderName)
			if tt.wantHeader && got != token {
				t.Errorf("%s = %q, want token", csrf.HeaderName, got)
			}
			if !tt.wantHeader && got != "" {
				t.Errorf("%s = %q, want none", csrf.HeaderName, got)
			}
		})
	}
}

func TestDo_MissingTokenProceeds(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("POST /api/newsletter", testutil.NewOKResponse(`{"subscribed":true}`))

	c, _ := newTestClient(t, mock, func(cfg *Config) {
		cfg.Tokens = staticTokens("")
	})

	if _, err := c.Post(context.Background(), "/newsletter", map[string]string{"email": "a@b.c"}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	req, _ := mock.LastRequest("/api/newsletter")
	if req.Header.Get(csrf.HeaderName) != "" {
		t.Error("no token should be attached when none is available")
	}
	if string(req.Body) != `{"email":"a@b.c"}` {
		t.Errorf("body = %s, want JSON-encoded payload", req.Body)
	}
}

func TestUpload_SingleFile(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	var (
		mu          sync.Mutex
		contentType string
		fileName    string
		fileBody    string
	)
	mock.SetHandler("POST /api/uploads", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)

		mu.Lock()
		contentType = r.Header.Get("Content-Type")
		fileName = header.Filename
		fileBody = string(data)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"id":"img-1"}}`))
	})

	c, _ := newTestClient(t, mock, nil)

	resp, err := c.Upload(context.Background(), "/uploads", File{
		Name:        "avatar.png",
		ContentType: "image/png",
		Content:     strings.NewReader("PNGDATA"),
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !resp.Success {
		t.Error("expected upload success")
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(contentType, "multipart/form-data; boundary=") {
		t.Errorf("Content-Type = %q, want multipart/form-data", contentType)
	}
	if strings.Contains(contentType, "application/json") {
		t.Error("upload must not carry a JSON content type")
	}
	if fileName != "avatar.png" || fileBody != "PNGDATA" {
		t.Errorf("file = %q/%q, want avatar.png/PNGDATA", fileName, fileBody)
	}

	req, _ := mock.LastRequest("/api/uploads")
	if req.Header.Get(csrf.HeaderName) == "" {
		t.Error("upload is a POST and should carry the CSRF token")
	}
}

func TestUploadForm_RetryReplaysBody(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	var mu sync.Mutex
	var attempts int
	var titles []string
	mock.SetHandler("POST /api/reviews", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		attempts++
		n := attempts
		titles = append(titles, r.FormValue("title"))
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if len(r.MultipartForm.File["photos"]) != 2 {
			http.Error(w, "want 2 photos", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"success":true}`))
	})

	c, _ := newTestClient(t, mock, nil)

	form := NewForm().
		AddField("title", "Great eggs").
		AddFile("photos", File{Name: "a.jpg", Content: strings.NewReader("A")}).
		AddFile("photos", File{Name: "b.jpg", Content: strings.NewReader("B")})

	if _, err := c.UploadForm(context.Background(), "/reviews", form); err != nil {
		t.Fatalf("UploadForm() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(titles) != 2 || titles[0] != "Great eggs" || titles[1] != "Great eggs" {
		t.Errorf("titles = %v, want the same body on both attempts", titles)
	}
}

func TestDo_Timeout(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	slow := testutil.NewOKResponse(`[]`)
	slow.Delay = 2 * time.Second
	mock.SetResponse("/api/products", slow)

	c, rec := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/products", WithTimeout(20*time.Millisecond), WithRetries(1))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Code != CodeTimeout || apiErr.Status != http.StatusRequestTimeout {
		t.Errorf("Code/Status = %s/%d, want %s/408", apiErr.Code, apiErr.Status, CodeTimeout)
	}
	if want := []time.Duration{time.Second}; !durationsEqual(rec.recorded(), want) {
		t.Errorf("backoff = %v, want %v (timeouts are retryable)", rec.recorded(), want)
	}
}

func TestDo_CallerDeadlineTakesPrecedence(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	slow := testutil.NewOKResponse(`[]`)
	slow.Delay = 50 * time.Millisecond
	mock.SetResponse("/api/products", slow)

	c, _ := newTestClient(t, mock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The per-attempt timeout would fire first; the caller's deadline replaces it.
	if _, err := c.Get(ctx, "/products", WithTimeout(time.Millisecond)); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestDo_CallerCancellation(t *testing.T) {
	t.Run("before the request", func(t *testing.T) {
		mock := testutil.NewMockStorefront()
		defer mock.Close()

		c, rec := newTestClient(t, mock, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.Get(ctx, "/products")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
		if len(rec.recorded()) != 0 {
			t.Errorf("sleeps = %v, want none", rec.recorded())
		}
	})

	t.Run("during backoff", func(t *testing.T) {
		mock := testutil.NewMockStorefront()
		defer mock.Close()

		mock.SetResponse("/api/products", testutil.NewServerErrorResponse())

		c, _ := newTestClient(t, mock, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c.exec.sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}

		_, err := c.Get(ctx, "/products")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
		if got := mock.CountFor(http.MethodGet, "/api/products"); got != 1 {
			t.Errorf("attempts = %d, want 1", got)
		}
	})
}

func TestVersioned(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/v1/products", testutil.NewOKResponse(`[]`))

	c, _ := newTestClient(t, mock, nil)
	v1 := c.Versioned()

	if v1.Prefix() != VersionedPrefix {
		t.Errorf("Prefix() = %q, want %q", v1.Prefix(), VersionedPrefix)
	}
	if c.Prefix() != APIPrefix {
		t.Errorf("base client prefix changed to %q", c.Prefix())
	}

	if _, err := v1.Get(context.Background(), "/products"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if mock.CountFor(http.MethodGet, "/api/v1/products") != 1 {
		t.Error("versioned request did not reach /api/v1/products")
	}
	if v1.exec != c.exec {
		t.Error("versioned client should share the executor")
	}
}

func TestWithPrefix(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/admin/api/orders", testutil.NewOKResponse(`[]`))

	c, _ := newTestClient(t, mock, nil)
	admin := c.WithPrefix("/admin/api")

	if _, err := admin.Get(context.Background(), "/orders"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if mock.CountFor(http.MethodGet, "/admin/api/orders") != 1 {
		t.Error("request did not reach /admin/api/orders")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		prefix  string
		path    string
		opts    []Option
		want    string
		wantErr bool
	}{
		{
			name:   "plain path",
			base:   "https://shop.example.com",
			prefix: "/api",
			path:   "/products",
			want:   "https://shop.example.com/api/products",
		},
		{
			name:   "path without slash",
			base:   "https://shop.example.com/",
			prefix: "/api/v1",
			path:   "orders",
			want:   "https://shop.example.com/api/v1/orders",
		},
		{
			name:   "base with path",
			base:   "https://example.com/shop",
			prefix: "/api",
			path:   "/cart",
			want:   "https://example.com/shop/api/cart",
		},
		{
			name:   "query merged",
			base:   "https://shop.example.com",
			prefix: "/api",
			path:   "/products?category=eggs",
			opts:   []Option{WithQuery("page", "2")},
			want:   "https://shop.example.com/api/products?category=eggs&page=2",
		},
		{
			name:    "absolute path rejected",
			base:    "https://shop.example.com",
			prefix:  "/api",
			path:    "https://evil.example.com/x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{BaseURL: tt.base})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			o := c.Defaults()
			for _, opt := range tt.opts {
				opt(&o)
			}

			got, err := c.exec.resolve(tt.prefix, tt.path, o.Query)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolve() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("resolve() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestDo_UpdatesTracker(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"success":true,"data":[]}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "100",
			"X-RateLimit-Remaining": "42",
			"X-RateLimit-Reset":     "30",
		},
	})

	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	c, _ := newTestClient(t, mock, func(cfg *Config) {
		cfg.Tracker = tracker
	})

	if _, err := c.Get(context.Background(), "/products"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Limit != 100 || state.Remaining != 42 {
		t.Errorf("state = %d/%d, want 100/42", state.Limit, state.Remaining)
	}
}

func TestDo_RespectRateLimitFailsFast(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetResponse("/api/products", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"success":true,"data":[]}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "10",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "30",
		},
	})

	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	c, _ := newTestClient(t, mock, func(cfg *Config) {
		cfg.Tracker = tracker
		cfg.RespectRateLimit = true
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "/products"); err != nil {
		t.Fatalf("first Get() error = %v", err)
	}

	_, err := c.Get(ctx, "/products")

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("second Get() error = %v, want *RateLimitError", err)
	}
	if rlErr.Limit != 10 {
		t.Errorf("Limit = %d, want 10", rlErr.Limit)
	}
	if rlErr.RetryAfter <= 0 || rlErr.RetryAfter > 30 {
		t.Errorf("RetryAfter = %d, want within (0, 30]", rlErr.RetryAfter)
	}
	if got := mock.CountFor(http.MethodGet, "/api/products"); got != 1 {
		t.Errorf("attempts = %d, want 1 (second call must not reach the server)", got)
	}
}

func TestDo_Span(t *testing.T) {
	mock := testutil.NewMockStorefront()
	defer mock.Close()

	mock.SetSequence("/api/products",
		testutil.NewServerErrorResponse(),
		testutil.NewOKResponse(`[]`),
	)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	c, _ := newTestClient(t, mock, func(cfg *Config) {
		cfg.TracerProvider = tp
	})

	if _, err := c.Get(context.Background(), "/products"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.Name() != "storefront GET" {
		t.Errorf("span name = %q, want %q", s.Name(), "storefront GET")
	}

	attempts := 0
	for _, ev := range s.Events() {
		if ev.Name == "attempt" {
			attempts++
		}
	}
	if attempts != 2 {
		t.Errorf("attempt events = %d, want 2", attempts)
	}

	attrs := make(map[string]string)
	for _, a := range s.Attributes() {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["url.path"] != "/api/products" {
		t.Errorf("url.path = %q, want /api/products", attrs["url.path"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("http.response.status_code = %q, want 200", attrs["http.response.status_code"])
	}
}
