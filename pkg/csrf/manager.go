package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-client/pkg/logging"
)

// Config configures a Manager.
type Config struct {
	// BaseURL is the storefront origin, e.g. "https://shop.example.com".
	BaseURL string

	// Endpoint is the token endpoint path. Defaults to DefaultEndpoint.
	Endpoint string

	// HTTPClient performs token requests. Its Jar, if any, is where the
	// csrf-token cookie is read from; share it with the request executor.
	HTTPClient *http.Client

	// StaleAfter is the token age that triggers a background refresh.
	StaleAfter time.Duration

	// CheckInterval is the period of the background staleness check.
	CheckInterval time.Duration

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// requestTimeout bounds a single token endpoint call.
const requestTimeout = 10 * time.Second

// tokenResponse is the body of GET /api/csrf-token.
type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Manager owns the CSRF token for one storefront session.
// Only one token fetch is in flight at a time: starting a fetch cancels the
// previous one, and a cancelled fetch never writes state.
type Manager struct {
	baseURL       *url.URL
	endpoint      string
	http          *http.Client
	staleAfter    time.Duration
	checkInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc

	visible chan struct{}

	taskMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// NewManager validates cfg and returns an uninitialized manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	m := &Manager{
		baseURL:       base,
		endpoint:      cfg.Endpoint,
		http:          cfg.HTTPClient,
		staleAfter:    cfg.StaleAfter,
		checkInterval: cfg.CheckInterval,
		logger:        logging.NewLogger(logging.ComponentCSRF),
		now:           time.Now,
		visible:       make(chan struct{}, 1),
	}
	if m.endpoint == "" {
		m.endpoint = DefaultEndpoint
	}
	if m.http == nil {
		m.http = &http.Client{}
	}
	if m.staleAfter <= 0 {
		m.staleAfter = DefaultStaleAfter
	}
	if m.checkInterval <= 0 {
		m.checkInterval = DefaultCheckInterval
	}
	if cfg.Logger != nil {
		m.logger = *cfg.Logger
	}

	return m, nil
}

// Token returns the current token, or "" when none is held. It never blocks
// on the network.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Token
}

// State returns a snapshot. A ready token older than StaleAfter reports StatusStale.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	if s.Status == StatusReady && m.isStaleLocked() {
		s.Status = StatusStale
	}
	return s
}

func (m *Manager) isStaleLocked() bool {
	if m.state.LastFetched.IsZero() {
		return false
	}
	return m.now().Sub(m.state.LastFetched) > m.staleAfter
}

// Initialize adopts a valid cookie token without a network call, or fetches
// one from the server. Failures are recorded in State and returned.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.FetchToken(ctx, false)
}

// RefreshToken fetches a new token from the server, ignoring the cookie.
func (m *Manager) RefreshToken(ctx context.Context) error {
	return m.FetchToken(ctx, true)
}

// FetchToken cancels any in-flight fetch, then either reuses a valid cookie
// token (unless forceRefresh) or asks the token endpoint. On failure the
// error is recorded and any previous token is kept. A fetch superseded by a
// newer one returns ErrSuperseded and leaves state alone.
func (m *Manager) FetchToken(ctx context.Context, forceRefresh bool) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	gen := m.gen

	if !forceRefresh {
		if token := m.cookieToken(); token != "" {
			m.adoptLocked(token)
			m.mu.Unlock()
			m.logger.Debug().Msg("Adopted CSRF token from cookie")
			return nil
		}
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state.Loading = true
	if m.state.Token == "" {
		m.state.Status = StatusLoading
	} else {
		m.state.Status = StatusRefreshing
	}
	m.mu.Unlock()
	defer cancel()

	token, err := m.request(fetchCtx, forceRefresh)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return ErrSuperseded
	}
	m.cancel = nil

	if err != nil {
		m.state.Loading = false
		m.state.Error = err.Error()
		m.state.Status = StatusError
		if m.state.Token != "" {
			m.logger.Warn().Err(err).Msg("CSRF token fetch failed - keeping previous token")
		} else {
			m.logger.Error().Err(err).Msg("CSRF token fetch failed")
		}
		return err
	}

	m.adoptLocked(token)
	m.logger.Info().Bool("forced", forceRefresh).Msg("CSRF token fetched")
	return nil
}

// adoptLocked must be called with m.mu held.
func (m *Manager) adoptLocked(token string) {
	m.state = State{
		Token:       token,
		LastFetched: m.now(),
		Status:      StatusReady,
	}
}

// cookieToken returns the csrf-token cookie value when it is well formed.
// The jar is queried for the token endpoint, so a cookie scoped to the
// endpoint's default path ("/api") is found as well as one on "/".
func (m *Manager) cookieToken() string {
	if m.http.Jar == nil {
		return ""
	}
	for _, c := range m.http.Jar.Cookies(m.endpointURL()) {
		if c.Name == CookieName && ValidToken(c.Value) {
			return c.Value
		}
	}
	return ""
}

func (m *Manager) endpointURL() *url.URL {
	return m.baseURL.ResolveReference(&url.URL{Path: m.endpoint})
}

func (m *Manager) endpointString(refresh bool) string {
	u := m.endpointURL()
	if refresh {
		u.RawQuery = "refresh=true"
	}
	return u.String()
}

func (m *Manager) request(ctx context.Context, refresh bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpointString(refresh), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("fetch csrf token: HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return "", fmt.Errorf("decode token response: %w", err)
	}

	if resp.StatusCode >= 400 || !payload.Success {
		msg := payload.Error
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return "", fmt.Errorf("fetch csrf token: %s", msg)
	}

	if !ValidToken(payload.Token) {
		return "", ErrInvalidToken
	}
	return payload.Token, nil
}

// ClearToken invalidates the token server-side (best effort), expires the
// local cookie and resets state to StatusCleared. Server errors are logged.
func (m *Manager) ClearToken(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	token := m.state.Token
	m.mu.Unlock()

	if err := m.invalidate(ctx, token); err != nil {
		m.logger.Warn().Err(err).Msg("Server-side CSRF token invalidation failed")
	}

	if m.http.Jar != nil {
		// Expire the root cookie and one scoped to the endpoint's default path.
		m.http.Jar.SetCookies(m.baseURL, []*http.Cookie{{
			Name:   CookieName,
			Value:  "",
			Path:   "/",
			MaxAge: -1,
		}})
		m.http.Jar.SetCookies(m.endpointURL(), []*http.Cookie{{
			Name:   CookieName,
			Value:  "",
			MaxAge: -1,
		}})
	}

	m.mu.Lock()
	m.state = State{Status: StatusCleared}
	m.mu.Unlock()

	m.logger.Info().Msg("CSRF token cleared")
}

func (m *Manager) invalidate(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.endpointString(false), nil)
	if err != nil {
		return fmt.Errorf("create invalidate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(HeaderName, token)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("invalidate csrf token: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("invalidate csrf token: HTTP %d", resp.StatusCode)
	}
	return nil
}

// NotifyVisible signals that the session became active again (the page
// regained visibility). The background task re-checks staleness.
func (m *Manager) NotifyVisible() {
	select {
	case m.visible <- struct{}{}:
	default:
	}
}

// Start runs the staleness check every CheckInterval and on NotifyVisible,
// until Stop is called or ctx is done. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.watch(ctx, m.stop, m.done)
}

// Stop halts the background task and waits for it to exit.
func (m *Manager) Stop() {
	m.taskMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.taskMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) watch(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.refreshIfStale(ctx)
		case <-m.visible:
			m.refreshIfStale(ctx)
		}
	}
}

// refreshIfStale refreshes the token when it is older than StaleAfter, and
// retries when an earlier fetch failed without ever yielding a token.
// Errors are logged, never returned.
func (m *Manager) refreshIfStale(ctx context.Context) {
	m.mu.Lock()
	stale := m.state.Status != StatusCleared && m.isStaleLocked()
	missing := m.state.Status == StatusError && m.state.Token == ""
	m.mu.Unlock()

	if !stale && !missing {
		return
	}

	if missing {
		m.logger.Debug().Msg("No CSRF token after failed fetch - retrying")
	} else {
		m.logger.Debug().Dur("stale_after", m.staleAfter).Msg("CSRF token stale - refreshing")
	}
	if err := m.RefreshToken(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		m.logger.Error().Err(err).Msg("Background CSRF token refresh failed")
	}
}
