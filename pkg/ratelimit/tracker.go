package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_rate_limit_remaining",
		Help: "Requests remaining in the current storefront rate limit window",
	})

	rateLimitLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_rate_limit_limit",
		Help: "Request budget of the storefront rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_rate_limit_blocks_total",
		Help: "Total number of requests held back because the budget was exhausted",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_rate_limit_throttles_total",
		Help: "Total number of requests sent while the budget was nearly exhausted",
	})
)

// Tracker records the storefront's rate limit headers and gates requests.
type Tracker struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a new rate limit tracker. A nil backend keeps state in memory.
func NewTracker(backend Backend, logger zerolog.Logger) *Tracker {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Tracker{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// GetState returns the recorded state.
// Returns a default healthy state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate limit state: %w", err)
	}
	if state == nil {
		return &State{LastUpdate: t.now()}, nil
	}
	return state, nil
}

// UpdateFromHeaders records the rate limit headers of a response.
// Responses without X-RateLimit-* headers leave the state untouched, except
// a 429's Retry-After which is always recorded.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, status int, headers http.Header) error {
	parsed := ParseHeaders(headers)
	if !parsed.Present && status != http.StatusTooManyRequests {
		return nil
	}

	now := t.now()
	state := &State{
		Limit:      parsed.Limit,
		Remaining:  parsed.Remaining,
		ResetAt:    ResetTime(parsed.Reset, now),
		LastUpdate: now,
	}
	if status == http.StatusTooManyRequests {
		state.RetryAfter = time.Duration(parsed.RetryAfterSeconds) * time.Second
		if state.ResetAt.IsZero() {
			state.ResetAt = now.Add(state.RetryAfter)
		}
	}

	if err := t.backend.Save(ctx, state); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}

	rateLimitRemaining.Set(float64(state.Remaining))
	rateLimitLimit.Set(float64(state.Limit))

	switch {
	case state.Exhausted(now) || status == http.StatusTooManyRequests:
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Time("reset_at", state.ResetAt).
			Msg("Storefront rate limit exhausted")
	case state.NeedsThrottling(now):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Storefront rate limit nearly exhausted")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a request may be sent now. When it may
// not, wait is the time until the window resets. It never sleeps.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.now()
	if state.Exhausted(now) {
		wait := state.TimeUntilReset(now)
		t.logger.Warn().
			Int("limit", state.Limit).
			Dur("wait_duration", wait).
			Msg("Rate limit exhausted - holding request")
		rateLimitBlocksTotal.Inc()
		return false, wait, nil
	}

	if state.NeedsThrottling(now) {
		rateLimitThrottlesTotal.Inc()
	}

	return true, 0, nil
}
