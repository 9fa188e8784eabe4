package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyState is where RedisBackend keeps the shared state.
const RedisKeyState = "storefront:rate_limit:state"

// Backend persists the tracker state. Load returns (nil, nil) when nothing
// has been recorded yet.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// MemoryBackend keeps the state in process.
type MemoryBackend struct {
	mu    sync.RWMutex
	state *State
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load returns a copy of the stored state.
func (b *MemoryBackend) Load(_ context.Context) (*State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == nil {
		return nil, nil
	}
	s := *b.state
	return &s, nil
}

// Save replaces the stored state.
func (b *MemoryBackend) Save(_ context.Context, state *State) error {
	s := *state
	b.mu.Lock()
	b.state = &s
	b.mu.Unlock()
	return nil
}

// RedisBackend shares the state between processes talking to the same
// storefront, so one replica's 429 slows the others down too.
type RedisBackend struct {
	redis *redis.Client
	key   string
}

// NewRedisBackend creates a backend on the given Redis client.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{redis: redisClient, key: RedisKeyState}
}

// Load reads the shared state.
func (b *RedisBackend) Load(ctx context.Context) (*State, error) {
	data, err := b.redis.Get(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode rate limit state: %w", err)
	}
	return &state, nil
}

// Save writes the shared state. It expires a minute after the window resets,
// or after an hour when the reset time is unknown.
func (b *RedisBackend) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}

	ttl := time.Hour
	if !state.ResetAt.IsZero() {
		ttl = time.Until(state.ResetAt) + time.Minute
		if ttl < time.Minute {
			ttl = time.Minute
		}
	}

	if err := b.redis.Set(ctx, b.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
