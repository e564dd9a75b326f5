package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports local LRU (Community) or Redis (Pro), optionally two-phase.
// The cache is an optimization, never a correctness dependency: callers treat
// any cache failure as a miss and fall through to the backing store.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// SetNX stores a value only if the key is absent, returning whether the
	// write happened. Used for the refund-success idempotency marker.
	SetNX(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
