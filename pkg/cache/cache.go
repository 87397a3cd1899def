// Package cache provides the keyed TTL store used for ephemeral state,
// rate-limit counters and metadata. It is a performance and coordination
// aid only, never a source of truth for persisted state.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the store contract. Reads are read-your-writes within a single
// process; TTL is best-effort and callers must tolerate early eviction.
type Cache interface {
	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ClearPattern removes all keys matching a glob pattern (e.g. "test:*").
	ClearPattern(ctx context.Context, pattern string) error

	// Incr atomically increments the integer at key, creating it at 1.
	// When ttl > 0 and the key is created, the expiry is set.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// GetJSON and SetJSON live in json.go.
