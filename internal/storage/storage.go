// Package storage provides the key-value and relational backends shared by
// the token-lifecycle stores. Implementations can be swapped (in-memory for
// tests and single-node, Redis for multi-instance deployments).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// KeyValue provides TTL-aware key-value operations. A zero TTL means no
// expiry. SetNX and Incr exist for single-winner and counter semantics that
// must hold across instances.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr increments the counter at key by one, setting ttl on first
	// increment, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}
