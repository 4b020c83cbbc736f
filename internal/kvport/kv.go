// Package kvport defines the cache capability used for challenge
// tickets and rate-limit windows: a distributed KV with TTL backed by
// Redis, a process-local fallback, and a failover decorator composing
// the two.
package kvport

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvport: key not found")

// WindowResult describes the state of a counter window after IncrWindow.
type WindowResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// KV is the cache capability. Keys are linearisable per key in the
// backing store; values are opaque bytes.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// DelOne removes a single key and reports whether this call removed
	// it. The true return is an exclusive claim: with concurrent callers
	// exactly one sees it.
	DelOne(ctx context.Context, key string) (bool, error)

	// IncrWindow atomically increments a counter with a fixed window,
	// returning whether the increment stayed within limit.
	IncrWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error)

	// DelPrefix removes every key with the given prefix.
	DelPrefix(ctx context.Context, prefix string) error
}
