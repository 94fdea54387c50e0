// Package store provides the shared external key-value store used for
// cross-instance state: replicated circuit breaker records and cache
// simulator baselines.
//
// The store is a best-effort side channel, never a source of truth for the
// hot path. Reads are advisory — a miss, a stale value, and a backend outage
// all look the same to callers ((nil, false)). Writes swallow backend errors
// so a store outage can never fail a request.
package store

import (
	"context"
	"time"
)

// Store is the shared external key-value contract.
//
// Implementations must degrade gracefully:
//   - Get returns (nil, false) on a miss or any backend error.
//   - SetWithTTL returns nil even on backend error (logged, not propagated).
//   - Delete returns the underlying error so callers can log/handle it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
