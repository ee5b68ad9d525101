// Package cache implements the gateway's response cache.
//
// The store is a plain key/value Cache with per-entry TTL. Two backends are
// available:
//   - RedisStore: shared across replicas, recommended for production.
//   - MemoryCache: in-process, zero external dependencies; for single
//     instances and local development.
//
// ResponseCache sits on top of a store: it derives a content-addressed key
// from the raw request body, serves hits verbatim and writes successful
// misses back in the background.
package cache

import (
	"context"
	"time"
)

// Cache is the key/value store the response cache reads and writes.
//
// Get reports (nil, false) for a miss and for any read failure; callers
// cannot and need not tell them apart. Set and Delete report failures so
// callers can log and count them, but a failed write is never fatal.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
