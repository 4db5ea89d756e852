// Package cache provides an optional read-through layer in front of
// a storage.Adapter's Get path (List is not cached). It never participates in the
// write path: every write still goes through the change-log
// transaction first, so a cache miss, a stale entry, or a disabled
// cache never changes visible semantics, only latency.
//
// Adapted from nodestorage/v2's cache package: the same
// Get/Set/Delete/Clear/Close shape and the same three backends
// (memory, badger, redis), generalized from a BSON-keyed
// primitive.ObjectID document cache to a JSON-payload cache keyed by
// plain "<collection>/<id>" strings.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCacheMiss   = errors.New("cache miss")
	ErrCacheClosed = errors.New("cache is closed")
)

// Cache is the read-through capability a Decorator consumes. Values
// are stored pre-serialized (the raw JSON payload) so every backend
// can treat them as opaque bytes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Options configures any Cache implementation.
type Options struct {
	DefaultTTL time.Duration
	MaxItems   int // memory backend only; 0 means unbounded
}

func DefaultOptions() Options {
	return Options{
		DefaultTTL: 5 * time.Minute,
		MaxItems:   10000,
	}
}

// Backend names the cache_backend values spec.md §6 (ambient
// addition) accepts.
type Backend string

const (
	BackendNone   Backend = "none"
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendBadger Backend = "badger"
)
