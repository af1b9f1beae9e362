package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live entry exists for a key.
var ErrNotFound = errors.New("storage: key not found")

// Entry is one live key/value pair with its absolute expiry.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// KV is the key-value contract the signaling relay runs on. Entries carry a
// TTL and disappear once it passes; expired entries may linger physically
// until the next access, scan or PruneExpired.
type KV interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns live entries whose key has the given prefix, in key order.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete reports whether a live entry was removed. Only one of several
	// concurrent callers deleting the same key observes true.
	Delete(ctx context.Context, key string) (bool, error)
	PruneExpired(ctx context.Context) (int64, error)
	Close() error
}
