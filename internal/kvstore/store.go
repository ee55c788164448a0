// Package kvstore defines the single persistence primitive shared by every
// component of the engine: a TTL-aware key-value store with an atomic
// check-and-increment operation. Backends (memory, file, Redis) sit behind the
// same Store interface so callers never branch on the deployment topology.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps failures of the backend itself (unreachable server, I/O errors).
	ErrUnavailable = errors.New("store unavailable")

	// ErrMalformed is returned when stored data cannot be decoded.
	ErrMalformed = errors.New("malformed stored data")

	// ErrInvalidLimit is returned by CheckAndIncrement for a non-positive limit.
	ErrInvalidLimit = errors.New("limit must be positive")
)

// CounterResult is the outcome of an atomic check-and-increment.
type CounterResult struct {
	Allowed   bool
	Count     int // counter value after the operation
	Remaining int
}

// Store is the KV contract consumed by all components.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the given keys. Absent keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Scan returns all live keys matching the glob pattern, sorted.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// CheckAndIncrement atomically admits one unit against limit. A missing
	// counter is created with value 1 and the given ttl; a counter at or above
	// limit rejects; otherwise it is incremented.
	CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (CounterResult, error)

	// Close releases backend resources.
	Close() error
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// matchKey reports whether key matches a Redis-style glob pattern. Keys never
// contain '/', so path.Match provides the same semantics for '*' and '?'.
func matchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}

// admit applies the check-and-increment rule to a counter that may not exist yet.
func admit(current int, exists bool, limit int) (next int, res CounterResult) {
	if !exists {
		return 1, CounterResult{Allowed: true, Count: 1, Remaining: limit - 1}
	}
	if current >= limit {
		return current, CounterResult{Allowed: false, Count: current, Remaining: 0}
	}
	next = current + 1
	return next, CounterResult{Allowed: true, Count: next, Remaining: limit - next}
}
