// Package ratelimit admits requests per API key hash against a fixed
// 60-second window. Two strategies share the Limiter interface: an in-process
// limiter for single-instance deployments and a store-backed limiter whose
// check-and-increment runs atomically inside the KV store for multi-instance
// deployments.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Window is the fixed admission window.
const Window = 60 * time.Second

var (
	// ErrStoreUnavailable is returned when the store cannot decide and no fallback is configured.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrInvalidLimit is returned for a non-positive limit.
	ErrInvalidLimit = errors.New("rate limit must be positive")
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is the admission strategy.
type Limiter interface {
	// Allow consumes one unit of keyHash's budget for the current window.
	Allow(ctx context.Context, keyHash string, limit int) (Decision, error)

	// Reset drops all window state for keyHash.
	Reset(ctx context.Context, keyHash string) error
}

// windowStart returns the start of the window containing t.
func windowStart(t time.Time) time.Time {
	return t.Truncate(Window)
}

// resetAt is the ceiling of t to the next window boundary.
func resetAt(t time.Time) time.Time {
	return windowStart(t).Add(Window)
}
