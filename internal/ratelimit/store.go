package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"go.uber.org/zap"
)

// StoreLimiter delegates the check-and-increment to the KV store, which
// performs it atomically (a Lua script on Redis). This is the strategy to use
// when more than one engine instance shares the store.
type StoreLimiter struct {
	store    kvstore.Store
	fallback Limiter
	logger   *zap.Logger
	now      func() time.Time

	availableMu sync.RWMutex
	available   bool
}

// StoreLimiterConfig configures a StoreLimiter.
type StoreLimiterConfig struct {
	// Fallback, when set, decides while the store is failing. Without it the
	// limiter reports ErrStoreUnavailable and callers reject the request.
	Fallback Limiter
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewStoreLimiter creates a store-backed limiter.
func NewStoreLimiter(store kvstore.Store, cfg StoreLimiterConfig) *StoreLimiter {
	l := &StoreLimiter{
		store:     store,
		fallback:  cfg.Fallback,
		logger:    cfg.Logger,
		now:       cfg.Now,
		available: true,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// CounterKey is the store key for keyHash's counter in the window starting at start.
func CounterKey(keyHash string, start time.Time) string {
	return "ratelimit:" + keyHash + ":" + strconv.FormatInt(start.Unix(), 10)
}

func (l *StoreLimiter) Allow(ctx context.Context, keyHash string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{}, ErrInvalidLimit
	}
	now := l.now()
	start := windowStart(now)
	// The extra second keeps the counter alive across clock skew at the boundary.
	res, err := l.store.CheckAndIncrement(ctx, CounterKey(keyHash, start), limit, Window+time.Second)
	if err != nil {
		l.setAvailable(false)
		if l.fallback != nil {
			l.logger.Warn("rate limit store failed, using fallback limiter", zap.Error(err))
			return l.fallback.Allow(ctx, keyHash, limit)
		}
		return Decision{ResetAt: resetAt(now)}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.setAvailable(true)
	return Decision{Allowed: res.Allowed, Remaining: res.Remaining, ResetAt: start.Add(Window)}, nil
}

func (l *StoreLimiter) Reset(ctx context.Context, keyHash string) error {
	keys, err := l.store.Scan(ctx, "ratelimit:"+keyHash+":*")
	if err != nil {
		return fmt.Errorf("failed to list rate limit counters: %w", err)
	}
	if len(keys) > 0 {
		if err := l.store.Del(ctx, keys...); err != nil {
			return fmt.Errorf("failed to delete rate limit counters: %w", err)
		}
	}
	if l.fallback != nil {
		return l.fallback.Reset(ctx, keyHash)
	}
	return nil
}

// IsStoreAvailable reports whether the last store operation succeeded.
func (l *StoreLimiter) IsStoreAvailable() bool {
	l.availableMu.RLock()
	defer l.availableMu.RUnlock()
	return l.available
}

func (l *StoreLimiter) setAvailable(v bool) {
	l.availableMu.Lock()
	l.available = v
	l.availableMu.Unlock()
}

var _ Limiter = (*StoreLimiter)(nil)
