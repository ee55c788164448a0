package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/writeback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails every counter operation.
type failingStore struct {
	*kvstore.MemoryStore
}

func (f failingStore) CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (kvstore.CounterResult, error) {
	return kvstore.CounterResult{}, kvstore.ErrUnavailable
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func limiters(t *testing.T, now func() time.Time) map[string]Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Limiter{
		"memory":       NewMemoryLimiter(WithClock(now)),
		"store-memory": NewStoreLimiter(kvstore.NewMemoryStore(), StoreLimiterConfig{Now: now}),
		"store-redis":  NewStoreLimiter(kvstore.NewRedisStore(client, kvstore.RedisStoreOptions{}), StoreLimiterConfig{Now: now}),
	}
}

func TestLimiter_AllowsExactlyLimitPerWindow(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC)
	for name, l := range limiters(t, fixedClock(now)) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				d, err := l.Allow(ctx, "hash-a", 3)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, 3-i-1, d.Remaining)
				assert.Equal(t, time.Date(2026, 10, 14, 12, 1, 0, 0, time.UTC), d.ResetAt)
			}
			d, err := l.Allow(ctx, "hash-a", 3)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)

			// other keys are independent
			d, err = l.Allow(ctx, "hash-b", 3)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestLimiter_ConcurrentAdmission(t *testing.T) {
	const limit = 50
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	for name, l := range limiters(t, fixedClock(now)) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var allowed, rejected atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < limit+1; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Allow(ctx, "hot", limit)
					if err != nil {
						return
					}
					if d.Allowed {
						allowed.Add(1)
					} else {
						rejected.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(limit), allowed.Load())
			assert.Equal(t, int32(1), rejected.Load())
		})
	}
}

func TestLimiter_NewWindowResetsBudget(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 59, 0, time.UTC)
	clock := func() time.Time { return now }
	for name, l := range limiters(t, clock) {
		t.Run(name, func(t *testing.T) {
			now = time.Date(2026, 10, 14, 12, 0, 59, 0, time.UTC)
			ctx := context.Background()
			d, err := l.Allow(ctx, "k", 1)
			require.NoError(t, err)
			require.True(t, d.Allowed)
			d, err = l.Allow(ctx, "k", 1)
			require.NoError(t, err)
			require.False(t, d.Allowed)

			now = now.Add(time.Second)
			d, err = l.Allow(ctx, "k", 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestLimiter_ResetClearsState(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	for name, l := range limiters(t, fixedClock(now)) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Allow(ctx, "k", 1)
			require.NoError(t, err)
			require.NoError(t, l.Reset(ctx, "k"))
			d, err := l.Allow(ctx, "k", 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestLimiter_InvalidLimit(t *testing.T) {
	for name, l := range limiters(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Allow(context.Background(), "k", 0)
			assert.ErrorIs(t, err, ErrInvalidLimit)
		})
	}
}

func TestStoreLimiter_FailsClosedWithoutFallback(t *testing.T) {
	l := NewStoreLimiter(failingStore{kvstore.NewMemoryStore()}, StoreLimiterConfig{})
	d, err := l.Allow(context.Background(), "k", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, d.Allowed)
	assert.False(t, l.IsStoreAvailable())
}

func TestStoreLimiter_UsesFallback(t *testing.T) {
	fb := NewMemoryLimiter()
	l := NewStoreLimiter(failingStore{kvstore.NewMemoryStore()}, StoreLimiterConfig{Fallback: fb})
	d, err := l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMemoryLimiter_MirrorsToStore(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 10, 0, time.UTC)
	store := kvstore.NewMemoryStore()
	q := writeback.New(writeback.DefaultConfig(), nil)
	l := NewMemoryLimiter(WithClock(fixedClock(now)), WithMirror(store, q))

	ctx := context.Background()
	_, err := l.Allow(ctx, "k", 5)
	require.NoError(t, err)
	_, err = l.Allow(ctx, "k", 5)
	require.NoError(t, err)
	require.NoError(t, q.Stop(ctx))

	var c Counter
	require.NoError(t, kvstore.GetJSON(ctx, store, MirrorKey("k"), &c))
	assert.Equal(t, 2, c.Count)
	assert.Equal(t, now.Truncate(Window), c.WindowStart.UTC())

	snap, ok := l.Snapshot("k")
	require.True(t, ok)
	assert.Equal(t, 2, snap.Count)

	require.NoError(t, l.Reset(ctx, "k"))
	ok, err = store.Exists(ctx, MirrorKey("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiter_MirrorFailureDoesNotAffectDecision(t *testing.T) {
	q := writeback.New(writeback.DefaultConfig(), nil)
	l := NewMemoryLimiter(WithMirror(brokenSetStore{kvstore.NewMemoryStore()}, q))
	d, err := l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int64(1), q.Stats().Failed)
}

type brokenSetStore struct {
	*kvstore.MemoryStore
}

func (b brokenSetStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return kvstore.ErrUnavailable
}

func TestMemoryLimiter_Prune(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(WithClock(func() time.Time { return now }))
	_, _ = l.Allow(context.Background(), "a", 1)
	_, _ = l.Allow(context.Background(), "b", 1)
	now = now.Add(2 * Window)
	assert.Equal(t, 2, l.Prune())
	_, ok := l.Snapshot("a")
	assert.False(t, ok)
}
