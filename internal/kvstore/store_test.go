package kvstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, RedisStoreOptions{KeyPrefix: "gp:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(FileStoreOptions{Dir: t.TempDir(), CacheTTL: time.Minute})
	require.NoError(t, err)
	rs, _ := newRedisTestStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"redis":  rs,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			require.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, s.Set(ctx, "apikey:a", []byte("one"), 0))
			require.NoError(t, s.Set(ctx, "apikey:b", []byte("two"), time.Hour))
			require.NoError(t, s.Set(ctx, "other:c", []byte("three"), 0))

			v, err := s.Get(ctx, "apikey:a")
			require.NoError(t, err)
			assert.Equal(t, "one", string(v))

			ok, err := s.Exists(ctx, "apikey:b")
			require.NoError(t, err)
			assert.True(t, ok)

			keys, err := s.Scan(ctx, "apikey:*")
			require.NoError(t, err)
			assert.Equal(t, []string{"apikey:a", "apikey:b"}, keys)

			// overwrite is visible immediately even with a read cache
			require.NoError(t, s.Set(ctx, "apikey:a", []byte("uno"), 0))
			v, err = s.Get(ctx, "apikey:a")
			require.NoError(t, err)
			assert.Equal(t, "uno", string(v))

			require.NoError(t, s.Del(ctx, "apikey:a", "never-existed"))
			ok, err = s.Exists(ctx, "apikey:a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SetJSON(ctx, s, "r", rec{Name: "x", Count: 3}, 0))
	var got rec
	require.NoError(t, GetJSON(ctx, s, "r", &got))
	assert.Equal(t, rec{Name: "x", Count: 3}, got)

	require.NoError(t, s.Set(ctx, "bad", []byte("{"), 0))
	err := GetJSON(ctx, s, "bad", &got)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestStore_CheckAndIncrementSequence(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := s.CheckAndIncrement(ctx, "ctr", 3, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, CounterResult{Allowed: true, Count: 1, Remaining: 2}, res)

			res, err = s.CheckAndIncrement(ctx, "ctr", 3, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, CounterResult{Allowed: true, Count: 2, Remaining: 1}, res)

			res, err = s.CheckAndIncrement(ctx, "ctr", 3, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, CounterResult{Allowed: true, Count: 3, Remaining: 0}, res)

			res, err = s.CheckAndIncrement(ctx, "ctr", 3, time.Minute)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)

			_, err = s.CheckAndIncrement(ctx, "ctr", 0, time.Minute)
			assert.True(t, errors.Is(err, ErrInvalidLimit))
		})
	}
}

func TestStore_CheckAndIncrementConcurrent(t *testing.T) {
	const limit = 25
	const attempts = 60
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.CheckAndIncrement(ctx, "burst", limit, time.Minute)
					if err == nil && res.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(limit), allowed.Load())
		})
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))
	_, err := s.CheckAndIncrement(ctx, "ctr", 1, 10*time.Second)
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrNotFound))

	res, err := s.CheckAndIncrement(ctx, "ctr", 1, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	now = now.Add(9 * time.Second)
	res, err = s.CheckAndIncrement(ctx, "ctr", 1, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "counter should reset after its ttl")
}

func TestFileStore_TTLAndCorruption(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s, err := NewFileStore(FileStoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	keys, err := s.Scan(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	now = now.Add(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrNotFound))
	keys, err = s.Scan(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.Set(ctx, "ctr", []byte("not-a-number"), 0))
	_, err = s.CheckAndIncrement(ctx, "ctr", 5, time.Minute)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, a.Set(ctx, "project:status:p1", []byte(`{"x":1}`), 0))

	b, err := NewFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	v, err := b.Get(ctx, "project:status:p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(v))
}

func TestFileStore_CacheCoherentUnderConcurrentReads(t *testing.T) {
	ctx := context.Background()
	for iter := 0; iter < 200; iter++ {
		s, err := NewFileStore(FileStoreOptions{Dir: t.TempDir(), CacheTTL: time.Minute})
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for r := 0; r < 16; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						_, _ = s.Get(ctx, "k")
					}
				}
			}()
		}
		for i := 1; i <= 50; i++ {
			require.NoError(t, s.Set(ctx, "k", []byte(strconv.Itoa(i)), 0))
		}
		close(stop)
		wg.Wait()

		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "50", string(v), "iteration %d served a stale value", iter)

		require.NoError(t, s.Del(ctx, "k"))
		_, err = s.Get(ctx, "k")
		require.True(t, errors.Is(err, ErrNotFound), "iteration %d served a deleted value", iter)
	}
}

func TestRedisStore_TTLAndPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisTestStore(t)

	res, err := s.CheckAndIncrement(ctx, "ratelimit:abc:0", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, mr.Exists("gp:ratelimit:abc:0"), "keys are namespaced with the prefix")
	assert.Equal(t, time.Minute, mr.TTL("gp:ratelimit:abc:0"))

	mr.FastForward(time.Minute)
	ok, err := s.Exists(ctx, "ratelimit:abc:0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisTestStore(t)
	mr.Close()

	_, err := s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
	_, err = s.CheckAndIncrement(ctx, "k", 1, time.Minute)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(ctx, Options{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	mr := miniredis.RunT(t)
	s, err = New(ctx, Options{Backend: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)
}
