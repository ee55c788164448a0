package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrementScript runs the whole admission check inside Redis so that
// concurrent callers across processes observe one indivisible operation.
//
// KEYS[1] counter key, ARGV[1] limit, ARGV[2] ttl in milliseconds.
// Returns {allowed (0|1), count}.
var checkAndIncrementScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if not current then
  if ttl > 0 then
    redis.call('SET', KEYS[1], 1, 'PX', ttl)
  else
    redis.call('SET', KEYS[1], 1)
  end
  return {1, 1}
end
local count = tonumber(current)
if count >= limit then
  return {0, count}
end
count = redis.call('INCR', KEYS[1])
return {1, count}
`)

// RedisStore implements Store on top of go-redis with native TTLs.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	scanBatch int64
}

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	// KeyPrefix namespaces every key written by the engine.
	KeyPrefix string
	// ScanBatch is the COUNT hint used while scanning (default 1000).
	ScanBatch int64
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts RedisStoreOptions) *RedisStore {
	if opts.ScanBatch <= 0 {
		opts.ScanBatch = 1000
	}
	return &RedisStore{client: client, prefix: opts.KeyPrefix, scanBatch: opts.ScanBatch}
}

func (r *RedisStore) k(key string) string { return r.prefix + key }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Ping verifies connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.k(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return data, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.k(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Scan walks the keyspace with SCAN so large keyspaces never block Redis.
func (r *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	seen := make(map[string]struct{})
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+pattern, r.scanBatch).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, r.prefix)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return sortedKeys(out), nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.k(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (r *RedisStore) CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (CounterResult, error) {
	if limit <= 0 {
		return CounterResult{}, ErrInvalidLimit
	}
	raw, err := checkAndIncrementScript.Run(ctx, r.client, []string{r.k(key)}, limit, ttl.Milliseconds()).Result()
	if err != nil {
		return CounterResult{}, unavailable(err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return CounterResult{}, fmt.Errorf("%w: unexpected script reply %v", ErrMalformed, raw)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	res := CounterResult{Allowed: allowed == 1, Count: int(count)}
	if res.Allowed {
		res.Remaining = limit - int(count)
	}
	return res, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
