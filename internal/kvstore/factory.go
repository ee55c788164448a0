package kvstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// File backend
	Dir      string
	CacheTTL time.Duration

	// Redis backend
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	KeyPrefix     string
}

// New builds a Store for the configured backend. The Redis backend is pinged
// so an unreachable server fails fast instead of on the first request.
func New(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(FileStoreOptions{Dir: opts.Dir, CacheTTL: opts.CacheTTL})
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			DB:       opts.RedisDB,
			Password: opts.RedisPassword,
		})
		s := NewRedisStore(client, RedisStoreOptions{KeyPrefix: opts.KeyPrefix})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}
