package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sofatutor/gemini-pool/internal/cache"
	"golang.org/x/sync/singleflight"
)

const fileSuffix = ".json"

// FileStore persists one JSON envelope file per key below a root directory.
// Writes go through a temp file and an atomic rename. Reads are served from a
// short-lived in-process cache that every write invalidates. Each key carries
// a generation bumped by writes; a read fills the cache only when no write to
// its key completed while it was reading.
//
// CheckAndIncrement is serialised by a process-wide mutex, so a FileStore is
// only correct for a single process.
type FileStore struct {
	dir   string
	cache *cache.Cache[fileEnvelope]
	group singleflight.Group
	// genMu guards gen and orders cache fills against invalidation.
	genMu sync.Mutex
	gen   map[string]uint64
	// counterMu serialises read-modify-write sequences.
	counterMu sync.Mutex
	now       func() time.Time
}

type fileEnvelope struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e fileEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Dir      string
	CacheTTL time.Duration // 0 disables the read cache
	CacheMax int
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("file store directory cannot be empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create store directory: %v", ErrUnavailable, err)
	}
	max := opts.CacheMax
	if max <= 0 {
		max = 10000
	}
	return &FileStore{
		dir:   opts.Dir,
		cache: cache.New[fileEnvelope](opts.CacheTTL, max),
		gen:   make(map[string]uint64),
		now:   time.Now,
	}, nil
}

func (f *FileStore) pathFor(key string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileSuffix)
}

func keyFromFilename(name string) (string, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// load reads an envelope from disk (or cache). Expired envelopes are
// reported as ErrNotFound.
func (f *FileStore) load(key string) (fileEnvelope, error) {
	if env, ok := f.cache.Get(key); ok {
		if env.expired(f.now()) {
			f.cache.Purge(key)
			return fileEnvelope{}, ErrNotFound
		}
		return env, nil
	}

	// Flights are keyed by generation so a read that starts after a write
	// never joins one that started before it.
	gen := f.generation(key)
	v, err, _ := f.group.Do(key+"\x00"+strconv.FormatUint(gen, 10), func() (any, error) {
		return f.readFile(key)
	})
	if err != nil {
		return fileEnvelope{}, err
	}
	env := v.(fileEnvelope)
	// Expired files are left in place. Removing them here could delete a
	// value a concurrent Set has just renamed over them.
	if env.expired(f.now()) {
		return fileEnvelope{}, ErrNotFound
	}
	ttl := time.Duration(1<<63 - 1)
	if env.ExpiresAt != nil {
		ttl = env.ExpiresAt.Sub(f.now())
	}
	f.genMu.Lock()
	if f.gen[key] == gen {
		f.cache.SetWithTTL(key, env, ttl)
	}
	f.genMu.Unlock()
	return env, nil
}

func (f *FileStore) generation(key string) uint64 {
	f.genMu.Lock()
	defer f.genMu.Unlock()
	return f.gen[key]
}

// invalidate drops the cached entry and bumps the key generation.
func (f *FileStore) invalidate(key string) {
	f.genMu.Lock()
	f.gen[key]++
	f.cache.Purge(key)
	f.genMu.Unlock()
}

func (f *FileStore) readFile(key string) (fileEnvelope, error) {
	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileEnvelope{}, ErrNotFound
		}
		return fileEnvelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fileEnvelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return env, nil
}

func (f *FileStore) write(key string, env fileEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, f.pathFor(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f.invalidate(key)
	return nil
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	env, err := f.load(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(env.Value))
	copy(out, env.Value)
	return out, nil
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	env := fileEnvelope{Value: value}
	if ttl > 0 {
		exp := f.now().Add(ttl)
		env.ExpiresAt = &exp
	}
	return f.write(key, env)
}

func (f *FileStore) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		err := os.Remove(f.pathFor(k))
		f.invalidate(k)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (f *FileStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	keys := make([]string, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		key, ok := keyFromFilename(de.Name())
		if !ok || !matchKey(pattern, key) {
			continue
		}
		if _, err := f.load(key); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	return sortedKeys(keys), nil
}

func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := f.load(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (f *FileStore) CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (CounterResult, error) {
	if limit <= 0 {
		return CounterResult{}, ErrInvalidLimit
	}
	f.counterMu.Lock()
	defer f.counterMu.Unlock()

	// Counters bypass the read cache: a concurrent reader could repopulate it
	// with a value older than the last increment.
	env, err := f.readFile(key)
	if err == nil && env.expired(f.now()) {
		err = ErrNotFound
	}
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return CounterResult{}, err
	}
	current := 0
	if exists {
		n, convErr := strconv.Atoi(string(env.Value))
		if convErr != nil {
			return CounterResult{}, fmt.Errorf("%w: counter %s", ErrMalformed, key)
		}
		current = n
	}
	next, res := admit(current, exists, limit)
	if !res.Allowed {
		return res, nil
	}
	if !exists {
		env = fileEnvelope{}
		if ttl > 0 {
			exp := f.now().Add(ttl)
			env.ExpiresAt = &exp
		}
	}
	env.Value = []byte(strconv.Itoa(next))
	if err := f.write(key, env); err != nil {
		return CounterResult{}, err
	}
	return res, nil
}

func (f *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
