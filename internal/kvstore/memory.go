package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Expiry is evaluated lazily on access.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryEntry), now: time.Now}
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (m *MemoryStore) lookupLocked(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := memoryEntry{value: stored}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for k := range m.data {
		if _, ok := m.lookupLocked(k); !ok {
			continue
		}
		if matchKey(pattern, k) {
			keys = append(keys, k)
		}
	}
	return sortedKeys(keys), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(key)
	return ok, nil
}

func (m *MemoryStore) CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (CounterResult, error) {
	if limit <= 0 {
		return CounterResult{}, ErrInvalidLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.lookupLocked(key)
	current := 0
	if exists {
		n, err := strconv.Atoi(string(e.value))
		if err != nil {
			return CounterResult{}, ErrMalformed
		}
		current = n
	}
	next, res := admit(current, exists, limit)
	if !res.Allowed {
		return res, nil
	}
	if !exists {
		e = memoryEntry{}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
	}
	// INCR keeps the existing TTL.
	e.value = []byte(strconv.Itoa(next))
	m.data[key] = e
	return res, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
