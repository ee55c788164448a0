package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/writeback"
	"go.uber.org/zap"
)

// Counter is the per-key window state.
type Counter struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// MemoryLimiter keeps counters in process memory. The read-compare-increment
// sequence happens inside one mutex-guarded section without I/O, so it is
// exact within a single process only.
//
// When a mirror store and queue are configured, each decision is copied to the
// store for display. The copy is never read back for admission.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*Counter
	now      func() time.Time

	mirror kvstore.Store
	queue  *writeback.Queue
	logger *zap.Logger
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMirror copies counters to store through queue after every decision.
func WithMirror(store kvstore.Store, queue *writeback.Queue) MemoryOption {
	return func(m *MemoryLimiter) {
		m.mirror = store
		m.queue = queue
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(m *MemoryLimiter) { m.logger = logger }
}

// NewMemoryLimiter creates an isolated in-process limiter.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		counters: make(map[string]*Counter),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MirrorKey is the store key holding the display copy of a counter.
func MirrorKey(keyHash string) string {
	return "ratelimit:display:" + keyHash
}

func (m *MemoryLimiter) Allow(ctx context.Context, keyHash string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{}, ErrInvalidLimit
	}

	m.mu.Lock()
	now := m.now()
	start := windowStart(now)
	c, ok := m.counters[keyHash]
	if !ok || !c.WindowStart.Equal(start) {
		c = &Counter{WindowStart: start}
		m.counters[keyHash] = c
	}
	d := Decision{ResetAt: start.Add(Window)}
	if c.Count < limit {
		c.Count++
		d.Allowed = true
		d.Remaining = limit - c.Count
	}
	snapshot := *c
	m.mu.Unlock()

	m.mirrorCounter(keyHash, snapshot, d.ResetAt.Sub(now))
	return d, nil
}

func (m *MemoryLimiter) mirrorCounter(keyHash string, c Counter, ttl time.Duration) {
	if m.mirror == nil || m.queue == nil {
		return
	}
	store := m.mirror
	m.queue.Enqueue(writeback.Task{
		Name: "ratelimit-mirror",
		Run: func(ctx context.Context) error {
			if err := kvstore.SetJSON(ctx, store, MirrorKey(keyHash), c, ttl); err != nil {
				return fmt.Errorf("mirror counter: %w", err)
			}
			return nil
		},
	})
}

// Snapshot returns the in-memory counter for keyHash, if it belongs to the
// current window.
func (m *MemoryLimiter) Snapshot(keyHash string) (Counter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[keyHash]
	if !ok || !c.WindowStart.Equal(windowStart(m.now())) {
		return Counter{}, false
	}
	return *c, true
}

func (m *MemoryLimiter) Reset(ctx context.Context, keyHash string) error {
	m.mu.Lock()
	delete(m.counters, keyHash)
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.Del(ctx, MirrorKey(keyHash)); err != nil {
			m.logger.Warn("failed to delete mirrored counter", zap.Error(err))
		}
	}
	return nil
}

// Prune drops counters from past windows.
func (m *MemoryLimiter) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := windowStart(m.now())
	n := 0
	for k, c := range m.counters {
		if c.WindowStart.Before(start) {
			delete(m.counters, k)
			n++
		}
	}
	return n
}

var _ Limiter = (*MemoryLimiter)(nil)
