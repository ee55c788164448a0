// Package writeback runs best-effort secondary writes (display mirrors, usage
// counters) on a bounded queue so they can never block or fail the primary
// decision that produced them. Failures are logged and counted.
package writeback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by EnqueueWait after Stop has been called.
var ErrStopped = errors.New("writeback queue stopped")

// Task is one unit of deferred work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds queue settings.
type Config struct {
	BufferSize  int           // default 1000
	TaskTimeout time.Duration // per-task deadline, default 5s
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{BufferSize: 1000, TaskTimeout: 5 * time.Second}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued  int64
	Completed int64
	Failed    int64
	Dropped   int64
}

// Queue executes tasks on a single background worker.
type Queue struct {
	config Config
	logger *zap.Logger
	tasks  chan Task
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	stopped bool

	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates and starts a queue.
func New(config Config, logger *zap.Logger) *Queue {
	cfg := config
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		config: cfg,
		logger: logger,
		tasks:  make(chan Task, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules a task without blocking. It returns false and counts a
// drop when the buffer is full or the queue is stopped.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.tasks <- task:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		q.logger.Debug("writeback buffer full, dropping task", zap.String("task", task.Name))
		return false
	}
}

// EnqueueWait schedules a task, blocking until there is room or ctx is done.
func (q *Queue) EnqueueWait(ctx context.Context, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.tasks <- task:
		q.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		q.dropped.Add(1)
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Stop drains queued tasks and stops the worker.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)

	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			for {
				select {
				case task := <-q.tasks:
					q.execute(task)
				default:
					return
				}
			}
		case task := <-q.tasks:
			q.execute(task)
		}
	}
}

func (q *Queue) execute(task Task) {
	if task.Run == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.config.TaskTimeout)
	defer cancel()
	// A panicking task must not take the worker, and admission, down with it.
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("writeback task panicked", zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()
	if err := task.Run(ctx); err != nil {
		q.failed.Add(1)
		q.logger.Warn("writeback task failed", zap.String("task", task.Name), zap.Error(err))
		return
	}
	q.completed.Add(1)
}
