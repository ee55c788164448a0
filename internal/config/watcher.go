package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sofatutor/gemini-pool/internal/logging"
	"go.uber.org/zap"
)

const debounceDelay = 100 * time.Millisecond

// Subscriber receives every successfully loaded Settings.
type Subscriber func(Settings) error

// SettingsWatcher reloads the settings file when it changes and pushes the
// result to subscribers. Invalid files are logged and ignored; the last good
// settings stay in effect.
type SettingsWatcher struct {
	path   string
	logger *zap.Logger
	audit  *logging.AuditLogger

	mu          sync.Mutex
	current     Settings
	subscribers []Subscriber
	watcher     *fsnotify.Watcher
	done        chan struct{}
}

// NewSettingsWatcher loads path and returns a watcher holding the result.
// Nothing is watched until Start.
func NewSettingsWatcher(path string, logger *zap.Logger, audit *logging.AuditLogger) (*SettingsWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}
	s, err := LoadSettings(abs)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = logging.NewAuditLogger(logger)
	}
	return &SettingsWatcher{path: abs, logger: logger, audit: audit, current: s}, nil
}

// Current returns the settings in effect.
func (w *SettingsWatcher) Current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe registers fn and calls it once with the current settings.
func (w *SettingsWatcher) Subscribe(fn Subscriber) error {
	w.mu.Lock()
	w.subscribers = append(w.subscribers, fn)
	s := w.current
	w.mu.Unlock()
	return fn(s)
}

// Reload re-reads the file and notifies subscribers when it is valid.
func (w *SettingsWatcher) Reload(ctx context.Context) error {
	s, err := LoadSettings(w.path)
	if err != nil {
		w.logger.Warn("settings reload rejected", zap.String("path", w.path), zap.Error(err))
		w.audit.LogSettingsChange(ctx, w.path, logging.AuditOutcomeError, err.Error(), nil)
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = s
	subs := append([]Subscriber(nil), w.subscribers...)
	w.mu.Unlock()

	var firstErr error
	for _, fn := range subs {
		if err := fn(s); err != nil {
			w.logger.Error("settings subscriber failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	w.audit.LogSettingsChange(ctx, w.path, logging.AuditOutcomeSuccess, "", diff(prev, s))
	return firstErr
}

// Start watches the settings directory until ctx is done or Close is called.
func (w *SettingsWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("settings watcher already started")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so atomic renames onto the file are seen.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	go w.loop(ctx, watcher, w.done)
	w.logger.Info("watching settings file", zap.String("path", w.path))
	return nil
}

func (w *SettingsWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !(ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() { _ = w.Reload(ctx) })
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("settings watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (w *SettingsWatcher) Close() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

func diff(prev, next Settings) map[string]any {
	changes := map[string]any{}
	if prev.RateLimit != next.RateLimit {
		changes["rateLimit"] = next.RateLimit
	}
	if prev.Cooldown != next.Cooldown {
		changes["cooldown"] = next.Cooldown
	}
	if prev.QuotaManagement != next.QuotaManagement {
		changes["quotaManagement"] = next.QuotaManagement
	}
	return changes
}
