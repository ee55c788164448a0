package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/config"
	"github.com/sofatutor/gemini-pool/internal/encryption"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/metrics"
	"github.com/sofatutor/gemini-pool/internal/oauth"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"github.com/sofatutor/gemini-pool/internal/ratelimit"
	"github.com/sofatutor/gemini-pool/internal/writeback"
	"go.uber.org/zap"
)

// app holds the engine components built from the process configuration.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	audit    *logging.AuditLogger
	store    kvstore.Store
	queue    *writeback.Queue
	registry *apikey.Registry
	pool     *pool.Manager
	tokens   *oauth.Store
	metrics  *metrics.Aggregator
	settings *config.SettingsWatcher
	strategy pool.Strategy
	// memLimiter is the in-memory limiter or fallback, nil when unused.
	memLimiter *ratelimit.MemoryLimiter
}

// newApp connects to the configured store and applies the settings file.
// Logs go to logOut unless LOG_FILE is set.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Output: logOut,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := kvstore.New(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}

	strategy, err := pool.ParseStrategy(cfg.SelectionStrategy)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var sealer encryption.FieldSealer = encryption.Plaintext{}
	if cfg.EncryptionKey != "" {
		if sealer, err = encryption.NewSealerFromBase64(cfg.EncryptionKey); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		audit:    logging.NewAuditLogger(logger),
		store:    store,
		queue:    writeback.New(writeback.Config{BufferSize: cfg.WritebackBufferSize, TaskTimeout: cfg.WritebackTaskTimeout}, logger),
		strategy: strategy,
	}

	a.registry = apikey.NewRegistry(store, a.newLimiter(),
		apikey.WithLogger(logger),
		apikey.WithListCache(cfg.KeyListCacheTTL))
	a.pool = pool.NewManager(store, pool.WithLogger(logger))
	a.tokens = oauth.NewStore(store, oauth.WithLogger(logger), oauth.WithSealer(sealer))
	a.metrics = metrics.NewAggregator(store,
		metrics.WithLogger(logger),
		metrics.WithMaxErrorsPerDay(cfg.MaxErrorsPerDay))

	a.settings, err = config.NewSettingsWatcher(cfg.SettingsPath, logger, a.audit)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.settings.Subscribe(func(s config.Settings) error {
		return a.pool.SetPolicy(s.PoolPolicy())
	}); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.settings.Subscribe(func(s config.Settings) error {
		a.registry.SetDefaultRateLimit(s.RateLimit.RequestsPerMinute)
		return nil
	}); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) newLimiter() ratelimit.Limiter {
	memory := func() *ratelimit.MemoryLimiter {
		a.memLimiter = ratelimit.NewMemoryLimiter(
			ratelimit.WithLogger(a.logger),
			ratelimit.WithMirror(a.store, a.queue))
		return a.memLimiter
	}
	if a.cfg.RateLimitStrategy == config.RateLimitMemory {
		return memory()
	}
	cfg := ratelimit.StoreLimiterConfig{Logger: a.logger}
	if a.cfg.RateLimitFallback {
		cfg.Fallback = memory()
	}
	return ratelimit.NewStoreLimiter(a.store, cfg)
}

// Close drains background writes and releases the store.
func (a *app) Close() {
	if a.settings != nil {
		_ = a.settings.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.queue.Stop(ctx); err != nil {
		a.logger.Warn("writeback queue did not drain", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
