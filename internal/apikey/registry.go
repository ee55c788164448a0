// Package apikey issues API keys, stores only their salted digests, and
// validates presented keys against IP/endpoint allow-lists and the per-key
// rate limit.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sofatutor/gemini-pool/internal/cache"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"github.com/sofatutor/gemini-pool/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	recordPrefix = "apikey:record:"
	namePrefix   = "apikey:name:"
	listCacheKey = "all"
)

// Config is the stored form of an issued key. The raw key is never stored.
type Config struct {
	KeyHash          string            `json:"key_hash"`
	KeySalt          string            `json:"key_salt,omitempty"`
	Name             string            `json:"name"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	IsActive         bool              `json:"is_active"`
	RateLimit        *int              `json:"rate_limit,omitempty"`
	AllowedEndpoints []string          `json:"allowed_endpoints,omitempty"`
	AllowedIPs       []string          `json:"allowed_ips,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Limit returns the effective per-minute limit; 0 means unlimited.
func (c Config) Limit() int {
	if c.RateLimit == nil || *c.RateLimit < 0 {
		return 0
	}
	return *c.RateLimit
}

// IsExpired reports whether the key has an expiry in the past relative to now.
func (c Config) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// CreateOptions holds optional attributes of a new key.
type CreateOptions struct {
	Prefix           string
	ExpiresAt        *time.Time
	RateLimit        *int // nil uses the registry default; 0 is unlimited
	AllowedEndpoints []string
	AllowedIPs       []string
	Metadata         map[string]string
}

// ValidationResult is surfaced to API routes.
type ValidationResult struct {
	Valid              bool       `json:"valid"`
	Error              string     `json:"error,omitempty"`
	KeyHash            string     `json:"key_hash,omitempty"`
	Name               string     `json:"name,omitempty"`
	RateLimitRemaining *int       `json:"rate_limit_remaining,omitempty"`
	RateLimitReset     *time.Time `json:"rate_limit_reset,omitempty"`

	// Err is the sentinel behind Error, for errors.Is.
	Err error `json:"-"`
}

func rejected(err error) ValidationResult {
	return ValidationResult{Valid: false, Error: err.Error(), Err: err}
}

// Registry manages API keys on top of a kvstore.Store.
type Registry struct {
	store   kvstore.Store
	limiter ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time
	list    *cache.Cache[[]Config]

	// writeMu serialises create/revoke/delete within this process.
	writeMu sync.Mutex

	defaultMu        sync.RWMutex
	defaultRateLimit int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithListCache caches the key list for ttl. Matches found in the cached list
// are re-read from the store before any decision.
func WithListCache(ttl time.Duration) Option {
	return func(r *Registry) { r.list = cache.New[[]Config](ttl, 1) }
}

// WithDefaultRateLimit sets the limit assigned to keys created without one.
func WithDefaultRateLimit(n int) Option { return func(r *Registry) { r.defaultRateLimit = n } }

// NewRegistry creates a Registry. limiter may be nil when no key carries a rate limit.
func NewRegistry(store kvstore.Store, limiter ratelimit.Limiter, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		limiter: limiter,
		logger:  zap.NewNop(),
		now:     time.Now,
		list:    cache.New[[]Config](0, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetDefaultRateLimit updates the limit for keys created without an explicit one.
func (r *Registry) SetDefaultRateLimit(n int) {
	r.defaultMu.Lock()
	r.defaultRateLimit = n
	r.defaultMu.Unlock()
}

func (r *Registry) defaultLimit() int {
	r.defaultMu.RLock()
	defer r.defaultMu.RUnlock()
	return r.defaultRateLimit
}

// Create issues a new key. The raw key is returned once and never persisted.
func (r *Registry) Create(ctx context.Context, name string, opts CreateOptions) (Config, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Config{}, "", ErrEmptyName
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	exists, err := r.store.Exists(ctx, namePrefix+name)
	if err != nil {
		return Config{}, "", fmt.Errorf("failed to check key name: %w", err)
	}
	if exists {
		return Config{}, "", ErrDuplicateName
	}

	raw, err := GenerateKey(opts.Prefix)
	if err != nil {
		return Config{}, "", err
	}
	salt, err := GenerateSalt()
	if err != nil {
		return Config{}, "", err
	}

	limit := opts.RateLimit
	if limit == nil {
		if d := r.defaultLimit(); d > 0 {
			limit = &d
		}
	}

	cfg := Config{
		KeyHash:          HashKey(salt, raw),
		KeySalt:          salt,
		Name:             name,
		CreatedAt:        r.now().UTC(),
		ExpiresAt:        opts.ExpiresAt,
		IsActive:         true,
		RateLimit:        limit,
		AllowedEndpoints: opts.AllowedEndpoints,
		AllowedIPs:       opts.AllowedIPs,
		Metadata:         opts.Metadata,
	}
	if err := r.put(ctx, cfg); err != nil {
		return Config{}, "", err
	}
	if err := r.store.Set(ctx, namePrefix+name, []byte(cfg.KeyHash), 0); err != nil {
		return Config{}, "", fmt.Errorf("failed to index key name: %w", err)
	}

	r.logger.Info("api key created",
		zap.String("name", name),
		zap.String("key_hash", obfuscate.MaskHash(cfg.KeyHash)),
		zap.Int("rate_limit", cfg.Limit()))
	return cfg, raw, nil
}

// Import stores an externally produced record, e.g. a legacy unsalted key
// migrated from an older deployment.
func (r *Registry) Import(ctx context.Context, cfg Config) error {
	if cfg.KeyHash == "" || strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("imported key needs a hash and a name")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	exists, err := r.store.Exists(ctx, namePrefix+cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to check key name: %w", err)
	}
	if exists {
		return ErrDuplicateName
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = r.now().UTC()
	}
	if err := r.put(ctx, cfg); err != nil {
		return err
	}
	return r.store.Set(ctx, namePrefix+cfg.Name, []byte(cfg.KeyHash), 0)
}

func (r *Registry) put(ctx context.Context, cfg Config) error {
	if err := kvstore.SetJSON(ctx, r.store, recordPrefix+cfg.KeyHash, cfg, 0); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	r.list.Purge(listCacheKey)
	return nil
}

// Get returns the record with the given hash.
func (r *Registry) Get(ctx context.Context, keyHash string) (Config, error) {
	var cfg Config
	if err := kvstore.GetJSON(ctx, r.store, recordPrefix+keyHash, &cfg); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Config{}, ErrKeyNotFound
		}
		return Config{}, fmt.Errorf("failed to load api key: %w", err)
	}
	return cfg, nil
}

// HashForName resolves a key name to its hash through the name index.
func (r *Registry) HashForName(ctx context.Context, name string) (string, error) {
	data, err := r.store.Get(ctx, namePrefix+strings.TrimSpace(name))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to resolve key name: %w", err)
	}
	return string(data), nil
}

// List returns all records ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Config, error) {
	if cached, ok := r.list.Get(listCacheKey); ok {
		return cached, nil
	}
	keys, err := r.store.Scan(ctx, recordPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	out := make([]Config, 0, len(keys))
	for _, k := range keys {
		var cfg Config
		if err := kvstore.GetJSON(ctx, r.store, k, &cfg); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if errors.Is(err, kvstore.ErrMalformed) {
				r.logger.Warn("skipping malformed api key record", zap.String("key", k), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("failed to load api key: %w", err)
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	r.list.Set(listCacheKey, out)
	return out, nil
}

// lookup finds the record matching raw. Every candidate is compared in
// constant time and the loop never exits early, so timing does not reveal
// which record matched.
func (r *Registry) lookup(ctx context.Context, raw string) (Config, error) {
	if raw == "" {
		return Config{}, ErrInvalidKey
	}
	all, err := r.List(ctx)
	if err != nil {
		return Config{}, err
	}
	var (
		found Config
		hit   bool
	)
	for _, cfg := range all {
		if matches(cfg, raw) && !hit {
			found = cfg
			hit = true
		}
	}
	if !hit {
		return Config{}, ErrInvalidKey
	}
	// The list may come from cache; decide on the stored record.
	fresh, err := r.Get(ctx, found.KeyHash)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return Config{}, ErrInvalidKey
		}
		return Config{}, err
	}
	return fresh, nil
}

// Validate checks a presented key. Failures are reported in order: invalid,
// inactive, expired, IP, endpoint, rate limit. An empty clientIP or endpoint
// skips the corresponding allow-list check.
func (r *Registry) Validate(ctx context.Context, raw, clientIP, endpoint string) ValidationResult {
	cfg, err := r.lookup(ctx, raw)
	if err != nil {
		if !errors.Is(err, ErrInvalidKey) {
			r.logger.Error("api key lookup failed", zap.Error(err))
		}
		return rejected(ErrInvalidKey)
	}
	if !cfg.IsActive {
		return rejected(ErrInactive)
	}
	if cfg.IsExpired(r.now()) {
		return rejected(ErrExpired)
	}
	if clientIP != "" && !ipAllowed(cfg.AllowedIPs, clientIP) {
		return rejected(ErrIPNotAllowed)
	}
	if endpoint != "" && !endpointAllowed(cfg.AllowedEndpoints, endpoint) {
		return rejected(ErrEndpointNotAllowed)
	}

	res := ValidationResult{Valid: true, KeyHash: cfg.KeyHash, Name: cfg.Name}
	limit := cfg.Limit()
	if limit == 0 {
		return res
	}
	if r.limiter == nil {
		r.logger.Error("rate limited key without a limiter", zap.String("name", cfg.Name))
		return withKey(rejected(ErrRateLimited), cfg)
	}

	d, err := r.limiter.Allow(ctx, cfg.KeyHash, limit)
	if err != nil {
		// The store could not decide: reject rather than admit unlimited traffic.
		r.logger.Error("rate limiter failed, rejecting request",
			zap.String("key_hash", obfuscate.MaskHash(cfg.KeyHash)), zap.Error(err))
		d.Allowed = false
		d.Remaining = 0
	}
	remaining := d.Remaining
	reset := d.ResetAt
	if !d.Allowed {
		out := withKey(rejected(ErrRateLimited), cfg)
		zero := 0
		out.RateLimitRemaining = &zero
		if !reset.IsZero() {
			out.RateLimitReset = &reset
		}
		return out
	}
	res.RateLimitRemaining = &remaining
	res.RateLimitReset = &reset
	return res
}

func withKey(res ValidationResult, cfg Config) ValidationResult {
	res.KeyHash = cfg.KeyHash
	res.Name = cfg.Name
	return res
}

func ipAllowed(allowed []string, ip string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == ip {
			return true
		}
	}
	return false
}

func endpointAllowed(allowed []string, endpoint string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, p := range allowed {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(endpoint, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == endpoint {
			return true
		}
	}
	return false
}

// Revoke deactivates the key matching raw.
func (r *Registry) Revoke(ctx context.Context, raw string) error {
	cfg, err := r.lookup(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return ErrKeyNotFound
		}
		return err
	}
	return r.RevokeByHash(ctx, cfg.KeyHash)
}

// RevokeByHash deactivates the key with the given hash.
func (r *Registry) RevokeByHash(ctx context.Context, keyHash string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cfg, err := r.Get(ctx, keyHash)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		return ErrAlreadyRevoked
	}
	cfg.IsActive = false
	if err := r.put(ctx, cfg); err != nil {
		return err
	}
	r.logger.Info("api key revoked", zap.String("name", cfg.Name))
	return nil
}

// Delete permanently removes the key matching raw.
func (r *Registry) Delete(ctx context.Context, raw string) error {
	cfg, err := r.lookup(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return ErrKeyNotFound
		}
		return err
	}
	return r.DeleteByHash(ctx, cfg.KeyHash)
}

// DeleteByHash permanently removes the key with the given hash together with
// its name index and rate-limit state.
func (r *Registry) DeleteByHash(ctx context.Context, keyHash string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cfg, err := r.Get(ctx, keyHash)
	if err != nil {
		return err
	}
	if err := r.store.Del(ctx, recordPrefix+keyHash, namePrefix+cfg.Name); err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	r.list.Purge(listCacheKey)
	if r.limiter != nil {
		if err := r.limiter.Reset(ctx, keyHash); err != nil {
			r.logger.Warn("failed to purge rate limit state", zap.String("name", cfg.Name), zap.Error(err))
		}
	}
	r.logger.Info("api key deleted", zap.String("name", cfg.Name))
	return nil
}
