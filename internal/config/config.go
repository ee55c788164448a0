// Package config handles process configuration loaded from environment
// variables and the hot-reloadable settings file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/pool"
)

// Rate-limit strategies.
const (
	RateLimitMemory = "memory"
	RateLimitStore  = "store"
)

// Config holds all process configuration values loaded from environment variables.
type Config struct {
	// Server
	ListenAddr      string        // address of the admission server (e.g., ":8080")
	RequestTimeout  time.Duration // read and write timeout of the admission server
	ManagementToken string        // bearer token for the /manage routes, plain or "bcrypt:" hash
	MetricsPath     string        // path of the Prometheus endpoint
	TrustedProxies  []string      // IPs or CIDRs whose X-Forwarded-For is believed; empty trusts none

	// Storage
	StoreBackend  string        // memory, file or redis
	StoreDir      string        // root directory of the file backend
	StoreCacheTTL time.Duration // read cache of the file backend
	RedisAddr     string        // Redis server address (e.g., "localhost:6379")
	RedisDB       int           // Redis database number
	RedisPassword string
	KeyPrefix     string // prefix applied to every Redis key

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json or console
	LogFile   string // empty for stdout

	// Rate limiting
	RateLimitStrategy string // memory or store
	RateLimitFallback bool   // in-memory fallback while the store fails

	// EncryptionKey is the base64 AES-256 key sealing OAuth secrets at rest;
	// empty stores them in plaintext.
	EncryptionKey string

	// Pool
	SelectionStrategy string // round-robin or least-recently-used

	// Settings file with the hot-reloadable knobs
	SettingsPath string

	// Background writes
	WritebackBufferSize  int
	WritebackTaskTimeout time.Duration

	// Key list cache
	KeyListCacheTTL time.Duration

	// Metrics
	MaxErrorsPerDay  int
	MetricsRetention int // days kept by cleanup
}

// New creates a configuration with values from environment variables,
// applying defaults where variables are not set.
func New() (*Config, error) {
	d := DefaultConfig()
	config := &Config{
		ListenAddr:      getEnvString("LISTEN_ADDR", d.ListenAddr),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", d.RequestTimeout),
		ManagementToken: getEnvString("MANAGEMENT_TOKEN", d.ManagementToken),
		MetricsPath:     getEnvString("METRICS_PATH", d.MetricsPath),
		TrustedProxies:  getEnvList("TRUSTED_PROXIES", d.TrustedProxies),

		StoreBackend:  getEnvString("STORE_BACKEND", d.StoreBackend),
		StoreDir:      getEnvString("STORE_DIR", d.StoreDir),
		StoreCacheTTL: getEnvDuration("STORE_CACHE_TTL", d.StoreCacheTTL),
		RedisAddr:     getEnvString("REDIS_ADDR", d.RedisAddr),
		RedisDB:       getEnvInt("REDIS_DB", d.RedisDB),
		RedisPassword: getEnvString("REDIS_PASSWORD", d.RedisPassword),
		KeyPrefix:     getEnvString("REDIS_KEY_PREFIX", d.KeyPrefix),

		LogLevel:  getEnvString("LOG_LEVEL", d.LogLevel),
		LogFormat: getEnvString("LOG_FORMAT", d.LogFormat),
		LogFile:   getEnvString("LOG_FILE", d.LogFile),

		RateLimitStrategy: strings.ToLower(getEnvString("RATE_LIMIT_STRATEGY", d.RateLimitStrategy)),
		RateLimitFallback: getEnvBool("RATE_LIMIT_FALLBACK", d.RateLimitFallback),

		EncryptionKey: getEnvString("ENCRYPTION_KEY", d.EncryptionKey),

		SelectionStrategy: getEnvString("POOL_SELECTION_STRATEGY", d.SelectionStrategy),

		SettingsPath: getEnvString("SETTINGS_PATH", d.SettingsPath),

		WritebackBufferSize:  getEnvInt("WRITEBACK_BUFFER_SIZE", d.WritebackBufferSize),
		WritebackTaskTimeout: getEnvDuration("WRITEBACK_TASK_TIMEOUT", d.WritebackTaskTimeout),

		KeyListCacheTTL: getEnvDuration("KEY_LIST_CACHE_TTL", d.KeyListCacheTTL),

		MaxErrorsPerDay:  getEnvInt("METRICS_MAX_ERRORS_PER_DAY", d.MaxErrorsPerDay),
		MetricsRetention: getEnvInt("METRICS_RETENTION_DAYS", d.MetricsRetention),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the values New cannot default away.
func (c *Config) Validate() error {
	switch strings.ToLower(c.StoreBackend) {
	case kvstore.BackendMemory, kvstore.BackendFile, kvstore.BackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, file, redis (got %q)", c.StoreBackend)
	}
	if strings.EqualFold(c.StoreBackend, kvstore.BackendFile) && c.StoreDir == "" {
		return fmt.Errorf("STORE_DIR is required for the file backend")
	}
	if strings.EqualFold(c.StoreBackend, kvstore.BackendRedis) && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis backend")
	}
	if c.RateLimitStrategy != RateLimitMemory && c.RateLimitStrategy != RateLimitStore {
		return fmt.Errorf("RATE_LIMIT_STRATEGY must be memory or store (got %q)", c.RateLimitStrategy)
	}
	if _, err := pool.ParseStrategy(c.SelectionStrategy); err != nil {
		return fmt.Errorf("POOL_SELECTION_STRATEGY: %w", err)
	}
	if c.WritebackBufferSize <= 0 {
		return fmt.Errorf("WRITEBACK_BUFFER_SIZE must be positive")
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES: %q is neither an IP nor a CIDR", p)
		}
	}
	return nil
}

// StoreOptions maps the storage settings onto kvstore.New options.
func (c *Config) StoreOptions() kvstore.Options {
	return kvstore.Options{
		Backend:       c.StoreBackend,
		Dir:           c.StoreDir,
		CacheTTL:      c.StoreCacheTTL,
		RedisAddr:     c.RedisAddr,
		RedisDB:       c.RedisDB,
		RedisPassword: c.RedisPassword,
		KeyPrefix:     c.KeyPrefix,
	}
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		RequestTimeout: 30 * time.Second,
		MetricsPath:    "/metrics",

		StoreBackend:  kvstore.BackendFile,
		StoreDir:      "./data/store",
		StoreCacheTTL: 2 * time.Second,
		RedisAddr:     "localhost:6379",
		RedisDB:       0,
		KeyPrefix:     "gemini-pool:",

		LogLevel:  "info",
		LogFormat: "json",
		LogFile:   "",

		RateLimitStrategy: RateLimitStore,
		RateLimitFallback: false,

		SelectionStrategy: string(pool.StrategyRoundRobin),

		SettingsPath: "./config/settings.yaml",

		WritebackBufferSize:  1000,
		WritebackTaskTimeout: 5 * time.Second,

		KeyListCacheTTL: 5 * time.Second,

		MaxErrorsPerDay:  1000,
		MetricsRetention: 30,
	}
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated list from an environment variable,
// dropping empty entries. An unset variable yields the default value.
func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}
