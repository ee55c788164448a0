package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sofatutor/gemini-pool/internal/pool"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSettings is returned when a settings file fails validation.
var ErrInvalidSettings = errors.New("invalid settings")

// RateLimitSettings are the defaults applied to keys without their own limit.
type RateLimitSettings struct {
	RequestsPerMinute int `yaml:"requestsPerMinute" json:"requestsPerMinute"`
	// BurstLimit is persisted for clients; the fixed window does not enforce it.
	BurstLimit int `yaml:"burstLimit" json:"burstLimit"`
}

// Settings are the operator knobs read from the settings file.
type Settings struct {
	RateLimit       RateLimitSettings   `yaml:"rateLimit" json:"rateLimit"`
	Cooldown        pool.CooldownPolicy `yaml:"cooldown" json:"cooldown"`
	QuotaManagement pool.QuotaPolicy    `yaml:"quotaManagement" json:"quotaManagement"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	p := pool.DefaultPolicy()
	return Settings{
		RateLimit:       RateLimitSettings{RequestsPerMinute: 60, BurstLimit: 10},
		Cooldown:        p.Cooldown,
		QuotaManagement: p.Quota,
	}
}

// PoolPolicy returns the pool part of the settings.
func (s Settings) PoolPolicy() pool.Policy {
	return pool.Policy{Cooldown: s.Cooldown, Quota: s.QuotaManagement}
}

// Validate checks every knob.
func (s Settings) Validate() error {
	if s.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: rateLimit.requestsPerMinute must not be negative", ErrInvalidSettings)
	}
	if s.RateLimit.BurstLimit < 0 {
		return fmt.Errorf("%w: rateLimit.burstLimit must not be negative", ErrInvalidSettings)
	}
	if err := s.PoolPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

// LoadSettings reads path over the defaults, so a file may set only some
// knobs. A missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SaveSettings validates s and writes it to path atomically.
func SaveSettings(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*")
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
