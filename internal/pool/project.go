package pool

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive   Status = "active"
	StatusCooldown Status = "cooldown"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// ErrorKind classifies an upstream failure reported for a project.
type ErrorKind string

const (
	ErrorKindQuota     ErrorKind = "quota"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindServer    ErrorKind = "server"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindOther     ErrorKind = "other"

	// ErrorKindAPIDisabled is a persistent failure: the API is not enabled on
	// the project. It moves the project to StatusError.
	ErrorKindAPIDisabled ErrorKind = "api_disabled"
)

// Valid reports whether k is one of the declared error kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindQuota, ErrorKindRateLimit, ErrorKindServer, ErrorKindAuth, ErrorKindOther, ErrorKindAPIDisabled:
		return true
	}
	return false
}

// Project is the persisted status record of one pooled project.
type Project struct {
	ProjectID         string     `json:"projectId"`
	AccountEmail      string     `json:"accountEmail,omitempty"`
	Status            Status     `json:"status"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty"`
	Escalations       int        `json:"escalations"`
	SuccessCount      int64      `json:"successCount"`
	ErrorCount        int64      `json:"errorCount"`
	LastUsed          *time.Time `json:"lastUsed,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	APIEnabled        bool       `json:"apiEnabled"`
	DailyQuota        int        `json:"dailyQuota,omitempty"`
	QuotaUsed         int        `json:"quotaUsed"`
	QuotaDay          string     `json:"quotaDay,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// InCooldown reports whether the project is cooling down at now.
func (p Project) InCooldown(now time.Time) bool {
	return p.Status == StatusCooldown && p.CooldownUntil != nil && now.Before(*p.CooldownUntil)
}

// CooldownPolicy configures the exponential backoff applied after repeated errors.
type CooldownPolicy struct {
	InitialMs                 int64   `json:"initialMs" yaml:"initialMs"`
	MaxMs                     int64   `json:"maxMs" yaml:"maxMs"`
	Multiplier                float64 `json:"multiplier" yaml:"multiplier"`
	ConsecutiveErrorThreshold int     `json:"consecutiveErrorThreshold" yaml:"consecutiveErrorThreshold"`
}

// Duration returns the cooldown for a project that has already entered
// cooldown escalations times without an intervening success.
func (c CooldownPolicy) Duration(escalations int) time.Duration {
	ms := float64(c.InitialMs) * math.Pow(c.Multiplier, float64(escalations))
	if math.IsInf(ms, 0) || ms > float64(c.MaxMs) {
		ms = float64(c.MaxMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// QuotaPolicy configures daily quota tracking.
type QuotaPolicy struct {
	TrackingEnabled  bool    `json:"trackingEnabled" yaml:"trackingEnabled"`
	WarningThreshold float64 `json:"warningThreshold" yaml:"warningThreshold"`
}

// Policy bundles the knobs that drive the pool state machine.
type Policy struct {
	Cooldown CooldownPolicy `json:"cooldown" yaml:"cooldown"`
	Quota    QuotaPolicy    `json:"quotaManagement" yaml:"quotaManagement"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown: CooldownPolicy{
			InitialMs:                 60000,
			MaxMs:                     3600000,
			Multiplier:                2,
			ConsecutiveErrorThreshold: 3,
		},
		Quota: QuotaPolicy{TrackingEnabled: true, WarningThreshold: 0.8},
	}
}

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("invalid pool policy")

// Validate checks the policy for values the state machine cannot honour.
func (p Policy) Validate() error {
	c := p.Cooldown
	switch {
	case c.InitialMs <= 0:
		return fmt.Errorf("%w: cooldown.initialMs must be positive", ErrInvalidPolicy)
	case c.MaxMs < c.InitialMs:
		return fmt.Errorf("%w: cooldown.maxMs must be >= initialMs", ErrInvalidPolicy)
	case c.Multiplier < 1:
		return fmt.Errorf("%w: cooldown.multiplier must be >= 1", ErrInvalidPolicy)
	case c.ConsecutiveErrorThreshold < 1:
		return fmt.Errorf("%w: cooldown.consecutiveErrorThreshold must be >= 1", ErrInvalidPolicy)
	case p.Quota.WarningThreshold < 0 || p.Quota.WarningThreshold > 1:
		return fmt.Errorf("%w: quotaManagement.warningThreshold must be within [0, 1]", ErrInvalidPolicy)
	}
	return nil
}

// Quota is the daily quota view of a project.
type Quota struct {
	ProjectID  string `json:"projectId"`
	Tracked    bool   `json:"tracked"`
	DailyQuota int    `json:"dailyQuota"`
	Used       int    `json:"used"`
	Remaining  int    `json:"remaining"`
	Warning    bool   `json:"warning"`
}
