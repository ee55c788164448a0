// Package pool tracks the status of pooled projects, applies the
// error-triggered cooldown state machine and selects the project that serves
// the next upstream call.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"go.uber.org/zap"
)

const statusPrefix = "project:status:"

var (
	ErrProjectExists      = errors.New("project already registered")
	ErrProjectNotFound    = errors.New("project not found")
	ErrNoProjectAvailable = errors.New("no project available")
	ErrEmptyProjectID     = errors.New("project id cannot be empty")
	ErrInvalidErrorKind   = errors.New("unknown error kind")
)

// Strategy selects among usable projects.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round-robin"
	StrategyLeastRecentlyUsed Strategy = "least-recently-used"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "roundrobin", "rr":
		return StrategyRoundRobin, nil
	case "least-recently-used", "lru":
		return StrategyLeastRecentlyUsed, nil
	}
	return "", fmt.Errorf("unknown selection strategy %q", s)
}

// RegisterOptions holds optional attributes of a newly registered project.
type RegisterOptions struct {
	AccountEmail string
	DailyQuota   int
	// APIEnabled defaults to true when nil.
	APIEnabled *bool
}

// Manager owns the project status records.
type Manager struct {
	store  kvstore.Store
	logger *zap.Logger
	now    func() time.Time

	policyMu sync.RWMutex
	policy   Policy

	// mu serialises read-modify-write of status records and guards the
	// selection state below.
	mu       sync.Mutex
	rrCursor int
	selected map[string]time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option { return func(m *Manager) { m.policy = p } }

// NewManager creates a Manager over store.
func NewManager(store kvstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   zap.NewNop(),
		now:      time.Now,
		policy:   DefaultPolicy(),
		selected: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the current policy.
func (m *Manager) Policy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// SetPolicy replaces the policy. It applies to transitions from now on;
// running cooldowns keep their deadline.
func (m *Manager) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
	m.logger.Info("pool policy updated",
		zap.Int64("cooldown_initial_ms", p.Cooldown.InitialMs),
		zap.Int64("cooldown_max_ms", p.Cooldown.MaxMs),
		zap.Float64("cooldown_multiplier", p.Cooldown.Multiplier),
		zap.Int("error_threshold", p.Cooldown.ConsecutiveErrorThreshold))
	return nil
}

func quotaDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// settle applies transitions that only depend on time: an elapsed cooldown
// returns the project to active with its error streak cleared (escalations
// are kept), and the quota counter restarts on a new UTC day.
func settle(p *Project, now time.Time) {
	if p.Status == StatusCooldown && (p.CooldownUntil == nil || !now.Before(*p.CooldownUntil)) {
		p.Status = StatusActive
		p.CooldownUntil = nil
		p.ConsecutiveErrors = 0
	}
	if day := quotaDay(now); p.QuotaDay != day {
		p.QuotaDay = day
		p.QuotaUsed = 0
	}
}

func (m *Manager) load(ctx context.Context, id string) (Project, error) {
	var p Project
	if err := kvstore.GetJSON(ctx, m.store, statusPrefix+id, &p); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("failed to load project status: %w", err)
	}
	return p, nil
}

func (m *Manager) save(ctx context.Context, p Project) error {
	if err := kvstore.SetJSON(ctx, m.store, statusPrefix+p.ProjectID, p, 0); err != nil {
		return fmt.Errorf("failed to store project status: %w", err)
	}
	return nil
}

// mutate loads the project, settles it, applies fn and saves the result.
func (m *Manager) mutate(ctx context.Context, id string, fn func(p *Project, now time.Time) error) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.load(ctx, id)
	if err != nil {
		return Project{}, err
	}
	now := m.now()
	settle(&p, now)
	if err := fn(&p, now); err != nil {
		return Project{}, err
	}
	if err := m.save(ctx, p); err != nil {
		return Project{}, err
	}
	return p, nil
}

// Register adds a project to the pool in the active state.
func (m *Manager) Register(ctx context.Context, id string, opts RegisterOptions) (Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Project{}, ErrEmptyProjectID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.store.Exists(ctx, statusPrefix+id)
	if err != nil {
		return Project{}, fmt.Errorf("failed to check project: %w", err)
	}
	if exists {
		return Project{}, ErrProjectExists
	}
	now := m.now()
	p := Project{
		ProjectID:    id,
		AccountEmail: opts.AccountEmail,
		Status:       StatusActive,
		APIEnabled:   opts.APIEnabled == nil || *opts.APIEnabled,
		DailyQuota:   opts.DailyQuota,
		QuotaDay:     quotaDay(now),
		CreatedAt:    now.UTC(),
	}
	if err := m.save(ctx, p); err != nil {
		return Project{}, err
	}
	m.logger.Info("project registered", zap.String("project_id", id))
	return p, nil
}

// Remove deletes the project's status record.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.store.Exists(ctx, statusPrefix+id)
	if err != nil {
		return fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return ErrProjectNotFound
	}
	if err := m.store.Del(ctx, statusPrefix+id); err != nil {
		return fmt.Errorf("failed to delete project status: %w", err)
	}
	delete(m.selected, id)
	m.logger.Info("project removed", zap.String("project_id", id))
	return nil
}

// Get returns the project as of now.
func (m *Manager) Get(ctx context.Context, id string) (Project, error) {
	p, err := m.load(ctx, id)
	if err != nil {
		return Project{}, err
	}
	settle(&p, m.now())
	return p, nil
}

// List returns all projects as of now, ordered by id.
func (m *Manager) List(ctx context.Context) ([]Project, error) {
	keys, err := m.store.Scan(ctx, statusPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	now := m.now()
	out := make([]Project, 0, len(keys))
	for _, k := range keys {
		var p Project
		if err := kvstore.GetJSON(ctx, m.store, k, &p); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if errors.Is(err, kvstore.ErrMalformed) {
				m.logger.Warn("skipping malformed project status", zap.String("key", k), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("failed to load project status: %w", err)
		}
		settle(&p, now)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// RecordProjectSuccess counts a successful call and ends the error streak.
func (m *Manager) RecordProjectSuccess(ctx context.Context, id string) (Project, error) {
	tracking := m.Policy().Quota.TrackingEnabled
	return m.mutate(ctx, id, func(p *Project, now time.Time) error {
		used := now.UTC()
		p.SuccessCount++
		p.LastUsed = &used
		p.ConsecutiveErrors = 0
		p.Escalations = 0
		if tracking {
			p.QuotaUsed++
		}
		return nil
	})
}

// RecordProjectError counts a failed call and starts a cooldown once the
// error streak reaches the policy threshold. ErrorKindAPIDisabled moves the
// project to StatusError. Disabled projects and projects in the error state
// only accumulate counts.
func (m *Manager) RecordProjectError(ctx context.Context, id string, kind ErrorKind, message string) (Project, error) {
	if !kind.Valid() {
		return Project{}, fmt.Errorf("%w: %q", ErrInvalidErrorKind, kind)
	}
	policy := m.Policy()
	return m.mutate(ctx, id, func(p *Project, now time.Time) error {
		used := now.UTC()
		p.ErrorCount++
		p.LastUsed = &used
		p.LastError = describeError(kind, message)
		if policy.Quota.TrackingEnabled && kind != ErrorKindQuota {
			p.QuotaUsed++
		}

		if kind == ErrorKindAPIDisabled {
			p.Status = StatusError
			p.APIEnabled = false
			p.CooldownUntil = nil
			m.logger.Warn("project api not enabled", zap.String("project_id", p.ProjectID))
			return nil
		}
		if p.Status == StatusDisabled || p.Status == StatusError {
			return nil
		}

		p.ConsecutiveErrors++
		if p.Status == StatusCooldown {
			return nil
		}
		if p.ConsecutiveErrors >= policy.Cooldown.ConsecutiveErrorThreshold {
			d := policy.Cooldown.Duration(p.Escalations)
			until := now.UTC().Add(d)
			p.Status = StatusCooldown
			p.CooldownUntil = &until
			p.Escalations++
			m.logger.Warn("project entered cooldown",
				zap.String("project_id", p.ProjectID),
				zap.Duration("duration", d),
				zap.Int("escalations", p.Escalations),
				zap.String("error_kind", string(kind)))
		}
		return nil
	})
}

func describeError(kind ErrorKind, message string) string {
	if message == "" {
		return string(kind)
	}
	return string(kind) + ": " + message
}

// ClearCooldown ends any cooldown and resets the error streak and escalations.
func (m *Manager) ClearCooldown(ctx context.Context, id string) (Project, error) {
	return m.mutate(ctx, id, func(p *Project, _ time.Time) error {
		if p.Status == StatusCooldown {
			p.Status = StatusActive
		}
		p.CooldownUntil = nil
		p.ConsecutiveErrors = 0
		p.Escalations = 0
		m.logger.Info("project cooldown cleared", zap.String("project_id", p.ProjectID))
		return nil
	})
}

// SetDisabled toggles the operator disable flag. Disabling drops a running
// cooldown; enabling returns a disabled project to active. Projects in the
// error state are left untouched by enabling; use Enable.
func (m *Manager) SetDisabled(ctx context.Context, id string, disabled bool) (Project, error) {
	return m.mutate(ctx, id, func(p *Project, _ time.Time) error {
		switch {
		case disabled:
			p.Status = StatusDisabled
			p.CooldownUntil = nil
			p.ConsecutiveErrors = 0
		case p.Status == StatusDisabled:
			p.Status = StatusActive
		default:
			return nil
		}
		m.logger.Info("project disabled flag changed",
			zap.String("project_id", p.ProjectID), zap.Bool("disabled", disabled))
		return nil
	})
}

// MarkError moves the project to the error state until it is re-enabled.
func (m *Manager) MarkError(ctx context.Context, id, reason string) (Project, error) {
	return m.mutate(ctx, id, func(p *Project, _ time.Time) error {
		p.Status = StatusError
		p.CooldownUntil = nil
		p.LastError = reason
		m.logger.Warn("project marked as error", zap.String("project_id", p.ProjectID), zap.String("reason", reason))
		return nil
	})
}

// Enable manually returns a project in the error or disabled state to active
// with a clean error history.
func (m *Manager) Enable(ctx context.Context, id string) (Project, error) {
	return m.mutate(ctx, id, func(p *Project, _ time.Time) error {
		if p.Status == StatusError || p.Status == StatusDisabled {
			p.Status = StatusActive
			p.APIEnabled = true
		}
		p.CooldownUntil = nil
		p.ConsecutiveErrors = 0
		p.Escalations = 0
		p.LastError = ""
		return nil
	})
}

// SetAPIEnabled records whether the upstream API is enabled on the project.
func (m *Manager) SetAPIEnabled(ctx context.Context, id string, enabled bool) (Project, error) {
	return m.mutate(ctx, id, func(p *Project, _ time.Time) error {
		p.APIEnabled = enabled
		return nil
	})
}

// SetDailyQuota sets the request quota tracked for the project; 0 disables it.
func (m *Manager) SetDailyQuota(ctx context.Context, id string, quota int) (Project, error) {
	if quota < 0 {
		return Project{}, fmt.Errorf("daily quota cannot be negative")
	}
	return m.mutate(ctx, id, func(p *Project, _ time.Time) error {
		p.DailyQuota = quota
		return nil
	})
}

// IsProjectInCooldown reports whether the project is cooling down right now.
// It never changes stored state.
func (m *Manager) IsProjectInCooldown(ctx context.Context, id string) (bool, error) {
	p, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	return p.InCooldown(m.now()), nil
}

// GetAvailableProjects returns projects that are not disabled.
func (m *Manager) GetAvailableProjects(ctx context.Context) ([]Project, error) {
	return m.filter(ctx, func(p Project) bool { return p.Status != StatusDisabled })
}

// GetEnabledProjects returns projects with the upstream API enabled.
func (m *Manager) GetEnabledProjects(ctx context.Context) ([]Project, error) {
	return m.filter(ctx, func(p Project) bool { return p.APIEnabled })
}

func (m *Manager) filter(ctx context.Context, keep func(Project) bool) ([]Project, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(all))
	for _, p := range all {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// usable reports whether a settled project can serve a call.
func usable(p Project) bool {
	return p.Status == StatusActive && p.APIEnabled
}

// Select picks the project for the next upstream call with the given
// strategy, skipping projects in cooldown, disabled and in the error state.
func (m *Manager) Select(ctx context.Context, strategy Strategy) (Project, error) {
	all, err := m.List(ctx)
	if err != nil {
		return Project{}, err
	}
	candidates := make([]Project, 0, len(all))
	for _, p := range all {
		if usable(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Project{}, ErrNoProjectAvailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var chosen Project
	switch strategy {
	case StrategyLeastRecentlyUsed:
		chosen = candidates[0]
		oldest := m.lastTouched(chosen)
		for _, p := range candidates[1:] {
			if t := m.lastTouched(p); t.Before(oldest) {
				chosen, oldest = p, t
			}
		}
	default:
		chosen = candidates[m.rrCursor%len(candidates)]
		m.rrCursor++
	}
	m.selected[chosen.ProjectID] = m.now()
	return chosen, nil
}

// lastTouched is the later of the stored last use and the last in-process
// selection, so concurrent callers spread out before outcomes are reported.
func (m *Manager) lastTouched(p Project) time.Time {
	var t time.Time
	if p.LastUsed != nil {
		t = *p.LastUsed
	}
	if s, ok := m.selected[p.ProjectID]; ok && s.After(t) {
		t = s
	}
	return t
}

// QuotaStatus reports today's quota usage of the project.
func (m *Manager) QuotaStatus(ctx context.Context, id string) (Quota, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return Quota{}, err
	}
	policy := m.Policy().Quota
	q := Quota{
		ProjectID:  p.ProjectID,
		Tracked:    policy.TrackingEnabled && p.DailyQuota > 0,
		DailyQuota: p.DailyQuota,
		Used:       p.QuotaUsed,
	}
	if !q.Tracked {
		return q, nil
	}
	q.Remaining = max(p.DailyQuota-p.QuotaUsed, 0)
	q.Warning = float64(p.QuotaUsed) >= policy.WarningThreshold*float64(p.DailyQuota)
	return q, nil
}
