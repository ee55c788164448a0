package admission

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"go.uber.org/zap"
)

const namespace = "gemini_pool"

// Collectors holds the Prometheus metrics of the admission path.
type Collectors struct {
	Admissions *prometheus.CounterVec
	Outcomes   *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Cooldowns  *prometheus.CounterVec
	NoProject  prometheus.Counter
}

// NewCollectors creates the admission metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_outcomes_total",
			Help:      "Reported upstream call outcomes by project and result",
		}, []string{"project", "result"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration by project",
			Buckets:   prometheus.DefBuckets,
		}, []string{"project"}),
		Cooldowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "project_cooldowns_total",
			Help:      "Cooldown entries by project",
		}, []string{"project"}),
		NoProject: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_project_available_total",
			Help:      "Acquire calls that found no usable project",
		}),
	}
}

var admissionResults = []struct {
	err   error
	label string
}{
	{apikey.ErrInvalidKey, "invalid_key"},
	{apikey.ErrInactive, "inactive"},
	{apikey.ErrExpired, "expired"},
	{apikey.ErrIPNotAllowed, "ip_not_allowed"},
	{apikey.ErrEndpointNotAllowed, "endpoint_not_allowed"},
	{apikey.ErrRateLimited, "rate_limited"},
}

// resultLabel maps a validation result to the admissions_total label.
func resultLabel(res apikey.ValidationResult) string {
	if res.Valid {
		return "allowed"
	}
	for _, r := range admissionResults {
		if errors.Is(res.Err, r.err) {
			return r.label
		}
	}
	return "rejected"
}

// PoolCollector exposes the project pool state at scrape time.
type PoolCollector struct {
	pool    *pool.Manager
	logger  *zap.Logger
	timeout time.Duration

	projects *prometheus.Desc
	quota    *prometheus.Desc
	inCool   *prometheus.Desc
}

// NewPoolCollector creates a collector reading m on every scrape.
func NewPoolCollector(m *pool.Manager, logger *zap.Logger) *PoolCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolCollector{
		pool:    m,
		logger:  logger,
		timeout: 2 * time.Second,
		projects: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "projects"),
			"Number of pooled projects by status", []string{"status"}, nil),
		quota: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "project_quota_used"),
			"Requests counted against the daily quota today", []string{"project"}, nil),
		inCool: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "project_cooldown_remaining_seconds"),
			"Seconds until the project leaves cooldown", []string{"project"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.projects
	ch <- c.quota
	ch <- c.inCool
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	projects, err := c.pool.List(ctx)
	if err != nil {
		c.logger.Warn("pool collector could not list projects", zap.Error(err))
		return
	}
	counts := map[pool.Status]int{
		pool.StatusActive:   0,
		pool.StatusCooldown: 0,
		pool.StatusDisabled: 0,
		pool.StatusError:    0,
	}
	now := time.Now()
	for _, p := range projects {
		counts[p.Status]++
		ch <- prometheus.MustNewConstMetric(c.quota, prometheus.GaugeValue, float64(p.QuotaUsed), p.ProjectID)
		remaining := 0.0
		if p.InCooldown(now) {
			remaining = p.CooldownUntil.Sub(now).Seconds()
		}
		ch <- prometheus.MustNewConstMetric(c.inCool, prometheus.GaugeValue, remaining, p.ProjectID)
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.projects, prometheus.GaugeValue, float64(n), string(status))
	}
}
