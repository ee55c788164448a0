// Package admission wires key validation, project selection and outcome
// reporting into the request path, with Prometheus metrics and a gin
// middleware.
package admission

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/metrics"
	"github.com/sofatutor/gemini-pool/internal/oauth"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"github.com/sofatutor/gemini-pool/internal/writeback"
	"go.uber.org/zap"
)

// Request is an inbound call to admit.
type Request struct {
	APIKey   string
	ClientIP string
	Endpoint string
}

// Lease is the project chosen for an upstream call, with the OAuth token of
// its account when one is usable.
type Lease struct {
	Project pool.Project
	Token   *oauth.Token
	// TokenExpired is set when Token must be refreshed before use.
	TokenExpired bool
}

// Outcome is the result of an upstream call made with a Lease.
type Outcome struct {
	ProjectID  string
	AccountID  string
	Endpoint   string
	Method     string
	Success    bool
	StatusCode int
	// ErrorKind defaults to ClassifyStatus(StatusCode) for failures.
	ErrorKind pool.ErrorKind
	Message   string
	Duration  time.Duration
	Tokens    int64
}

// Engine runs the admission control flow.
type Engine struct {
	registry *apikey.Registry
	pool     *pool.Manager
	metrics  *metrics.Aggregator

	tokens     *oauth.Store
	queue      *writeback.Queue
	collectors *Collectors
	audit      *logging.AuditLogger
	logger     *zap.Logger
	strategy   pool.Strategy
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokenStore attaches OAuth tokens to leases.
func WithTokenStore(s *oauth.Store) Option { return func(e *Engine) { e.tokens = s } }

// WithQueue sends metric and error-log writes through q instead of the
// request goroutine.
func WithQueue(q *writeback.Queue) Option { return func(e *Engine) { e.queue = q } }

// WithCollectors records Prometheus metrics.
func WithCollectors(c *Collectors) Option { return func(e *Engine) { e.collectors = c } }

// WithAuditLogger records rejected admissions.
func WithAuditLogger(a *logging.AuditLogger) Option { return func(e *Engine) { e.audit = a } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithStrategy sets the project selection strategy.
func WithStrategy(s pool.Strategy) Option { return func(e *Engine) { e.strategy = s } }

// WithClock sets the clock used for event timestamps and Retry-After.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine. The metrics aggregator may be nil.
func New(registry *apikey.Registry, pm *pool.Manager, agg *metrics.Aggregator, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		pool:     pm,
		metrics:  agg,
		logger:   zap.NewNop(),
		strategy: pool.StrategyRoundRobin,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.collectors == nil {
		e.collectors = NewCollectors(nil)
	}
	if e.audit == nil {
		e.audit = logging.NewAuditLogger(e.logger)
	}
	return e
}

// Admit validates the presented key, including its rate limit.
func (e *Engine) Admit(ctx context.Context, req Request) apikey.ValidationResult {
	res := e.registry.Validate(ctx, req.APIKey, req.ClientIP, req.Endpoint)
	e.collectors.Admissions.WithLabelValues(resultLabel(res)).Inc()
	if !res.Valid {
		e.audit.LogAdmissionDenied(ctx, res.Name, res.Error, req.ClientIP, req.Endpoint)
	}
	return res
}

// Acquire selects the project for the next upstream call.
func (e *Engine) Acquire(ctx context.Context) (Lease, error) {
	p, err := e.pool.Select(ctx, e.strategy)
	if err != nil {
		if errors.Is(err, pool.ErrNoProjectAvailable) {
			e.collectors.NoProject.Inc()
		}
		return Lease{}, err
	}
	lease := Lease{Project: p}
	if e.tokens == nil || p.AccountEmail == "" {
		return lease, nil
	}
	tok, err := e.tokens.GetToken(ctx, p.AccountEmail)
	switch {
	case err != nil:
		logging.FromContext(ctx, e.logger).Debug("no oauth token for project account",
			zap.String(logging.FieldProjectID, p.ProjectID),
			zap.String(logging.FieldAccount, obfuscate.MaskEmail(p.AccountEmail)),
			zap.Error(err))
	case tok.IsInvalid:
		logging.FromContext(ctx, e.logger).Warn("project account token is invalid",
			zap.String(logging.FieldProjectID, p.ProjectID),
			zap.String(logging.FieldReason, tok.InvalidReason))
	default:
		lease.Token = &tok
		lease.TokenExpired = e.tokens.IsTokenExpired(tok)
	}
	return lease, nil
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(code int) pool.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return pool.ErrorKindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return pool.ErrorKindAuth
	case code >= 500:
		return pool.ErrorKindServer
	default:
		return pool.ErrorKindOther
	}
}

// Report records the outcome of an upstream call. The pool update decides
// future selection and is applied synchronously; the metrics and error-log
// writes are best effort and never fail the report.
func (e *Engine) Report(ctx context.Context, out Outcome) error {
	kind := out.ErrorKind
	if !out.Success && kind == "" {
		kind = ClassifyStatus(out.StatusCode)
	}

	result := "success"
	var (
		p   pool.Project
		err error
	)
	if out.Success {
		p, err = e.pool.RecordProjectSuccess(ctx, out.ProjectID)
	} else {
		result = "error"
		p, err = e.pool.RecordProjectError(ctx, out.ProjectID, kind, out.Message)
	}
	if err != nil {
		return err
	}

	e.collectors.Outcomes.WithLabelValues(out.ProjectID, result).Inc()
	e.collectors.Duration.WithLabelValues(out.ProjectID).Observe(out.Duration.Seconds())
	if !out.Success && p.Status == pool.StatusCooldown &&
		p.ConsecutiveErrors == e.pool.Policy().Cooldown.ConsecutiveErrorThreshold {
		e.collectors.Cooldowns.WithLabelValues(out.ProjectID).Inc()
	}

	if e.metrics == nil {
		return nil
	}
	now := e.now()
	event := metrics.Event{
		Timestamp:  now,
		Endpoint:   out.Endpoint,
		AccountID:  out.AccountID,
		ProjectID:  out.ProjectID,
		Success:    out.Success,
		DurationMs: out.Duration.Milliseconds(),
		Tokens:     out.Tokens,
		ErrorType:  string(kind),
	}
	e.enqueue(ctx, "metrics.record", func(ctx context.Context) error {
		return e.metrics.RecordMetric(ctx, event)
	})
	if !out.Success {
		entry := metrics.ErrorLogEntry{
			Timestamp:  now.UTC(),
			Type:       string(kind),
			ProjectID:  out.ProjectID,
			AccountID:  out.AccountID,
			Message:    out.Message,
			StatusCode: out.StatusCode,
			Endpoint:   out.Endpoint,
			Method:     out.Method,
		}
		e.enqueue(ctx, "metrics.error_log", func(ctx context.Context) error {
			_, err := e.metrics.LogError(ctx, entry)
			return err
		})
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, name string, run func(context.Context) error) {
	if e.queue != nil {
		if !e.queue.Enqueue(writeback.Task{Name: name, Run: run}) {
			e.logger.Warn("writeback queue full, dropping task", zap.String("task", name))
		}
		return
	}
	if err := run(ctx); err != nil {
		logging.FromContext(ctx, e.logger).Warn("best-effort write failed", zap.String("task", name), zap.Error(err))
	}
}
