package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sofatutor/gemini-pool/internal/admission"
	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/metrics"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"go.uber.org/zap"
)

// AdmitResponse is the lease handed to the upstream caller.
type AdmitResponse struct {
	ProjectID    string     `json:"project_id"`
	AccountEmail string     `json:"account_email,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	TokenExpired bool       `json:"token_expired"`
	KeyName      string     `json:"key_name"`
}

// ReportRequest is the outcome of an upstream call.
type ReportRequest struct {
	ProjectID  string `json:"project_id" binding:"required"`
	AccountID  string `json:"account_id"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
	Tokens     int64  `json:"tokens"`
}

// KeyView is a key listing entry without secret material.
type KeyView struct {
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RateLimit int        `json:"rate_limit"`
}

// TokenView is a token listing entry without secret material.
type TokenView struct {
	Account       string     `json:"account"`
	Expiry        *time.Time `json:"expiry,omitempty"`
	Expired       bool       `json:"expired"`
	IsInvalid     bool       `json:"is_invalid"`
	InvalidReason string     `json:"invalid_reason,omitempty"`
	Projects      []string   `json:"projects,omitempty"`
}

func (s *Server) handleAdmit(c *gin.Context) {
	lease, err := s.deps.Engine.Acquire(c.Request.Context())
	if errors.Is(err, pool.ErrNoProjectAvailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(c, "acquire failed", err)
		return
	}
	resp := AdmitResponse{
		ProjectID:    lease.Project.ProjectID,
		AccountEmail: lease.Project.AccountEmail,
		TokenExpired: lease.TokenExpired,
		KeyName:      c.GetString(admission.ContextKeyName),
	}
	if lease.Token != nil {
		resp.AccessToken = lease.Token.AccessToken
		if exp, ok := lease.Token.Expiry(); ok {
			resp.TokenExpiry = &exp
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleReport records an upstream outcome. api_disabled parks a project
// until an operator re-enables it, so only the management route may report
// it.
func (s *Server) handleReport(management bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind := pool.ErrorKind(req.ErrorKind)
		if kind != "" && !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown error_kind " + strconv.Quote(req.ErrorKind)})
			return
		}
		if kind == pool.ErrorKindAPIDisabled && !management {
			c.JSON(http.StatusForbidden, gin.H{"error": "api_disabled may only be reported through the management API"})
			return
		}
		endpoint := req.Endpoint
		if endpoint == "" {
			endpoint = c.GetString(admission.ContextKeyEndpoint)
		}
		err := s.deps.Engine.Report(c.Request.Context(), admission.Outcome{
			ProjectID:  req.ProjectID,
			AccountID:  req.AccountID,
			Endpoint:   endpoint,
			Method:     req.Method,
			Success:    req.Success,
			StatusCode: req.StatusCode,
			ErrorKind:  kind,
			Message:    req.Message,
			Duration:   time.Duration(req.DurationMs) * time.Millisecond,
			Tokens:     req.Tokens,
		})
		if errors.Is(err, pool.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			s.internalError(c, "report failed", err)
			return
		}
		p, err := s.deps.Pool.Get(c.Request.Context(), req.ProjectID)
		if err != nil {
			s.internalError(c, "report failed", err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.deps.Pool.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "list projects failed", err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) handleProjectQuota(c *gin.Context) {
	q, err := s.deps.Pool.QuotaStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, pool.ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(c, "quota status failed", err)
		return
	}
	out := gin.H{"quota": q}
	if s.deps.Metrics != nil && q.DailyQuota > 0 {
		pred, err := s.deps.Metrics.PredictQuotaExhaustion(c.Request.Context(), q.ProjectID, int64(q.DailyQuota))
		if err != nil {
			s.internalError(c, "quota prediction failed", err)
			return
		}
		out["prediction"] = pred
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleClearCooldown(c *gin.Context) {
	id := c.Param("id")
	p, err := s.deps.Pool.ClearCooldown(c.Request.Context(), id)
	if errors.Is(err, pool.ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(c, "clear cooldown failed", err)
		return
	}
	s.deps.Audit.LogProjectEvent(c.Request.Context(), logging.AuditEventProjectState, id, "management_api",
		logging.AuditOutcomeSuccess, map[string]any{"status": string(p.Status)})
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleListKeys(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, []KeyView{})
		return
	}
	keys, err := s.deps.Registry.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "list keys failed", err)
		return
	}
	out := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyView{
			Name:      k.Name,
			KeyHash:   obfuscate.MaskHash(k.KeyHash),
			IsActive:  k.IsActive,
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
			RateLimit: k.Limit(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListTokens(c *gin.Context) {
	if s.deps.Tokens == nil {
		c.JSON(http.StatusOK, []TokenView{})
		return
	}
	tokens, err := s.deps.Tokens.ListTokens(c.Request.Context())
	if err != nil {
		s.internalError(c, "list tokens failed", err)
		return
	}
	out := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		v := TokenView{
			Account:       obfuscate.MaskEmail(t.Email),
			Expired:       s.deps.Tokens.IsTokenExpired(t),
			IsInvalid:     t.IsInvalid,
			InvalidReason: t.InvalidReason,
			Projects:      t.Projects,
		}
		if exp, ok := t.Expiry(); ok {
			v.Expiry = &exp
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

// handleMetricsSummary aggregates ?start=YYYY-MM-DD&end=YYYY-MM-DD, both
// defaulting to today.
func (s *Server) handleMetricsSummary(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics are not enabled"})
		return
	}
	today := metrics.Day(s.deps.Clock())
	start, err := metrics.ParseDay(c.DefaultQuery("start", today))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start date"})
		return
	}
	end, err := metrics.ParseDay(c.DefaultQuery("end", today))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end date"})
		return
	}
	agg, err := s.deps.Metrics.GetAggregatedMetrics(c.Request.Context(), start, end)
	if errors.Is(err, metrics.ErrInvalidRange) || errors.Is(err, metrics.ErrRangeTooLong) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(c, "aggregate metrics failed", err)
		return
	}
	rates, err := s.deps.Metrics.GetAccountErrorRates(c.Request.Context(), start, end)
	if err != nil {
		s.internalError(c, "account error rates failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": agg, "account_error_rates": rates})
}

func (s *Server) handleErrors(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics are not enabled"})
		return
	}
	day, err := metrics.ParseDay(c.DefaultQuery("date", metrics.Day(s.deps.Clock())))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
		return
	}
	entries, err := s.deps.Metrics.GetErrors(c.Request.Context(), day)
	if err != nil {
		s.internalError(c, "list errors failed", err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	logging.FromContext(c.Request.Context(), s.logger).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
