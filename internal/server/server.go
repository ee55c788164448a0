// Package server implements the HTTP admission server: key admission,
// project leases and outcome reports for an upstream proxy, plus health
// probes, Prometheus metrics and a small management API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sofatutor/gemini-pool/internal/admission"
	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/config"
	"github.com/sofatutor/gemini-pool/internal/encryption"
	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/metrics"
	"github.com/sofatutor/gemini-pool/internal/oauth"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"go.uber.org/zap"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// Deps are the engine components the server exposes.
type Deps struct {
	Engine   *admission.Engine
	Registry *apikey.Registry
	Pool     *pool.Manager
	Metrics  *metrics.Aggregator
	Tokens   *oauth.Store
	Audit    *logging.AuditLogger
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Server wraps the http.Server and its gin router.
type Server struct {
	server *http.Server
	router *gin.Engine
	config *config.Config
	deps   Deps
	logger *zap.Logger
	start  time.Time
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// New creates the server. It is not started until Start is called.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Pool == nil {
		return nil, errors.New("server requires an admission engine and a project pool")
	}
	if cfg.ManagementToken == "" {
		return nil, fmt.Errorf("MANAGEMENT_TOKEN environment variable is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = logging.NewAuditLogger(logger)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	// gin trusts every proxy by default, which would let any client choose
	// its IP for the allow-list through X-Forwarded-For.
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(gin.Recovery(), admission.RequestID())

	s := &Server{
		router: router,
		config: cfg,
		deps:   deps,
		logger: logger,
		start:  deps.Clock(),
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
			IdleTimeout:  cfg.RequestTimeout * 2,
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/live", func(c *gin.Context) { c.String(http.StatusOK, "alive") })

	if s.deps.Gatherer != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Sidecar callers name the upstream endpoint in X-Upstream-Endpoint.
	v1 := r.Group("/v1", s.logRequests(), s.deps.Engine.Middleware(admission.UpstreamEndpoint))
	v1.POST("/admit", s.handleAdmit)
	v1.POST("/report", s.handleReport(false))

	m := r.Group("/manage", s.logRequests(), s.managementAuth())
	m.GET("/projects", s.handleListProjects)
	m.GET("/projects/:id/quota", s.handleProjectQuota)
	m.POST("/projects/:id/clear-cooldown", s.handleClearCooldown)
	m.POST("/report", s.handleReport(true))
	m.GET("/keys", s.handleListKeys)
	m.GET("/tokens", s.handleListTokens)
	m.GET("/metrics", s.handleMetricsSummary)
	m.GET("/errors", s.handleErrors)

	r.NoRoute(func(c *gin.Context) {
		s.logger.Info("route not found",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the server is shut down or fails.
func (s *Server) Start() error {
	s.logger.Info("admission server starting", zap.String("addr", s.config.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server without interrupting active
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: s.deps.Clock(), Version: Version})
}

// handleReady reports ready once the store answers a pool listing.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.deps.Pool.List(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "store unavailable")
		return
	}
	c.String(http.StatusOK, "ready")
}

// logRequests logs every request with its status and duration.
func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.FromContext(c.Request.Context(), s.logger).Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status_code", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// managementAuth checks the management token in the Authorization header.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			return
		}
		if err := encryption.VerifySecret(s.config.ManagementToken, header[len(prefix):]); err != nil {
			if !errors.Is(err, encryption.ErrSecretMismatch) {
				s.logger.Error("management token check failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management token"})
			return
		}
		c.Next()
	}
}
