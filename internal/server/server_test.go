package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sofatutor/gemini-pool/internal/admission"
	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/config"
	"github.com/sofatutor/gemini-pool/internal/encryption"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/metrics"
	"github.com/sofatutor/gemini-pool/internal/oauth"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"github.com/sofatutor/gemini-pool/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const mgmtToken = "mgmt-secret"

type testEnv struct {
	srv      *Server
	registry *apikey.Registry
	pool     *pool.Manager
	tokens   *oauth.Store
	metrics  *metrics.Aggregator
	rawKey   string
}

func newTestEnv(t *testing.T, configure ...func(*config.Config)) *testEnv {
	t.Helper()
	store := kvstore.NewMemoryStore()
	env := &testEnv{
		registry: apikey.NewRegistry(store, ratelimit.NewMemoryLimiter()),
		pool:     pool.NewManager(store),
		tokens:   oauth.NewStore(store),
		metrics:  metrics.NewAggregator(store),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(admission.NewPoolCollector(env.pool, nil))
	engine := admission.New(env.registry, env.pool, env.metrics,
		admission.WithTokenStore(env.tokens),
		admission.WithCollectors(admission.NewCollectors(reg)))

	cfg := config.DefaultConfig()
	cfg.ManagementToken = mgmtToken
	for _, fn := range configure {
		fn(cfg)
	}
	srv, err := New(cfg, Deps{
		Engine:   engine,
		Registry: env.registry,
		Pool:     env.pool,
		Metrics:  env.metrics,
		Tokens:   env.tokens,
		Gatherer: reg,
	}, nil)
	require.NoError(t, err)
	env.srv = srv

	unlimited := 0
	_, raw, err := env.registry.Create(context.Background(), "client", apikey.CreateOptions{RateLimit: &unlimited})
	require.NoError(t, err)
	env.rawKey = raw
	return env
}

func (e *testEnv) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresManagementToken(t *testing.T) {
	store := kvstore.NewMemoryStore()
	pm := pool.NewManager(store)
	engine := admission.New(apikey.NewRegistry(store, nil), pm, nil)
	_, err := New(config.DefaultConfig(), Deps{Engine: engine, Pool: pm}, nil)
	assert.Error(t, err)

	cfg := config.DefaultConfig()
	cfg.ManagementToken = "x"
	_, err = New(cfg, Deps{Pool: pm}, nil)
	assert.Error(t, err)
}

func TestProbes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, Version, h.Version)

	assert.Equal(t, "ready", env.do(t, http.MethodGet, "/ready", "", nil).Body.String())
	assert.Equal(t, "alive", env.do(t, http.MethodGet, "/live", "", nil).Body.String())
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/nope", "", nil).Code)
}

func TestAdmit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/v1/admit", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/v1/admit", env.rawKey, nil).Code)

	_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{AccountEmail: "alice@example.com"})
	require.NoError(t, err)
	_, err = env.tokens.SaveToken(ctx, "alice@example.com", oauth.Token{AccessToken: "ya29.token", ExpiresIn: 3600}, false)
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/v1/admit", env.rawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AdmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "proj-a", resp.ProjectID)
	assert.Equal(t, "ya29.token", resp.AccessToken)
	assert.Equal(t, "client", resp.KeyName)
	assert.NotNil(t, resp.TokenExpiry)
	assert.False(t, resp.TokenExpired)
	assert.NotEmpty(t, w.Header().Get(admission.HeaderRequestID))
}

func TestReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/v1/report", env.rawKey, ReportRequest{ProjectID: "proj-a", StatusCode: 503, Message: "overloaded"})
	require.Equal(t, http.StatusOK, w.Code)
	var p pool.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, int64(1), p.ErrorCount)
	assert.Equal(t, "server: overloaded", p.LastError)

	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/v1/report", env.rawKey, ReportRequest{ProjectID: "ghost", Success: true}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/v1/report", env.rawKey, map[string]any{"success": true}).Code)

	errs, err := env.metrics.GetErrors(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, 503, errs[0].StatusCode)
}

func (e *testEnv) admit(t *testing.T, key, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/admit", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAdmit_ScopedKeyUsesUpstreamEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{})
	require.NoError(t, err)
	unlimited := 0
	_, scoped, err := env.registry.Create(ctx, "scoped", apikey.CreateOptions{
		RateLimit:        &unlimited,
		AllowedEndpoints: []string{"/v1beta/models/*"},
	})
	require.NoError(t, err)

	w := env.admit(t, scoped, "", map[string]string{
		admission.HeaderUpstreamEndpoint: "/v1beta/models/gemini-pro:generateContent",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.admit(t, scoped, "", map[string]string{admission.HeaderUpstreamEndpoint: "/v1/files"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Endpoint not allowed for this API key"}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, env.admit(t, scoped, "", nil).Code)
	assert.Equal(t, http.StatusOK, env.admit(t, env.rawKey, "", nil).Code, "unscoped keys need no header")
}

func TestAdmit_IPAllowListIgnoresUntrustedForwardedFor(t *testing.T) {
	allowed := "10.9.9.9"
	create := func(t *testing.T, env *testEnv) string {
		t.Helper()
		ctx := context.Background()
		_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{})
		require.NoError(t, err)
		unlimited := 0
		_, raw, err := env.registry.Create(ctx, "office", apikey.CreateOptions{
			RateLimit:  &unlimited,
			AllowedIPs: []string{allowed},
		})
		require.NoError(t, err)
		return raw
	}
	xff := map[string]string{"X-Forwarded-For": allowed}

	env := newTestEnv(t)
	raw := create(t, env)
	w := env.admit(t, raw, "203.0.113.7:4321", xff)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"IP address not allowed"}`, w.Body.String())
	assert.Equal(t, http.StatusOK, env.admit(t, raw, allowed+":4321", nil).Code)

	trusted := newTestEnv(t, func(c *config.Config) { c.TrustedProxies = []string{"203.0.113.0/24"} })
	raw = create(t, trusted)
	assert.Equal(t, http.StatusOK, trusted.admit(t, raw, "203.0.113.7:4321", xff).Code)
	assert.Equal(t, http.StatusUnauthorized, trusted.admit(t, raw, "198.51.100.1:4321", xff).Code)
}

func TestNew_InvalidTrustedProxies(t *testing.T) {
	store := kvstore.NewMemoryStore()
	pm := pool.NewManager(store)
	cfg := config.DefaultConfig()
	cfg.ManagementToken = "x"
	cfg.TrustedProxies = []string{"not-a-cidr"}
	_, err := New(cfg, Deps{Engine: admission.New(apikey.NewRegistry(store, nil), pm, nil), Pool: pm}, nil)
	assert.Error(t, err)
}

func TestReport_ErrorKinds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/v1/report", env.rawKey, map[string]any{"project_id": "proj-a", "error_kind": "made-up"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/report", env.rawKey, map[string]any{"project_id": "proj-a", "error_kind": "api_disabled"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	p, err := env.pool.Get(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, pool.StatusActive, p.Status)
	assert.Zero(t, p.ErrorCount)
	day, err := env.metrics.GetDailyMetrics(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, day.ErrorBreakdown)

	w = env.do(t, http.MethodPost, "/v1/report", env.rawKey, map[string]any{"project_id": "proj-a", "error_kind": "quota"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, http.MethodPost, "/manage/report", env.rawKey, map[string]any{"project_id": "proj-a", "error_kind": "api_disabled"}).Code)
	w = env.do(t, http.MethodPost, "/manage/report", mgmtToken, map[string]any{"project_id": "proj-a", "error_kind": "api_disabled", "message": "SERVICE_DISABLED"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, pool.StatusError, p.Status)
	assert.False(t, p.APIEnabled)
}

func TestManagementAuth(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/manage/projects", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/manage/projects", "wrong", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/manage/projects", env.rawKey, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/manage/projects", mgmtToken, nil).Code)
}

func TestManagementAuth_HashedToken(t *testing.T) {
	hashed, err := encryption.HashSecret(mgmtToken, bcrypt.MinCost)
	require.NoError(t, err)

	store := kvstore.NewMemoryStore()
	pm := pool.NewManager(store)
	cfg := config.DefaultConfig()
	cfg.ManagementToken = hashed
	srv, err := New(cfg, Deps{Engine: admission.New(apikey.NewRegistry(store, nil), pm, nil), Pool: pm}, nil)
	require.NoError(t, err)
	env := &testEnv{srv: srv}

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/manage/projects", mgmtToken, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/manage/projects", hashed, nil).Code)
}

func TestManagementListings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{DailyQuota: 100})
	require.NoError(t, err)
	_, err = env.tokens.SaveToken(ctx, "alice@example.com", oauth.Token{AccessToken: "secret-access", RefreshToken: "secret-refresh", ExpiresIn: 3600}, false)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/manage/keys", mgmtToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var keys []KeyView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, "client", keys[0].Name)
	assert.Len(t, keys[0].KeyHash, 12)

	w = env.do(t, http.MethodGet, "/manage/tokens", mgmtToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-")
	assert.NotContains(t, w.Body.String(), "alice@")

	w = env.do(t, http.MethodGet, "/manage/projects/proj-a/quota", mgmtToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"prediction"`)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/manage/projects/ghost/quota", mgmtToken, nil).Code)
}

func TestManagementCooldownAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.pool.Register(ctx, "proj-a", pool.RegisterOptions{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := env.pool.RecordProjectError(ctx, "proj-a", pool.ErrorKindRateLimit, "slow down")
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodPost, "/manage/projects/proj-a/clear-cooldown", mgmtToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	in, err := env.pool.IsProjectInCooldown(ctx, "proj-a")
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, env.metrics.RecordMetric(ctx, metrics.Event{Timestamp: time.Now(), ProjectID: "proj-a", AccountID: "a", Success: true}))
	w = env.do(t, http.MethodGet, "/manage/metrics", mgmtToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Metrics metrics.AggregatedMetrics  `json:"metrics"`
		Rates   []metrics.AccountErrorRate `json:"account_error_rates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Metrics.TotalRequests)
	require.Len(t, body.Rates, 1)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/manage/metrics?start=yesterday", mgmtToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/manage/metrics?start=2026-02-01&end=2026-01-01", mgmtToken, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/manage/errors", mgmtToken, nil).Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pool.Register(context.Background(), "proj-a", pool.RegisterOptions{})
	require.NoError(t, err)
	env.do(t, http.MethodPost, "/v1/admit", env.rawKey, nil)

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gemini_pool_admissions_total{result="allowed"} 1`)
	assert.Contains(t, w.Body.String(), `gemini_pool_projects{status="active"} 1`)
}
