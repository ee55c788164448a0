package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/config"
	"github.com/sofatutor/gemini-pool/internal/encryption"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupEnv points the CLI at a file store in a temporary directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_BACKEND", "file")
	t.Setenv("STORE_DIR", filepath.Join(dir, "store"))
	t.Setenv("SETTINGS_PATH", filepath.Join(dir, "settings.yaml"))
	t.Setenv("RATE_LIMIT_STRATEGY", "store")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"--env", ""}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := runCLI(t, append([]string{"--json"}, args...)...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestKeysLifecycle(t *testing.T) {
	setupEnv(t)

	var created struct {
		Name      string `json:"name"`
		Key       string `json:"key"`
		KeyHash   string `json:"key_hash"`
		RateLimit int    `json:"rate_limit"`
	}
	runJSON(t, &created, "keys", "create", "alpha", "--rate-limit", "2", "--allowed-endpoint", "/v1/*")
	assert.Equal(t, "alpha", created.Name)
	assert.Equal(t, 2, created.RateLimit)
	assert.Len(t, created.KeyHash, 12)
	require.NotEmpty(t, created.Key)

	var listed []keyView
	runJSON(t, &listed, "keys", "list")
	require.Len(t, listed, 1)
	assert.Equal(t, "alpha", listed[0].Name)
	assert.True(t, listed[0].IsActive)

	var res apikey.ValidationResult
	runJSON(t, &res, "keys", "validate", created.Key, "--endpoint", "/v1/models")
	assert.True(t, res.Valid)
	require.NotNil(t, res.RateLimitRemaining)
	assert.Equal(t, 1, *res.RateLimitRemaining)

	_, err := runCLI(t, "keys", "validate", created.Key, "--endpoint", "/admin")
	assert.ErrorIs(t, err, apikey.ErrEndpointNotAllowed)

	out, err := runCLI(t, "keys", "revoke", created.Key)
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")
	assert.NotContains(t, out, created.Key)

	_, err = runCLI(t, "keys", "validate", created.Key)
	assert.ErrorIs(t, err, apikey.ErrInactive)

	_, err = runCLI(t, "keys", "delete", "alpha", "--name")
	require.NoError(t, err)
	runJSON(t, &listed, "keys", "list")
	assert.Empty(t, listed)

	_, err = runCLI(t, "keys", "delete", "alpha", "--name")
	assert.ErrorIs(t, err, apikey.ErrKeyNotFound)
}

func TestKeysCreate_TextOutput(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "keys", "create", "beta", "--rate-limit", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Name:")
	assert.Contains(t, out, "unlimited")
	assert.Contains(t, out, "cannot be shown again")
}

func TestProjects(t *testing.T) {
	setupEnv(t)

	var p struct {
		ProjectID  string `json:"projectId"`
		Status     string `json:"status"`
		DailyQuota int    `json:"dailyQuota"`
	}
	runJSON(t, &p, "projects", "add", "proj-a", "--account", "alice@example.com", "--daily-quota", "100")
	assert.Equal(t, "proj-a", p.ProjectID)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, 100, p.DailyQuota)

	_, err := runCLI(t, "projects", "add", "proj-a")
	assert.Error(t, err)

	runJSON(t, &p, "projects", "disable", "proj-a")
	assert.Equal(t, "disabled", p.Status)
	runJSON(t, &p, "projects", "enable", "proj-a")
	assert.Equal(t, "active", p.Status)
	runJSON(t, &p, "projects", "mark-error", "proj-a", "--reason", "billing")
	assert.Equal(t, "error", p.Status)

	var q struct {
		Tracked   bool `json:"tracked"`
		Remaining int  `json:"remaining"`
	}
	runJSON(t, &q, "projects", "quota", "proj-a")
	assert.Equal(t, 100, q.Remaining)

	out, err := runCLI(t, "projects", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "proj-a")
	assert.Contains(t, out, "a****@example.com")
	assert.NotContains(t, out, "alice@")

	_, err = runCLI(t, "projects", "remove", "proj-a")
	require.NoError(t, err)
	_, err = runCLI(t, "projects", "quota", "proj-a")
	assert.Error(t, err)
}

func TestTokens(t *testing.T) {
	dir := setupEnv(t)
	file := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"email": "Alice@Example.com",
		"access_token": "ya29.secret",
		"refresh_token": "1//refresh",
		"expires_in": 60
	}`), 0o600))

	var saved tokenView
	runJSON(t, &saved, "tokens", "import", file)
	assert.Equal(t, "a****@example.com", saved.Email)
	require.NotNil(t, saved.Expiry)

	var due []tokenView
	runJSON(t, &due, "tokens", "due", "--buffer", "5m")
	assert.Len(t, due, 1)

	out, err := runCLI(t, "--json", "tokens", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "ya29.secret")
	assert.NotContains(t, out, "1//refresh")

	_, err = runCLI(t, "tokens", "invalidate", "alice@example.com", "--reason", "revoked upstream")
	require.NoError(t, err)
	var valid []tokenView
	runJSON(t, &valid, "tokens", "list", "--valid")
	assert.Empty(t, valid)

	_, err = runCLI(t, "tokens", "delete", "alice@example.com")
	require.NoError(t, err)
	var all []tokenView
	runJSON(t, &all, "tokens", "list")
	assert.Empty(t, all)
}

func TestSecrets(t *testing.T) {
	var key map[string]string
	runJSON(t, &key, "secrets", "gen-key")
	_, err := encryption.NewSealerFromBase64(key["encryption_key"])
	require.NoError(t, err)

	var hashed map[string]string
	runJSON(t, &hashed, "secrets", "hash-token", "mgmt-secret", "--cost", "4")
	require.NoError(t, encryption.VerifySecret(hashed["management_token"], "mgmt-secret"))
}

func TestTokens_EncryptedAtRest(t *testing.T) {
	dir := setupEnv(t)
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	t.Setenv("ENCRYPTION_KEY", key)

	file := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"email":"bob@example.com","access_token":"ya29.sealed-secret","expires_in":3600}`), 0o600))
	_, err = runCLI(t, "tokens", "import", file)
	require.NoError(t, err)

	fs, err := kvstore.NewFileStore(kvstore.FileStoreOptions{Dir: filepath.Join(dir, "store")})
	require.NoError(t, err)
	raw, err := fs.Get(context.Background(), "oauth:token:bob@example.com")
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	assert.NotContains(t, string(raw), "ya29.sealed-secret")
	assert.Contains(t, string(raw), encryption.SealedPrefix)

	var valid []tokenView
	runJSON(t, &valid, "tokens", "list", "--valid")
	assert.Len(t, valid, 1)

	t.Setenv("ENCRYPTION_KEY", "")
	var none []tokenView
	runJSON(t, &none, "tokens", "list")
	assert.Empty(t, none, "sealed records are skipped without the key")

	t.Setenv("ENCRYPTION_KEY", "short")
	_, err = runCLI(t, "tokens", "list")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	setupEnv(t)

	var summary struct {
		Metrics struct {
			TotalRequests int64 `json:"total_requests"`
			Days          int   `json:"days"`
		} `json:"metrics"`
	}
	runJSON(t, &summary, "metrics", "summary")
	assert.Equal(t, int64(0), summary.Metrics.TotalRequests)
	assert.Equal(t, 1, summary.Metrics.Days)

	_, err := runCLI(t, "metrics", "summary", "--start", "yesterday")
	assert.Error(t, err)

	_, err = runCLI(t, "projects", "add", "proj-a")
	require.NoError(t, err)
	_, err = runCLI(t, "metrics", "predict", "proj-a")
	assert.Error(t, err, "project without quota needs --quota")
	var pred struct {
		DailyQuota int64 `json:"daily_quota"`
		Remaining  int64 `json:"remaining"`
	}
	runJSON(t, &pred, "metrics", "predict", "proj-a", "--quota", "50")
	assert.Equal(t, int64(50), pred.Remaining)

	var errs []any
	runJSON(t, &errs, "metrics", "errors")
	assert.Empty(t, errs)

	var cleaned map[string]int
	runJSON(t, &cleaned, "metrics", "cleanup", "--retention-days", "7")
	assert.Equal(t, 7, cleaned["retention_days"])
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("STORE_BACKEND", "etcd")
	_, err := runCLI(t, "keys", "list")
	assert.Error(t, err)
}

type mockServer struct {
	mu       sync.Mutex
	shutdown bool
	stop     chan struct{}
	startErr error
}

func newMockServer() *mockServer { return &mockServer{stop: make(chan struct{})} }

func (m *mockServer) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	<-m.stop
	return nil
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shutdown {
		m.shutdown = true
		close(m.stop)
	}
	return nil
}

func TestServe_ContextCancelShutsDown(t *testing.T) {
	srv := newMockServer()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, srv, zap.NewNop()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.True(t, srv.shutdown)
}

func TestServe_SignalShutsDown(t *testing.T) {
	var notified chan<- os.Signal
	ready := make(chan struct{})
	orig := signalNotifyFunc
	signalNotifyFunc = func(c chan<- os.Signal, sig ...os.Signal) {
		notified = c
		close(ready)
	}
	defer func() { signalNotifyFunc = orig }()

	srv := newMockServer()
	errCh := make(chan error, 1)
	go func() { errCh <- serve(context.Background(), srv, zap.NewNop()) }()

	<-ready
	notified <- os.Interrupt
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.True(t, srv.shutdown)
}

func TestServe_StartError(t *testing.T) {
	srv := newMockServer()
	srv.startErr = errors.New("address in use")
	err := serve(context.Background(), srv, zap.NewNop())
	assert.ErrorContains(t, err, "address in use")
}

func TestServeCmd_RequiresManagementToken(t *testing.T) {
	setupEnv(t)
	t.Setenv("MANAGEMENT_TOKEN", "")
	_, err := runCLI(t, "serve")
	assert.Error(t, err)
}

func TestNewApp_KeepsMemoryLimiterForPruning(t *testing.T) {
	setupEnv(t)
	tests := []struct {
		name     string
		strategy string
		fallback string
		want     bool
	}{
		{"memory", "memory", "false", true},
		{"store with fallback", "store", "true", true},
		{"store only", "store", "false", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RATE_LIMIT_STRATEGY", tt.strategy)
			t.Setenv("RATE_LIMIT_FALLBACK", tt.fallback)
			cfg, err := config.New()
			require.NoError(t, err)
			a, err := newApp(context.Background(), cfg, io.Discard)
			require.NoError(t, err)
			defer a.Close()
			assert.Equal(t, tt.want, a.memLimiter != nil)
			if a.memLimiter != nil {
				a.pruneLimiter(context.Background())
			}
		})
	}
}

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		runEvery(ctx, 5*time.Millisecond, func(context.Context) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runEvery did not stop")
	}
}
