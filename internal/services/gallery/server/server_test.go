package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-go/gallery/pkg/config"
	"github.com/linkflow-go/gallery/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "slack-alert.json"),
		`{"id":"slack-alert","name":"Slack alert","description":"Notify","difficulty":"Beginner","nodes":[{"name":"Start"}],"connections":{}}`)

	return &config.Config{
		Server:  config.ServerConfig{Port: 0, MaxBodyBytes: 1 << 20},
		Storage: config.StorageConfig{LocalDir: dir},
		Catalog: config.CatalogConfig{CacheTTL: time.Minute, FetchConcurrency: 2},
		Cache:   config.CacheConfig{Backend: "memory"},
		Database: config.DatabaseConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "file:" + filepath.Join(t.TempDir(), "gallery.db"),
		},
		RateLimit: config.RateLimitConfig{Enabled: false},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	srv, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.close)
	return srv.Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_HealthAndRequestID(t *testing.T) {
	h := newTestServer(t, testConfig(t))

	w := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Len(t, w.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(requestIDHeader))
}

func TestServer_TemplateLifecycleOnLocalDisk(t *testing.T) {
	cfg := testConfig(t)
	h := newTestServer(t, cfg)

	w := do(h, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Templates []map[string]interface{} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Templates, 1)
	assert.Equal(t, "slack-alert", list.Templates[0]["id"])

	w = do(h, http.MethodPost, "/api/templates",
		`{"template":{"name":"Test","description":"d","difficulty":"Beginner","nodes":[],"connections":{}}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.FileExists(t, filepath.Join(cfg.Storage.LocalDir, "test.json"))

	w = do(h, http.MethodGet, "/api/templates", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Templates, 2)

	w = do(h, http.MethodGet, "/api/templates/test", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, "/api/templates/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_EmptyLocalDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.LocalDir = filepath.Join(t.TempDir(), "none")
	h := newTestServer(t, cfg)

	w := do(h, http.MethodGet, "/api/templates", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ImportWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.APIBase = "https://n8n.example.com"
	h := newTestServer(t, cfg)

	w := do(h, http.MethodPost, "/api/import-workflow", `{"templateId":"slack-alert"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/api/imports", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"imports":[]}`, w.Body.String())
}

func TestServer_ImportRecordsHistory(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"wf-9"}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.Upstream.APIBase = upstream.URL
	cfg.Upstream.APIKey = "k"
	h := newTestServer(t, cfg)

	w := do(h, http.MethodPost, "/api/import-workflow", `{"templateId":"slack-alert"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":"wf-9","raw":{"id":"wf-9"},"endpoint":"`+upstream.URL+`/api/v1/workflows"}`, w.Body.String())

	w = do(h, http.MethodGet, "/api/imports?limit=10", "")
	var out struct {
		Imports []map[string]interface{} `json:"imports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Imports, 1)
	assert.Equal(t, "wf-9", out.Imports[0]["workflowId"])
	assert.Equal(t, "slack-alert", out.Imports[0]["templateId"])
}

func TestServer_StaticFallback(t *testing.T) {
	cfg := testConfig(t)
	static := t.TempDir()
	writeFile(t, filepath.Join(static, "index.html"), "<html>gallery</html>")
	writeFile(t, filepath.Join(static, "assets", "app.js"), "console.log('hi')")
	cfg.Server.StaticDir = static
	h := newTestServer(t, cfg)

	w := do(h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gallery")

	w = do(h, http.MethodGet, "/templates/slack-alert", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gallery")

	w = do(h, http.MethodGet, "/assets/app.js", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console.log")

	w = do(h, http.MethodGet, "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RateLimitsWrites(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Backend: "memory", RPS: 1, Burst: 1}
	h := newTestServer(t, cfg)

	body := `{"name":"Test","description":"d","difficulty":"Beginner","nodes":[],"connections":{}}`
	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/api/templates", body).Code)

	w := do(h, http.MethodPost, "/api/templates", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/templates", "").Code, "reads are not limited")
	}
}

func TestServer_Metrics(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	do(h, http.MethodGet, "/healthz", "")

	w := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestNew_RejectsUnknownCacheBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = "memcached"

	_, err := New(cfg, logger.NewNop())
	assert.Error(t, err)
}
