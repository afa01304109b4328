package importer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-go/gallery/internal/domain/template"
	"github.com/linkflow-go/gallery/internal/services/gallery/repository"
	"github.com/linkflow-go/gallery/pkg/events"
	"github.com/linkflow-go/gallery/pkg/logger"
)

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		preferred string
		want      string
		wantErr   error
	}{
		{
			name:      "explicit endpoint wins over everything",
			cfg:       Config{WorkflowsEndpoint: "https://n8n.example.com/custom/wf", APIBase: "https://other"},
			preferred: "https://request.example.com",
			want:      "https://n8n.example.com/custom/wf",
		},
		{
			name: "host only gets api v1 workflows",
			cfg:  Config{APIBase: "https://n8n.example.com"},
			want: "https://n8n.example.com/api/v1/workflows",
		},
		{
			name: "api v1 without resource appends workflows",
			cfg:  Config{APIBase: "https://n8n.example.com/api/v1"},
			want: "https://n8n.example.com/api/v1/workflows",
		},
		{
			name: "rest without resource appends workflows",
			cfg:  Config{APIBase: "https://n8n.example.com/rest/"},
			want: "https://n8n.example.com/rest/workflows",
		},
		{
			name: "already pointing at workflows falls back to host root",
			cfg:  Config{APIBase: "https://n8n.example.com/api/v1/workflows"},
			want: "https://n8n.example.com/api/v1/workflows",
		},
		{
			name: "unrelated path is replaced",
			cfg:  Config{APIBase: "https://n8n.example.com/some/path"},
			want: "https://n8n.example.com/api/v1/workflows",
		},
		{
			name:      "request base outranks configured base",
			cfg:       Config{APIBase: "https://configured.example.com"},
			preferred: "http://localhost:5678/rest",
			want:      "http://localhost:5678/rest/workflows",
		},
		{
			name: "api url used when base missing",
			cfg:  Config{APIURL: "https://url.example.com/api/v1/"},
			want: "https://url.example.com/api/v1/workflows",
		},
		{
			name:    "nothing configured",
			cfg:     Config{},
			wantErr: ErrEndpointConfig,
		},
		{
			name:    "unparseable base",
			cfg:     Config{APIBase: "not a url"},
			wantErr: ErrEndpointConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveEndpoint(tt.cfg, tt.preferred)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthHeaders(t *testing.T) {
	full := Config{APIKey: "config-key", BearerToken: "tok", BasicAuthUser: "u", BasicAuthPassword: "p"}

	h, err := authHeaders(full, "header-key", "body-key")
	require.NoError(t, err)
	assert.Equal(t, "header-key", h.Get(apiKeyHeader))
	assert.Empty(t, h.Get("Authorization"))

	h, err = authHeaders(full, "", "body-key")
	require.NoError(t, err)
	assert.Equal(t, "body-key", h.Get(apiKeyHeader))

	h, err = authHeaders(full, "", "")
	require.NoError(t, err)
	assert.Equal(t, "config-key", h.Get(apiKeyHeader))

	h, err = authHeaders(Config{BearerToken: "tok", BasicAuthUser: "u", BasicAuthPassword: "p"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Empty(t, h.Get(apiKeyHeader))

	h, err = authHeaders(Config{BasicAuthUser: "u", BasicAuthPassword: "p"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("u:p")), h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	_, err = authHeaders(Config{BasicAuthUser: "u"}, "", "")
	assert.ErrorIs(t, err, ErrAuthConfig)
}

type stubTemplates map[string]*template.Template

func (s stubTemplates) Get(_ context.Context, id string) (*template.Template, error) {
	if t, ok := s[id]; ok {
		return t, nil
	}
	return nil, template.ErrTemplateNotFound
}

type memHistory struct {
	mu      sync.Mutex
	records []*repository.ImportRecord
}

func (m *memHistory) Create(_ context.Context, r *repository.ImportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

type upstream struct {
	*httptest.Server
	calls   int32
	lastReq *http.Request
	body    map[string]interface{}
}

func newUpstream(t *testing.T, status int, body string) *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.calls, 1)
		u.lastReq = r
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &u.body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(u.Close)
	return u
}

func sampleTemplate() *template.Template {
	return &template.Template{
		ID:          "slack-alert",
		Name:        "Slack alert",
		Description: "d",
		Difficulty:  template.Beginner,
		Nodes:       []json.RawMessage{json.RawMessage(`{"name":"Start"}`)},
		Connections: map[string]json.RawMessage{},
	}
}

func newTestForwarder(cfg Config, history HistoryRecorder, bus events.Publisher) *Forwarder {
	return NewForwarder(cfg, stubTemplates{"slack-alert": sampleTemplate()}, history, bus, nil, logger.NewNop())
}

func TestImport_ByTemplateID(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{"id":"wf-1","name":"Slack alert"}`)
	history := &memHistory{}
	bus := events.NewMemoryBus()
	f := newTestForwarder(Config{APIBase: up.URL, APIKey: "k"}, history, bus)

	result, err := f.Import(context.Background(), ImportRequest{TemplateID: "slack-alert"})
	require.NoError(t, err)

	assert.Equal(t, "wf-1", result.ID)
	assert.Equal(t, up.URL+"/api/v1/workflows", result.Endpoint)
	assert.Equal(t, map[string]interface{}{"id": "wf-1", "name": "Slack alert"}, result.Raw)

	assert.Equal(t, "/api/v1/workflows", up.lastReq.URL.Path)
	assert.Equal(t, "k", up.lastReq.Header.Get(apiKeyHeader))
	assert.Equal(t, "Slack alert", up.body["name"])
	assert.Equal(t, map[string]interface{}{}, up.body["settings"])
	assert.Len(t, up.body["nodes"], 1)

	require.Len(t, history.records, 1)
	assert.Equal(t, http.StatusCreated, history.records[0].Status)
	assert.Equal(t, "wf-1", history.records[0].WorkflowID)
	require.Len(t, bus.Events(), 1)
	assert.Equal(t, events.WorkflowImported, bus.Events()[0].Type)
}

func TestImport_InlineWorkflowAndName(t *testing.T) {
	up := newUpstream(t, http.StatusCreated, `{"id":7}`)
	f := newTestForwarder(Config{APIBase: up.URL, BearerToken: "tok"}, nil, nil)

	var wf template.Template
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[],"connections":{},"settings":{"timezone":"UTC"}}`), &wf))

	result, err := f.Import(context.Background(), ImportRequest{Workflow: &wf, Name: "Mine"})
	require.NoError(t, err)

	assert.Equal(t, float64(7), result.ID)
	assert.Equal(t, "Bearer tok", up.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "Mine", up.body["name"])
	assert.Equal(t, map[string]interface{}{"timezone": "UTC"}, up.body["settings"])
}

func TestImport_DefaultNameAndRawText(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `created`)
	f := newTestForwarder(Config{APIBase: up.URL, APIKey: "k"}, nil, nil)

	var wf template.Template
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[],"connections":{}}`), &wf))

	result, err := f.Import(context.Background(), ImportRequest{Workflow: &wf})
	require.NoError(t, err)

	assert.Nil(t, result.ID)
	assert.Equal(t, "created", result.Raw)
	assert.Equal(t, defaultWorkflowName, up.body["name"])
}

func TestImport_WithoutCredentials(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{}`)
	history := &memHistory{}
	f := newTestForwarder(Config{APIBase: up.URL}, history, nil)

	_, err := f.Import(context.Background(), ImportRequest{TemplateID: "slack-alert"})

	assert.ErrorIs(t, err, ErrAuthConfig)
	assert.Zero(t, atomic.LoadInt32(&up.calls))
	assert.Empty(t, history.records)
}

func TestImport_WithoutEndpoint(t *testing.T) {
	f := newTestForwarder(Config{APIKey: "k"}, nil, nil)

	_, err := f.Import(context.Background(), ImportRequest{TemplateID: "slack-alert"})
	assert.ErrorIs(t, err, ErrEndpointConfig)
}

func TestImport_WorkflowRequired(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{}`)
	f := newTestForwarder(Config{APIBase: up.URL, APIKey: "k"}, nil, nil)
	ctx := context.Background()

	_, err := f.Import(ctx, ImportRequest{})
	assert.ErrorIs(t, err, ErrWorkflowRequired)

	_, err = f.Import(ctx, ImportRequest{TemplateID: "missing"})
	assert.ErrorIs(t, err, ErrWorkflowRequired)

	_, err = f.Import(ctx, ImportRequest{Workflow: &template.Template{Name: "no graph"}})
	assert.ErrorIs(t, err, ErrWorkflowRequired)

	assert.Zero(t, atomic.LoadInt32(&up.calls))
}

func TestImport_UpstreamStatusPassedThrough(t *testing.T) {
	up := newUpstream(t, http.StatusUnauthorized, `{"message":"unauthorized"}`)
	history := &memHistory{}
	f := newTestForwarder(Config{APIBase: up.URL, APIKey: "bad"}, history, nil)

	_, err := f.Import(context.Background(), ImportRequest{TemplateID: "slack-alert"})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusUnauthorized, upstreamErr.StatusCode)
	assert.Equal(t, `{"message":"unauthorized"}`, upstreamErr.Body)
	require.Len(t, history.records, 1)
	assert.Equal(t, http.StatusUnauthorized, history.records[0].Status)
}

func TestImport_TransportFailure(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{}`)
	endpoint := up.URL
	up.Close()

	f := newTestForwarder(Config{APIBase: endpoint, APIKey: "k"}, nil, nil)

	_, err := f.Import(context.Background(), ImportRequest{TemplateID: "slack-alert"})

	require.Error(t, err)
	var upstreamErr *UpstreamError
	assert.False(t, errors.As(err, &upstreamErr))
}
