// Package importer forwards gallery templates to an n8n-compatible
// workflows API.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/linkflow-go/gallery/internal/domain/template"
	"github.com/linkflow-go/gallery/internal/services/gallery/repository"
	"github.com/linkflow-go/gallery/pkg/events"
	"github.com/linkflow-go/gallery/pkg/logger"
	"github.com/linkflow-go/gallery/pkg/metrics"
	"github.com/linkflow-go/gallery/pkg/resilience"
	"github.com/linkflow-go/gallery/pkg/telemetry"
)

const defaultWorkflowName = "Imported from template gallery"

type Config struct {
	WorkflowsEndpoint string
	APIBase           string
	APIURL            string
	APIKey            string
	BearerToken       string
	BasicAuthUser     string
	BasicAuthPassword string
	Timeout           time.Duration
}

// TemplateResolver looks a template up by id, graph included.
type TemplateResolver interface {
	Get(ctx context.Context, id string) (*template.Template, error)
}

// HistoryRecorder stores import attempts.
type HistoryRecorder interface {
	Create(ctx context.Context, record *repository.ImportRecord) error
}

type ImportRequest struct {
	TemplateID string
	// Workflow is used as-is when set; TemplateID is ignored.
	Workflow *template.Template
	Name     string
	// HeaderAPIKey comes from the X-N8N-API-KEY request header, BodyAPIKey
	// from the request body.
	HeaderAPIKey string
	BodyAPIKey   string
	APIBase      string
}

type ImportResult struct {
	// ID is the upstream workflow id, any JSON type, or nil.
	ID       interface{} `json:"id"`
	Raw      interface{} `json:"raw"`
	Endpoint string      `json:"endpoint"`
}

type workflowPayload struct {
	Name        string                     `json:"name"`
	Nodes       []json.RawMessage          `json:"nodes"`
	Connections map[string]json.RawMessage `json:"connections"`
	Settings    map[string]any             `json:"settings"`
}

type upstreamResponse struct {
	status int
	body   string
}

type Forwarder struct {
	templates TemplateResolver
	history   HistoryRecorder
	client    *http.Client
	breaker   *resilience.CircuitBreaker
	eventBus  events.Publisher
	telemetry *telemetry.Telemetry
	logger    logger.Logger
	config    Config
}

// NewForwarder builds a Forwarder. history may be nil when import history is
// disabled.
func NewForwarder(
	cfg Config,
	templates TemplateResolver,
	history HistoryRecorder,
	eventBus events.Publisher,
	tel *telemetry.Telemetry,
	log logger.Logger,
) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if eventBus == nil {
		eventBus = events.NoopBus{}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig("n8n-import")
	breakerCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	return &Forwarder{
		templates: templates,
		history:   history,
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   resilience.NewCircuitBreaker(breakerCfg),
		eventBus:  eventBus,
		telemetry: tel,
		logger:    log,
		config:    cfg,
	}
}

// Import resolves the workflow, picks credentials and endpoint, and relays the
// workflow upstream. Request problems are reported before any upstream call.
func (f *Forwarder) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	workflow, err := f.resolveWorkflow(ctx, req)
	if err != nil {
		metrics.RecordImport("rejected", "400")
		return nil, err
	}

	headers, err := authHeaders(f.config, req.HeaderAPIKey, req.BodyAPIKey)
	if err != nil {
		metrics.RecordImport("rejected", "400")
		return nil, err
	}

	endpoint, err := resolveEndpoint(f.config, req.APIBase)
	if err != nil {
		metrics.RecordImport("rejected", "400")
		return nil, err
	}

	payload := workflowPayload{
		Name:        firstNonEmpty(req.Name, workflow.Name, defaultWorkflowName),
		Nodes:       workflow.Nodes,
		Connections: workflow.Connections,
		Settings:    workflow.Settings,
	}
	if payload.Settings == nil {
		payload.Settings = map[string]any{}
	}

	ctx, span := f.telemetry.StartSpan(ctx, "importer.Import", telemetry.EndpointAttribute(endpoint))
	result, status, err := f.relay(ctx, endpoint, headers, payload)
	telemetry.EndSpan(span, err)

	f.record(ctx, req.TemplateID, payload.Name, endpoint, status, result, err)
	return result, err
}

func (f *Forwarder) resolveWorkflow(ctx context.Context, req ImportRequest) (*template.Template, error) {
	workflow := req.Workflow
	if workflow == nil && req.TemplateID != "" {
		resolved, err := f.templates.Get(ctx, req.TemplateID)
		var vErr *template.ValidationError
		switch {
		case err == nil:
			workflow = resolved
		case errors.Is(err, template.ErrTemplateNotFound), errors.As(err, &vErr):
			f.logger.Warn("Import template unresolvable", "templateId", req.TemplateID, "error", err)
		default:
			return nil, fmt.Errorf("resolve template %s: %w", req.TemplateID, err)
		}
	}
	if !workflow.HasGraph() {
		return nil, ErrWorkflowRequired
	}
	return workflow, nil
}

// relay posts payload and returns the result, the status reported to the
// caller, and any error.
func (f *Forwarder) relay(ctx context.Context, endpoint string, headers http.Header, payload workflowPayload) (*ImportResult, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("encode workflow: %w", err)
	}

	resp, err := resilience.Execute(ctx, f.breaker, func(ctx context.Context) (upstreamResponse, error) {
		return f.post(ctx, endpoint, headers, body)
	})
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("import workflow: %w", err)
	}

	if resp.status < 200 || resp.status > 299 {
		return nil, resp.status, &UpstreamError{StatusCode: resp.status, Body: resp.body}
	}

	result := &ImportResult{Raw: resp.body, Endpoint: endpoint}
	var parsed interface{}
	if err := json.Unmarshal([]byte(resp.body), &parsed); err == nil && truthy(parsed) {
		result.Raw = parsed
		if obj, ok := parsed.(map[string]interface{}); ok && truthy(obj["id"]) {
			result.ID = obj["id"]
		}
	}
	return result, http.StatusCreated, nil
}

func (f *Forwarder) post(ctx context.Context, endpoint string, headers http.Header, body []byte) (upstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return upstreamResponse{}, err
	}
	req.Header = headers.Clone()

	resp, err := f.client.Do(req)
	if err != nil {
		return upstreamResponse{}, err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return upstreamResponse{}, err
	}
	return upstreamResponse{status: resp.StatusCode, body: string(text)}, nil
}

func (f *Forwarder) record(ctx context.Context, templateID, name, endpoint string, status int, result *ImportResult, err error) {
	outcome := "success"
	var upstreamErr *UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		outcome = "upstream_error"
	case err != nil:
		outcome = "transport_error"
	}
	metrics.RecordImport(outcome, strconv.Itoa(status))

	record := &repository.ImportRecord{
		TemplateID:   templateID,
		WorkflowName: name,
		Endpoint:     endpoint,
		Status:       status,
	}
	if result != nil && result.ID != nil {
		record.WorkflowID = fmt.Sprint(result.ID)
	}
	if err != nil {
		record.Error = err.Error()
		f.logger.Warn("Workflow import failed", "endpoint", endpoint, "status", status, "error", err)
	} else {
		f.logger.Info("Workflow imported", "endpoint", endpoint, "workflowId", record.WorkflowID)
	}

	if f.history != nil {
		if err := f.history.Create(ctx, record); err != nil {
			f.logger.Warn("Failed to record import", "error", err)
		}
	}

	event := events.NewEventBuilder(events.WorkflowImported).
		WithAggregateID(record.WorkflowID).
		WithAggregateType("workflow").
		WithPayload("templateId", templateID).
		WithPayload("endpoint", endpoint).
		WithPayload("status", status).
		WithTraceID(telemetry.TraceID(ctx)).
		Build()
	if err := f.eventBus.Publish(ctx, event); err != nil {
		f.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// truthy follows JSON truthiness: null, false, 0 and "" are false.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
