package importer

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowRequired = errors.New("template JSON not found: provide templateId or a workflow with nodes and connections")
	ErrAuthConfig       = errors.New("no n8n API credentials: send X-N8N-API-KEY or apiKey, or configure the server")
	ErrEndpointConfig   = errors.New("no n8n API address: set N8N_API_BASE or N8N_WORKFLOWS_ENDPOINT, or send apiBase")
)

// UpstreamError is a non-2xx answer from the workflows endpoint. Body is the
// response text, unmodified.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}
