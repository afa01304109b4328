package importer

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

const apiKeyHeader = "X-N8N-API-KEY"

// resolveEndpoint returns the workflows endpoint to POST to. preferredBase is
// the per-request apiBase and outranks the configured bases, but never the
// configured full endpoint.
func resolveEndpoint(cfg Config, preferredBase string) (string, error) {
	if cfg.WorkflowsEndpoint != "" {
		return cfg.WorkflowsEndpoint, nil
	}

	raw := firstNonEmpty(preferredBase, cfg.APIBase, cfg.APIURL)
	if raw == "" {
		return "", ErrEndpointConfig
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrEndpointConfig
	}

	p := u.Path
	switch {
	case strings.Contains(p, "/api/v1/") && !strings.Contains(p, "workflows"),
		strings.Contains(p, "/rest/") && !strings.Contains(p, "workflows"):
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		u.Path = p + "workflows"
	default:
		u.Path = "/api/v1/workflows"
	}
	u.RawPath = ""
	return u.String(), nil
}

// authHeaders picks exactly one credential: header key, body key, configured
// key, bearer token, then basic auth.
func authHeaders(cfg Config, headerKey, bodyKey string) (http.Header, error) {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")

	if key := firstNonEmpty(headerKey, bodyKey, cfg.APIKey); key != "" {
		h.Set(apiKeyHeader, key)
		return h, nil
	}
	if cfg.BearerToken != "" {
		h.Set("Authorization", "Bearer "+cfg.BearerToken)
		return h, nil
	}
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPassword != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(cfg.BasicAuthUser + ":" + cfg.BasicAuthPassword))
		h.Set("Authorization", "Basic "+encoded)
		return h, nil
	}
	return nil, ErrAuthConfig
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
