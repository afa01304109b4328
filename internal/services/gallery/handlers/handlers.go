package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/linkflow-go/gallery/internal/domain/template"
	"github.com/linkflow-go/gallery/internal/services/gallery/importer"
	"github.com/linkflow-go/gallery/internal/services/gallery/repository"
	"github.com/linkflow-go/gallery/internal/storage/ports"
	"github.com/linkflow-go/gallery/pkg/logger"
)

type Catalog interface {
	List(ctx context.Context) ([]*template.Template, error)
	Get(ctx context.Context, id string) (*template.Template, error)
	Upload(ctx context.Context, t *template.Template) (*template.Template, string, error)
}

type Importer interface {
	Import(ctx context.Context, req importer.ImportRequest) (*importer.ImportResult, error)
}

type ImportHistory interface {
	List(ctx context.Context, limit int) ([]repository.ImportRecord, error)
}

type GalleryHandlers struct {
	catalog  Catalog
	importer Importer
	history  ImportHistory
	logger   logger.Logger
}

// NewGalleryHandlers wires the HTTP surface. history may be nil.
func NewGalleryHandlers(catalog Catalog, imp Importer, history ImportHistory, logger logger.Logger) *GalleryHandlers {
	return &GalleryHandlers{
		catalog:  catalog,
		importer: imp,
		history:  history,
		logger:   logger,
	}
}

func (h *GalleryHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *GalleryHandlers) ListTemplates(c *gin.Context) {
	templates, err := h.catalog.List(c.Request.Context())
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"message": "No templates found.", "error": err.Error()})
			return
		}
		h.log(c).Error("Failed to list templates", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "Failed to load templates. Check the server logs.",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (h *GalleryHandlers) GetTemplate(c *gin.Context) {
	id := c.Param("id")

	tpl, err := h.catalog.Get(c.Request.Context(), id)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Template not found."})
			return
		}
		h.log(c).Error("Failed to get template", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "Failed to load the template.",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"template": tpl})
}

// UploadTemplate accepts {"template": {...}} or a bare template object.
func (h *GalleryHandlers) UploadTemplate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Could not read request body.", "error": err.Error()})
		return
	}

	raw := json.RawMessage(body)
	var envelope struct {
		Template json.RawMessage `json:"template"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Request body must be a JSON object.", "error": err.Error()})
		return
	}
	if t := bytes.TrimSpace(envelope.Template); len(t) > 0 && t[0] == '{' {
		raw = envelope.Template
	}

	var input template.Template
	if err := json.Unmarshal(raw, &input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Request body must be a JSON object.", "error": err.Error()})
		return
	}

	stored, key, err := h.catalog.Upload(c.Request.Context(), &input)
	if err != nil {
		h.log(c).Error("Failed to upload template", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "Failed to upload the template.",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"template": stored, "key": key})
}

type importBody struct {
	TemplateID interface{}     `json:"templateId"`
	Workflow   json.RawMessage `json:"workflow"`
	Name       interface{}     `json:"name"`
	APIKey     interface{}     `json:"apiKey"`
	APIBase    interface{}     `json:"apiBase"`
}

func (h *GalleryHandlers) ImportWorkflow(c *gin.Context) {
	var body importBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Request body must be a JSON object.", "error": err.Error()})
		return
	}

	req := importer.ImportRequest{
		TemplateID:   stringValue(body.TemplateID),
		Name:         stringValue(body.Name),
		HeaderAPIKey: c.GetHeader("X-N8N-API-KEY"),
		BodyAPIKey:   stringValue(body.APIKey),
		APIBase:      stringValue(body.APIBase),
	}
	if w := bytes.TrimSpace(body.Workflow); len(w) > 0 && w[0] == '{' {
		var wf template.Template
		if err := json.Unmarshal(w, &wf); err == nil {
			req.Workflow = &wf
		}
	}

	result, err := h.importer.Import(c.Request.Context(), req)
	if err != nil {
		h.writeImportError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *GalleryHandlers) writeImportError(c *gin.Context, err error) {
	var upstreamErr *importer.UpstreamError
	switch {
	case errors.Is(err, importer.ErrWorkflowRequired),
		errors.Is(err, importer.ErrAuthConfig),
		errors.Is(err, importer.ErrEndpointConfig):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.As(err, &upstreamErr):
		message := upstreamErr.Body
		if message == "" {
			message = "The n8n API call failed."
		}
		c.JSON(upstreamErr.StatusCode, gin.H{"message": message})
	default:
		h.log(c).Error("Workflow import failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "Template import failed with a server error.",
			"error":   err.Error(),
		})
	}
}

func (h *GalleryHandlers) ListImports(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"imports": []repository.ImportRecord{}})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(repository.DefaultListLimit)))
	records, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		h.log(c).Error("Failed to list imports", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load import history.", "error": err.Error()})
		return
	}
	if records == nil {
		records = []repository.ImportRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"imports": records})
}

func (h *GalleryHandlers) log(c *gin.Context) logger.Logger {
	return logger.FromContext(c.Request.Context(), h.logger)
}

func isNotFound(err error) bool {
	return errors.Is(err, template.ErrTemplateNotFound) || errors.Is(err, ports.ErrNotFound)
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
