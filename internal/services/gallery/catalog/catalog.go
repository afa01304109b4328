// Package catalog serves the template gallery: listing, detail lookup and
// upload on top of the configured object store, behind a TTL cache.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/linkflow-go/gallery/internal/domain/template"
	"github.com/linkflow-go/gallery/internal/storage"
	"github.com/linkflow-go/gallery/internal/storage/location"
	"github.com/linkflow-go/gallery/internal/storage/ports"
	"github.com/linkflow-go/gallery/pkg/batch"
	"github.com/linkflow-go/gallery/pkg/cache"
	"github.com/linkflow-go/gallery/pkg/events"
	"github.com/linkflow-go/gallery/pkg/logger"
	"github.com/linkflow-go/gallery/pkg/metrics"
	"github.com/linkflow-go/gallery/pkg/telemetry"
)

const (
	listCacheKey      = "templates:list"
	templateKeyPrefix = "template:"
)

type Config struct {
	// ManifestKey is relative to the storage prefix. Empty disables the manifest.
	ManifestKey      string
	CacheTTL         time.Duration
	FetchConcurrency int
}

type Service struct {
	store     ports.ObjectStore
	loc       location.Location
	local     bool
	cache     *cache.Cache
	eventBus  events.Publisher
	telemetry *telemetry.Telemetry
	logger    logger.Logger
	config    Config

	// manifestMu serializes manifest read-modify-write cycles in this process.
	manifestMu sync.Mutex
}

func NewService(
	backend *storage.Backend,
	c *cache.Cache,
	cfg Config,
	eventBus events.Publisher,
	tel *telemetry.Telemetry,
	log logger.Logger,
) *Service {
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = batch.DefaultLimit
	}
	if eventBus == nil {
		eventBus = events.NoopBus{}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Service{
		store:     backend.Store,
		loc:       backend.Location,
		local:     backend.Local(),
		cache:     c,
		eventBus:  eventBus,
		telemetry: tel,
		logger:    log,
		config:    cfg,
	}
}

// List returns every template, from the cache when fresh.
func (s *Service) List(ctx context.Context) ([]*template.Template, error) {
	ctx, span := s.telemetry.StartSpan(ctx, "catalog.List")
	templates, err := cache.GetOrFetch(ctx, s.cache, listCacheKey, s.config.CacheTTL, s.load)
	telemetry.EndSpan(span, err)
	return templates, err
}

// Warm reloads the listing from storage and replaces the cached copy. An
// upload that lands while the reload runs keeps its invalidation; the
// reloaded listing is then left uncached.
func (s *Service) Warm(ctx context.Context) error {
	ctx, span := s.telemetry.StartSpan(ctx, "catalog.Warm")
	templates, err := cache.Refresh(ctx, s.cache, listCacheKey, s.config.CacheTTL, s.load)
	telemetry.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("warm catalog: %w", err)
	}
	s.logger.Info("Template catalog warmed", "templates", len(templates))
	return nil
}

// Get returns one template with its full workflow graph.
func (s *Service) Get(ctx context.Context, id string) (*template.Template, error) {
	if !template.ValidID(id) {
		return nil, template.ErrTemplateNotFound
	}

	ctx, span := s.telemetry.StartSpan(ctx, "catalog.Get", telemetry.TemplateIDAttribute(id))
	tpl, err := cache.GetOrFetch(ctx, s.cache, templateKeyPrefix+id, s.config.CacheTTL,
		func(ctx context.Context) (*template.Template, error) {
			return s.fetchTemplate(ctx, id)
		})
	telemetry.EndSpan(span, err)
	return tpl, err
}

// Upload validates t, stores it under "<prefix><id>.json" and clears the
// cache. It returns the stored template and its key.
func (s *Service) Upload(ctx context.Context, t *template.Template) (*template.Template, string, error) {
	ctx, span := s.telemetry.StartSpan(ctx, "catalog.Upload")
	stored, key, err := s.upload(ctx, t)
	telemetry.EndSpan(span, err)
	metrics.RecordUpload(err)
	return stored, key, err
}

func (s *Service) upload(ctx context.Context, t *template.Template) (*template.Template, string, error) {
	normalized, err := template.Normalize(t, template.FullFields)
	if err != nil {
		return nil, "", err
	}
	normalized.Key = ""

	if !template.ValidID(normalized.ID) {
		return nil, "", &template.ValidationError{Field: "id", Reason: "must not contain path separators"}
	}

	key := s.loc.Key(normalized.ID + ".json")
	body, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode template: %w", err)
	}

	if err := s.store.Put(ctx, s.loc.Bucket, key, string(body), "application/json"); err != nil {
		return nil, "", err
	}

	if s.config.ManifestKey != "" {
		if err := s.upsertManifest(ctx, normalized, key); err != nil {
			s.logger.Warn("Failed to update manifest", "manifest", s.config.ManifestKey, "error", err)
		}
	}

	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("Failed to invalidate template cache", "error", err)
	}

	event := events.NewEventBuilder(events.TemplateUploaded).
		WithAggregateID(normalized.ID).
		WithAggregateType("template").
		WithPayload("key", key).
		WithPayload("name", normalized.Name).
		WithTraceID(telemetry.TraceID(ctx)).
		Build()
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}

	s.logger.Info("Template uploaded", "id", normalized.ID, "key", key)
	return normalized, key, nil
}

// load builds the listing without consulting the cache.
func (s *Service) load(ctx context.Context) ([]*template.Template, error) {
	if s.config.ManifestKey != "" {
		templates, err := s.loadManifest(ctx)
		switch {
		case err != nil:
			s.logger.Warn("Manifest unavailable, listing storage", "manifest", s.config.ManifestKey, "error", err)
		case len(templates) > 0:
			return templates, nil
		default:
			s.logger.Warn("Manifest has no valid entries, listing storage", "manifest", s.config.ManifestKey)
		}
	}

	keys, err := s.store.List(ctx, s.loc.Bucket, s.loc.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	manifestKey := s.manifestKey()
	filtered := keys[:0:0]
	for _, key := range keys {
		if key != manifestKey {
			filtered = append(filtered, key)
		}
	}

	fetched, err := batch.Map(ctx, filtered, s.config.FetchConcurrency, s.fetchListed)
	if err != nil {
		return nil, err
	}

	templates := make([]*template.Template, 0, len(fetched))
	for _, t := range fetched {
		if t != nil {
			templates = append(templates, t)
		}
	}

	if s.local && len(templates) == 0 {
		return nil, fmt.Errorf("no templates in local directory: %w", template.ErrTemplateNotFound)
	}
	return templates, nil
}

// fetchListed reads one listed object. Objects that are not valid template
// metadata are skipped with a nil result.
func (s *Service) fetchListed(ctx context.Context, key string) (*template.Template, error) {
	body, err := s.store.Get(ctx, s.loc.Bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	var t template.Template
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		s.logger.Warn("Skipping unreadable template", "key", key, "error", err)
		return nil, nil
	}
	if t.ID == "" {
		t.ID = strings.TrimSuffix(path.Base(key), ".json")
	}

	normalized, err := template.Normalize(&t, template.MetadataFields)
	if err != nil {
		s.logger.Warn("Skipping invalid template", "key", key, "error", err)
		return nil, nil
	}
	normalized.Key = key
	return normalized, nil
}

func (s *Service) fetchTemplate(ctx context.Context, id string) (*template.Template, error) {
	key := s.keyFor(ctx, id)

	body, err := s.store.Get(ctx, s.loc.Bucket, key)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, template.ErrTemplateNotFound)
		}
		return nil, fmt.Errorf("fetch template %s: %w", id, err)
	}

	var t template.Template
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, &template.ValidationError{Field: "template", Reason: fmt.Sprintf("%s is not valid JSON: %v", key, err)}
	}
	if t.ID == "" {
		t.ID = id
	}

	normalized, err := template.Normalize(&t, template.FullFields)
	if err != nil {
		return nil, err
	}
	normalized.Key = key
	return normalized, nil
}

// keyFor prefers the key recorded in a cached listing, since a template's
// id does not have to match its object name.
func (s *Service) keyFor(ctx context.Context, id string) string {
	var listed []*template.Template
	if ok, err := s.cache.Get(ctx, listCacheKey, &listed); err == nil && ok {
		for _, t := range listed {
			if t.ID == id && t.Key != "" {
				return t.Key
			}
		}
	}
	return s.loc.Key(id + ".json")
}

func (s *Service) manifestKey() string {
	if s.config.ManifestKey == "" {
		return ""
	}
	return s.loc.Key(s.config.ManifestKey)
}

func (s *Service) loadManifest(ctx context.Context) ([]*template.Template, error) {
	key := s.manifestKey()
	body, err := s.store.Get(ctx, s.loc.Bucket, key)
	if err != nil {
		return nil, err
	}

	entries, err := parseManifest(key, body)
	if err != nil {
		return nil, err
	}

	templates := make([]*template.Template, 0, len(entries))
	for i, raw := range entries {
		var t template.Template
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Warn("Skipping malformed manifest entry", "index", i, "error", err)
			continue
		}
		normalized, err := template.Normalize(&t, template.MetadataFields)
		if err != nil {
			s.logger.Warn("Skipping malformed manifest entry", "index", i, "error", err)
			continue
		}
		if normalized.Key == "" {
			normalized.Key = s.loc.Key(normalized.ID + ".json")
		}
		templates = append(templates, normalized)
	}
	return templates, nil
}

func (s *Service) upsertManifest(ctx context.Context, t *template.Template, key string) error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	manifestKey := s.manifestKey()

	var entries []*template.Template
	body, err := s.store.Get(ctx, s.loc.Bucket, manifestKey)
	switch {
	case errors.Is(err, ports.ErrNotFound):
	case err != nil:
		return err
	default:
		raws, err := parseManifest(manifestKey, body)
		if err != nil && !errors.Is(err, errEmptyManifest) {
			return err
		}
		for _, raw := range raws {
			var existing template.Template
			if err := json.Unmarshal(raw, &existing); err != nil {
				continue
			}
			entries = append(entries, &existing)
		}
	}

	entry := manifestEntry(t, key)
	replaced := false
	for i, existing := range entries {
		if existing.ID == t.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	encoded, contentType, err := encodeManifest(manifestKey, entries)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.loc.Bucket, manifestKey, encoded, contentType)
}
