// Package storage selects the object store backing the template catalog.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-go/gallery/internal/storage/adapters/awscli"
	"github.com/linkflow-go/gallery/internal/storage/adapters/disk"
	"github.com/linkflow-go/gallery/internal/storage/adapters/s3sdk"
	"github.com/linkflow-go/gallery/internal/storage/adapters/sigv4"
	"github.com/linkflow-go/gallery/internal/storage/location"
	"github.com/linkflow-go/gallery/internal/storage/ports"
	"github.com/linkflow-go/gallery/pkg/config"
	"github.com/linkflow-go/gallery/pkg/logger"
	"github.com/linkflow-go/gallery/pkg/metrics"
	"github.com/linkflow-go/gallery/pkg/telemetry"
)

const (
	BackendSDK    = "sdk"
	BackendSigned = "signed"
	BackendCLI    = "cli"
	BackendDisk   = "disk"
)

// Backend is the store chosen for this process and where templates live in it.
type Backend struct {
	Store    ports.ObjectStore
	Location location.Location
	Name     string
}

// Local reports whether templates are served from the local directory.
func (b *Backend) Local() bool {
	return b.Name == BackendDisk
}

// New builds exactly one object store from cfg. Without a configured path
// templates are read from and written to cfg.LocalDir. Every call on the
// store is traced through tel, which may be nil.
func New(cfg config.StorageConfig, tel *telemetry.Telemetry, log logger.Logger) (*Backend, error) {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if !cfg.Configured() {
		log.Info("No template storage path configured, using local directory", "dir", cfg.LocalDir)
		return &Backend{
			Store:    instrument(disk.New(cfg.LocalDir), BackendDisk, tel, log),
			Location: location.Location{Bucket: "local"},
			Name:     BackendDisk,
		}, nil
	}

	loc, err := location.Parse(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("parse storage path %q: %w", cfg.Path, err)
	}
	loc.Region = cfg.Region

	var store ports.ObjectStore
	switch cfg.Backend {
	case "", BackendSDK:
		store, err = s3sdk.New(s3sdk.Config{
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			ForcePathStyle:  cfg.ForcePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			WebIdentityFile: cfg.WebIdentityFile,
			RoleARN:         cfg.RoleARN,
		})
		if err != nil {
			return nil, err
		}
	case BackendSigned:
		store = sigv4.New(sigv4.Config{
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Credentials: sigv4.NewResolver(sigv4.ResolverConfig{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
				SessionToken:    cfg.SessionToken,
				WebIdentityFile: cfg.WebIdentityFile,
				RoleARN:         cfg.RoleARN,
				STSEndpoint:     cfg.STSEndpoint,
			}),
		})
	case BackendCLI:
		store = awscli.New(awscli.Config{
			Path:     cfg.CLIPath,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	name := cfg.Backend
	if name == "" {
		name = BackendSDK
	}
	log.Info("Template storage configured",
		"backend", name,
		"bucket", loc.Bucket,
		"prefix", loc.Prefix,
		"region", loc.Region,
	)

	return &Backend{
		Store:    instrument(store, name, tel, log),
		Location: loc,
		Name:     name,
	}, nil
}

type instrumented struct {
	next      ports.ObjectStore
	backend   string
	telemetry *telemetry.Telemetry
	logger    logger.Logger
}

func instrument(next ports.ObjectStore, backend string, tel *telemetry.Telemetry, log logger.Logger) ports.ObjectStore {
	return &instrumented{next: next, backend: backend, telemetry: tel, logger: log}
}

func (s *instrumented) start(ctx context.Context, op, key string) (context.Context, trace.Span, time.Time) {
	ctx, span := s.telemetry.StartSpan(ctx, "storage."+op,
		telemetry.StorageBackendAttribute(s.backend),
		telemetry.StorageKeyAttribute(key),
	)
	return ctx, span, time.Now()
}

func (s *instrumented) observe(span trace.Span, op, key string, start time.Time, err error) {
	elapsed := time.Since(start)
	telemetry.EndSpan(span, err)
	metrics.RecordStorageOperation(s.backend, op, err, elapsed.Seconds())
	s.logger.Debug("Object store call",
		"backend", s.backend,
		"op", op,
		"key", key,
		"duration", elapsed,
		"error", err,
	)
}

func (s *instrumented) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	ctx, span, start := s.start(ctx, "list", prefix)
	keys, err := s.next.List(ctx, bucket, prefix)
	s.observe(span, "list", prefix, start, err)
	return keys, err
}

func (s *instrumented) Get(ctx context.Context, bucket, key string) (string, error) {
	ctx, span, start := s.start(ctx, "get", key)
	body, err := s.next.Get(ctx, bucket, key)
	s.observe(span, "get", key, start, err)
	return body, err
}

func (s *instrumented) Put(ctx context.Context, bucket, key, body, contentType string) error {
	ctx, span, start := s.start(ctx, "put", key)
	err := s.next.Put(ctx, bucket, key, body, contentType)
	s.observe(span, "put", key, start, err)
	return err
}
