package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow-go/gallery/internal/services/gallery/catalog"
	"github.com/linkflow-go/gallery/internal/services/gallery/handlers"
	"github.com/linkflow-go/gallery/internal/services/gallery/importer"
	"github.com/linkflow-go/gallery/internal/services/gallery/repository"
	"github.com/linkflow-go/gallery/internal/services/gallery/scheduler"
	"github.com/linkflow-go/gallery/internal/storage"
	"github.com/linkflow-go/gallery/pkg/cache"
	"github.com/linkflow-go/gallery/pkg/config"
	"github.com/linkflow-go/gallery/pkg/database"
	"github.com/linkflow-go/gallery/pkg/events"
	"github.com/linkflow-go/gallery/pkg/logger"
	"github.com/linkflow-go/gallery/pkg/ratelimit"
	"github.com/linkflow-go/gallery/pkg/telemetry"
)

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	redis      *redis.Client
	eventBus   events.Publisher
	telemetry  *telemetry.Telemetry
	warmer     *scheduler.CacheWarmer
	catalog    *catalog.Service
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	s := &Server{config: cfg, logger: log}
	if err := s.init(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	cfg := s.config
	log := s.logger

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetry = tel

	backend, err := storage.New(cfg.Storage, tel, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if cfg.Cache.Backend == "redis" || (cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis") {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	var store cache.Store
	switch cfg.Cache.Backend {
	case "", "memory":
		store = cache.NewMemoryStore()
	case "redis":
		store = cache.NewRedisStore(s.redis, cfg.Cache.Namespace)
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	templateCache := cache.New(store, cache.WithName("templates"), cache.WithLogger(log))

	s.eventBus = events.NoopBus{}
	if len(cfg.Kafka.Brokers) > 0 {
		bus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			return fmt.Errorf("failed to create event bus: %w", err)
		}
		s.eventBus = bus
	}

	var history *repository.ImportRepository
	if cfg.Database.Enabled {
		db, err := database.New(cfg.Database.ToDatabaseConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		history = repository.NewImportRepository(db)
		if err := history.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate import history: %w", err)
		}
	}

	s.catalog = catalog.NewService(backend, templateCache, catalog.Config{
		ManifestKey:      cfg.Catalog.ManifestKey,
		CacheTTL:         cfg.Catalog.CacheTTL,
		FetchConcurrency: cfg.Catalog.FetchConcurrency,
	}, s.eventBus, tel, log)

	// A nil *ImportRepository must not become a non-nil interface.
	var recorder importer.HistoryRecorder
	var historyReader handlers.ImportHistory
	if history != nil {
		recorder = history
		historyReader = history
	}

	forwarder := importer.NewForwarder(importer.Config{
		WorkflowsEndpoint: cfg.Upstream.WorkflowsEndpoint,
		APIBase:           cfg.Upstream.APIBase,
		APIURL:            cfg.Upstream.APIURL,
		APIKey:            cfg.Upstream.APIKey,
		BearerToken:       cfg.Upstream.BearerToken,
		BasicAuthUser:     cfg.Upstream.BasicAuthUser,
		BasicAuthPassword: cfg.Upstream.BasicAuthPassword,
		Timeout:           cfg.Upstream.Timeout,
	}, s.catalog, recorder, s.eventBus, tel, log)

	if cfg.Catalog.WarmSchedule != "" {
		warmer, err := scheduler.NewCacheWarmer(s.catalog, cfg.Catalog.WarmSchedule, 0, log)
		if err != nil {
			return err
		}
		s.warmer = warmer
	}

	var limiter ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Backend == "redis" {
			limiter = ratelimit.NewRedisRateLimiter(s.redis, cfg.RateLimit.Burst, cfg.RateLimit.Window)
		} else {
			limiter = ratelimit.NewKeyedLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		}
	}

	h := handlers.NewGalleryHandlers(s.catalog, forwarder, historyReader, log)
	router := setupRouter(h, routerOptions{
		logger:       log,
		telemetry:    tel,
		limiter:      limiter,
		staticDir:    cfg.Server.StaticDir,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	if s.warmer != nil {
		if err := s.warmer.Start(context.Background()); err != nil {
			return err
		}
	}

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if s.warmer != nil {
		s.warmer.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if err := s.telemetry.Close(ctx); err != nil {
		s.logger.Error("Failed to flush traces", "error", err)
	}
	s.close()
	return nil
}

func (s *Server) close() {
	if s.eventBus != nil {
		if err := s.eventBus.Close(); err != nil {
			s.logger.Error("Failed to close event bus", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", "error", err)
		}
	}
}

type routerOptions struct {
	logger       logger.Logger
	telemetry    *telemetry.Telemetry
	limiter      ratelimit.RateLimiter
	staticDir    string
	maxBodyBytes int64
}

func setupRouter(h *handlers.GalleryHandlers, opts routerOptions) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware(opts.logger))
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(opts.logger))
	router.Use(metricsMiddleware())
	if opts.telemetry != nil {
		router.Use(opts.telemetry.HTTPMiddleware())
	}
	router.Use(bodyLimitMiddleware(opts.maxBodyBytes))

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		if opts.limiter == nil {
			return []gin.HandlerFunc{handler}
		}
		return []gin.HandlerFunc{ratelimit.Middleware(opts.limiter, ratelimit.IPKeyFunc), handler}
	}

	api := router.Group("/api")
	{
		api.GET("/templates", h.ListTemplates)
		api.GET("/templates/:id", h.GetTemplate)
		api.POST("/templates", limited(h.UploadTemplate)...)
		api.POST("/import-workflow", limited(h.ImportWorkflow)...)
		api.GET("/imports", h.ListImports)
	}

	router.NoRoute(spaFallback(opts.staticDir))
	return router
}
