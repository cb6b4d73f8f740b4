// Package app assembles the registry from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/aggregation"
	"carbon-scribe/mrv-registry/internal/auth"
	"carbon-scribe/mrv-registry/internal/config"
	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/metrics"
	"carbon-scribe/mrv-registry/internal/notifications/websocket"
	"carbon-scribe/mrv-registry/internal/registry"
	"carbon-scribe/mrv-registry/internal/store"
	"carbon-scribe/mrv-registry/pkg/storage"
)

// App holds the wired registry components.
type App struct {
	Config     *config.Config
	Store      store.Store
	Bus        *events.Bus
	Aggregator *aggregation.Aggregator
	Service    *registry.Service
	Stream     *websocket.Manager
	Worker     *aggregation.Worker
	Auditor    *store.ChainAuditor

	// Archive is set when events are copied to S3.
	Archive *events.ArchiveSink

	logger *zap.Logger
}

// New opens the store, builds the event pipeline and the service, and
// bootstraps the configured admin.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		gs, err := store.OpenGormStore(store.GormConfig{
			DSN:          cfg.Database.GetDatabaseURL(),
			MaxOpenConns: cfg.Database.MaxConnections,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			AutoMigrate:  cfg.Database.AutoMigrate,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.Store = gs
	default:
		a.Store = store.NewMemoryStore(store.WithEventRetention(cfg.Events.Retention))
	}

	a.Bus = events.NewBus(logger)
	a.Bus.AddSink(events.NewLogSink(logger))
	if cfg.Events.SNSTopicARN != "" {
		sns, err := events.NewSNSSinkFromEnv(ctx, cfg.Events.AWSRegion, cfg.Events.SNSTopicARN)
		if err != nil {
			a.Store.Close()
			return nil, err
		}
		a.Bus.AddSink(sns)
		logger.Info("Publishing events to SNS", zap.String("topic", cfg.Events.SNSTopicARN))
	}
	if bucket := cfg.Events.ArchiveBucket; bucket != "" {
		s3, err := storage.NewS3Client(ctx, storage.S3Options{
			Region:          cfg.Events.AWSRegion,
			Endpoint:        cfg.Events.S3Endpoint,
			AccessKeyID:     cfg.Events.S3AccessKeyID,
			SecretAccessKey: cfg.Events.S3SecretAccessKey,
			UsePathStyle:    cfg.Events.S3PathStyle,
		})
		if err != nil {
			a.Store.Close()
			return nil, err
		}
		a.Archive = events.NewArchiveSink(s3, bucket, cfg.Events.ArchivePrefix)
		a.Bus.AddSink(a.Archive)
		logger.Info("Archiving events to S3", zap.String("bucket", bucket))
	}
	a.Stream = websocket.NewManager(logger, cfg.Security.AllowedOrigins)
	a.Bus.AddSink(a.Stream)

	a.Aggregator = aggregation.NewAggregator(a.Store, cfg.Registry.CacheTTL.Std(), logger)
	a.Service = registry.NewService(a.Store, a.Bus, a.Aggregator, logger)
	a.Auditor = store.NewChainAuditor(a.Store, cfg.Events.AuditPage)
	a.Worker = aggregation.NewWorker(a.Aggregator, a.Auditor, metrics.NewSupply(), logger, aggregation.WorkerConfig{
		Schedule: cfg.Worker.Schedule,
		Timeout:  cfg.Worker.Timeout.Std(),
	})

	if admin := cfg.Registry.BootstrapAdmin; admin != "" {
		if _, err := a.Service.Bootstrap(ctx, store.Identity(admin)); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to bootstrap registry: %w", err)
		}
	}
	return a, nil
}

// Router builds the HTTP handler: the registry API under /api/v1 plus
// /health and /metrics, wrapped in CORS.
func (a *App) Router() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger), auth.Identity())

	api := router.Group("/api/v1")
	registry.NewHandler(a.Service, a.Stream, a.logger).RegisterRoutes(api)
	auth.RegisterRoutes(api, auth.NewHandler(a.Service))
	api.GET("/system/worker", func(c *gin.Context) {
		last := a.Worker.LastRun()
		if last == nil {
			c.JSON(http.StatusOK, gin.H{"status": "pending"})
			return
		}
		c.JSON(http.StatusOK, last)
	})
	api.GET("/system/stream", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": a.Stream.GetConnectionInfo()})
	})
	api.GET("/system/archive/:sequence", a.checkArchive)

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "healthy", "timestamp": time.Now().UTC(), "stream_connections": a.Stream.GetConnectionCount()}
		if _, err := a.Service.Paused(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
		c.JSON(status, body)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Credentials are only allowed for an explicit origin list.
	origins := a.Config.Security.AllowedOrigins
	credentials := len(origins) > 0
	if !credentials {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.CallerHeader},
		AllowCredentials: credentials,
	}).Handler(router)
}

// checkArchive compares the archived copy of one event with the committed
// chain and returns a short-lived download link for it.
func (a *App) checkArchive(c *gin.Context) {
	if a.Archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event archive is not configured"})
		return
	}
	seq, err := strconv.ParseUint(c.Param("sequence"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence"})
		return
	}
	ctx := c.Request.Context()
	evts, _, err := a.Service.ListEvents(ctx, seq-1, 1)
	if err != nil {
		c.JSON(registry.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if len(evts) == 0 || evts[0].Sequence != seq {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("event %d not found", seq)})
		return
	}
	if err := a.Archive.Verify(ctx, evts[0]); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, events.ErrArchiveMismatch) || errors.Is(err, events.ErrChainBroken) {
			status = http.StatusConflict
		}
		a.logger.Warn("Archived event check failed", zap.Uint64("sequence", seq), zap.Error(err))
		c.JSON(status, gin.H{"sequence": seq, "verified": false, "error": err.Error()})
		return
	}
	url, err := a.Archive.URL(ctx, seq, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": seq, "verified": true, "hash": evts[0].Hash, "url": url})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("caller", string(auth.Caller(c))))
	}
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.Stream != nil {
		a.Stream.Close()
	}
	if a.Aggregator != nil {
		a.Aggregator.Stop()
	}
	return a.Store.Close()
}
