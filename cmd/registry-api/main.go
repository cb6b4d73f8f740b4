package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/app"
	"carbon-scribe/mrv-registry/internal/config"
)

var options struct {
	Config string `long:"config" env:"REGISTRY_CONFIG" default:"config.json" description:"path to the JSON configuration file"`
	NoWorker bool `long:"no-worker" env:"REGISTRY_NO_WORKER" description:"do not run the aggregation worker in-process"`
}

func main() {
	if _, err := flags.ParseArgs(&options, os.Args); err != nil {
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(options.Config)
	if err != nil {
		panic(err)
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize registry", zap.Error(err))
	}
	defer registry.Close()

	if !options.NoWorker {
		if err := registry.Worker.Start(ctx); err != nil {
			logger.Fatal("Failed to start aggregation worker", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      registry.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("addr", srv.Addr),
		zap.String("driver", cfg.Database.Driver))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}
