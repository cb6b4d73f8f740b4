// Command workers runs the aggregation worker against the Postgres registry
// store, separately from the API server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/aggregation"
	"carbon-scribe/mrv-registry/internal/config"
	"carbon-scribe/mrv-registry/internal/metrics"
	"carbon-scribe/mrv-registry/internal/store"
)

var options struct {
	Config string `long:"config" env:"REGISTRY_CONFIG" default:"config.json" description:"path to the JSON configuration file"`
	Once   bool   `long:"once" description:"run a single aggregation pass and exit"`
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

	if cfg.Database.Driver != config.DriverPostgres {
		logger.Fatal("Aggregation worker requires the postgres driver", zap.String("driver", cfg.Database.Driver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenGormStore(store.GormConfig{
		DSN:          cfg.Database.GetDatabaseURL(),
		MaxOpenConns: cfg.Database.MaxConnections,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	logger.Info("Connected to database")

	aggregator := aggregation.NewAggregator(st, cfg.Registry.CacheTTL.Std(), logger)
	defer aggregator.Stop()

	worker := aggregation.NewWorker(aggregator, store.NewChainAuditor(st, cfg.Events.AuditPage), metrics.NewSupply(), logger, aggregation.WorkerConfig{
		Schedule: cfg.Worker.Schedule,
		Timeout:  cfg.Worker.Timeout.Std(),
	})

	if options.Once {
		if err := worker.RunOnce(ctx); err != nil {
			logger.Fatal("Aggregation run failed", zap.Error(err))
		}
		return
	}

	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Failed to start aggregation worker", zap.Error(err))
	}
	<-ctx.Done()
	logger.Info("Shutdown signal received")
	worker.Stop()
}
