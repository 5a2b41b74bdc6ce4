package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/api"
	"github.com/mappy4ever/DexTrends-sub010/internal/cache"
	"github.com/mappy4ever/DexTrends-sub010/internal/config"
	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/logger"
	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	dsn := cfg.DBPath
	if cfg.DBDriver == "postgres" {
		dsn = cfg.DatabaseURL
	}
	db, err := database.Open(cfg.DBDriver, dsn, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	store := database.NewStore(db)

	// Query layer
	executor := services.NewQueryExecutor(cache.New(cfg.QueryCacheSize), log)
	batch := services.NewBatchExecutor(store, log)

	// Message bus, optionally mirrored to Kafka
	bus := pubsub.NewBus(log)
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		bus.SetForwarder(pubsub.NewKafkaForwarder(brokers, cfg.KafkaTopicPrefix))
		log.Info("Kafka forwarding enabled", zap.Strings("brokers", brokers))
	}

	// Collector
	pokemonTCG := services.NewPokemonTCGService(cfg.PokemonTCGAPIKey, cfg.PokemonTCGBaseURL, cfg.CollectorRequestsPerSecond)
	if !pokemonTCG.HasAPIKey() {
		log.Warn("POKEMON_TCG_API_KEY not set - requests are unauthenticated and heavily rate limited")
	}
	collectorCfg := services.DefaultCollectorConfig()
	collectorCfg.DefaultLimit = cfg.CollectorDefaultLimit
	collectorCfg.BatchSize = cfg.CollectorBatchSize
	collectorCfg.BatchDelay = cfg.CollectorBatchDelay
	collectorCfg.MaxRetries = cfg.CollectorMaxRetries
	collectorCfg.LeaseEnabled = cfg.CollectorLeaseEnabled
	collector := services.NewPriceCollector(pokemonTCG, store, executor, bus, collectorCfg, log)
	scheduler := services.NewCollectionScheduler(collector, store, pokemonTCG.HasAPIKey(), log)

	// Analytics
	analytics := services.NewAnalyticsEngine(store, executor, services.AnalyticsConfig{
		MaxQueueSize:  cfg.AnalyticsMaxQueue,
		FlushInterval: cfg.AnalyticsFlushInterval,
		SessionIdle:   cfg.AnalyticsSessionIdle,
	}, log)

	// Maintenance & reporting
	maintenance := services.NewMaintenanceWorker(services.NewMaintenanceService(store, executor, log), cfg.MaintenanceInterval, log)
	dashboard := services.NewDashboardService(analytics, collector, store, executor, log)

	// Create a cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start background workers with panic recovery
	runWorker(ctx, log, "analytics engine", analytics.Start)
	runWorker(ctx, log, "maintenance worker", maintenance.Start)
	runWorker(ctx, log, "collection scheduler", func(ctx context.Context) {
		scheduler.Start(ctx, cfg.CollectorIntervalHours)
	})

	// Setup router
	router := api.SetupRouter(api.Services{
		Store:       store,
		Executor:    executor,
		Batch:       batch,
		Cards:       services.NewCardQueries(store, executor),
		Collector:   collector,
		Scheduler:   scheduler,
		Analytics:   analytics,
		Dashboard:   dashboard,
		Maintenance: maintenance,
		Bus:         bus,
	}, api.RouterConfig{
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, log)

	// Create HTTP server for graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Info("Starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Give outstanding requests a deadline to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Flush queued analytics before the workers stop
	if err := analytics.OnShutdown(shutdownCtx); err != nil {
		log.Error("Final analytics flush failed", zap.Error(err))
	}
	cancel()

	if err := bus.Close(); err != nil {
		log.Error("Failed to close message bus", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	log.Info("Server exited")
}

// runWorker keeps a background worker alive, restarting it 30 seconds after a panic.
func runWorker(ctx context.Context, log *zap.Logger, name string, start func(context.Context)) {
	go func() {
		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("PANIC in background worker - restarting in 30 seconds",
							zap.String("worker", name),
							zap.Any("panic", r))
					}
				}()
				start(ctx)
			}()

			select {
			case <-ctx.Done():
				return // Graceful shutdown
			case <-time.After(30 * time.Second):
				log.Info("Background worker restarting after panic recovery", zap.String("worker", name))
			}
		}
	}()
}
