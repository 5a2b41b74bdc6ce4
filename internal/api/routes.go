package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/api/handlers"
	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

// Services is everything the router hands to its handlers.
type Services struct {
	Store       *database.Store
	Executor    *services.QueryExecutor
	Batch       *services.BatchExecutor
	Cards       *services.CardQueries
	Collector   *services.PriceCollector
	Scheduler   *services.CollectionScheduler
	Analytics   *services.AnalyticsEngine
	Dashboard   *services.DashboardService
	Maintenance *services.MaintenanceWorker
	Bus         *pubsub.Bus
}

type RouterConfig struct {
	AdminToken     string
	AllowedOrigins []string
}

func SetupRouter(svc Services, cfg RouterConfig, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), MetricsMiddleware())

	// CORS configuration - allow origins from config or use defaults
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.SessionHeader}
	// the session cookie must travel with cross-origin tracking calls
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// Initialize handlers
	collectionHandler := handlers.NewCollectionHandler(svc.Collector, svc.Scheduler)
	analyticsHandler := handlers.NewAnalyticsHandler(svc.Analytics, log)
	cardHandler := handlers.NewCardHandler(svc.Cards)
	adminHandler := handlers.NewAdminHandler(svc.Dashboard, svc.Maintenance, svc.Executor, svc.Batch, log)
	streamHandler := handlers.NewStreamHandler(svc.Bus, log)

	requireAdmin := RequireAdminToken(cfg.AdminToken)

	// API routes
	api := router.Group("/api")
	{
		// Collector routes
		collector := api.Group("/collector")
		{
			collector.POST("/collect", requireAdmin, collectionHandler.Collect)
			collector.POST("/schedule", requireAdmin, collectionHandler.Schedule)
			collector.GET("/trends", collectionHandler.GetTrends)
			collector.GET("/status", collectionHandler.GetStatus)
		}

		// Analytics routes
		analytics := api.Group("/analytics")
		{
			analytics.POST("/events", analyticsHandler.TrackEvent)
			analytics.POST("/flush", analyticsHandler.Flush)
			analytics.POST("/lifecycle/:hook", analyticsHandler.Lifecycle)
			analytics.GET("/behavior", analyticsHandler.GetUserBehavior)
			analytics.GET("/search", analyticsHandler.GetSearchAnalytics)
			analytics.GET("/cards/:id", analyticsHandler.GetCardPerformance)
			analytics.GET("/report", analyticsHandler.GetReport)
		}

		// Card routes
		cards := api.Group("/cards")
		{
			cards.GET("/search", cardHandler.SearchCards)
			cards.GET("/:id/history", cardHandler.GetPriceHistory)
		}

		// Admin routes
		admin := api.Group("/admin", requireAdmin)
		{
			admin.GET("/dashboard", adminHandler.GetDashboard)
			admin.POST("/maintenance", adminHandler.RunMaintenance)
			admin.GET("/maintenance", adminHandler.GetLastMaintenance)
			admin.GET("/performance", adminHandler.GetPerformance)
			admin.POST("/cache/clear", adminHandler.ClearCache)
			admin.POST("/batch/:table", adminHandler.ExecuteBatch)
		}

		api.GET("/stream/:topic", streamHandler.Stream)
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := svc.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
