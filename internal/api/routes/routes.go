package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/rail-service/dca_service/internal/api/handlers"
	"github.com/rail-service/dca_service/internal/api/middleware"
	"github.com/rail-service/dca_service/internal/infrastructure/di"
	"github.com/rail-service/dca_service/pkg/idempotency"
	"github.com/rail-service/dca_service/pkg/tracing"
)

// Version is reported by the health endpoint
var Version = "dev"

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()
	cfg := container.Config

	// Global middleware - order matters
	router.Use(tracing.HTTPMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewRateLimiter(cfg.Server.RateLimitPerMin).Limit())
	router.Use(middleware.SecurityHeaders())

	coreHandlers := handlers.NewCoreHandlers(container.HealthChecks(), Version, container.ZapLog)
	dcaHandlers := handlers.NewDCAHandlers(container.OrderService, container.ZapLog)
	credentialHandlers := handlers.NewCredentialHandlers(container.Issuer, container.ZapLog)
	internalHandlers := handlers.NewInternalHandlers(container.Scheduler, container.ZapLog)

	// Health checks (no auth required)
	router.GET("/health", coreHandlers.Health)
	router.GET("/live", coreHandlers.Live)
	router.GET("/metrics", handlers.Metrics())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Authentication(cfg.JWT.Secret))
	{
		v1.POST("/automation-identities", dcaHandlers.CreateAutomationIdentity)

		orders := v1.Group("/orders")
		{
			create := []gin.HandlerFunc{dcaHandlers.CreateOrder}
			if container.IdempotencyStore != nil {
				create = append([]gin.HandlerFunc{idempotency.Middleware(container.IdempotencyStore, cfg.Server.IdempotencyTTL, container.ZapLog)}, create...)
			}
			orders.POST("", create...)
			orders.GET("", dcaHandlers.ListOrders)
			orders.GET("/stats", dcaHandlers.GetStats)
			orders.GET("/:id", dcaHandlers.GetOrder)
			orders.GET("/:id/executions", dcaHandlers.ListExecutions)
			orders.POST("/:id/pause", dcaHandlers.PauseOrder)
			orders.POST("/:id/resume", dcaHandlers.ResumeOrder)
			orders.POST("/:id/cancel", dcaHandlers.CancelOrder)
			execute := []gin.HandlerFunc{dcaHandlers.ExecuteOrder}
			if container.TieredLimiter != nil {
				execute = append([]gin.HandlerFunc{middleware.TieredRateLimiting(container.TieredLimiter, container.Logger)}, execute...)
			}
			orders.POST("/:id/execute", execute...)
		}

		v1.POST("/credentials/:identity/revoke", credentialHandlers.RevokeCredential)
	}

	internal := router.Group("/internal/v1")
	internal.Use(middleware.IPAllowList(cfg.Security.AllowedIPs), middleware.InternalToken(cfg.Security.InternalToken))
	{
		internal.POST("/sweep", internalHandlers.Sweep)
	}

	return router
}
