package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/api/handlers"
	"github.com/customeros/imapfleet/api/middleware"
	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/repository"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/services/scheduler"
	"github.com/customeros/imapfleet/services/workers"
)

// Deps carries the running components the HTTP surface reads from.
type Deps struct {
	Log          logger.Logger
	DB           *gorm.DB
	FleetConfig  *config.FleetConfig
	Scheduler    *scheduler.Scheduler
	Fleet        *workers.Fleet
	Pool         interfaces.ConnectionPool
	Repositories *repository.Repositories
}

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(r *gin.Engine, deps Deps, apiKey string) {
	if deps.Scheduler == nil || deps.Fleet == nil || deps.Pool == nil {
		panic("api deps cannot be nil")
	}

	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	// Read-only observability endpoints, no auth.
	r.GET("/health", handlers.HealthCheck(deps.DB, deps.FleetConfig, deps.Fleet))
	r.GET("/metrics", handlers.Metrics(deps.Log, deps.Scheduler, deps.Fleet, deps.Pool, deps.Repositories.MailboxStatusRepository))
	r.GET("/schedule", handlers.Schedule(deps.Scheduler))
	r.GET("/schedule/:id", handlers.ScheduleEntry(deps.Scheduler))
	r.GET("/pool", handlers.PoolStats(deps.Pool))

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  "X-IMAPFLEET-API-KEY",
		ValidAPIKey: apiKey,
	})

	admin := r.Group("/admin")
	admin.Use(apiKeyMiddleware)
	{
		mailboxes := admin.Group("/mailboxes")
		{
			mailboxes.POST("/:id/refresh", handlers.RefreshMailbox(deps.Log, deps.Scheduler, deps.Pool, deps.Repositories.MailboxRepository))
			mailboxes.POST("/:id/idle", handlers.SetIdle(deps.Scheduler))
			mailboxes.POST("/:id/priority", handlers.SetPriority(deps.Scheduler))
		}
	}
}
