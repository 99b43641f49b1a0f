package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/services/workers"
)

// HealthResponse is the body served on /health. Status is healthy when
// every dependency is up, degraded when only non-critical ones are down,
// unhealthy when the store is unreachable.
type HealthResponse struct {
	Status       string          `json:"status"`
	Dependencies map[string]bool `json:"dependencies"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck reports overall fleet health. The database is the only hard
// dependency: without it mailbox configs and watermarks are gone, so its
// failure alone makes the process unhealthy (HTTP 503).
func HealthCheck(db *gorm.DB, cfg *config.FleetConfig, fleet *workers.Fleet) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := fleet.Stats()
		deps := map[string]bool{
			"database":  pingDatabase(db),
			"workers":   stats.Workers > 0,
			"taskQueue": stats.QueueDepth < cfg.TaskQueueSize,
		}

		response := HealthResponse{Dependencies: deps}
		switch {
		case !deps["database"]:
			response.Status = StatusUnhealthy
			c.JSON(http.StatusServiceUnavailable, response)
			return
		case !deps["workers"] || !deps["taskQueue"]:
			response.Status = StatusDegraded
		default:
			response.Status = StatusHealthy
		}

		c.JSON(http.StatusOK, response)
	}
}

func pingDatabase(db *gorm.DB) bool {
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx) == nil
}
