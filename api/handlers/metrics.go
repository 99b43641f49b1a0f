package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/services/scheduler"
	"github.com/customeros/imapfleet/services/workers"
)

// MetricsResponse is the fleet snapshot served on /metrics.
type MetricsResponse struct {
	AccountsTotal     int   `json:"accountsTotal"`
	AccountsActive    int   `json:"accountsActive"`
	ConnectionsActive int   `json:"connectionsActive"`
	MessagesProcessed int64 `json:"messagesProcessed"`
	MessagesFailed    int64 `json:"messagesFailed"`

	Tasks workers.FleetStats `json:"tasks"`

	MemoryAllocBytes uint64 `json:"memoryAllocBytes"`
	MemorySysBytes   uint64 `json:"memorySysBytes"`
	Goroutines       int    `json:"goroutines"`
	CPUs             int    `json:"cpus"`
}

// Metrics aggregates the scheduler, worker fleet and pool views with the
// persisted per-mailbox counters.
func Metrics(log logger.Logger, sched *scheduler.Scheduler, fleet *workers.Fleet, pool interfaces.ConnectionPool, statusRepo interfaces.MailboxStatusRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := MetricsResponse{
			Tasks: fleet.Stats(),
		}

		for _, entry := range sched.Snapshot() {
			response.AccountsTotal++
			if entry.Active {
				response.AccountsActive++
			}
		}

		for _, host := range pool.HostStats() {
			response.ConnectionsActive += host.LiveSessions
		}

		joined, err := statusRepo.GetActiveWithStatus(c.Request.Context())
		if err != nil {
			log.Warnf("metrics: status join failed: %v", err)
		}
		for _, row := range joined {
			if row.Status == nil {
				continue
			}
			response.MessagesProcessed += row.Status.MessagesProcessed
			response.MessagesFailed += row.Status.ConnectionFailures
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		response.MemoryAllocBytes = mem.Alloc
		response.MemorySysBytes = mem.Sys
		response.Goroutines = runtime.NumGoroutine()
		response.CPUs = runtime.NumCPU()

		c.JSON(http.StatusOK, response)
	}
}
