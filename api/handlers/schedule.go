package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/services/scheduler"
)

// Schedule serves the read-mostly snapshot of every schedule entry.
func Schedule(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"entries": sched.Snapshot(),
		})
	}
}

// ScheduleEntry serves one mailbox's schedule detail.
func ScheduleEntry(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, ok := sched.Entry(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "mailbox is not scheduled"})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// PoolStats serves per-host pool utilization.
func PoolStats(pool interfaces.ConnectionPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"hosts": pool.HostStats(),
		})
	}
}
