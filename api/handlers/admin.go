package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/services/scheduler"
)

// RefreshMailbox reloads one mailbox's config from the store and applies
// it to the running fleet: deactivated mailboxes are unscheduled and their
// pooled session dropped, active ones are rescheduled for immediate
// service with the fresh credentials.
func RefreshMailbox(log logger.Logger, sched *scheduler.Scheduler, pool interfaces.ConnectionPool, mailboxRepo interfaces.MailboxRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		mailboxID := c.Param("id")

		mailbox, err := mailboxRepo.GetByID(c.Request.Context(), mailboxID)
		if err != nil {
			log.Errorf("[%s] refresh lookup failed: %v", mailboxID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "mailbox lookup failed"})
			return
		}

		if mailbox == nil || !mailbox.Active {
			sched.RemoveMailbox(mailboxID)
			pool.Drop(mailboxID)
			c.JSON(http.StatusOK, gin.H{"status": "unscheduled"})
			return
		}

		// Drop the cached session so the next task dials with the new
		// credentials instead of reusing a stale login.
		pool.Drop(mailboxID)

		if err := sched.AddMailbox(*mailbox); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		_ = sched.RequestRefresh(mailboxID)

		c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
	}
}

type idleRequest struct {
	Enabled bool `json:"enabled"`
}

// SetIdle is the explicit external command that re-enables IDLE after the
// scheduler disabled it on failures, or disables it operationally.
func SetIdle(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req idleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		if err := sched.SetIdleEnabled(c.Param("id"), req.Enabled); err != nil {
			if errors.Is(err, scheduler.ErrUnknownMailbox) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"idleEnabled": req.Enabled})
	}
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

// SetPriority is the external priority override; takes effect on the
// scheduler's next tick.
func SetPriority(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req priorityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		priority, ok := enum.ParseTaskPriority(req.Priority)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be high, medium or low"})
			return
		}

		if err := sched.SetPriority(c.Param("id"), priority); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"priority": priority.String()})
	}
}
