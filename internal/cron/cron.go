package cron

import (
	"context"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/services/scheduler"
)

const (
	// GroupFleet is the group for fleet maintenance jobs
	GroupFleet = "fleet"

	jobTimeout = 2 * time.Minute
)

// LOCK MANAGEMENT
var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupFleet: new(sync.Mutex),
	},
}

// CronManager runs the fleet's periodic maintenance: a liveness heartbeat,
// the mailbox refresh that reconciles the schedule against the store, and
// the reconnect sweep that pulls broken mailboxes forward.
type CronManager struct {
	cfg         *config.CronConfig
	log         logger.Logger
	cron        *cronv3.Cron
	jobIDs      map[string]cronv3.EntryID
	mailboxRepo interfaces.MailboxRepository
	statusStore interfaces.StatusStore
	scheduler   *scheduler.Scheduler
	pool        interfaces.ConnectionPool
}

func NewCronManager(cfg *config.CronConfig, log logger.Logger, mailboxRepo interfaces.MailboxRepository, statusStore interfaces.StatusStore, sched *scheduler.Scheduler, pool interfaces.ConnectionPool) *CronManager {
	return &CronManager{
		cfg:         cfg,
		log:         log,
		jobIDs:      make(map[string]cronv3.EntryID),
		mailboxRepo: mailboxRepo,
		statusStore: statusStore,
		scheduler:   sched,
		pool:        pool,
	}
}

// Start initializes and starts the cron scheduler
func (cm *CronManager) Start() {
	cm.log.Info("Starting cron manager")
	c := cronv3.New(
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

// Stop gracefully stops the cron manager
func (cm *CronManager) Stop() {
	if cm.cron != nil {
		cm.log.Info("Stopping cron manager")
		ctx := cm.cron.Stop()
		// Wait for jobs to finish
		<-ctx.Done()
	}
}

// registerJobs adds all cron jobs to the scheduler
func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	if cm.cfg.CronScheduleHeartbeat != "" {
		id, err := c.AddFunc(cm.cfg.CronScheduleHeartbeat, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			cm.log.Infof("Cron heartbeat: %d mailboxes scheduled", len(cm.scheduler.Snapshot()))
		})
		if err != nil {
			cm.log.Fatalf("Could not add heartbeat cron job: %v", err)
		}
		cm.jobIDs["heartbeat"] = id
		cm.log.Infof("Registered heartbeat job with schedule: %s", cm.cfg.CronScheduleHeartbeat)
	}

	if cm.cfg.CronScheduleMailboxRefresh != "" {
		id, err := c.AddFunc(cm.cfg.CronScheduleMailboxRefresh, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			jobLocks.locks[GroupFleet].Lock()
			defer jobLocks.locks[GroupFleet].Unlock()
			cm.refreshMailboxes()
		})
		if err != nil {
			cm.log.Fatalf("Could not add mailbox refresh cron job: %v", err)
		}
		cm.jobIDs["mailbox_refresh"] = id
		cm.log.Infof("Registered mailbox refresh job with schedule: %s", cm.cfg.CronScheduleMailboxRefresh)
	}

	if cm.cfg.CronScheduleReconnectSweep != "" {
		id, err := c.AddFunc(cm.cfg.CronScheduleReconnectSweep, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			jobLocks.locks[GroupFleet].Lock()
			defer jobLocks.locks[GroupFleet].Unlock()
			cm.reconnectSweep()
		})
		if err != nil {
			cm.log.Fatalf("Could not add reconnect sweep cron job: %v", err)
		}
		cm.jobIDs["reconnect_sweep"] = id
		cm.log.Infof("Registered reconnect sweep job with schedule: %s", cm.cfg.CronScheduleReconnectSweep)
	}
}

// refreshMailboxes reconciles the running schedule against the store.
// Newly activated mailboxes are scheduled, deactivated ones removed;
// removed mailboxes keep their in-flight tasks but lose their pooled
// session and get their status row flagged inactive.
func (cm *CronManager) refreshMailboxes() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.refreshMailboxes")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	mailboxes, err := cm.mailboxRepo.GetActiveMailboxes(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to load active mailboxes: %v", err)
		return
	}

	removed := cm.scheduler.Sync(mailboxes)
	for _, mailboxID := range removed {
		cm.pool.Drop(mailboxID)
		if err := cm.statusStore.SetActive(ctx, mailboxID, false); err != nil {
			cm.log.Warnf("[%s] failed to flag status inactive: %v", mailboxID, err)
		}
	}

	if len(removed) > 0 {
		cm.log.Infof("Mailbox refresh: %d active, %d removed", len(mailboxes), len(removed))
	}
}

// reconnectSweep pulls every mailbox whose persisted state marks it for
// reconnection to the front of the schedule.
func (cm *CronManager) reconnectSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.reconnectSweep")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	mailboxIDs, err := cm.statusStore.NeedingReconnection(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to query mailboxes needing reconnection: %v", err)
		return
	}

	refreshed := 0
	for _, mailboxID := range mailboxIDs {
		if err := cm.scheduler.RequestRefresh(mailboxID); err == nil {
			refreshed++
		}
	}

	if refreshed > 0 {
		cm.log.Infof("Reconnect sweep: %d of %d mailboxes pulled forward", refreshed, len(mailboxIDs))
	}
}
