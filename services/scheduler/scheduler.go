package scheduler

import (
	"context"
	"sync"
	"time"

	tracingLog "github.com/opentracing/opentracing-go/log"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/models"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/internal/utils"
	"github.com/customeros/imapfleet/services/pool"
)

const (
	tickInterval = 10 * time.Second

	// Minimum spacing between IDLE attempts for one mailbox, outside the
	// failure-backoff path.
	idleAttemptSpacing = 300 * time.Second

	quarantineIntervalCap = time.Hour
	failureBackoffCap     = 300 * time.Second
	idleBackoffBase       = 60 * time.Second
	idleBackoffCap        = 300 * time.Second
	idleDisabledPollDelay = 30 * time.Second
	idleOkNextTick        = 60 * time.Second
)

// Hosts whose IMAP IDLE implementation is known reliable. Anything not
// listed here or on the deny list is tried optimistically.
var idleKnownGood = map[string]bool{
	"gmail.com":             true,
	"outlook.office365.com": true,
	"yahoo.com":             true,
	"zoho.com":              true,
	"protonmail.com":        true,
}

// Shared-hosting stacks that advertise IDLE but drop it under load.
var idleDenyList = map[string]bool{
	"secureserver.net": true,
	"hostgator.com":    true,
	"bluehost.com":     true,
	"dreamhost.com":    true,
	"mail.ionos.com":   true,
	"justhost.com":     true,
}

// ErrTooManyAccounts is returned when adding a mailbox would exceed the
// configured scheduling cap.
var ErrTooManyAccounts = errors.New("max concurrent accounts reached")

var ErrUnknownMailbox = errors.New("mailbox is not scheduled")

// entry is the scheduler's per-mailbox record. All fields are guarded by
// the scheduler mutex.
type entry struct {
	mailbox models.Mailbox

	priority     enum.TaskPriority
	basePriority enum.TaskPriority
	interval     time.Duration
	lastServiced time.Time
	nextPoll     time.Time
	volumeTier   enum.VolumeTier
	successRate  float64

	consecutiveFailures int
	quarantined         bool
	active              bool

	idleSupported   bool
	idleEnabled     bool
	idleFailures    int
	lastIdleAttempt time.Time
	idleRetryDue    bool
}

// EntrySnapshot is the read-only view served on the schedule endpoints.
type EntrySnapshot struct {
	MailboxID           string    `json:"mailboxId"`
	EmailAddress        string    `json:"emailAddress"`
	Priority            string    `json:"priority"`
	Interval            string    `json:"interval"`
	LastServiced        time.Time `json:"lastServiced"`
	NextPoll            time.Time `json:"nextPoll"`
	VolumeTier          string    `json:"volumeTier"`
	SuccessRate         float64   `json:"successRate"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Quarantined         bool      `json:"quarantined"`
	Active              bool      `json:"active"`
	IdleSupported       bool      `json:"idleSupported"`
	IdleEnabled         bool      `json:"idleEnabled"`
	IdleFailures        int       `json:"idleFailures"`
}

// Scheduler decides when each mailbox is serviced next. A single serial
// tick loop scans entries and publishes due tasks; outcome reports adjust
// intervals, priorities and IDLE enablement.
type Scheduler struct {
	log         logger.Logger
	cfg         *config.FleetConfig
	queue       interfaces.TaskQueue
	statusStore interfaces.StatusStore

	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time // test hook

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewScheduler(log logger.Logger, cfg *config.FleetConfig, queue interfaces.TaskQueue, statusStore interfaces.StatusStore) *Scheduler {
	return &Scheduler{
		log:         log,
		cfg:         cfg,
		queue:       queue,
		statusStore: statusStore,
		entries:     make(map[string]*entry),
		now:         time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go s.runTickLoop(runCtx)
	})
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// AddMailbox registers a schedule entry. Priority derives from the daily
// send limit hint; IDLE support defaults by canonical host.
func (s *Scheduler) AddMailbox(mailbox models.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[mailbox.ID]; ok {
		existing.mailbox = mailbox
		existing.active = mailbox.Active
		return nil
	}

	if len(s.entries) >= s.cfg.MaxConcurrentAccounts {
		return errors.Wrapf(ErrTooManyAccounts, "cap %d", s.cfg.MaxConcurrentAccounts)
	}

	priority := priorityForDailyLimit(mailbox.DailyLimit)
	supported := idleSupportedForHost(mailbox.ImapServer)

	s.entries[mailbox.ID] = &entry{
		mailbox:       mailbox,
		priority:      priority,
		basePriority:  priority,
		interval:      s.cfg.IntervalFor(priority.String()),
		nextPoll:      s.now(),
		volumeTier:    enum.VolumeLow,
		successRate:   1.0,
		active:        mailbox.Active,
		idleSupported: supported,
		idleEnabled:   supported,
	}

	s.log.Infof("[%s] scheduled with priority %s, idle supported %t", mailbox.ID, priority, supported)
	return nil
}

func (s *Scheduler) RemoveMailbox(mailboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, mailboxID)
}

// Sync reconciles the schedule against the current set of active
// mailboxes; called from the refresh cron. Returns the removed ids so the
// caller can drop their pooled sessions.
func (s *Scheduler) Sync(mailboxes []models.Mailbox) []string {
	current := make(map[string]bool, len(mailboxes))
	for _, m := range mailboxes {
		current[m.ID] = true
		if err := s.AddMailbox(m); err != nil {
			s.log.Warnf("[%s] not scheduled: %v", m.ID, err)
		}
	}

	s.mu.Lock()
	var removed []string
	for id := range s.entries {
		if !current[id] {
			removed = append(removed, id)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	return removed
}

// SetPriority is the external override; takes effect on the next tick.
func (s *Scheduler) SetPriority(mailboxID string, priority enum.TaskPriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mailboxID]
	if !ok {
		return ErrUnknownMailbox
	}

	e.basePriority = priority
	if !e.quarantined {
		e.priority = priority
		e.interval = s.effectiveInterval(e)
	}
	return nil
}

// SetIdleEnabled re-arms or disables IDLE for a mailbox. Enabling requires
// host support and resets the failure count; this is the only way IDLE
// comes back after being disabled by failures.
func (s *Scheduler) SetIdleEnabled(mailboxID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mailboxID]
	if !ok {
		return ErrUnknownMailbox
	}

	if enabled && !e.idleSupported {
		return errors.New("idle is not supported for this host")
	}

	e.idleEnabled = enabled
	if enabled {
		e.idleFailures = 0
		e.idleRetryDue = false
	}
	return nil
}

// RequestRefresh pulls the mailbox's next service to now.
func (s *Scheduler) RequestRefresh(mailboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mailboxID]
	if !ok {
		return ErrUnknownMailbox
	}
	e.nextPoll = s.now()
	return nil
}

// MarkForReconnection is the pool's session-lost callback: record the
// state and service the mailbox on the next tick.
func (s *Scheduler) MarkForReconnection(mailboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.statusStore.SetState(ctx, mailboxID, enum.ConnectionReconnecting, "")

	s.mu.Lock()
	if e, ok := s.entries[mailboxID]; ok {
		e.nextPoll = s.now()
	}
	s.mu.Unlock()
}

func (s *Scheduler) Snapshot() []EntrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntrySnapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, snapshotEntry(e))
	}
	return out
}

func (s *Scheduler) Entry(mailboxID string) (EntrySnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mailboxID]
	if !ok {
		return EntrySnapshot{}, false
	}
	return snapshotEntry(e), true
}

func snapshotEntry(e *entry) EntrySnapshot {
	return EntrySnapshot{
		MailboxID:           e.mailbox.ID,
		EmailAddress:        e.mailbox.EmailAddress,
		Priority:            e.priority.String(),
		Interval:            e.interval.String(),
		LastServiced:        e.lastServiced,
		NextPoll:            e.nextPoll,
		VolumeTier:          e.volumeTier.String(),
		SuccessRate:         e.successRate,
		ConsecutiveFailures: e.consecutiveFailures,
		Quarantined:         e.quarantined,
		Active:              e.active,
		IdleSupported:       e.idleSupported,
		IdleEnabled:         e.idleEnabled,
		IdleFailures:        e.idleFailures,
	}
}

func (s *Scheduler) runTickLoop(ctx context.Context) {
	defer s.wg.Done()
	defer tracing.RecoverAndLogToJaeger(s.log)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick publishes a task for every due active entry. Queue overflow leaves
// the entry due so it is retried next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	span, _ := tracing.StartTracerSpan(ctx, "Scheduler.Tick")
	defer span.Finish()
	tracing.TagComponentService(span)

	now := s.now()

	s.mu.Lock()
	type emission struct {
		task interfaces.Task
		e    *entry
	}
	var due []emission
	for _, e := range s.entries {
		if !e.active || e.nextPoll.After(now) {
			continue
		}
		due = append(due, emission{task: s.buildTaskLocked(e, now), e: e})
	}
	s.mu.Unlock()

	published := 0
	for _, em := range due {
		if err := s.queue.Enqueue(em.task); err != nil {
			s.mu.Lock()
			em.e.nextPoll = now // stay due, retry next tick
			s.mu.Unlock()
			s.log.Warnf("[%s] task not enqueued: %v", em.task.MailboxID, err)
			continue
		}
		published++
	}

	span.LogFields(tracingLog.Int("tasks.due", len(due)), tracingLog.Int("tasks.published", published))
}

// buildTaskLocked decides the task kind, stamps the attempt bookkeeping
// and tentatively pushes nextPoll one interval out; outcome reports will
// overwrite it.
func (s *Scheduler) buildTaskLocked(e *entry, now time.Time) interfaces.Task {
	kind := enum.TaskPoll
	if e.idleEnabled && e.idleSupported &&
		(e.idleRetryDue || now.Sub(e.lastIdleAttempt) > idleAttemptSpacing) {
		kind = enum.TaskIdle
		e.lastIdleAttempt = now
		e.idleRetryDue = false
	}

	e.lastServiced = now
	e.nextPoll = now.Add(e.interval)

	return interfaces.Task{
		ID:         utils.GenerateNanoIDWithPrefix("task", 12),
		MailboxID:  e.mailbox.ID,
		Mailbox:    e.mailbox,
		Priority:   e.priority,
		Kind:       kind,
		EnqueuedAt: now,
		MaxRetries: s.cfg.TaskMaxRetries,
	}
}

func (s *Scheduler) ReportPollSuccess(mailboxID string, newMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mailboxID]
	if !ok {
		return
	}
	now := s.now()

	e.lastServiced = now
	e.consecutiveFailures = 0
	e.successRate = minFloat(1, e.successRate+0.1)

	if e.quarantined {
		e.quarantined = false
		e.priority = e.basePriority
	}

	tier := enum.VolumeTierFor(newMessages)
	if tier != e.volumeTier {
		e.volumeTier = tier
	}
	e.interval = s.effectiveInterval(e)
	e.nextPoll = now.Add(e.interval)
}

func (s *Scheduler) ReportPollFailure(mailboxID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mailboxID]
	if !ok {
		return
	}
	now := s.now()

	e.consecutiveFailures++
	e.successRate = maxFloat(0, e.successRate-0.2)

	if e.consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
		// Quarantine: longer interval, demoted priority, keep probing.
		doubled := e.interval * 2
		if doubled > quarantineIntervalCap {
			doubled = quarantineIntervalCap
		}
		e.interval = doubled
		e.priority = enum.PriorityLow
		e.quarantined = true
		e.nextPoll = now.Add(e.interval)
		s.log.Warnf("[%s] quarantined after %d failures, interval %v: %v", mailboxID, e.consecutiveFailures, e.interval, err)
		return
	}

	backoff := utils.BackoffDuration(e.interval, s.cfg.BackoffFactor(), e.consecutiveFailures, failureBackoffCap)
	e.nextPoll = now.Add(backoff)
}

func (s *Scheduler) ReportIdleOutcome(mailboxID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[mailboxID]
	if !found {
		return
	}
	now := s.now()

	if ok {
		e.idleFailures = 0
		e.idleRetryDue = false
		e.lastServiced = now
		e.nextPoll = now.Add(idleOkNextTick)
		return
	}

	e.idleFailures++
	if e.idleFailures >= s.cfg.MaxIdleFailures {
		e.idleEnabled = false
		e.idleRetryDue = false
		e.nextPoll = now.Add(idleDisabledPollDelay)
		s.log.Warnf("[%s] idle disabled after %d failures", mailboxID, e.idleFailures)
		return
	}

	backoff := utils.BackoffDuration(idleBackoffBase, s.cfg.BackoffFactor(), e.idleFailures, idleBackoffCap)
	e.idleRetryDue = true
	e.nextPoll = now.Add(backoff)
}

func (s *Scheduler) ReportTaskDropped(mailboxID string, kind enum.TaskKind, err error) {
	if kind == enum.TaskIdle {
		s.ReportIdleOutcome(mailboxID, false)
		return
	}
	s.ReportPollFailure(mailboxID, err)
}

// effectiveInterval combines the priority base interval with the volume
// tier: busy mailboxes are pulled to shorter cycles regardless of their
// configured priority.
func (s *Scheduler) effectiveInterval(e *entry) time.Duration {
	base := s.cfg.IntervalFor(e.priority.String())
	volume := s.cfg.IntervalFor(volumePriority(e.volumeTier))
	if volume < base {
		return volume
	}
	return base
}

func volumePriority(tier enum.VolumeTier) string {
	switch tier {
	case enum.VolumeHigh:
		return enum.PriorityHigh.String()
	case enum.VolumeMedium:
		return enum.PriorityMedium.String()
	default:
		return enum.PriorityLow.String()
	}
}

func priorityForDailyLimit(dailyLimit int) enum.TaskPriority {
	switch {
	case dailyLimit > 1000:
		return enum.PriorityHigh
	case dailyLimit > 100:
		return enum.PriorityMedium
	default:
		return enum.PriorityLow
	}
}

func idleSupportedForHost(host string) bool {
	canonical := pool.CanonicalHost(host)
	if idleDenyList[canonical] {
		return false
	}
	if idleKnownGood[canonical] {
		return true
	}
	// Unknown host: optimistic, failures will disable it.
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
