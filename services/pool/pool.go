package pool

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	tracingLog "github.com/opentracing/opentracing-go/log"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/models"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/internal/utils"
)

const (
	dialMaxAttempts = 3
	dialBackoffBase = time.Second
	dialBackoffMax  = 5 * time.Second

	livenessSweepInterval = 5 * time.Minute
	orphanPurgeInterval   = 10 * time.Minute
	orphanTTL             = 30 * time.Minute
)

// mailboxSlot enforces exclusive session ownership for one mailbox. The
// borrow channel holds one token when the slot is free; borrowing takes
// the token, releasing puts it back.
type mailboxSlot struct {
	mailboxID string
	canonical string
	borrow    chan struct{}

	mu      sync.Mutex
	session interfaces.Session
	dropped bool
}

func newMailboxSlot(mailboxID, canonical string) *mailboxSlot {
	s := &mailboxSlot{
		mailboxID: mailboxID,
		canonical: canonical,
		borrow:    make(chan struct{}, 1),
	}
	s.borrow <- struct{}{}
	return s
}

func (s *mailboxSlot) get() interfaces.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *mailboxSlot) set(sess interfaces.Session) {
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
}

func (s *mailboxSlot) isDropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *mailboxSlot) markDropped() {
	s.mu.Lock()
	s.dropped = true
	s.mu.Unlock()
}

func (s *mailboxSlot) release() {
	select {
	case s.borrow <- struct{}{}:
	default:
	}
}

func (s *mailboxSlot) tryBorrow() bool {
	select {
	case <-s.borrow:
		return true
	default:
		return false
	}
}

type connectionPool struct {
	log           logger.Logger
	cfg           *config.FleetConfig
	dialer        interfaces.Dialer
	onSessionLost func(mailboxID string)

	mu     sync.RWMutex
	slots  map[string]*mailboxSlot
	hosts  map[string]*hostGroup
	closed bool

	cancelSweeps context.CancelFunc
	wg           sync.WaitGroup
}

// NewConnectionPool builds the pool and starts its background sweeps.
// onSessionLost is invoked, outside any pool lock, whenever a cached
// session is found dead so the scheduler can mark the mailbox for
// reconnection.
func NewConnectionPool(log logger.Logger, cfg *config.FleetConfig, dialer interfaces.Dialer, onSessionLost func(mailboxID string)) interfaces.ConnectionPool {
	if cfg.MaxConnectionsPerAccount > 1 {
		log.Warnf("MAX_CONNECTIONS_PER_ACCOUNT=%d requested, sessions are capped at one per mailbox", cfg.MaxConnectionsPerAccount)
	}

	p := &connectionPool{
		log:           log,
		cfg:           cfg,
		dialer:        dialer,
		onSessionLost: onSessionLost,
		slots:         make(map[string]*mailboxSlot),
		hosts:         make(map[string]*hostGroup),
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	p.cancelSweeps = cancel

	p.wg.Add(2)
	go p.runSweep(sweepCtx, livenessSweepInterval, p.livenessSweep)
	go p.runSweep(sweepCtx, orphanPurgeInterval, p.orphanPurge)

	return p
}

func (p *connectionPool) Acquire(ctx context.Context, mailbox *models.Mailbox, priority enum.TaskPriority) (interfaces.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectionPool.Acquire")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailbox.ID)
	span.SetTag("priority", priority.String())

	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, acquireDeadline(priority))
		defer cancel()
	}

	canonical := CanonicalHost(mailbox.ImapServer)
	tracing.TagHostGroup(span, canonical)
	slot := p.slotFor(mailbox.ID, canonical)

	select {
	case <-slot.borrow:
	case <-ctx.Done():
		tracing.TraceErr(span, ErrHostBusy)
		return nil, errors.Wrapf(ErrHostBusy, "mailbox %s session busy", mailbox.ID)
	}

	if slot.isDropped() {
		slot.release()
		return nil, ErrMailboxDropped
	}

	// Fast path: reuse the cached session when a liveness probe passes.
	if sess := slot.get(); sess != nil {
		if sess.IsAlive() && sess.Noop(ctx) == nil {
			span.LogFields(tracingLog.Bool("session.reused", true))
			return sess, nil
		}
		p.retireSession(slot, sess)
	}

	group := p.groupFor(canonical)
	if err := group.admit(ctx, priority); err != nil {
		slot.release()
		tracing.TraceErr(span, err)
		return nil, err
	}

	sess, err := p.dialWithRetry(ctx, mailbox, canonical)
	if err != nil {
		group.abandon()
		slot.release()
		tracing.TraceErr(span, err)
		return nil, err
	}

	group.confirm()
	slot.set(sess)
	span.LogFields(tracingLog.Bool("session.reused", false))
	return sess, nil
}

func (p *connectionPool) Release(mailboxID string) {
	p.mu.RLock()
	slot := p.slots[mailboxID]
	p.mu.RUnlock()
	if slot == nil {
		return
	}

	// A drop that arrived while the worker held the borrow is finished
	// here, once the task is done with the session.
	if slot.isDropped() {
		if sess := slot.get(); sess != nil {
			p.retireSession(slot, sess)
		}
		p.removeSlot(slot)
		slot.release()
		return
	}

	slot.release()
}

func (p *connectionPool) CheckMailbox(ctx context.Context, mailboxID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectionPool.CheckMailbox")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailboxID)

	p.mu.RLock()
	slot := p.slots[mailboxID]
	p.mu.RUnlock()
	if slot == nil {
		return nil
	}

	// A borrowed slot means a worker is actively using the session.
	if !slot.tryBorrow() {
		return nil
	}
	defer slot.release()

	sess := slot.get()
	if sess == nil {
		return nil
	}

	if err := sess.Noop(ctx); err != nil {
		p.retireSession(slot, sess)
		p.notifySessionLost(mailboxID)
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "health check failed")
	}

	return nil
}

// Drop marks the mailbox's slot dropped and closes its session, but only
// once no worker holds the borrow: an in-flight task keeps its session
// until Release, which finishes the drop. Acquire refuses dropped slots.
func (p *connectionPool) Drop(mailboxID string) {
	p.mu.RLock()
	slot := p.slots[mailboxID]
	p.mu.RUnlock()

	if slot == nil {
		return
	}

	slot.markDropped()
	if !slot.tryBorrow() {
		return
	}

	if sess := slot.get(); sess != nil {
		p.retireSession(slot, sess)
	}
	p.removeSlot(slot)
	slot.release()
}

func (p *connectionPool) HostStats() []interfaces.HostGroupStats {
	p.mu.RLock()
	groups := make([]*hostGroup, 0, len(p.hosts))
	for _, g := range p.hosts {
		groups = append(groups, g)
	}
	p.mu.RUnlock()

	stats := make([]interfaces.HostGroupStats, 0, len(groups))
	for _, g := range groups {
		stats = append(stats, g.stats())
	}
	return stats
}

func (p *connectionPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := make([]*mailboxSlot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	groups := make([]*hostGroup, 0, len(p.hosts))
	for _, g := range p.hosts {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	p.cancelSweeps()
	for _, g := range groups {
		g.close()
	}

	for _, slot := range slots {
		if sess := slot.get(); sess != nil {
			_ = sess.Close()
			slot.set(nil)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *connectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *connectionPool) slotFor(mailboxID, canonical string) *mailboxSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[mailboxID]
	if !ok {
		slot = newMailboxSlot(mailboxID, canonical)
		p.slots[mailboxID] = slot
	}
	return slot
}

// removeSlot deletes the slot from the map unless a fresh slot has
// already replaced it under the same mailbox id.
func (p *connectionPool) removeSlot(slot *mailboxSlot) {
	p.mu.Lock()
	if p.slots[slot.mailboxID] == slot {
		delete(p.slots, slot.mailboxID)
	}
	p.mu.Unlock()
}

func (p *connectionPool) groupFor(canonical string) *hostGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.hosts[canonical]
	if !ok {
		g = newHostGroup(canonical, p.cfg.MaxConnectionsPerServer, p.cfg.RateLimitWindow(), p.cfg.MaxRateLimit)
		p.hosts[canonical] = g
	}
	return g
}

// retireSession closes a dead or evicted session and frees its host
// capacity slot. Logout runs detached since it can block on a broken peer.
func (p *connectionPool) retireSession(slot *mailboxSlot, sess interfaces.Session) {
	slot.set(nil)
	go func() { _ = sess.Close() }()

	p.mu.RLock()
	g := p.hosts[slot.canonical]
	p.mu.RUnlock()
	if g != nil {
		g.retire()
	}
}

func (p *connectionPool) notifySessionLost(mailboxID string) {
	if p.onSessionLost != nil {
		p.onSessionLost(mailboxID)
	}
}

func (p *connectionPool) dialWithRetry(ctx context.Context, mailbox *models.Mailbox, canonical string) (interfaces.Session, error) {
	cfg := interfaces.SessionConfig{
		MailboxID:     mailbox.ID,
		Host:          mailbox.ImapServer,
		CanonicalHost: canonical,
		Port:          mailbox.ImapPort,
		Username:      mailbox.ImapUsername,
		Password:      mailbox.ImapPassword,
	}

	var lastErr error
	for attempt := 0; attempt < dialMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := utils.BackoffDuration(dialBackoffBase, p.cfg.BackoffFactor(), attempt-1, dialBackoffMax)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sess, err := p.dialer.Dial(ctx, cfg)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		p.log.Warnf("[%s] connection attempt %d failed: %v", mailbox.ID, attempt+1, err)
	}

	return nil, errors.Wrapf(lastErr, "failed to connect after %d attempts", dialMaxAttempts)
}

func (p *connectionPool) runSweep(ctx context.Context, interval time.Duration, sweep func(ctx context.Context)) {
	defer p.wg.Done()
	defer tracing.RecoverAndLogToJaeger(p.log)

	ticker := time.NewTicker(utils.AddJitter(interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
			ticker.Reset(utils.AddJitter(interval))
		}
	}
}

// livenessSweep probes every idle cached session with a NOOP and retires
// the ones that fail. Borrowed slots are skipped; the worker holding them
// finds out on its own.
func (p *connectionPool) livenessSweep(ctx context.Context) {
	span, ctx := tracing.StartTracerSpan(ctx, "connectionPool.livenessSweep")
	defer span.Finish()
	tracing.TagComponentService(span)

	checked, retired := 0, 0
	for _, slot := range p.snapshotSlots() {
		if !slot.tryBorrow() {
			continue
		}

		sess := slot.get()
		if sess == nil {
			slot.release()
			continue
		}

		checked++
		noopCtx, cancel := context.WithTimeout(ctx, noopTimeout)
		err := sess.Noop(noopCtx)
		cancel()

		if err != nil {
			p.retireSession(slot, sess)
			retired++
			slot.release()
			p.notifySessionLost(slot.mailboxID)
			continue
		}
		slot.release()
	}

	span.LogFields(tracingLog.Int("sessions.checked", checked), tracingLog.Int("sessions.retired", retired))
	if retired > 0 {
		p.log.Infof("liveness sweep retired %d of %d sessions", retired, checked)
	}
}

// orphanPurge closes sessions that have gone unused past orphanTTL and
// removes empty slots for dropped mailboxes.
func (p *connectionPool) orphanPurge(ctx context.Context) {
	span, _ := tracing.StartTracerSpan(ctx, "connectionPool.orphanPurge")
	defer span.Finish()
	tracing.TagComponentService(span)

	purged := 0
	for _, slot := range p.snapshotSlots() {
		if !slot.tryBorrow() {
			continue
		}

		sess := slot.get()
		if sess != nil && (!sess.IsAlive() || time.Since(sess.LastActivity()) > orphanTTL) {
			p.retireSession(slot, sess)
			purged++
		}
		slot.release()

		if slot.get() == nil && slot.isDropped() {
			p.removeSlot(slot)
		}
	}

	span.LogFields(tracingLog.Int("sessions.purged", purged))
	if purged > 0 {
		p.log.Infof("orphan purge closed %d sessions", purged)
	}
}

func (p *connectionPool) snapshotSlots() []*mailboxSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	slots := make([]*mailboxSlot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	return slots
}

// acquireDeadline bounds how long a caller waits for host capacity,
// scaled by how urgent the work is.
func acquireDeadline(priority enum.TaskPriority) time.Duration {
	switch priority {
	case enum.PriorityHigh:
		return 10 * time.Second
	case enum.PriorityMedium:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}
