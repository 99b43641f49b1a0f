package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/models"
)

func testLogger() logger.Logger {
	l := logger.NewAppLogger(&logger.Config{DevMode: true})
	l.InitLogger()
	return l
}

func testFleetConfig() *config.FleetConfig {
	return &config.FleetConfig{
		MaxConcurrentAccounts:    5000,
		MaxConnectionsPerAccount: 1,
		MaxConnectionsPerServer:  50,
		RateLimitWindowMs:        60000,
		MaxRateLimit:             200,
	}
}

func testMailbox(id, server string) *models.Mailbox {
	return &models.Mailbox{
		ID:           id,
		ImapServer:   server,
		ImapPort:     993,
		ImapUsername: id + "@example.com",
		ImapPassword: "secret",
		Active:       true,
	}
}

type fakeSession struct {
	mailboxID string
	host      string
	createdAt time.Time

	mu           sync.Mutex
	alive        bool
	lastActivity time.Time
	noopErr      error
	noopCalls    int
	closed       bool
}

func newFakeSession(mailboxID, host string) *fakeSession {
	now := time.Now()
	return &fakeSession{
		mailboxID:    mailboxID,
		host:         host,
		createdAt:    now,
		lastActivity: now,
		alive:        true,
	}
}

func (s *fakeSession) MailboxID() string { return s.mailboxID }
func (s *fakeSession) Host() string      { return s.host }

func (s *fakeSession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *fakeSession) CreatedAt() time.Time { return s.createdAt }

func (s *fakeSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *fakeSession) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noopCalls++
	if s.noopErr != nil {
		s.alive = false
		return s.noopErr
	}
	s.lastActivity = time.Now()
	return nil
}

func (s *fakeSession) failNoops(err error) {
	s.mu.Lock()
	s.noopErr = err
	s.mu.Unlock()
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) OpenMailbox(ctx context.Context, folder string) (*interfaces.MailboxSnapshot, error) {
	return &interfaces.MailboxSnapshot{Name: folder}, nil
}

func (s *fakeSession) FetchRange(ctx context.Context, from, to uint32) ([]*interfaces.FetchedMessage, error) {
	return nil, nil
}

func (s *fakeSession) Idle(ctx context.Context, started chan<- struct{}, onExists func(uint32)) error {
	if started != nil {
		close(started)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.alive = false
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext int
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, cfg interfaces.SessionConfig) (interfaces.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("connection refused")
	}
	sess := newFakeSession(cfg.MailboxID, cfg.CanonicalHost)
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestCanonicalHost(t *testing.T) {
	cases := map[string]string{
		"imap.gmail.com":            "gmail.com",
		"imap.googlemail.com":       "gmail.com",
		"IMAP.GMAIL.COM":            "gmail.com",
		"outlook.office365.com":     "outlook.office365.com",
		"imap-mail.outlook.com":     "outlook.office365.com",
		"imap.mail.yahoo.com":       "yahoo.com",
		"imappro.zoho.com":          "zoho.com",
		"127.0.0.1":                 "127.0.0.1",
		"mail.selfhosted.example":   "mail.selfhosted.example",
		"imap.fastmail.com.":        "imap.fastmail.com",
	}

	for input, want := range cases {
		assert.Equal(t, want, CanonicalHost(input), "input %q", input)
	}
}

func TestRateWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	w := newRateWindow(time.Minute, 3)
	w.now = func() time.Time { return now }

	require.True(t, w.allow())
	require.True(t, w.allow())
	require.True(t, w.allow())
	require.False(t, w.allow())
	assert.Equal(t, 3, w.count())
	assert.Equal(t, time.Minute, w.nextSlot())

	// Half the window passes: still full.
	now = now.Add(30 * time.Second)
	require.False(t, w.allow())
	assert.Equal(t, 30*time.Second, w.nextSlot())

	// The oldest events roll out.
	now = now.Add(31 * time.Second)
	assert.Equal(t, time.Duration(0), w.nextSlot())
	require.True(t, w.allow())
}

func TestAcquireDialsOnceAndReuses(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_a", "imap.gmail.com")

	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	require.NotNil(t, sess)
	p.Release(mailbox.ID)

	again, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, 1, dialer.dialCount())
	p.Release(mailbox.ID)

	stats := p.HostStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "gmail.com", stats[0].CanonicalHost)
	assert.Equal(t, 1, stats[0].LiveSessions)
	assert.Equal(t, 1, stats[0].WindowCreates)
}

func TestAcquireRedialsWhenProbeFails(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_b", "imap.example.com")

	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityMedium)
	require.NoError(t, err)
	p.Release(mailbox.ID)

	sess.(*fakeSession).failNoops(errors.New("connection reset"))

	replacement, err := p.Acquire(context.Background(), mailbox, enum.PriorityMedium)
	require.NoError(t, err)
	assert.NotSame(t, sess, replacement)
	assert.Equal(t, 2, dialer.dialCount())
	p.Release(mailbox.ID)
}

func TestAcquireRetriesFailedDials(t *testing.T) {
	dialer := &fakeDialer{failNext: 2}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_c", "imap.example.com")

	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 3, dialer.dialCount())
	p.Release(mailbox.ID)
}

func TestAcquireFailsAfterRetryBudget(t *testing.T) {
	dialer := &fakeDialer{failNext: 10}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_d", "imap.example.com")

	_, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect after 3 attempts")
	assert.Equal(t, 3, dialer.dialCount())

	// Capacity reservation was returned; the next acquire succeeds.
	dialer.mu.Lock()
	dialer.failNext = 0
	dialer.mu.Unlock()

	_, err = p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	p.Release(mailbox.ID)
}

func TestAcquireSerializesPerMailbox(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_e", "imap.example.com")

	_, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, mailbox, enum.PriorityHigh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostBusy))

	p.Release(mailbox.ID)

	_, err = p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, dialer.dialCount())
	p.Release(mailbox.ID)
}

func TestHostCapacityBlocksAcquire(t *testing.T) {
	cfg := testFleetConfig()
	cfg.MaxConnectionsPerServer = 1

	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), cfg, dialer, nil)
	defer p.Shutdown(context.Background())

	first := testMailbox("mbox_f1", "imap.example.com")
	second := testMailbox("mbox_f2", "imap.example.com")

	_, err := p.Acquire(context.Background(), first, enum.PriorityHigh)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, second, enum.PriorityHigh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostBusy))

	// Dropping the first mailbox frees the capacity slot.
	p.Release(first.ID)
	p.Drop(first.ID)

	_, err = p.Acquire(context.Background(), second, enum.PriorityHigh)
	require.NoError(t, err)
	p.Release(second.ID)
}

func TestRateLimitBlocksAcquire(t *testing.T) {
	cfg := testFleetConfig()
	cfg.MaxRateLimit = 1

	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), cfg, dialer, nil)
	defer p.Shutdown(context.Background())

	first := testMailbox("mbox_g1", "imap.example.com")
	second := testMailbox("mbox_g2", "imap.example.com")

	_, err := p.Acquire(context.Background(), first, enum.PriorityHigh)
	require.NoError(t, err)
	p.Release(first.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, second, enum.PriorityHigh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestHighPriorityWakesFirst(t *testing.T) {
	g := newHostGroup("example.com", 1, time.Minute, 100)
	require.NoError(t, g.admit(context.Background(), enum.PriorityHigh))
	g.confirm()

	results := make(chan enum.TaskPriority, 2)
	var started sync.WaitGroup
	started.Add(2)

	admitAsync := func(priority enum.TaskPriority) {
		go func() {
			started.Done()
			if err := g.admit(context.Background(), priority); err == nil {
				g.confirm()
				results <- priority
			}
		}()
	}

	admitAsync(enum.PriorityLow)
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let the low waiter enqueue
	started.Add(1)
	admitAsync(enum.PriorityHigh)
	started.Wait()
	time.Sleep(50 * time.Millisecond)

	g.retire()

	select {
	case got := <-results:
		assert.Equal(t, enum.PriorityHigh, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no waiter admitted after capacity freed")
	}
}

func TestCheckMailboxRetiresDeadSession(t *testing.T) {
	lost := make(chan string, 1)
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, func(id string) { lost <- id })
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_h", "imap.example.com")

	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	p.Release(mailbox.ID)

	require.NoError(t, p.CheckMailbox(context.Background(), mailbox.ID))

	sess.(*fakeSession).failNoops(errors.New("i/o timeout"))
	err = p.CheckMailbox(context.Background(), mailbox.ID)
	require.Error(t, err)

	select {
	case id := <-lost:
		assert.Equal(t, mailbox.ID, id)
	case <-time.After(time.Second):
		t.Fatal("session-lost callback not invoked")
	}

	stats := p.HostStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].LiveSessions)
}

func TestDropClosesFreeSession(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_j", "imap.example.com")

	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	p.Release(mailbox.ID)

	p.Drop(mailbox.ID)

	assert.Eventually(t, func() bool {
		return sess.(*fakeSession).isClosed()
	}, time.Second, 10*time.Millisecond)

	// A fresh acquire dials a new session under a new slot.
	again, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	assert.NotSame(t, sess, again)
	assert.Equal(t, 2, dialer.dialCount())
	p.Release(mailbox.ID)
}

func TestDropDefersCloseWhileBorrowed(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)
	defer p.Shutdown(context.Background())

	mailbox := testMailbox("mbox_k", "imap.example.com")

	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)

	// Drop lands while the worker still owns the borrow: the session
	// must stay open under the in-flight task.
	p.Drop(mailbox.ID)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, sess.IsAlive())
	assert.False(t, sess.(*fakeSession).isClosed())

	// Release finishes the drop.
	p.Release(mailbox.ID)
	assert.Eventually(t, func() bool {
		return sess.(*fakeSession).isClosed()
	}, time.Second, 10*time.Millisecond)

	again, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	assert.NotSame(t, sess, again)
	p.Release(mailbox.ID)
}

func TestShutdownRejectsNewAcquires(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewConnectionPool(testLogger(), testFleetConfig(), dialer, nil)

	mailbox := testMailbox("mbox_i", "imap.example.com")
	sess, err := p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	require.NoError(t, err)
	p.Release(mailbox.ID)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, sess.(*fakeSession).closed)

	_, err = p.Acquire(context.Background(), mailbox, enum.PriorityHigh)
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
