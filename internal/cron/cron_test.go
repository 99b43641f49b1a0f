package cron

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
	"github.com/customeros/imapfleet/services/scheduler"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

func testFleetConfig() *config.FleetConfig {
	return &config.FleetConfig{
		MaxConcurrentAccounts:    100,
		TaskMaxRetries:           2,
		HighPriorityIntervalMs:   60000,
		MediumPriorityIntervalMs: 300000,
		LowPriorityIntervalMs:    900000,
		MaxConsecutiveFailures:   3,
		MaxIdleFailures:          3,
	}
}

func testMailbox(id string) models.Mailbox {
	return models.Mailbox{
		ID:         id,
		ImapServer: "imap.example.com",
		ImapPort:   993,
		Active:     true,
	}
}

type fakeMailboxRepo struct {
	mu        sync.Mutex
	mailboxes []models.Mailbox
	failWith  error
}

func (r *fakeMailboxRepo) GetActiveMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	return append([]models.Mailbox(nil), r.mailboxes...), nil
}

func (r *fakeMailboxRepo) GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.mailboxes {
		if r.mailboxes[i].ID == mailboxID {
			m := r.mailboxes[i]
			return &m, nil
		}
	}
	return nil, nil
}

type fakeStatusStore struct {
	mu         sync.Mutex
	inactive   []string
	reconnects []string
	statesByID map[string]enum.ConnectionState
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{statesByID: make(map[string]enum.ConnectionState)}
}

func (s *fakeStatusStore) SetState(ctx context.Context, mailboxID string, state enum.ConnectionState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statesByID[mailboxID] = state
	return nil
}

func (s *fakeStatusStore) SetNextReconnect(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}

func (s *fakeStatusStore) SetActive(ctx context.Context, mailboxID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !active {
		s.inactive = append(s.inactive, mailboxID)
	}
	return nil
}

func (s *fakeStatusStore) RecordAttempt(ctx context.Context, mailboxID string) error { return nil }
func (s *fakeStatusStore) RecordSuccess(ctx context.Context, mailboxID string) error { return nil }
func (s *fakeStatusStore) RecordFailure(ctx context.Context, mailboxID string, errMsg string) error {
	return nil
}
func (s *fakeStatusStore) AddMessagesProcessed(ctx context.Context, mailboxID string, n int64) error {
	return nil
}

func (s *fakeStatusStore) Watermark(ctx context.Context, mailboxID string) (uint32, bool, error) {
	return 0, false, nil
}

func (s *fakeStatusStore) AdvanceWatermark(ctx context.Context, mailboxID string, seq uint32) error {
	return nil
}

func (s *fakeStatusStore) NeedingReconnection(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reconnects...), nil
}

func (s *fakeStatusStore) Flush(ctx context.Context) error { return nil }

type fakePool struct {
	mu      sync.Mutex
	dropped []string
}

func (p *fakePool) Acquire(ctx context.Context, mailbox *models.Mailbox, priority enum.TaskPriority) (interfaces.Session, error) {
	return nil, errors.New("not dialing in tests")
}

func (p *fakePool) Release(mailboxID string) {}

func (p *fakePool) CheckMailbox(ctx context.Context, mailboxID string) error { return nil }

func (p *fakePool) Drop(mailboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, mailboxID)
}

func (p *fakePool) HostStats() []interfaces.HostGroupStats { return nil }

func (p *fakePool) Shutdown(ctx context.Context) error { return nil }

type fakeQueue struct {
	mu    sync.Mutex
	tasks []interfaces.Task
}

func (q *fakeQueue) Enqueue(t interfaces.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *fakeQueue) taskIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		ids = append(ids, t.MailboxID)
	}
	return ids
}

func newTestManager(t *testing.T) (*CronManager, *fakeMailboxRepo, *fakeStatusStore, *scheduler.Scheduler, *fakePool, *fakeQueue) {
	t.Helper()
	log := getLogger()
	queue := &fakeQueue{}
	statusStore := newFakeStatusStore()
	sched := scheduler.NewScheduler(log, testFleetConfig(), queue, statusStore)
	repo := &fakeMailboxRepo{}
	pool := &fakePool{}
	cm := NewCronManager(&config.CronConfig{}, log, repo, statusStore, sched, pool)
	return cm, repo, statusStore, sched, pool, queue
}

func TestStartRegistersJobs(t *testing.T) {
	log := getLogger()
	queue := &fakeQueue{}
	statusStore := newFakeStatusStore()
	sched := scheduler.NewScheduler(log, testFleetConfig(), queue, statusStore)
	cfg := &config.CronConfig{
		CronScheduleHeartbeat:      "0 * * * *",
		CronScheduleMailboxRefresh: "*/5 * * * *",
		CronScheduleReconnectSweep: "*/2 * * * *",
	}
	cm := NewCronManager(cfg, log, &fakeMailboxRepo{}, statusStore, sched, &fakePool{})

	cm.Start()
	defer cm.Stop()

	assert.Len(t, cm.jobIDs, 3)
}

func TestRefreshMailboxesSchedulesAdditionsAndRemovals(t *testing.T) {
	cm, repo, statusStore, sched, pool, _ := newTestManager(t)

	// "old" is scheduled but no longer active in the store.
	require.NoError(t, sched.AddMailbox(testMailbox("old")))
	repo.mailboxes = []models.Mailbox{testMailbox("a"), testMailbox("b")}

	cm.refreshMailboxes()

	_, ok := sched.Entry("a")
	assert.True(t, ok)
	_, ok = sched.Entry("b")
	assert.True(t, ok)
	_, ok = sched.Entry("old")
	assert.False(t, ok)

	assert.Equal(t, []string{"old"}, pool.dropped)
	assert.Equal(t, []string{"old"}, statusStore.inactive)
}

func TestRefreshMailboxesKeepsScheduleOnStoreError(t *testing.T) {
	cm, repo, _, sched, pool, _ := newTestManager(t)

	require.NoError(t, sched.AddMailbox(testMailbox("a")))
	repo.failWith = errors.New("store down")

	cm.refreshMailboxes()

	// A store outage must not tear down the running schedule.
	_, ok := sched.Entry("a")
	assert.True(t, ok)
	assert.Empty(t, pool.dropped)
}

func TestReconnectSweepPullsMailboxesForward(t *testing.T) {
	cm, _, statusStore, sched, _, queue := newTestManager(t)

	require.NoError(t, sched.AddMailbox(testMailbox("a")))

	// First tick consumes the initial due state and pushes nextPoll out.
	sched.Tick(context.Background())
	require.Equal(t, []string{"a"}, queue.taskIDs())

	sched.Tick(context.Background())
	require.Len(t, queue.taskIDs(), 1, "mailbox should not be due again yet")

	statusStore.reconnects = []string{"a", "unknown"}
	cm.reconnectSweep()

	sched.Tick(context.Background())
	assert.Equal(t, []string{"a", "a"}, queue.taskIDs())
}
