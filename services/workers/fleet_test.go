package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
)

func testLogger() logger.Logger {
	l := logger.NewAppLogger(&logger.Config{DevMode: true})
	l.InitLogger()
	return l
}

func testFleetConfig() *config.FleetConfig {
	return &config.FleetConfig{
		MaxWorkers:      4,
		TaskQueueSize:   100,
		TaskMaxRetries:  2,
		WorkerTimeoutMs: 60000,
	}
}

func newTask(id string, priority enum.TaskPriority) interfaces.Task {
	return interfaces.Task{
		ID:         id,
		MailboxID:  "mbox_" + id,
		Priority:   priority,
		Kind:       enum.TaskPoll,
		EnqueuedAt: time.Now(),
		MaxRetries: 2,
	}
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newPriorityQueue(100)

	require.NoError(t, q.enqueue(newTask("low1", enum.PriorityLow)))
	require.NoError(t, q.enqueue(newTask("med1", enum.PriorityMedium)))
	require.NoError(t, q.enqueue(newTask("high1", enum.PriorityHigh)))
	require.NoError(t, q.enqueue(newTask("high2", enum.PriorityHigh)))
	require.NoError(t, q.enqueue(newTask("med2", enum.PriorityMedium)))

	var order []string
	for i := 0; i < 5; i++ {
		task, ok := q.dequeue(context.Background())
		require.True(t, ok)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"high1", "high2", "med1", "med2", "low1"}, order)
}

func TestQueueFrontRequeueJumpsTier(t *testing.T) {
	q := newPriorityQueue(100)

	require.NoError(t, q.enqueue(newTask("med1", enum.PriorityMedium)))
	require.NoError(t, q.enqueue(newTask("med2", enum.PriorityMedium)))
	q.enqueueFront(newTask("reset", enum.PriorityMedium))

	task, ok := q.dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "reset", task.ID)
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := newPriorityQueue(2)

	require.NoError(t, q.enqueue(newTask("a", enum.PriorityLow)))
	require.NoError(t, q.enqueue(newTask("b", enum.PriorityLow)))

	err := q.enqueue(newTask("c", enum.PriorityLow))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueDequeueUnblocksOnCancel(t *testing.T) {
	q := newPriorityQueue(10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := q.dequeue(ctx)
	assert.False(t, ok)
}

type scriptedExecutor struct {
	mu       sync.Mutex
	results  map[string][]error // per task mailbox id, consumed in order
	executed []string
	calls    int32
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{results: make(map[string][]error)}
}

func (e *scriptedExecutor) script(mailboxID string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[mailboxID] = errs
}

func (e *scriptedExecutor) Execute(ctx context.Context, t interfaces.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	atomic.AddInt32(&e.calls, 1)
	e.executed = append(e.executed, t.MailboxID)

	queue := e.results[t.MailboxID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	e.results[t.MailboxID] = queue[1:]
	return err
}

func (e *scriptedExecutor) executionCount(mailboxID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range e.executed {
		if id == mailboxID {
			n++
		}
	}
	return n
}

type recordingReporter struct {
	mu      sync.Mutex
	dropped []string
}

func (r *recordingReporter) ReportPollSuccess(mailboxID string, newMessages int) {}
func (r *recordingReporter) ReportPollFailure(mailboxID string, err error)       {}
func (r *recordingReporter) ReportIdleOutcome(mailboxID string, ok bool)         {}

func (r *recordingReporter) ReportTaskDropped(mailboxID string, kind enum.TaskKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, mailboxID)
}

func (r *recordingReporter) droppedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dropped...)
}

func TestFleetExecutesTasks(t *testing.T) {
	executor := newScriptedExecutor()
	fleet := NewWorkerFleet(testLogger(), testFleetConfig(), executor)
	fleet.Start(context.Background())
	defer fleet.Stop(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, fleet.Enqueue(newTask(id, enum.PriorityHigh)))
	}

	require.Eventually(t, func() bool {
		return fleet.Stats().Completed == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, fleet.Stats().Failed)
}

func TestFleetRetriesWithBackoffThenSucceeds(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("mbox_flaky", errors.New("transient"))
	fleet := NewWorkerFleet(testLogger(), testFleetConfig(), executor)
	fleet.Start(context.Background())
	defer fleet.Stop(context.Background())

	require.NoError(t, fleet.Enqueue(newTask("flaky", enum.PriorityHigh)))

	// First attempt fails, retry lands after ~2s backoff and succeeds.
	require.Eventually(t, func() bool {
		return fleet.Stats().Completed == 1
	}, 10*time.Second, 50*time.Millisecond)

	stats := fleet.Stats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 2, executor.executionCount("mbox_flaky"))
}

func TestFleetReportsDroppedAfterRetryBudget(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("mbox_dead", errors.New("auth failed"), errors.New("auth failed"), errors.New("auth failed"))
	reporter := &recordingReporter{}
	fleet := NewWorkerFleet(testLogger(), testFleetConfig(), executor)
	fleet.SetOutcomeReporter(reporter)
	fleet.Start(context.Background())
	defer fleet.Stop(context.Background())

	require.NoError(t, fleet.Enqueue(newTask("dead", enum.PriorityHigh)))

	// Two retries (2s + 4s backoff) then the drop report.
	require.Eventually(t, func() bool {
		return len(reporter.droppedIDs()) == 1
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"mbox_dead"}, reporter.droppedIDs())
	assert.Equal(t, 3, executor.executionCount("mbox_dead"))
	assert.Equal(t, int64(1), fleet.Stats().Failed)
	assert.Equal(t, int64(2), fleet.Stats().Retried)
}

func TestFleetRequeuesTimedOutTaskAtFront(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("mbox_slow", context.DeadlineExceeded)
	fleet := NewWorkerFleet(testLogger(), testFleetConfig(), executor)
	fleet.Start(context.Background())
	defer fleet.Stop(context.Background())

	require.NoError(t, fleet.Enqueue(newTask("slow", enum.PriorityHigh)))

	require.Eventually(t, func() bool {
		return fleet.Stats().Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := fleet.Stats()
	assert.Equal(t, int64(1), stats.Resets)
	assert.Zero(t, stats.Retried, "a timeout reset must not consume retry budget")
	assert.Equal(t, 2, executor.executionCount("mbox_slow"))
}

func TestFleetStopDrainsWorkers(t *testing.T) {
	executor := newScriptedExecutor()
	fleet := NewWorkerFleet(testLogger(), testFleetConfig(), executor)
	fleet.Start(context.Background())

	require.NoError(t, fleet.Enqueue(newTask("a", enum.PriorityLow)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fleet.Stop(ctx))

	assert.Error(t, fleet.Enqueue(newTask("b", enum.PriorityLow)))
}
