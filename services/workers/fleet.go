package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	tracingLog "github.com/opentracing/opentracing-go/log"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/internal/utils"
)

const (
	retryBackoffBase = time.Second
	retryBackoffMax  = 30 * time.Second

	statsInterval     = 30 * time.Second
	stuckScanInterval = 30 * time.Second
)

// FleetStats is the aggregate snapshot published every statsInterval and
// served on the metrics endpoint.
type FleetStats struct {
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	Idle       int   `json:"idle"`
	QueueDepth int   `json:"queueDepth"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Resets     int64 `json:"resets"`
}

type workerState struct {
	mu        sync.Mutex
	taskID    string
	mailboxID string
	startedAt time.Time
	cancel    context.CancelFunc
}

func (w *workerState) begin(t interfaces.Task, cancel context.CancelFunc) {
	w.mu.Lock()
	w.taskID = t.ID
	w.mailboxID = t.MailboxID
	w.startedAt = time.Now()
	w.cancel = cancel
	w.mu.Unlock()
}

func (w *workerState) end() {
	w.mu.Lock()
	w.taskID = ""
	w.mailboxID = ""
	w.cancel = nil
	w.mu.Unlock()
}

func (w *workerState) runningSince() (string, time.Time, context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.taskID, w.startedAt, w.cancel
}

// Fleet runs a fixed set of workers over the priority queue. It implements
// the scheduler-facing TaskQueue interface.
type Fleet struct {
	log      logger.Logger
	cfg      *config.FleetConfig
	executor interfaces.TaskExecutor
	reporter interfaces.OutcomeReporter

	queue   *priorityQueue
	workers []*workerState

	completed int64
	failed    int64
	retried   int64
	resets    int64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewWorkerFleet(log logger.Logger, cfg *config.FleetConfig, executor interfaces.TaskExecutor) *Fleet {
	workers := make([]*workerState, cfg.MaxWorkers)
	for i := range workers {
		workers[i] = &workerState{}
	}
	return &Fleet{
		log:      log,
		cfg:      cfg,
		executor: executor,
		queue:    newPriorityQueue(cfg.TaskQueueSize),
		workers:  workers,
	}
}

// SetOutcomeReporter wires the scheduler in for dropped-task reports.
func (f *Fleet) SetOutcomeReporter(reporter interfaces.OutcomeReporter) {
	f.reporter = reporter
}

func (f *Fleet) Enqueue(t interfaces.Task) error {
	return f.queue.enqueue(t)
}

func (f *Fleet) Depth() int {
	return f.queue.depth()
}

func (f *Fleet) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		f.cancel = cancel

		for _, w := range f.workers {
			f.wg.Add(1)
			go f.runWorker(runCtx, w)
		}

		f.wg.Add(2)
		go f.runStuckScan(runCtx)
		go f.runStatsLoop(runCtx)

		f.log.Infof("worker fleet started with %d workers, queue capacity %d", len(f.workers), f.cfg.TaskQueueSize)
	})
}

// Stop closes the queue, lets workers drain what they already hold, and
// waits up to ctx for them to finish.
func (f *Fleet) Stop(ctx context.Context) error {
	f.queue.close()
	if f.cancel != nil {
		f.cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fleet) Stats() FleetStats {
	active := 0
	for _, w := range f.workers {
		if id, _, _ := w.runningSince(); id != "" {
			active++
		}
	}
	return FleetStats{
		Workers:    len(f.workers),
		Active:     active,
		Idle:       len(f.workers) - active,
		QueueDepth: f.queue.depth(),
		Completed:  atomic.LoadInt64(&f.completed),
		Failed:     atomic.LoadInt64(&f.failed),
		Retried:    atomic.LoadInt64(&f.retried),
		Resets:     atomic.LoadInt64(&f.resets),
	}
}

func (f *Fleet) runWorker(ctx context.Context, w *workerState) {
	defer f.wg.Done()
	defer tracing.RecoverAndLogToJaeger(f.log)

	for {
		task, ok := f.queue.dequeue(ctx)
		if !ok {
			return
		}
		f.runTask(ctx, w, task)
	}
}

func (f *Fleet) runTask(ctx context.Context, w *workerState, task interfaces.Task) {
	span, ctx := tracing.StartTracerSpan(ctx, "Fleet.runTask")
	defer span.Finish()
	tracing.TagComponentWorker(span)
	tracing.TagMailbox(span, task.MailboxID)
	tracing.TagTaskKind(span, task.Kind.String())
	span.LogFields(
		tracingLog.String("priority", task.Priority.String()),
		tracingLog.Int("retry_count", task.RetryCount),
	)

	taskCtx, cancel := context.WithTimeout(ctx, f.cfg.WorkerTimeout())
	w.begin(task, cancel)

	start := time.Now()
	err := f.executor.Execute(taskCtx, task)
	duration := time.Since(start)

	w.end()
	cancel()

	span.LogFields(tracingLog.String("duration", duration.String()))

	if err == nil {
		atomic.AddInt64(&f.completed, 1)
		return
	}
	tracing.TraceErr(span, err)

	// A task that ran into its own deadline was stuck, not failed: it goes
	// back to the front of its tier without consuming retry budget.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		atomic.AddInt64(&f.resets, 1)
		f.log.Warnf("[%s] %s task exceeded %v, requeueing at front", task.MailboxID, task.Kind, f.cfg.WorkerTimeout())
		f.queue.enqueueFront(task)
		return
	}

	if task.RetryCount < task.MaxRetries {
		f.scheduleRetry(task, err)
		return
	}

	atomic.AddInt64(&f.failed, 1)
	f.log.Warnf("[%s] %s task failed after %d retries: %v", task.MailboxID, task.Kind, task.RetryCount, err)
	if f.reporter != nil {
		f.reporter.ReportTaskDropped(task.MailboxID, task.Kind, err)
	}
}

// scheduleRetry re-enqueues the task as a new instance after exponential
// backoff.
func (f *Fleet) scheduleRetry(task interfaces.Task, cause error) {
	retry := task
	retry.RetryCount++
	retry.ID = utils.GenerateNanoIDWithPrefix("task", 12)
	retry.EnqueuedAt = time.Now()

	backoff := utils.BackoffDuration(retryBackoffBase, f.cfg.BackoffFactor(), retry.RetryCount, retryBackoffMax)
	atomic.AddInt64(&f.retried, 1)
	f.log.Warnf("[%s] %s task failed (%v), retry %d/%d in %v", task.MailboxID, task.Kind, cause, retry.RetryCount, retry.MaxRetries, backoff)

	time.AfterFunc(backoff, func() {
		if err := f.queue.enqueue(retry); err != nil {
			atomic.AddInt64(&f.failed, 1)
			if f.reporter != nil {
				f.reporter.ReportTaskDropped(retry.MailboxID, retry.Kind, err)
			}
		}
	})
}

// runStuckScan is a safety net for executors that ignore their context:
// any worker past the task timeout gets its context cancelled.
func (f *Fleet) runStuckScan(ctx context.Context) {
	defer f.wg.Done()
	defer tracing.RecoverAndLogToJaeger(f.log)

	ticker := time.NewTicker(stuckScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range f.workers {
				taskID, startedAt, cancel := w.runningSince()
				if taskID == "" || cancel == nil {
					continue
				}
				if time.Since(startedAt) > f.cfg.WorkerTimeout()+stuckScanInterval {
					f.log.Errorf("worker stuck on task %s for %v, cancelling", taskID, time.Since(startedAt))
					cancel()
				}
			}
		}
	}
}

func (f *Fleet) runStatsLoop(ctx context.Context) {
	defer f.wg.Done()
	defer tracing.RecoverAndLogToJaeger(f.log)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := f.Stats()
			f.log.Infof("workers: %d active, %d idle, queue depth %d, completed %d, failed %d, retried %d",
				stats.Active, stats.Idle, stats.QueueDepth, stats.Completed, stats.Failed, stats.Retried)

			span := opentracing.GlobalTracer().StartSpan("Fleet.stats")
			tracing.TagComponentWorker(span)
			tracing.LogObjectAsJson(span, "stats", stats)
			span.Finish()
		}
	}
}
