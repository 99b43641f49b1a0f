package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	tracingLog "github.com/opentracing/opentracing-go/log"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/dto"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/models"
	"github.com/customeros/imapfleet/internal/tracing"
)

const (
	fetchBatchSize = 10

	// How long an idle task keeps the session borrowed before handing it
	// back. Kept under the worker timeout so the task never reads as stuck.
	idleHoldDuration = 4 * time.Minute
)

// SessionMonitor executes poll, idle and health-check tasks against a
// borrowed IMAP session and emits normalized envelopes to the sink.
type SessionMonitor struct {
	log         logger.Logger
	cfg         *config.FleetConfig
	pool        interfaces.ConnectionPool
	sink        interfaces.EnvelopeSink
	statusStore interfaces.StatusStore
	reporter    interfaces.OutcomeReporter
}

func NewSessionMonitor(log logger.Logger, cfg *config.FleetConfig, pool interfaces.ConnectionPool, sink interfaces.EnvelopeSink, statusStore interfaces.StatusStore) *SessionMonitor {
	return &SessionMonitor{
		log:         log,
		cfg:         cfg,
		pool:        pool,
		sink:        sink,
		statusStore: statusStore,
	}
}

// SetOutcomeReporter wires the scheduler in after construction; the
// scheduler itself depends on the task queue, which depends on this
// executor.
func (m *SessionMonitor) SetOutcomeReporter(reporter interfaces.OutcomeReporter) {
	m.reporter = reporter
}

func (m *SessionMonitor) Execute(ctx context.Context, t interfaces.Task) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionMonitor.Execute")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, t.MailboxID)
	tracing.TagTaskKind(span, t.Kind.String())

	switch t.Kind {
	case enum.TaskHealthCheck:
		return m.pool.CheckMailbox(ctx, t.MailboxID)
	case enum.TaskIdle:
		return m.executeIdle(ctx, t)
	default:
		return m.executePoll(ctx, t)
	}
}

func (m *SessionMonitor) executePoll(ctx context.Context, t interfaces.Task) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionMonitor.executePoll")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, t.MailboxID)

	sess, err := m.acquireSession(ctx, &t)
	if err != nil {
		tracing.TraceErr(span, err)
		m.reportPollFailure(t.MailboxID, err)
		return err
	}
	defer m.pool.Release(t.MailboxID)

	newMessages, err := m.runPoll(ctx, sess, &t.Mailbox)
	if err != nil {
		tracing.TraceErr(span, err)
		_ = m.statusStore.SetState(ctx, t.MailboxID, enum.ConnectionError, err.Error())
		m.reportPollFailure(t.MailboxID, err)
		return err
	}

	span.LogFields(tracingLog.Int("messages.new", newMessages))
	m.finishPollSuccess(ctx, t.MailboxID, newMessages)
	return nil
}

func (m *SessionMonitor) executeIdle(ctx context.Context, t interfaces.Task) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionMonitor.executeIdle")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, t.MailboxID)

	sess, err := m.acquireSession(ctx, &t)
	if err != nil {
		tracing.TraceErr(span, err)
		m.reportIdleOutcome(t.MailboxID, false)
		return err
	}
	defer m.pool.Release(t.MailboxID)

	result, err := m.runIdle(ctx, sess, &t.Mailbox)
	span.LogFields(
		tracingLog.Int("messages.new", result.NewMessages),
		tracingLog.Bool("degrade_to_poll", result.DegradeToPoll),
	)

	if result.DegradeToPoll {
		// IDLE never started; run a poll on the same borrow and report
		// both outcomes so the scheduler backs off IDLE independently.
		m.reportIdleOutcome(t.MailboxID, false)

		newMessages, pollErr := m.runPoll(ctx, sess, &t.Mailbox)
		if pollErr != nil {
			tracing.TraceErr(span, pollErr)
			_ = m.statusStore.SetState(ctx, t.MailboxID, enum.ConnectionError, pollErr.Error())
			m.reportPollFailure(t.MailboxID, pollErr)
			return pollErr
		}
		m.finishPollSuccess(ctx, t.MailboxID, newMessages)
		return nil
	}

	if err != nil {
		tracing.TraceErr(span, err)
		_ = m.statusStore.SetState(ctx, t.MailboxID, enum.ConnectionError, err.Error())
		m.reportIdleOutcome(t.MailboxID, false)
		return err
	}

	if result.NewMessages > 0 {
		_ = m.statusStore.AddMessagesProcessed(ctx, t.MailboxID, int64(result.NewMessages))
		m.reportVolume(t.MailboxID, result.NewMessages)
	}
	_ = m.statusStore.SetState(ctx, t.MailboxID, enum.ConnectionConnected, "")
	m.reportIdleOutcome(t.MailboxID, true)
	return nil
}

func (m *SessionMonitor) acquireSession(ctx context.Context, t *interfaces.Task) (interfaces.Session, error) {
	_ = m.statusStore.RecordAttempt(ctx, t.MailboxID)

	sess, err := m.pool.Acquire(ctx, &t.Mailbox, t.Priority)
	if err != nil {
		_ = m.statusStore.SetState(ctx, t.MailboxID, enum.ConnectionError, err.Error())
		_ = m.statusStore.RecordFailure(ctx, t.MailboxID, err.Error())
		return nil, err
	}

	_ = m.statusStore.RecordSuccess(ctx, t.MailboxID)
	_ = m.statusStore.SetState(ctx, t.MailboxID, enum.ConnectionConnected, "")
	return sess, nil
}

func (m *SessionMonitor) finishPollSuccess(ctx context.Context, mailboxID string, newMessages int) {
	if newMessages > 0 {
		_ = m.statusStore.AddMessagesProcessed(ctx, mailboxID, int64(newMessages))
	}
	_ = m.statusStore.SetState(ctx, mailboxID, enum.ConnectionConnected, "")
	if m.reporter != nil {
		m.reporter.ReportPollSuccess(mailboxID, newMessages)
	}
}

func (m *SessionMonitor) reportPollFailure(mailboxID string, err error) {
	if m.reporter != nil {
		m.reporter.ReportPollFailure(mailboxID, err)
	}
}

func (m *SessionMonitor) reportIdleOutcome(mailboxID string, ok bool) {
	if m.reporter != nil {
		m.reporter.ReportIdleOutcome(mailboxID, ok)
	}
}

func (m *SessionMonitor) reportVolume(mailboxID string, newMessages int) {
	if m.reporter != nil {
		m.reporter.ReportPollSuccess(mailboxID, newMessages)
	}
}

// runPoll opens the monitored folder, fetches everything past the
// watermark in sequence order and submits it. The watermark advances only
// behind fully submitted batches, so a mid-range failure re-fetches the
// remainder next cycle.
func (m *SessionMonitor) runPoll(ctx context.Context, sess interfaces.Session, mailbox *models.Mailbox) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionMonitor.runPoll")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailbox.ID)

	snapshot, err := sess.OpenMailbox(ctx, mailbox.Folder())
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	span.LogFields(tracingLog.Uint32("exists", snapshot.Exists))

	watermark, ok, err := m.statusStore.Watermark(ctx, mailbox.ID)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	// Fresh mailbox: no backfill, start at the current message count.
	if !ok {
		if err := m.statusStore.AdvanceWatermark(ctx, mailbox.ID, snapshot.Exists); err != nil {
			tracing.TraceErr(span, err)
			return 0, err
		}
		span.LogFields(tracingLog.String("watermark", "seeded"))
		return 0, nil
	}

	// The mailbox shrank below the watermark (expunge or UIDVALIDITY
	// change). Resync to the current count rather than re-reading mail.
	if watermark > snapshot.Exists {
		if err := m.statusStore.AdvanceWatermark(ctx, mailbox.ID, snapshot.Exists); err != nil {
			tracing.TraceErr(span, err)
			return 0, err
		}
		return 0, nil
	}

	return m.fetchAndSubmit(ctx, sess, mailbox, watermark, snapshot.Exists)
}

// fetchAndSubmit drains [watermark+1, exists] in batches of fetchBatchSize.
func (m *SessionMonitor) fetchAndSubmit(ctx context.Context, sess interfaces.Session, mailbox *models.Mailbox, watermark, exists uint32) (int, error) {
	submitted := 0

	for from := watermark + 1; from <= exists; from += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}

		to := from + fetchBatchSize - 1
		if to > exists {
			to = exists
		}

		messages, err := sess.FetchRange(ctx, from, to)
		if err != nil {
			return submitted, err
		}

		batch, err := m.buildBatch(mailbox.ID, messages)
		if err != nil {
			return submitted, err
		}

		if len(batch) > 0 {
			results, err := m.sink.SubmitBatch(ctx, batch)
			if err != nil {
				return submitted, errors.Wrap(err, "sink submission failed")
			}
			for _, r := range results {
				if r.Err != nil {
					return submitted, errors.Wrapf(r.Err, "sink rejected envelope %s", r.InternalID)
				}
			}
			submitted += len(batch)
		}

		if err := m.statusStore.AdvanceWatermark(ctx, mailbox.ID, to); err != nil {
			return submitted, err
		}
	}

	return submitted, nil
}

func (m *SessionMonitor) buildBatch(mailboxID string, messages []*interfaces.FetchedMessage) ([]*dto.Envelope, error) {
	batch := make([]*dto.Envelope, 0, len(messages))
	for _, msg := range messages {
		envelope, err := BuildEnvelope(mailboxID, msg)
		if err != nil {
			if errors.Is(err, ErrUnidentifiableMessage) {
				m.log.Warnf("[%s] skipping unidentifiable message seq %d", mailboxID, msg.SeqNum)
				continue
			}
			return nil, err
		}
		batch = append(batch, envelope)
	}
	return batch, nil
}

// IdleResult is the idle flow's decision surface. DegradeToPoll means IDLE
// never became active and the caller should poll on the same borrow.
type IdleResult struct {
	NewMessages   int
	DegradeToPoll bool
}

// runIdle catches up past the watermark, then holds the session in IDLE,
// fetching on every EXISTS notification and keeping the connection alive
// with periodic NOOPs. Returns after idleHoldDuration so the borrow is
// handed back; the scheduler re-issues idle tasks while IDLE stays healthy.
func (m *SessionMonitor) runIdle(ctx context.Context, sess interfaces.Session, mailbox *models.Mailbox) (IdleResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionMonitor.runIdle")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailbox.ID)

	result := IdleResult{}

	// Catch up before idling so notifications only cover fresh arrivals.
	caughtUp, err := m.runPoll(ctx, sess, mailbox)
	if err != nil {
		tracing.TraceErr(span, err)
		return result, err
	}
	result.NewMessages += caughtUp

	idleCtx, cancelIdle := context.WithCancel(ctx)
	defer cancelIdle()

	started := make(chan struct{})
	existsCh := make(chan uint32, 16)
	idleDone := make(chan error, 1)

	go func() {
		idleDone <- sess.Idle(idleCtx, started, func(exists uint32) {
			select {
			case existsCh <- exists:
			default:
			}
		})
	}()

	select {
	case <-started:
	case <-time.After(m.cfg.IdleTimeout()):
		cancelIdle()
		<-idleDone
		result.DegradeToPoll = true
		span.LogFields(tracingLog.String("idle", "startup_timeout"))
		return result, nil
	case err := <-idleDone:
		result.DegradeToPoll = true
		span.LogFields(tracingLog.String("idle", "startup_failed"))
		if err != nil && !errors.Is(err, context.Canceled) {
			tracing.TraceErr(span, err)
		}
		return result, nil
	case <-ctx.Done():
		cancelIdle()
		<-idleDone
		if errors.Is(ctx.Err(), context.Canceled) {
			return result, nil
		}
		return result, ctx.Err()
	}

	_ = m.statusStore.SetState(ctx, mailbox.ID, enum.ConnectionIdle, "")

	noopTicker := time.NewTicker(m.cfg.NoopInterval())
	defer noopTicker.Stop()
	hold := time.NewTimer(idleHoldDuration)
	defer hold.Stop()

	finish := func() {
		cancelIdle()
		<-idleDone
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			// Shutdown cancellation is a clean stop, not an idle failure.
			if errors.Is(ctx.Err(), context.Canceled) {
				span.LogFields(tracingLog.String("idle", "cancelled"))
				return result, nil
			}
			return result, ctx.Err()

		case <-hold.C:
			finish()
			return result, nil

		case err := <-idleDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return result, fmt.Errorf("idle terminated: %w", err)
			}
			return result, nil

		case exists := <-existsCh:
			fetched, err := m.fetchOnNotify(ctx, sess, mailbox, exists)
			result.NewMessages += fetched
			if err != nil {
				finish()
				return result, err
			}

		case <-noopTicker.C:
			if err := sess.Noop(ctx); err != nil {
				finish()
				return result, errors.Wrap(err, "idle keepalive failed")
			}
		}
	}
}

// fetchOnNotify runs the poll fetch flow for the range opened up by an
// EXISTS notification.
func (m *SessionMonitor) fetchOnNotify(ctx context.Context, sess interfaces.Session, mailbox *models.Mailbox, exists uint32) (int, error) {
	watermark, ok, err := m.statusStore.Watermark(ctx, mailbox.ID)
	if err != nil {
		return 0, err
	}
	if !ok || watermark >= exists {
		return 0, nil
	}
	return m.fetchAndSubmit(ctx, sess, mailbox, watermark, exists)
}
