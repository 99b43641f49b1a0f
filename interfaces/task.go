package interfaces

import (
	"context"
	"time"

	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/models"
)

// Task is a unit of work for the worker fleet. It is immutable once
// enqueued; a retry is a new logical instance with RetryCount incremented.
type Task struct {
	ID         string
	MailboxID  string
	Mailbox    models.Mailbox // config snapshot taken at enqueue time
	Priority   enum.TaskPriority
	Kind       enum.TaskKind
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
}

// TaskQueue is the scheduler's handle onto the worker fleet.
type TaskQueue interface {
	Enqueue(t Task) error
	Depth() int
}

// TaskExecutor performs one task end to end: borrow a session, run the
// IMAP work, emit envelopes, report the outcome.
type TaskExecutor interface {
	Execute(ctx context.Context, t Task) error
}

// OutcomeReporter receives task outcomes back at the scheduler.
type OutcomeReporter interface {
	ReportPollSuccess(mailboxID string, newMessages int)
	ReportPollFailure(mailboxID string, err error)
	ReportIdleOutcome(mailboxID string, ok bool)
	// ReportTaskDropped is invoked when a task exhausts its retry budget.
	ReportTaskDropped(mailboxID string, kind enum.TaskKind, err error)
}
