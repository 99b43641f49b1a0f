package interfaces

import (
	"context"

	"github.com/customeros/imapfleet/internal/models"
)

type MailboxRepository interface {
	GetActiveMailboxes(ctx context.Context) ([]models.Mailbox, error)
	GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error)
}

type MailboxStatusRepository interface {
	Get(ctx context.Context, mailboxID string) (*models.MailboxStatus, error)
	// Upsert inserts or updates the status row for status.MailboxID. On a
	// duplicate-key race the write is retried once as an update.
	Upsert(ctx context.Context, status *models.MailboxStatus) error
	// IncrementCounters atomically adds the deltas to the row's counters.
	IncrementCounters(ctx context.Context, mailboxID string, attempts, successes, failures, processed int64) error
	SaveWatermark(ctx context.Context, mailboxID string, lastSeq uint32) error
	NeedingReconnection(ctx context.Context) ([]models.MailboxStatus, error)
	// GetActiveWithStatus joins active mailboxes with their status rows.
	GetActiveWithStatus(ctx context.Context) ([]models.MailboxWithStatus, error)
}
