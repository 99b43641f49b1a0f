package interfaces

import (
	"context"
	"time"

	"github.com/customeros/imapfleet/internal/enum"
)

// StatusStore serializes status-record writes: at most one upsert per
// mailbox id is in flight at a time. All methods are safe for concurrent
// use across mailboxes.
type StatusStore interface {
	SetState(ctx context.Context, mailboxID string, state enum.ConnectionState, errMsg string) error
	SetNextReconnect(ctx context.Context, mailboxID string, at time.Time) error
	SetActive(ctx context.Context, mailboxID string, active bool) error

	RecordAttempt(ctx context.Context, mailboxID string) error
	RecordSuccess(ctx context.Context, mailboxID string) error
	RecordFailure(ctx context.Context, mailboxID string, errMsg string) error
	AddMessagesProcessed(ctx context.Context, mailboxID string, n int64) error

	// Watermark returns the persisted last-processed sequence. ok is false
	// when no watermark exists yet (fresh mailbox: start at current EXISTS).
	Watermark(ctx context.Context, mailboxID string) (seq uint32, ok bool, err error)
	AdvanceWatermark(ctx context.Context, mailboxID string, seq uint32) error

	NeedingReconnection(ctx context.Context) ([]string, error)
	// Flush blocks until queued writes are applied, bounded by ctx.
	Flush(ctx context.Context) error
}
