package interfaces

import (
	"context"

	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/models"
)

// ConnectionPool owns live IMAP sessions grouped by canonical host.
// Acquire returns the mailbox's existing live session when a fast liveness
// probe succeeds, otherwise creates one subject to host capacity and rate
// discipline; callers must Release when the task completes.
type ConnectionPool interface {
	Acquire(ctx context.Context, mailbox *models.Mailbox, priority enum.TaskPriority) (Session, error)
	Release(mailboxID string)
	// CheckMailbox probes the mailbox's cached session; dead sessions are
	// retired and the mailbox is marked for reconnection.
	CheckMailbox(ctx context.Context, mailboxID string) error
	Drop(mailboxID string)
	HostStats() []HostGroupStats
	Shutdown(ctx context.Context) error
}

// HostGroupStats is a read-only utilization snapshot for one host group.
type HostGroupStats struct {
	CanonicalHost   string `json:"canonicalHost"`
	LiveSessions    int    `json:"liveSessions"`
	MaxSessions     int    `json:"maxSessions"`
	WindowCreates   int    `json:"windowCreates"`
	WindowMax       int    `json:"windowMax"`
	WaitingRequests int    `json:"waitingRequests"`
}
