package interfaces

import (
	"context"
	"time"
)

// MailboxSnapshot is the state of a selected IMAP folder.
type MailboxSnapshot struct {
	Name        string
	Exists      uint32
	UIDValidity uint32
}

// FetchedMessage is one message pulled from the server, reduced to the
// fields the monitor needs to build an envelope.
type FetchedMessage struct {
	SeqNum     uint32
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	To         []string
	Subject    string
	Date       time.Time
	Raw        []byte
}

// Session is a single live IMAP connection bound to one mailbox. It is
// owned by the connection pool; workers borrow it through acquire/release
// and never hold it concurrently.
type Session interface {
	MailboxID() string
	// Host is the canonical host-group key the session is accounted under.
	Host() string
	IsAlive() bool
	CreatedAt() time.Time
	LastActivity() time.Time

	Noop(ctx context.Context) error
	OpenMailbox(ctx context.Context, folder string) (*MailboxSnapshot, error)
	// FetchRange fetches messages [from, to] by sequence number, in order.
	FetchRange(ctx context.Context, from, to uint32) ([]*FetchedMessage, error)
	// Idle issues IDLE and blocks until ctx is cancelled or the connection
	// fails. started is closed once the server has accepted the command;
	// onExists receives the new EXISTS count on every notification.
	Idle(ctx context.Context, started chan<- struct{}, onExists func(exists uint32)) error
	Close() error
}

// Dialer creates sessions. The production implementation dials go-imap;
// tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}

type SessionConfig struct {
	MailboxID     string
	Host          string
	CanonicalHost string
	Port          int
	Username      string
	Password      string
}
