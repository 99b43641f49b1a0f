package pool

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrHostBusy is returned when a host group is at capacity and the
	// caller's wait deadline expired before a slot freed up.
	ErrHostBusy = errors.New("host group at capacity")

	// ErrRateLimited is returned when the host group's session-creation
	// window is exhausted and the caller's wait deadline expired.
	ErrRateLimited = errors.New("host group rate limit exceeded")

	// ErrMailboxDropped is returned when the mailbox was removed from the
	// pool while the caller was waiting.
	ErrMailboxDropped = errors.New("mailbox dropped from pool")
)

// IsRetriable reports whether the acquire failure is transient and the
// task should be retried instead of quarantined.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrHostBusy) || errors.Is(err, ErrRateLimited)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	errorMsg := err.Error()
	return strings.Contains(errorMsg, "connection closed") ||
		strings.Contains(errorMsg, "i/o timeout") ||
		strings.Contains(errorMsg, "EOF") ||
		strings.Contains(errorMsg, "connection reset") ||
		strings.Contains(errorMsg, "broken pipe") ||
		strings.Contains(errorMsg, "use of closed network connection")
}
