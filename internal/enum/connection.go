package enum

// ConnectionState is the persisted lifecycle state of a mailbox connection.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionIdle         ConnectionState = "idle"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionError        ConnectionState = "error"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

func (t ConnectionState) String() string {
	return string(t)
}

// NeedsReconnect reports whether the state marks the mailbox for
// reconnection by the scheduler.
func (t ConnectionState) NeedsReconnect() bool {
	switch t {
	case ConnectionDisconnected, ConnectionError, ConnectionReconnecting:
		return true
	}
	return false
}

type EmailSecurity string

const (
	EmailSecurityNone     EmailSecurity = "none"
	EmailSecurityTLS      EmailSecurity = "tls"
	EmailSecurityStartTLS EmailSecurity = "startTLS"
)

func (t EmailSecurity) String() string {
	return string(t)
}

// SecurityForPort maps an IMAP port to its conventional transport security.
func SecurityForPort(port int) EmailSecurity {
	switch port {
	case 993:
		return EmailSecurityTLS
	case 587:
		return EmailSecurityStartTLS
	default:
		return EmailSecurityNone
	}
}
