package models

import (
	"time"

	"github.com/customeros/imapfleet/internal/enum"
)

// MailboxStatus is the persisted connection lifecycle record for one
// mailbox, including the sequence-number watermark: the highest IMAP
// sequence for which every message was fully submitted to the sink.
type MailboxStatus struct {
	MailboxID string               `gorm:"column:mailbox_id;type:varchar(50);primaryKey" json:"mailboxId"`
	State     enum.ConnectionState `gorm:"column:state;type:varchar(20);not null;default:'disconnected';index" json:"state"`
	Active    bool                 `gorm:"column:active;not null;default:true;index" json:"active"`

	LastConnectedAt    *time.Time `gorm:"column:last_connected_at;type:timestamp" json:"lastConnectedAt"`
	LastDisconnectedAt *time.Time `gorm:"column:last_disconnected_at;type:timestamp" json:"lastDisconnectedAt"`
	LastErrorAt        *time.Time `gorm:"column:last_error_at;type:timestamp" json:"lastErrorAt"`
	LastError          string     `gorm:"column:last_error;type:text" json:"lastError"`
	NextReconnectAt    *time.Time `gorm:"column:next_reconnect_at;type:timestamp" json:"nextReconnectAt"`

	// Monotonic counters
	ConnectionAttempts  int64 `gorm:"column:connection_attempts;not null;default:0" json:"connectionAttempts"`
	ConnectionSuccesses int64 `gorm:"column:connection_successes;not null;default:0" json:"connectionSuccesses"`
	ConnectionFailures  int64 `gorm:"column:connection_failures;not null;default:0" json:"connectionFailures"`
	MessagesProcessed   int64 `gorm:"column:messages_processed;not null;default:0" json:"messagesProcessed"`

	// Watermark: last fully submitted sequence number. Zero means no
	// successful poll yet; first poll seeds it to the current EXISTS.
	LastSeq            uint32     `gorm:"column:last_seq;not null;default:0" json:"lastSeq"`
	WatermarkUpdatedAt *time.Time `gorm:"column:watermark_updated_at;type:timestamp" json:"watermarkUpdatedAt"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (MailboxStatus) TableName() string {
	return "mailbox_statuses"
}

// MailboxWithStatus is the join row returned by the active-mailbox query.
type MailboxWithStatus struct {
	Mailbox Mailbox
	Status  *MailboxStatus
}
