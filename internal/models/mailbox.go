package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/utils"
)

// Mailbox is an account monitored by the fleet. Rows are created externally;
// the fleet loads active mailboxes at startup and refreshes them on a cron.
type Mailbox struct {
	ID           string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	EmailAddress string `gorm:"column:email_address;type:varchar(255);index" json:"emailAddress"`
	// IMAP endpoint
	ImapServer   string             `gorm:"column:imap_server;type:varchar(255);not null" json:"imapServer"`
	ImapPort     int                `gorm:"column:imap_port;not null" json:"imapPort"`
	ImapUsername string             `gorm:"column:imap_username;type:varchar(255);not null" json:"imapUsername"`
	ImapPassword string             `gorm:"column:imap_password;type:varchar(255);not null" json:"imapPassword"`
	ImapSecurity enum.EmailSecurity `gorm:"column:imap_security;type:varchar(20);not null;default:'tls'" json:"imapSecurity"`
	SyncFolders  pq.StringArray     `gorm:"column:sync_folders;type:text[]" json:"syncFolders"`
	// Administrative metadata
	Active     bool   `gorm:"column:active;not null;default:true;index" json:"active"`
	Owner      string `gorm:"column:owner;type:varchar(255)" json:"owner"`
	DailyLimit int    `gorm:"column:daily_limit;not null;default:0" json:"dailyLimit"`
	// Standard timestamps
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Mailbox) TableName() string {
	return "mailboxes"
}

func (m *Mailbox) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("mbox", 16)
	}
	if m.ImapSecurity == "" {
		m.ImapSecurity = enum.SecurityForPort(m.ImapPort)
	}
	if len(m.SyncFolders) == 0 {
		m.SyncFolders = pq.StringArray{"INBOX"}
	}
	return nil
}

// Folder returns the monitored folder, INBOX unless configured otherwise.
func (m *Mailbox) Folder() string {
	if len(m.SyncFolders) > 0 && m.SyncFolders[0] != "" {
		return m.SyncFolders[0]
	}
	return "INBOX"
}
