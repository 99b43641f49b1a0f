package dto

import (
	"encoding/json"
	"time"
)

// Envelope is the normalized record emitted for every observed message.
// It is constructed by the session monitor from an IMAP FETCH result,
// handed to the sink adapter and not retained after submission.
type Envelope struct {
	MailboxID string `json:"mailboxId"`
	// OriginalMessageID is the RFC-5322 Message-ID header, possibly empty.
	OriginalMessageID string `json:"originalMessageId"`
	// InternalID is fleet-unique: mailbox id, IMAP UID and wall millis.
	InternalID string   `json:"internalId"`
	ThreadID   string   `json:"threadId"`
	InReplyTo  string   `json:"inReplyTo"`
	References []string `json:"references"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	// Body carries the raw RFC-5322 source; downstream owns MIME decoding.
	Body        string            `json:"body"`
	ReceivedAt  time.Time         `json:"receivedAt"`
	IsReply     bool              `json:"isReply"`
	Attachments []*AttachmentInfo `json:"attachments,omitempty"`

	ImapUID    uint32 `json:"imapUid"`
	ImapSeqNum uint32 `json:"imapSeqNum"`
	// WallMillis is the construction timestamp used in InternalID and the
	// sink deduplication key.
	WallMillis int64 `json:"wallMillis"`
}

// AttachmentInfo is populated only on the fully-parsed path.
type AttachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	// Content is base64-encoded.
	Content string `json:"content,omitempty"`
}

// Serialize renders the envelope as the UTF-8 JSON body submitted to the
// sink.
func (e *Envelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}
