package monitor

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/dto"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/utils"
)

const (
	// Downstream queue message cap; payloads near it get their body cut.
	maxBodyBytes      = 250 * 1024
	truncateBodyBytes = 200 * 1024
	truncationMarker  = "\n[Message truncated]"
)

// ErrUnidentifiableMessage marks a message carrying neither a Message-ID
// header nor a UID to synthesize an internal id from. Such messages are
// skipped with a warning, never submitted.
var ErrUnidentifiableMessage = errors.New("message has no Message-ID and no UID")

// BuildEnvelope normalizes one fetched message. The raw source rides along
// as the body; when present it is additionally parsed to recover the
// References header (absent from the IMAP envelope structure) and
// attachments.
func BuildEnvelope(mailboxID string, msg *interfaces.FetchedMessage) (*dto.Envelope, error) {
	if msg.MessageID == "" && msg.UID == 0 {
		return nil, ErrUnidentifiableMessage
	}

	wallMillis := utils.WallMillis()
	envelope := &dto.Envelope{
		MailboxID:         mailboxID,
		OriginalMessageID: msg.MessageID,
		InternalID:        utils.InternalMessageID(mailboxID, msg.UID, wallMillis),
		InReplyTo:         msg.InReplyTo,
		References:        append([]string(nil), msg.References...),
		From:              msg.From,
		To:                append([]string(nil), msg.To...),
		Subject:           msg.Subject,
		ReceivedAt:        msg.Date,
		ImapUID:           msg.UID,
		ImapSeqNum:        msg.SeqNum,
		WallMillis:        wallMillis,
	}

	if len(msg.Raw) > 0 {
		envelope.Body = truncateBody(msg.Raw)
		enrichFromRaw(envelope, msg.Raw)
	}

	if envelope.ThreadID = envelope.InReplyTo; envelope.ThreadID == "" {
		envelope.ThreadID = envelope.OriginalMessageID
	}
	envelope.IsReply = envelope.InReplyTo != "" || len(envelope.References) > 0

	return envelope, nil
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxBodyBytes {
		return string(raw)
	}
	return string(raw[:truncateBodyBytes]) + truncationMarker
}

// enrichFromRaw runs the full RFC-5322 parse over the raw source. The IMAP
// envelope has no References slot, so the header here is authoritative;
// attachments only exist on this path. Parse failures leave the envelope
// as built from the IMAP fields.
func enrichFromRaw(envelope *dto.Envelope, raw []byte) {
	parsed, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return
	}

	if refs := parseReferences(parsed.GetHeader("References")); len(refs) > 0 {
		envelope.References = refs
	}
	if envelope.OriginalMessageID == "" {
		envelope.OriginalMessageID = strings.Trim(parsed.GetHeader("Message-Id"), "<>")
	}
	if envelope.Subject == "" {
		envelope.Subject = parsed.GetHeader("Subject")
	}

	for _, attachment := range parsed.Attachments {
		envelope.Attachments = append(envelope.Attachments, &dto.AttachmentInfo{
			Filename:    attachment.FileName,
			ContentType: attachment.ContentType,
			Size:        len(attachment.Content),
			Content:     base64.StdEncoding.EncodeToString(attachment.Content),
		})
	}
	for _, inline := range parsed.Inlines {
		envelope.Attachments = append(envelope.Attachments, &dto.AttachmentInfo{
			Filename:    inline.FileName,
			ContentType: inline.ContentType,
			Size:        len(inline.Content),
			Content:     base64.StdEncoding.EncodeToString(inline.Content),
		})
	}
}

// parseReferences splits the References header: message ids separated by
// whitespace, each wrapped in angle brackets, oldest first.
func parseReferences(header string) []string {
	if header == "" {
		return nil
	}

	var refs []string
	for _, ref := range strings.Fields(header) {
		ref = strings.Trim(ref, "<>")
		if ref == "" {
			continue
		}
		duplicate := false
		for _, seen := range refs {
			if seen == ref {
				duplicate = true
				break
			}
		}
		if !duplicate {
			refs = append(refs, ref)
		}
	}
	return refs
}
