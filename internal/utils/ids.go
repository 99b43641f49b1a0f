package utils

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNanoIDWithPrefix returns ids of the form "<prefix>_<nanoid>".
func GenerateNanoIDWithPrefix(prefix string, length int) string {
	id, err := gonanoid.Generate(idAlphabet, length)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// InternalMessageID builds the fleet-unique id assigned to every observed
// message: mailbox id, IMAP UID and wall-clock millis.
func InternalMessageID(mailboxID string, uid uint32, wallMillis int64) string {
	return fmt.Sprintf("%s_%d_%d", mailboxID, uid, wallMillis)
}

// DeduplicationKey is the sink-level dedup key for a submission.
func DeduplicationKey(mailboxID string, wallMillis int64) string {
	return fmt.Sprintf("%s_%d", mailboxID, wallMillis)
}
