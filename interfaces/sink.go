package interfaces

import (
	"context"

	"github.com/customeros/imapfleet/dto"
)

// SinkMaxBatch is the hard cap on envelopes per submission.
const SinkMaxBatch = 10

// SubmissionResult reports the outcome for one envelope of a batch.
type SubmissionResult struct {
	InternalID string
	Err        error
}

// EnvelopeSink delivers normalized envelopes to the downstream durable
// queue. Submission is at-least-once; deduplication is handled downstream
// via the per-envelope dedup key.
type EnvelopeSink interface {
	// SubmitBatch accepts up to SinkMaxBatch envelopes and returns one
	// result per input, in order. The error covers batch-level failures.
	SubmitBatch(ctx context.Context, envelopes []*dto.Envelope) ([]SubmissionResult, error)
	Close() error
}
