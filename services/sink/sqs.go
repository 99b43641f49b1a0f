package sink

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/dto"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/internal/utils"
)

// SQSSink submits envelope batches to an SQS FIFO queue. The message group
// is the mailbox id, so per-mailbox ordering is preserved downstream, and
// the deduplication id absorbs redelivery after partial batch failures.
type SQSSink struct {
	log      logger.Logger
	cfg      *config.SinkConfig
	client   sqsiface.SQSAPI
	queueURL string
}

func NewSQSSink(log logger.Logger, cfg *config.SinkConfig) *SQSSink {
	sess := session.Must(session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWSRegion),
	}))
	return &SQSSink{
		log:      log,
		cfg:      cfg,
		client:   sqs.New(sess),
		queueURL: cfg.QueueURL,
	}
}

func (s *SQSSink) SubmitBatch(ctx context.Context, envelopes []*dto.Envelope) ([]interfaces.SubmissionResult, error) {
	span, ctx := tracing.StartTracerSpan(ctx, "SQSSink.SubmitBatch")
	defer span.Finish()
	tracing.TagComponentSink(span)

	if len(envelopes) == 0 {
		return nil, nil
	}
	if len(envelopes) > interfaces.SinkMaxBatch {
		err := errors.Errorf("batch of %d exceeds limit of %d", len(envelopes), interfaces.SinkMaxBatch)
		tracing.TraceErr(span, err)
		return nil, err
	}

	entries := make([]*sqs.SendMessageBatchRequestEntry, 0, len(envelopes))
	for i, envelope := range envelopes {
		entry, err := s.buildEntry(strconv.Itoa(i), envelope)
		if err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
		entries = append(entries, entry)
	}

	output, err := s.client.SendMessageBatchWithContext(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(s.queueURL),
		Entries:  entries,
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to submit envelope batch")
	}

	failed := make(map[string]*sqs.BatchResultErrorEntry, len(output.Failed))
	for _, f := range output.Failed {
		failed[aws.StringValue(f.Id)] = f
	}

	results := make([]interfaces.SubmissionResult, len(envelopes))
	for i, envelope := range envelopes {
		results[i] = interfaces.SubmissionResult{InternalID: envelope.InternalID}
		if f, ok := failed[strconv.Itoa(i)]; ok {
			results[i].Err = errors.Errorf("sqs rejected entry: %s: %s", aws.StringValue(f.Code), aws.StringValue(f.Message))
			s.log.Warnf("[%s] envelope %s rejected by sqs: %s", envelope.MailboxID, envelope.InternalID, aws.StringValue(f.Code))
		}
	}
	return results, nil
}

func (s *SQSSink) buildEntry(id string, envelope *dto.Envelope) (*sqs.SendMessageBatchRequestEntry, error) {
	body, err := envelope.Serialize()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize envelope %s", envelope.InternalID)
	}

	attributes := map[string]*sqs.MessageAttributeValue{
		"MessageType":       stringAttribute(s.cfg.MessageType),
		"AccountId":         stringAttribute(envelope.MailboxID),
		"InternalMessageId": stringAttribute(envelope.InternalID),
		"IsReply":           stringAttribute(strconv.FormatBool(envelope.IsReply)),
		"HasTextContent":    stringAttribute(strconv.FormatBool(len(envelope.Body) > 0)),
		"TextLength":        stringAttribute(strconv.Itoa(len(envelope.Body))),
		"Timestamp":         stringAttribute(strconv.FormatInt(envelope.WallMillis, 10)),
	}
	// SQS rejects empty attribute values.
	if envelope.OriginalMessageID != "" {
		attributes["OriginalMessageId"] = stringAttribute(envelope.OriginalMessageID)
	}
	if envelope.ThreadID != "" {
		attributes["ThreadId"] = stringAttribute(envelope.ThreadID)
	}

	return &sqs.SendMessageBatchRequestEntry{
		Id:                     aws.String(id),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(envelope.MailboxID),
		MessageDeduplicationId: aws.String(utils.DeduplicationKey(envelope.MailboxID, envelope.WallMillis)),
		MessageAttributes:      attributes,
	}, nil
}

func (s *SQSSink) Close() error {
	return nil
}

func stringAttribute(value string) *sqs.MessageAttributeValue {
	return &sqs.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}
