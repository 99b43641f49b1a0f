package sink

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/customeros/imapfleet/dto"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/tracing"
)

const (
	ExchangeIngest   = "imapfleet-direct"
	ExchangeIngestDL = "imapfleet-dead-letter"

	QueueEnvelopes = "ingest-envelopes"
	DLQEnvelopes   = QueueEnvelopes + "-dlq"

	RoutingKeyEnvelope   = "envelope"
	RoutingKeyDeadLetter = "dead-letter"

	envelopeMessageTTL      = 240 * time.Hour // after TTL message moves to DLQ
	publishConfirmTimeout   = 5 * time.Second
	publishMaxRetries       = 3
	reconnectBackoffBase    = time.Second
	reconnectBackoffCeiling = 30 * time.Second
)

// RabbitMQSink publishes envelopes one by one on a direct exchange with
// publisher confirms. Used when no SQS queue is configured.
type RabbitMQSink struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	publishChannel  *amqp091.Channel
	publishMutex    sync.Mutex
	confirms        chan amqp091.Confirmation
	url             string
	log             logger.Logger
	closed          chan struct{}
	closeOnce       sync.Once
}

func NewRabbitMQSink(url string, log logger.Logger) (*RabbitMQSink, error) {
	s := &RabbitMQSink{
		url:    url,
		log:    log,
		closed: make(chan struct{}),
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	go s.handleReconnection()
	return s, nil
}

// SubmitBatch publishes each envelope individually; a connection-level
// failure surfaces on the remaining entries, not as a batch error, so the
// caller's watermark handling sees per-envelope outcomes.
func (s *RabbitMQSink) SubmitBatch(ctx context.Context, envelopes []*dto.Envelope) ([]interfaces.SubmissionResult, error) {
	span, ctx := tracing.StartTracerSpan(ctx, "RabbitMQSink.SubmitBatch")
	defer span.Finish()
	tracing.TagComponentSink(span)

	if len(envelopes) > interfaces.SinkMaxBatch {
		err := errors.Errorf("batch of %d exceeds limit of %d", len(envelopes), interfaces.SinkMaxBatch)
		tracing.TraceErr(span, err)
		return nil, err
	}

	results := make([]interfaces.SubmissionResult, len(envelopes))
	for i, envelope := range envelopes {
		results[i] = interfaces.SubmissionResult{InternalID: envelope.InternalID}
		if err := s.publishEnvelope(ctx, envelope); err != nil {
			tracing.TraceErr(span, err)
			results[i].Err = err
		}
	}
	return results, nil
}

func (s *RabbitMQSink) publishEnvelope(ctx context.Context, envelope *dto.Envelope) error {
	body, err := envelope.Serialize()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize envelope %s", envelope.InternalID)
	}

	for attempt := 0; attempt < publishMaxRetries; attempt++ {
		err = s.publishWithConfirm(ctx, envelope.MailboxID, body)
		if err == nil {
			return nil
		}
		s.log.Warnf("[%s] publish attempt %d failed: %v", envelope.MailboxID, attempt+1, err)
		if attempt < publishMaxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond * 100 * time.Duration(attempt+1)):
			}
		}
	}
	return errors.Wrapf(err, "failed to publish envelope %s after %d attempts", envelope.InternalID, publishMaxRetries)
}

func (s *RabbitMQSink) publishWithConfirm(ctx context.Context, mailboxID string, body []byte) error {
	s.publishMutex.Lock()
	defer s.publishMutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := s.ensureConnectionAndChannel(); err != nil {
		return err
	}

	err := s.publishChannel.Publish(
		ExchangeIngest,
		RoutingKeyEnvelope,
		true,  // mandatory
		false, // immediate
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			Body:         body,
			MessageId:    mailboxID,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return errors.Wrap(err, "failed to publish envelope")
	}

	select {
	case confirm := <-s.confirms:
		if !confirm.Ack {
			return errors.New("envelope was not confirmed by server")
		}
	case <-time.After(publishConfirmTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (s *RabbitMQSink) connect() error {
	s.connectionMutex.Lock()
	defer s.connectionMutex.Unlock()

	var err error
	s.connection, err = amqp091.Dial(s.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	if err := s.setupTopology(); err != nil {
		return errors.Wrap(err, "failed to set up exchange and queues")
	}

	if err := s.setupPublishChannel(); err != nil {
		return errors.Wrap(err, "failed to set up publish channel")
	}

	return nil
}

func (s *RabbitMQSink) currentConnection() *amqp091.Connection {
	s.connectionMutex.Lock()
	defer s.connectionMutex.Unlock()
	return s.connection
}

func (s *RabbitMQSink) ensureConnectionAndChannel() error {
	if s.connection == nil || s.connection.IsClosed() {
		if err := s.connect(); err != nil {
			return errors.Wrap(err, "failed to establish connection")
		}
	}
	if s.publishChannel == nil || s.publishChannel.IsClosed() {
		if err := s.setupPublishChannel(); err != nil {
			return errors.Wrap(err, "failed to establish channel")
		}
	}
	return nil
}

func (s *RabbitMQSink) setupPublishChannel() error {
	channel, err := s.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open publish channel")
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return errors.Wrap(err, "failed to enable publisher confirms")
	}

	s.confirms = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	s.publishChannel = channel
	return nil
}

func (s *RabbitMQSink) setupTopology() error {
	channel, err := s.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open channel for topology setup")
	}
	defer channel.Close()

	err = channel.ExchangeDeclare(ExchangeIngestDL, "direct", true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to declare dead letter exchange")
	}

	err = channel.ExchangeDeclare(ExchangeIngest, "direct", true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to declare ingest exchange")
	}

	_, err = channel.QueueDeclare(DLQEnvelopes, true, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to declare DLQ %s", DLQEnvelopes)
	}
	err = channel.QueueBind(DLQEnvelopes, RoutingKeyDeadLetter, ExchangeIngestDL, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to bind DLQ %s", DLQEnvelopes)
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    ExchangeIngestDL,
		"x-dead-letter-routing-key": RoutingKeyDeadLetter,
		"x-message-ttl":             envelopeMessageTTL.Milliseconds(),
	}
	_, err = channel.QueueDeclare(QueueEnvelopes, true, false, false, false, args)
	if err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", QueueEnvelopes)
	}
	err = channel.QueueBind(QueueEnvelopes, RoutingKeyEnvelope, ExchangeIngest, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to bind queue %s", QueueEnvelopes)
	}

	return nil
}

// handleReconnection is spawned once at construction and survives across
// broker outages: each pass re-registers NotifyClose on whichever
// connection replaced the closed one.
func (s *RabbitMQSink) handleReconnection() {
	backoff := reconnectBackoffBase

	for {
		notifyClose := s.currentConnection().NotifyClose(make(chan *amqp091.Error))
		select {
		case <-s.closed:
			return
		case err := <-notifyClose:
			if err == nil {
				// Deliberate close.
				return
			}
			s.log.Warnf("RabbitMQ connection closed: %v, attempting to reconnect", err)
		}

		for {
			err := s.connect()
			if err == nil {
				s.log.Infof("reconnected to RabbitMQ")
				break
			}

			s.log.Errorf("failed to reconnect: %v, retrying in %v", err, backoff)
			select {
			case <-s.closed:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > reconnectBackoffCeiling {
				backoff = reconnectBackoffCeiling
			}
		}
		backoff = reconnectBackoffBase
	}
}

func (s *RabbitMQSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.connectionMutex.Lock()
	defer s.connectionMutex.Unlock()

	var err error
	if s.publishChannel != nil {
		if closeErr := s.publishChannel.Close(); closeErr != nil {
			s.log.Errorf("error closing publish channel: %v", closeErr)
			err = closeErr
		}
	}
	if s.connection != nil {
		if closeErr := s.connection.Close(); closeErr != nil {
			s.log.Errorf("error closing connection: %v", closeErr)
			if err == nil {
				err = closeErr
			}
		}
	}
	return err
}
