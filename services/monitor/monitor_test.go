package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/dto"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/models"
)

func testLogger() logger.Logger {
	l := logger.NewAppLogger(&logger.Config{DevMode: true})
	l.InitLogger()
	return l
}

func testFleetConfig() *config.FleetConfig {
	return &config.FleetConfig{
		IdleTimeoutMs:  200,
		NoopIntervalMs: 60000,
	}
}

func testMailbox() *models.Mailbox {
	return &models.Mailbox{
		ID:         "mbox_test",
		ImapServer: "imap.example.com",
		ImapPort:   993,
	}
}

type fakeMonitorSession struct {
	exists   uint32
	messages map[uint32]*interfaces.FetchedMessage

	mu      sync.Mutex
	fetches [][2]uint32

	idleStarts bool          // close started when IDLE begins
	startErr   error         // returned before started is signalled
	idleErr    error         // returned immediately after start
	notifyCh   chan uint32   // EXISTS notifications to deliver
}

func newFakeMonitorSession(exists uint32) *fakeMonitorSession {
	s := &fakeMonitorSession{
		exists:     exists,
		messages:   make(map[uint32]*interfaces.FetchedMessage),
		idleStarts: true,
		notifyCh:   make(chan uint32, 4),
	}
	for seq := uint32(1); seq <= exists; seq++ {
		s.messages[seq] = fetchedMessage(seq)
	}
	return s
}

func fetchedMessage(seq uint32) *interfaces.FetchedMessage {
	return &interfaces.FetchedMessage{
		SeqNum:    seq,
		UID:       1000 + seq,
		MessageID: "msg-" + strings.Repeat("x", 3),
		From:      "sender@example.com",
		To:        []string{"rcpt@example.com"},
		Subject:   "hello",
		Date:      time.Now(),
		Raw:       []byte("From: sender@example.com\r\n\r\nbody"),
	}
}

func (s *fakeMonitorSession) MailboxID() string       { return "mbox_test" }
func (s *fakeMonitorSession) Host() string            { return "example.com" }
func (s *fakeMonitorSession) IsAlive() bool           { return true }
func (s *fakeMonitorSession) CreatedAt() time.Time    { return time.Now() }
func (s *fakeMonitorSession) LastActivity() time.Time { return time.Now() }
func (s *fakeMonitorSession) Noop(ctx context.Context) error { return nil }
func (s *fakeMonitorSession) Close() error            { return nil }

func (s *fakeMonitorSession) OpenMailbox(ctx context.Context, folder string) (*interfaces.MailboxSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &interfaces.MailboxSnapshot{Name: folder, Exists: s.exists}, nil
}

func (s *fakeMonitorSession) FetchRange(ctx context.Context, from, to uint32) ([]*interfaces.FetchedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, [2]uint32{from, to})

	var out []*interfaces.FetchedMessage
	for seq := from; seq <= to; seq++ {
		if msg, ok := s.messages[seq]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeMonitorSession) Idle(ctx context.Context, started chan<- struct{}, onExists func(uint32)) error {
	if s.startErr != nil {
		return s.startErr
	}
	if !s.idleStarts {
		<-ctx.Done()
		return ctx.Err()
	}
	close(started)
	if s.idleErr != nil {
		return s.idleErr
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.notifyCh:
			onExists(n)
		}
	}
}

func (s *fakeMonitorSession) fetchRanges() [][2]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint32(nil), s.fetches...)
}

type fakeStatusStore struct {
	mu         sync.Mutex
	watermarks map[string]uint32
	seeded     map[string]bool
	states     []enum.ConnectionState
	processed  int64
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{
		watermarks: make(map[string]uint32),
		seeded:     make(map[string]bool),
	}
}

func (s *fakeStatusStore) SetState(ctx context.Context, mailboxID string, state enum.ConnectionState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeStatusStore) SetNextReconnect(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}
func (s *fakeStatusStore) SetActive(ctx context.Context, mailboxID string, active bool) error {
	return nil
}
func (s *fakeStatusStore) RecordAttempt(ctx context.Context, mailboxID string) error { return nil }
func (s *fakeStatusStore) RecordSuccess(ctx context.Context, mailboxID string) error { return nil }
func (s *fakeStatusStore) RecordFailure(ctx context.Context, mailboxID string, errMsg string) error {
	return nil
}

func (s *fakeStatusStore) AddMessagesProcessed(ctx context.Context, mailboxID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed += n
	return nil
}

func (s *fakeStatusStore) Watermark(ctx context.Context, mailboxID string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seeded[mailboxID] {
		return 0, false, nil
	}
	return s.watermarks[mailboxID], true, nil
}

func (s *fakeStatusStore) AdvanceWatermark(ctx context.Context, mailboxID string, seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[mailboxID] = seq
	s.seeded[mailboxID] = true
	return nil
}

func (s *fakeStatusStore) NeedingReconnection(ctx context.Context) ([]string, error) { return nil, nil }
func (s *fakeStatusStore) Flush(ctx context.Context) error                           { return nil }

func (s *fakeStatusStore) watermark(mailboxID string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[mailboxID]
}

type fakeSink struct {
	mu        sync.Mutex
	batches   [][]*dto.Envelope
	failUntil int // batch index before which submissions fail
	calls     int
}

func (f *fakeSink) SubmitBatch(ctx context.Context, envelopes []*dto.Envelope) ([]interfaces.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return nil, errors.New("sink unavailable")
	}
	batch := append([]*dto.Envelope(nil), envelopes...)
	f.batches = append(f.batches, batch)
	results := make([]interfaces.SubmissionResult, len(envelopes))
	for i, e := range envelopes {
		results[i] = interfaces.SubmissionResult{InternalID: e.InternalID}
	}
	return results, nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) submittedSeqs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqs []uint32
	for _, batch := range f.batches {
		for _, e := range batch {
			seqs = append(seqs, e.ImapSeqNum)
		}
	}
	return seqs
}

func newTestMonitor(sink interfaces.EnvelopeSink, store interfaces.StatusStore) *SessionMonitor {
	return NewSessionMonitor(testLogger(), testFleetConfig(), nil, sink, store)
}

func TestBuildEnvelopeRoundTrip(t *testing.T) {
	date := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &interfaces.FetchedMessage{
		SeqNum:     42,
		UID:        9001,
		MessageID:  "abc@example.com",
		InReplyTo:  "root@example.com",
		References: []string{"root@example.com"},
		From:       "alice@example.com",
		To:         []string{"bob@example.com", "carol@example.com"},
		Subject:    "Re: quarterly numbers",
		Date:       date,
		Raw:        []byte("Subject: Re: quarterly numbers\r\n\r\nsee attached"),
	}

	envelope, err := BuildEnvelope("mbox_1", msg)
	require.NoError(t, err)

	assert.Equal(t, "mbox_1", envelope.MailboxID)
	assert.Equal(t, "abc@example.com", envelope.OriginalMessageID)
	assert.Equal(t, "root@example.com", envelope.InReplyTo)
	assert.Equal(t, []string{"root@example.com"}, envelope.References)
	assert.Equal(t, "alice@example.com", envelope.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, envelope.To)
	assert.Equal(t, "Re: quarterly numbers", envelope.Subject)
	assert.Equal(t, date, envelope.ReceivedAt)
	assert.True(t, envelope.IsReply)
	assert.Equal(t, "root@example.com", envelope.ThreadID)
	assert.Equal(t, uint32(9001), envelope.ImapUID)
	assert.Equal(t, uint32(42), envelope.ImapSeqNum)
	assert.Contains(t, envelope.InternalID, "mbox_1_9001_")
}

func TestBuildEnvelopeNotAReply(t *testing.T) {
	envelope, err := BuildEnvelope("mbox_1", &interfaces.FetchedMessage{
		SeqNum:    1,
		UID:       10,
		MessageID: "solo@example.com",
	})
	require.NoError(t, err)
	assert.False(t, envelope.IsReply)
	assert.Equal(t, "solo@example.com", envelope.ThreadID)
}

func TestBuildEnvelopeUnidentifiable(t *testing.T) {
	_, err := BuildEnvelope("mbox_1", &interfaces.FetchedMessage{SeqNum: 3})
	assert.ErrorIs(t, err, ErrUnidentifiableMessage)
}

func TestBuildEnvelopeTruncatesOversizeBody(t *testing.T) {
	raw := make([]byte, maxBodyBytes+1)
	for i := range raw {
		raw[i] = 'a'
	}

	envelope, err := BuildEnvelope("mbox_1", &interfaces.FetchedMessage{
		SeqNum: 1, UID: 5, MessageID: "big@example.com", Raw: raw,
	})
	require.NoError(t, err)
	assert.Len(t, envelope.Body, truncateBodyBytes+len(truncationMarker))
	assert.True(t, strings.HasSuffix(envelope.Body, truncationMarker))
}

func TestParseReferences(t *testing.T) {
	refs := parseReferences("<a@x.com> <b@x.com>\r\n <a@x.com> <c@x.com>")
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, refs)
	assert.Nil(t, parseReferences(""))
}

func TestPollSeedsWatermarkOnFreshMailbox(t *testing.T) {
	sess := newFakeMonitorSession(150)
	sink := &fakeSink{}
	store := newFakeStatusStore()
	m := newTestMonitor(sink, store)

	n, err := m.runPoll(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.Zero(t, n, "fresh mailbox must not backfill")
	assert.Equal(t, uint32(150), store.watermark("mbox_test"))
	assert.Empty(t, sess.fetchRanges())
}

func TestPollFetchesNewRangeInBatches(t *testing.T) {
	sess := newFakeMonitorSession(125)
	sink := &fakeSink{}
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 100))
	m := newTestMonitor(sink, store)

	n, err := m.runPoll(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, uint32(125), store.watermark("mbox_test"))

	ranges := sess.fetchRanges()
	require.Len(t, ranges, 3)
	assert.Equal(t, [2]uint32{101, 110}, ranges[0])
	assert.Equal(t, [2]uint32{111, 120}, ranges[1])
	assert.Equal(t, [2]uint32{121, 125}, ranges[2])

	seqs := sink.submittedSeqs()
	require.Len(t, seqs, 25)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "sequence order must be preserved")
	}
}

func TestPollSinkFailureHoldsWatermark(t *testing.T) {
	sess := newFakeMonitorSession(120)
	sink := &fakeSink{failUntil: 2} // first two batches rejected
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 100))
	m := newTestMonitor(sink, store)

	_, err := m.runPoll(context.Background(), sess, testMailbox())
	require.Error(t, err)
	assert.Equal(t, uint32(100), store.watermark("mbox_test"), "watermark must not advance past a failed batch")

	// Second cycle: one more rejection covers 101-110, then recovery
	// resumes in order with no gap.
	_, err = m.runPoll(context.Background(), sess, testMailbox())
	require.Error(t, err)
	assert.Equal(t, uint32(100), store.watermark("mbox_test"))

	n, err := m.runPoll(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, uint32(120), store.watermark("mbox_test"))

	seqs := sink.submittedSeqs()
	require.Len(t, seqs, 20)
	assert.Equal(t, uint32(101), seqs[0])
	assert.Equal(t, uint32(120), seqs[len(seqs)-1])
}

func TestPollResyncsWhenMailboxShrank(t *testing.T) {
	sess := newFakeMonitorSession(50)
	sink := &fakeSink{}
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 80))
	m := newTestMonitor(sink, store)

	n, err := m.runPoll(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint32(50), store.watermark("mbox_test"))
	assert.Empty(t, sink.submittedSeqs())
}

func TestPollSkipsUnidentifiableMessages(t *testing.T) {
	sess := newFakeMonitorSession(3)
	sess.messages[2] = &interfaces.FetchedMessage{SeqNum: 2} // no Message-ID, no UID
	sink := &fakeSink{}
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 0))
	m := newTestMonitor(sink, store)

	n, err := m.runPoll(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{1, 3}, sink.submittedSeqs())
	assert.Equal(t, uint32(3), store.watermark("mbox_test"))
}

func TestIdleDegradesWhenStartupTimesOut(t *testing.T) {
	sess := newFakeMonitorSession(10)
	sess.idleStarts = false
	sink := &fakeSink{}
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 10))
	m := newTestMonitor(sink, store)

	result, err := m.runIdle(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.True(t, result.DegradeToPoll)
}

func TestIdleDegradesWhenCommandRejected(t *testing.T) {
	sess := newFakeMonitorSession(10)
	sess.startErr = errors.New("server does not allow IDLE")
	sink := &fakeSink{}
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 10))
	m := newTestMonitor(sink, store)

	result, err := m.runIdle(context.Background(), sess, testMailbox())
	require.NoError(t, err)
	assert.True(t, result.DegradeToPoll)
}

func TestIdleFetchesOnExistsNotification(t *testing.T) {
	sess := newFakeMonitorSession(10)
	sink := &fakeSink{}
	store := newFakeStatusStore()
	require.NoError(t, store.AdvanceWatermark(context.Background(), "mbox_test", 10))
	m := newTestMonitor(sink, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var result IdleResult
	var idleErr error
	go func() {
		result, idleErr = m.runIdle(ctx, sess, testMailbox())
		close(done)
	}()

	// New mail arrives while idling.
	sess.mu.Lock()
	sess.exists = 12
	sess.messages[11] = fetchedMessage(11)
	sess.messages[12] = fetchedMessage(12)
	sess.mu.Unlock()
	sess.notifyCh <- 12

	require.Eventually(t, func() bool {
		return store.watermark("mbox_test") == 12
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// Cancellation of a healthy idle is a clean stop, not a failure.
	require.NoError(t, idleErr)
	assert.False(t, result.DegradeToPoll)
	assert.Equal(t, 2, result.NewMessages)
	assert.Equal(t, []uint32{11, 12}, sink.submittedSeqs())
}
