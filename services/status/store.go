package status

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/models"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/internal/utils"
)

// statusStore serializes status writes per mailbox: read-modify-write
// upserts for the same mailbox id run one at a time, so concurrent workers
// never interleave partial updates. Counter increments go straight to the
// atomic repository path.
type statusStore struct {
	log  logger.Logger
	repo interfaces.MailboxStatusRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStatusStore(log logger.Logger, repo interfaces.MailboxStatusRepository) interfaces.StatusStore {
	return &statusStore{
		log:   log,
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *statusStore) lockFor(mailboxID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[mailboxID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[mailboxID] = l
	}
	return l
}

// mutate loads the current record, applies fn and upserts the result,
// all under the mailbox lock.
func (s *statusStore) mutate(ctx context.Context, mailboxID string, fn func(status *models.MailboxStatus)) error {
	l := s.lockFor(mailboxID)
	l.Lock()
	defer l.Unlock()

	current, err := s.repo.Get(ctx, mailboxID)
	if err != nil {
		return err
	}
	if current == nil {
		current = &models.MailboxStatus{
			MailboxID: mailboxID,
			State:     enum.ConnectionDisconnected,
			Active:    true,
		}
	}

	fn(current)
	return s.repo.Upsert(ctx, current)
}

func (s *statusStore) SetState(ctx context.Context, mailboxID string, state enum.ConnectionState, errMsg string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "statusStore.SetState")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailboxID)
	span.SetTag("state", state.String())

	err := s.mutate(ctx, mailboxID, func(status *models.MailboxStatus) {
		status.State = state
		now := utils.Now()
		switch state {
		case enum.ConnectionConnected, enum.ConnectionIdle:
			status.LastConnectedAt = &now
			status.LastError = ""
		case enum.ConnectionDisconnected:
			status.LastDisconnectedAt = &now
		case enum.ConnectionError:
			status.LastErrorAt = &now
			status.LastError = errMsg
		}
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *statusStore) SetNextReconnect(ctx context.Context, mailboxID string, at time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "statusStore.SetNextReconnect")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailboxID)

	err := s.mutate(ctx, mailboxID, func(status *models.MailboxStatus) {
		status.NextReconnectAt = &at
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *statusStore) SetActive(ctx context.Context, mailboxID string, active bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "statusStore.SetActive")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailboxID)

	err := s.mutate(ctx, mailboxID, func(status *models.MailboxStatus) {
		status.Active = active
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *statusStore) RecordAttempt(ctx context.Context, mailboxID string) error {
	return s.repo.IncrementCounters(ctx, mailboxID, 1, 0, 0, 0)
}

func (s *statusStore) RecordSuccess(ctx context.Context, mailboxID string) error {
	return s.repo.IncrementCounters(ctx, mailboxID, 0, 1, 0, 0)
}

func (s *statusStore) RecordFailure(ctx context.Context, mailboxID string, errMsg string) error {
	if err := s.repo.IncrementCounters(ctx, mailboxID, 0, 0, 1, 0); err != nil {
		return err
	}
	return s.mutate(ctx, mailboxID, func(status *models.MailboxStatus) {
		now := utils.Now()
		status.LastErrorAt = &now
		status.LastError = errMsg
	})
}

func (s *statusStore) AddMessagesProcessed(ctx context.Context, mailboxID string, n int64) error {
	if n == 0 {
		return nil
	}
	return s.repo.IncrementCounters(ctx, mailboxID, 0, 0, 0, n)
}

func (s *statusStore) Watermark(ctx context.Context, mailboxID string) (uint32, bool, error) {
	status, err := s.repo.Get(ctx, mailboxID)
	if err != nil {
		return 0, false, err
	}
	if status == nil || status.WatermarkUpdatedAt == nil {
		return 0, false, nil
	}
	return status.LastSeq, true, nil
}

func (s *statusStore) AdvanceWatermark(ctx context.Context, mailboxID string, seq uint32) error {
	l := s.lockFor(mailboxID)
	l.Lock()
	defer l.Unlock()
	return s.repo.SaveWatermark(ctx, mailboxID, seq)
}

func (s *statusStore) NeedingReconnection(ctx context.Context) ([]string, error) {
	statuses, err := s.repo.NeedingReconnection(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ids = append(ids, st.MailboxID)
	}
	return ids, nil
}

// Flush exists for symmetry with asynchronous stores. Writes here are
// synchronous under the per-mailbox locks, so once every lock can be
// taken there is nothing pending.
func (s *statusStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(s.locks))
	for _, l := range s.locks {
		locks = append(locks, l)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, l := range locks {
			l.Lock()
			l.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
