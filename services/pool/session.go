package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"
	tracingLog "github.com/opentracing/opentracing-go/log"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/tracing"
)

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 30 * time.Second
	fetchTimeout   = 60 * time.Second
	noopTimeout    = 10 * time.Second
	logoutTimeout  = 5 * time.Second

	// go-imap re-issues IDLE before the RFC 2177 29 minute server limit.
	idleLogoutTimeout = 24 * time.Minute

	// Window in which an immediate server rejection of IDLE is reported
	// before the session is considered idling.
	idleStartGrace = 2 * time.Second
)

type imapDialer struct {
	log logger.Logger
}

func NewIMAPDialer(log logger.Logger) interfaces.Dialer {
	return &imapDialer{log: log}
}

func (d *imapDialer) Dial(ctx context.Context, cfg interfaces.SessionConfig) (interfaces.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "imapDialer.Dial")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, cfg.MailboxID)
	tracing.TagHostGroup(span, cfg.CanonicalHost)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var c *client.Client
	var err error

	switch enum.SecurityForPort(cfg.Port) {
	case enum.EmailSecurityTLS:
		tlsConfig := &tls.Config{ServerName: cfg.Host}
		c, err = client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	case enum.EmailSecurityStartTLS:
		c, err = client.DialWithDialer(dialer, serverAddr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: cfg.Host})
		}
	default:
		c, err = client.DialWithDialer(dialer, serverAddr)
	}
	if err != nil {
		err = fmt.Errorf("connection error: %w", err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	c.Timeout = commandTimeout
	caps, err := c.Capability()
	if err != nil {
		c.Logout()
		err = fmt.Errorf("capability error: %w", err)
		tracing.TraceErr(span, err)
		return nil, err
	}
	span.LogFields(tracingLog.Object("capabilities", caps))

	if err = c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		err = fmt.Errorf("login error: %w", err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	c.Timeout = 0

	d.log.Infof("[%s] connected to %s", cfg.MailboxID, serverAddr)

	now := time.Now()
	return &imapSession{
		mailboxID:    cfg.MailboxID,
		host:         cfg.CanonicalHost,
		client:       c,
		createdAt:    now,
		lastActivity: now,
		alive:        true,
	}, nil
}

// imapSession wraps one authenticated go-imap client. The pool guarantees
// a session is borrowed by at most one worker at a time, so client access
// is not synchronized; only the liveness bookkeeping takes the mutex.
type imapSession struct {
	mailboxID string
	host      string
	client    *client.Client
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	alive        bool
}

func (s *imapSession) MailboxID() string { return s.mailboxID }
func (s *imapSession) Host() string      { return s.host }

func (s *imapSession) CreatedAt() time.Time { return s.createdAt }

func (s *imapSession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *imapSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *imapSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *imapSession) markDead() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

func (s *imapSession) Noop(ctx context.Context) error {
	s.client.Timeout = noopTimeout
	err := s.client.Noop()
	s.client.Timeout = 0
	if err != nil {
		if isConnectionError(err) {
			s.markDead()
		}
		return fmt.Errorf("noop failed: %w", err)
	}
	s.touch()
	return nil
}

func (s *imapSession) OpenMailbox(ctx context.Context, folder string) (*interfaces.MailboxSnapshot, error) {
	s.client.Timeout = commandTimeout
	mbox, err := s.client.Select(folder, false)
	s.client.Timeout = 0
	if err != nil {
		if isConnectionError(err) {
			s.markDead()
		}
		return nil, fmt.Errorf("error selecting folder %s: %w", folder, err)
	}
	s.touch()

	return &interfaces.MailboxSnapshot{
		Name:        mbox.Name,
		Exists:      mbox.Messages,
		UIDValidity: mbox.UidValidity,
	}, nil
}

func (s *imapSession) FetchRange(ctx context.Context, from, to uint32) ([]*interfaces.FetchedMessage, error) {
	if from > to {
		return nil, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddRange(from, to)

	items := []goimap.FetchItem{
		goimap.FetchEnvelope,
		goimap.FetchFlags,
		goimap.FetchBodyStructure,
		"BODY.PEEK[]",
		goimap.FetchUid,
	}

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)

	s.client.Timeout = fetchTimeout
	go func() {
		done <- s.client.Fetch(seqSet, items, messages)
	}()

	fetched := make([]*interfaces.FetchedMessage, 0, to-from+1)
	for msg := range messages {
		fetched = append(fetched, reduceMessage(msg))
	}

	err := <-done
	s.client.Timeout = 0
	if err != nil {
		if isConnectionError(err) {
			s.markDead()
		}
		return nil, fmt.Errorf("fetch %d:%d failed: %w", from, to, err)
	}
	s.touch()

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].SeqNum < fetched[j].SeqNum })
	return fetched, nil
}

// reduceMessage flattens a go-imap message into the fields the monitor
// consumes. References come from the In-Reply-To envelope field; the
// envelope has no References slot, so the full header parse upstream
// supplements them when the raw body is available.
func reduceMessage(msg *goimap.Message) *interfaces.FetchedMessage {
	fm := &interfaces.FetchedMessage{
		SeqNum: msg.SeqNum,
		UID:    msg.Uid,
		Raw:    extractFullMessage(msg),
	}

	env := msg.Envelope
	if env == nil {
		return fm
	}

	fm.MessageID = strings.Trim(env.MessageId, "<>")
	fm.Subject = env.Subject
	fm.Date = env.Date

	if env.InReplyTo != "" {
		var refs []string
		for _, ref := range strings.Split(env.InReplyTo, " ") {
			ref = strings.Trim(ref, "<>")
			if ref != "" && !containsString(refs, ref) {
				refs = append(refs, ref)
			}
		}
		if len(refs) > 0 {
			fm.InReplyTo = refs[0]
		}
		fm.References = refs
	}

	if len(env.From) > 0 {
		fm.From = env.From[0].Address()
	}
	for _, addr := range env.To {
		if addr.MailboxName != "" && addr.HostName != "" {
			fm.To = append(fm.To, addr.Address())
		}
	}

	return fm
}

func extractFullMessage(msg *goimap.Message) []byte {
	for section, literal := range msg.Body {
		if section.Peek {
			continue
		}
		if len(section.Path) == 0 && section.Specifier == goimap.EntireSpecifier {
			data, err := io.ReadAll(literal)
			if err == nil {
				return data
			}
		}
	}
	return nil
}

func (s *imapSession) Idle(ctx context.Context, started chan<- struct{}, onExists func(exists uint32)) error {
	updates := make(chan client.Update, 100)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	var stopOnce sync.Once
	stop := make(chan struct{})
	stopIdle := func() {
		stopOnce.Do(func() { close(stop) })
	}

	done := make(chan error, 1)
	s.client.Timeout = 0
	go func() {
		done <- s.client.Idle(stop, &client.IdleOptions{
			LogoutTimeout: idleLogoutTimeout,
		})
	}()

	// The client exposes no hook for the IDLE continuation reply, so the
	// command counts as accepted once it survives the grace window. A
	// server that rejects it returns through done before started is
	// signalled, and the caller falls back to polling.
	grace := time.NewTimer(idleStartGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil {
			if isConnectionError(err) {
				s.markDead()
			}
			return fmt.Errorf("idle failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		stopIdle()
		select {
		case <-done:
		case <-time.After(logoutTimeout):
		}
		return ctx.Err()
	case <-grace.C:
	}

	if started != nil {
		close(started)
	}

	for {
		select {
		case <-ctx.Done():
			stopIdle()
			select {
			case <-done:
			case <-time.After(logoutTimeout):
			}
			return ctx.Err()

		case err := <-done:
			if err != nil {
				if isConnectionError(err) {
					s.markDead()
				}
				return fmt.Errorf("idle failed: %w", err)
			}
			return nil

		case update := <-updates:
			s.touch()
			if mu, ok := update.(*client.MailboxUpdate); ok && mu.Mailbox != nil {
				onExists(mu.Mailbox.Messages)
			}
		}
	}
}

func (s *imapSession) Close() error {
	s.markDead()
	s.client.Timeout = logoutTimeout
	return s.client.Logout()
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
