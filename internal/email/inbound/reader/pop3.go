package reader

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/ticketdesk-io/ticketdesk/internal/models"
	"github.com/ticketdesk-io/ticketdesk/internal/secrets"
)

type pop3Conn interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
}

type pop3ConnFactory func(st models.IngestSettings) (pop3Conn, error)

// POP3Reader enumerates the remote mailbox by UIDL. POP3 has no reliable
// per-message read state, so external ids derive from the server's stable
// token ("pop3:<uidl>") and the dedup store is consulted before bodies are
// downloaded. Messages are never deleted and Acknowledge is a no-op.
type POP3Reader struct {
	protector   *secrets.Protector
	seen        SeenChecker
	fetchLimit  int
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newConn     pop3ConnFactory
}

// POP3Option customizes reader behavior.
type POP3Option func(*POP3Reader)

// NewPOP3Reader returns a POP3 reader ready for ingest polling. The seen
// checker keeps already-processed messages from being downloaded again every
// cycle.
func NewPOP3Reader(protector *secrets.Protector, seen SeenChecker, opts ...POP3Option) *POP3Reader {
	r := &POP3Reader{
		protector:   protector,
		seen:        seen,
		fetchLimit:  defaultFetchLimit,
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	r.newConn = r.defaultConnFactory
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.newConn == nil {
		r.newConn = r.defaultConnFactory
	}
	return r
}

// WithPOP3Logger overrides the logger used for diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3Option {
	return func(r *POP3Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPOP3FetchLimit overrides the per-cycle batch cap.
func WithPOP3FetchLimit(limit int) POP3Option {
	return func(r *POP3Reader) {
		if limit > 0 {
			r.fetchLimit = limit
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(r *POP3Reader) {
		if timeout > 0 {
			r.dialTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(r *POP3Reader) {
		if now != nil {
			r.now = now
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(r *POP3Reader) {
		r.newConn = factory
	}
}

// FetchNew lists the newest messages by UIDL, skips ids the store already
// knows without downloading them, and parses the rest. Missing connection
// details or an undecryptable password yield an empty result.
func (r *POP3Reader) FetchNew(ctx context.Context, st models.IngestSettings) ([]Message, error) {
	password, ok := r.password(st)
	if !ok {
		return nil, nil
	}

	conn, err := r.newConn(st)
	if err != nil {
		return nil, fmt.Errorf("pop3 connect: %w", err)
	}
	defer r.safeQuit(conn)

	if err := conn.Auth(st.POP3Username, password); err != nil {
		return nil, fmt.Errorf("pop3 auth: %w", err)
	}

	metas, err := conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	if len(metas) == 0 {
		return nil, nil
	}
	if len(metas) > r.fetchLimit {
		metas = metas[len(metas)-r.fetchLimit:]
	}

	externalIDs := make([]string, 0, len(metas))
	for _, meta := range metas {
		externalIDs = append(externalIDs, pop3ExternalID(meta))
	}
	alreadySeen := map[string]struct{}{}
	if r.seen != nil {
		alreadySeen, err = r.seen.FilterSeenExternalIDs(ctx, externalIDs)
		if err != nil {
			return nil, fmt.Errorf("pop3 seen lookup: %w", err)
		}
	}

	target := normalizeEmail(st.TargetAddress)
	messages := make([]Message, 0, len(metas))
	for i, meta := range metas {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		externalID := externalIDs[i]
		if _, ok := alreadySeen[externalID]; ok {
			continue
		}
		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return nil, fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}
		pm := parseMail(payload.Bytes())
		if target != "" && !recipientMatches(pm.Recipients, target) {
			continue
		}
		received := pm.Date
		if received.IsZero() {
			received = r.now()
		}
		messages = append(messages, Message{
			ExternalID: externalID,
			MessageID:  pm.MessageID,
			InReplyTo:  pm.InReplyTo,
			References: pm.References,
			From:       pm.From,
			To:         pm.To,
			Subject:    pm.Subject,
			Body:       pm.Body,
			ReceivedAt: received.UTC(),
		})
	}

	return messages, nil
}

// Acknowledge is a no-op: messages stay in the remote mailbox, and POP3 has
// no read-state worth relying on.
func (r *POP3Reader) Acknowledge(context.Context, models.IngestSettings, []string) error {
	return nil
}

func (r *POP3Reader) password(st models.IngestSettings) (string, bool) {
	if st.POP3Host == "" || st.POP3Username == "" || st.POP3PasswordEnc == "" {
		return "", false
	}
	password, err := r.protector.Decrypt(st.POP3PasswordEnc)
	if err != nil {
		return "", false
	}
	return password, true
}

func (r *POP3Reader) safeQuit(conn pop3Conn) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && r.logger != nil {
		r.logger.Printf("pop3: quit error: %v", err)
	}
}

func (r *POP3Reader) defaultConnFactory(st models.IngestSettings) (pop3Conn, error) {
	port := st.POP3Port
	if port == 0 {
		if st.POP3UseTLS {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        st.POP3Host,
		Port:        port,
		DialTimeout: r.dialTimeout,
		TLSEnabled:  st.POP3UseTLS,
	})
	return client.NewConn()
}

// pop3ExternalID prefers the server's UIDL token; the positional id is only
// a last resort since positions shift as the mailbox changes.
func pop3ExternalID(meta pop3.MessageID) string {
	uid := meta.UID
	if uid == "" {
		uid = strconv.Itoa(meta.ID)
	}
	return "pop3:" + uid
}
