package reader

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ticketdesk-io/ticketdesk/internal/models"
	"github.com/ticketdesk-io/ticketdesk/internal/secrets"
)

type imapClient interface {
	Login(username, password string) imapCommand
	Logout() imapCommand
	Close() error
	Select(mailbox string, options *imap.SelectOptions) imapSelect
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) imapSearch
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) imapFetch
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) imapStore
}

type imapCommand interface{ Wait() error }
type imapSelect interface {
	Wait() (*imap.SelectData, error)
}
type imapSearch interface {
	Wait() (*imap.SearchData, error)
}
type imapFetch interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type imapStore interface{ Close() error }

// IMAPReader fetches unseen messages over IMAP. External ids are
// "imap:<uidvalidity>:<uid>", stable across reconnects but changing when the
// folder is recreated.
type IMAPReader struct {
	protector   *secrets.Protector
	fetchLimit  int
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   func(st models.IngestSettings) (imapClient, error)
}

// IMAPOption customizes reader behavior.
type IMAPOption func(*IMAPReader)

// NewIMAPReader returns an IMAP reader ready for ingest polling.
func NewIMAPReader(protector *secrets.Protector, opts ...IMAPOption) *IMAPReader {
	r := &IMAPReader{
		protector:   protector,
		fetchLimit:  defaultFetchLimit,
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	r.newClient = r.defaultClientFactory
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.newClient == nil {
		r.newClient = r.defaultClientFactory
	}
	return r
}

// WithIMAPLogger overrides the logger used for diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPOption {
	return func(r *IMAPReader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIMAPFetchLimit overrides the per-cycle batch cap.
func WithIMAPFetchLimit(limit int) IMAPOption {
	return func(r *IMAPReader) {
		if limit > 0 {
			r.fetchLimit = limit
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(r *IMAPReader) {
		if timeout > 0 {
			r.dialTimeout = timeout
		}
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(r *IMAPReader) {
		if now != nil {
			r.now = now
		}
	}
}

func withIMAPClientFactory(factory func(models.IngestSettings) (imapClient, error)) IMAPOption {
	return func(r *IMAPReader) {
		r.newClient = factory
	}
}

// FetchNew searches the configured folder for unseen messages, capped to the
// most recent batch, optionally filtered to the target recipient address.
// Missing connection details or an undecryptable password yield an empty
// result, never an error.
func (r *IMAPReader) FetchNew(ctx context.Context, st models.IngestSettings) ([]Message, error) {
	password, ok := r.password(st)
	if !ok {
		return nil, nil
	}

	client, err := r.connect(st, password)
	if err != nil {
		return nil, err
	}
	defer r.safeClose(client)

	folder := st.Folder
	if folder == "" {
		folder = "INBOX"
	}
	selData, err := client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", folder, err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, r.logout(client)
	}
	if len(uids) > r.fetchLimit {
		uids = uids[len(uids)-r.fetchLimit:]
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	target := normalizeEmail(st.TargetAddress)
	messages := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw := buf.FindBodySection(&imap.FetchItemBodySection{})
		if raw == nil {
			continue
		}
		pm := parseMail(raw)
		if target != "" && !recipientMatches(pm.Recipients, target) {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = pm.Date
		}
		if received.IsZero() {
			received = r.now()
		}
		messages = append(messages, Message{
			ExternalID: fmt.Sprintf("imap:%d:%d", selData.UIDValidity, buf.UID),
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

	return messages, r.logout(client)
}

// Acknowledge sets the Seen flag on the given messages when MarkAsRead is
// enabled. Ids from a recreated folder simply no longer match and are
// silently dropped by the server.
func (r *IMAPReader) Acknowledge(ctx context.Context, st models.IngestSettings, externalIDs []string) error {
	if !st.MarkAsRead {
		return nil
	}
	password, ok := r.password(st)
	if !ok {
		return nil
	}

	uids := make([]imap.UID, 0, len(externalIDs))
	for _, id := range externalIDs {
		if uid, ok := parseIMAPExternalID(id); ok {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil
	}

	client, err := r.connect(st, password)
	if err != nil {
		return err
	}
	defer r.safeClose(client)

	folder := st.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", folder, err)
	}

	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}}
	if err := client.Store(imap.UIDSetNum(uids...), store, nil).Close(); err != nil {
		return fmt.Errorf("imap store seen: %w", err)
	}
	return r.logout(client)
}

func (r *IMAPReader) password(st models.IngestSettings) (string, bool) {
	if st.IMAPHost == "" || st.IMAPUsername == "" || st.IMAPPasswordEnc == "" {
		return "", false
	}
	password, err := r.protector.Decrypt(st.IMAPPasswordEnc)
	if err != nil {
		// Treated like absent credentials; the admin UI owns fixing the row.
		return "", false
	}
	return password, true
}

func (r *IMAPReader) connect(st models.IngestSettings, password string) (imapClient, error) {
	client, err := r.newClient(st)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	if err := client.Login(st.IMAPUsername, password).Wait(); err != nil {
		r.safeClose(client)
		return nil, fmt.Errorf("imap auth: %w", err)
	}
	return client, nil
}

func (r *IMAPReader) logout(client imapClient) error {
	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (r *IMAPReader) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && r.logger != nil {
		r.logger.Printf("imap: close error: %v", err)
	}
}

func (r *IMAPReader) defaultClientFactory(st models.IngestSettings) (imapClient, error) {
	port := st.IMAPPort
	if port == 0 {
		if st.IMAPUseTLS {
			port = 993
		} else {
			port = 143
		}
	}
	addr := fmt.Sprintf("%s:%d", st.IMAPHost, port)
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: r.dialTimeout}}
	var client *imapclient.Client
	var err error
	if st.IMAPUseTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

// parseIMAPExternalID extracts the UID from "imap:<uidvalidity>:<uid>".
func parseIMAPExternalID(externalID string) (imap.UID, bool) {
	if !strings.HasPrefix(strings.ToLower(externalID), "imap:") {
		return 0, false
	}
	parts := strings.SplitN(externalID, ":", 3)
	if len(parts) != 3 {
		return 0, false
	}
	uid, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, false
	}
	return imap.UID(uid), true
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) imapCommand {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() imapCommand { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) imapSelect {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) imapSearch {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) imapFetch {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) imapStore {
	return w.Client.Store(numSet, store, options)
}
