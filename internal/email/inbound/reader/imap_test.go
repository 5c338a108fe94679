package reader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk-io/ticketdesk/internal/models"
	"github.com/ticketdesk-io/ticketdesk/internal/secrets"
)

func testProtector(t *testing.T) *secrets.Protector {
	t.Helper()
	p, err := secrets.NewProtector("unit-test-secret")
	require.NoError(t, err)
	return p
}

func imapSettings(t *testing.T, p *secrets.Protector) models.IngestSettings {
	t.Helper()
	enc, err := p.Encrypt("mailbox-pass")
	require.NoError(t, err)
	return models.IngestSettings{
		Enabled:         true,
		Protocol:        models.ProtocolIMAP,
		IMAPHost:        "mail.example",
		IMAPUsername:    "support",
		IMAPPasswordEnc: enc,
		Folder:          "INBOX",
	}
}

func rawMessage(from, to, subject, messageID string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-Id: <%s>\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\nContent-Type: text/plain\r\n\r\nhello from %s\r\n",
		from, to, subject, messageID, from))
}

func TestIMAPReaderFetchesUnseen(t *testing.T) {
	p := testProtector(t)
	client := &fakeIMAPClient{
		uidValidity: 77,
		uids:        []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{
			11: rawMessage("alice@example.com", "support@example.com", "Printer down", "m1@example.com"),
			12: rawMessage("bob@example.com", "support@example.com", "VPN issue", "m2@example.com"),
		},
		internalDate: map[imap.UID]time.Time{
			11: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	now := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	r := NewIMAPReader(p,
		WithIMAPClock(func() time.Time { return now }),
		withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) { return client, nil }),
	)

	msgs, err := r.FetchNew(context.Background(), imapSettings(t, p))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, "imap:77:11", msgs[0].ExternalID)
	require.Equal(t, "alice@example.com", msgs[0].From)
	require.Equal(t, "Printer down", msgs[0].Subject)
	require.Equal(t, "m1@example.com", msgs[0].MessageID)
	require.Contains(t, msgs[0].Body, "hello from alice@example.com")
	require.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), msgs[0].ReceivedAt)

	// No internal date on the second message; the Date header wins.
	require.Equal(t, "imap:77:12", msgs[1].ExternalID)
	require.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), msgs[1].ReceivedAt)
	require.Equal(t, 1, client.logoutCalls)
}

func TestIMAPReaderCapsBatchToMostRecent(t *testing.T) {
	p := testProtector(t)
	client := &fakeIMAPClient{uidValidity: 5, bodies: map[imap.UID][]byte{}}
	for uid := imap.UID(1); uid <= 40; uid++ {
		client.uids = append(client.uids, uid)
		client.bodies[uid] = rawMessage("a@example.com", "s@example.com", "hi", fmt.Sprintf("m%d@example.com", uid))
	}
	r := NewIMAPReader(p,
		WithIMAPFetchLimit(3),
		withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) { return client, nil }),
	)

	msgs, err := r.FetchNew(context.Background(), imapSettings(t, p))
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "imap:5:38", msgs[0].ExternalID)
	require.Equal(t, "imap:5:40", msgs[2].ExternalID)
}

func TestIMAPReaderTargetAddressFilter(t *testing.T) {
	p := testProtector(t)
	client := &fakeIMAPClient{
		uidValidity: 9,
		uids:        []imap.UID{1, 2},
		bodies: map[imap.UID][]byte{
			1: rawMessage("alice@example.com", "Helpdesk <helpdesk@example.com>", "for us", "t1@example.com"),
			2: rawMessage("alice@example.com", "other@example.com", "not for us", "t2@example.com"),
		},
	}
	r := NewIMAPReader(p,
		withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) { return client, nil }),
	)

	st := imapSettings(t, p)
	st.TargetAddress = "HELPDESK@example.com"
	msgs, err := r.FetchNew(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "imap:9:1", msgs[0].ExternalID)
}

func TestIMAPReaderMissingCredentialsSilent(t *testing.T) {
	p := testProtector(t)
	factoryCalled := false
	r := NewIMAPReader(p, withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) {
		factoryCalled = true
		return nil, errors.New("should not dial")
	}))

	cases := []models.IngestSettings{
		{},
		{IMAPHost: "mail.example"},
		{IMAPHost: "mail.example", IMAPUsername: "u"},
	}
	for _, st := range cases {
		msgs, err := r.FetchNew(context.Background(), st)
		require.NoError(t, err)
		require.Empty(t, msgs)
	}
	require.False(t, factoryCalled)
}

func TestIMAPReaderUndecryptablePasswordSilent(t *testing.T) {
	p := testProtector(t)
	r := NewIMAPReader(p, withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) {
		return nil, errors.New("should not dial")
	}))

	st := imapSettings(t, p)
	st.IMAPPasswordEnc = "not-a-sealed-value"
	msgs, err := r.FetchNew(context.Background(), st)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestIMAPReaderEmptyMailbox(t *testing.T) {
	p := testProtector(t)
	client := &fakeIMAPClient{uidValidity: 3}
	r := NewIMAPReader(p,
		withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) { return client, nil }),
	)
	msgs, err := r.FetchNew(context.Background(), imapSettings(t, p))
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Equal(t, 1, client.logoutCalls)
}

func TestIMAPReaderConnectAndAuthErrors(t *testing.T) {
	p := testProtector(t)
	st := imapSettings(t, p)

	r := NewIMAPReader(p, withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) {
		return nil, errors.New("dial failed")
	}))
	_, err := r.FetchNew(context.Background(), st)
	require.ErrorContains(t, err, "imap connect")

	r = NewIMAPReader(p, withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) {
		return &fakeIMAPClient{loginErr: errors.New("bad creds")}, nil
	}))
	_, err = r.FetchNew(context.Background(), st)
	require.ErrorContains(t, err, "imap auth")

	r = NewIMAPReader(p, withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) {
		return &fakeIMAPClient{selectErr: errors.New("no such folder")}, nil
	}))
	_, err = r.FetchNew(context.Background(), st)
	require.ErrorContains(t, err, "imap select")
}

func TestIMAPReaderAcknowledgeMarksSeen(t *testing.T) {
	p := testProtector(t)
	client := &fakeIMAPClient{uidValidity: 77}
	r := NewIMAPReader(p,
		withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) { return client, nil }),
	)

	st := imapSettings(t, p)
	st.MarkAsRead = true
	ids := []string{"imap:77:11", "imap:77:12", "pop3:zzz", "garbage"}
	require.NoError(t, r.Acknowledge(context.Background(), st, ids))
	require.Equal(t, []imap.UID{11, 12}, client.storeUIDs)
	require.Equal(t, 1, client.logoutCalls)
}

func TestIMAPReaderAcknowledgeDisabled(t *testing.T) {
	p := testProtector(t)
	factoryCalled := false
	r := NewIMAPReader(p, withIMAPClientFactory(func(models.IngestSettings) (imapClient, error) {
		factoryCalled = true
		return nil, errors.New("should not dial")
	}))

	st := imapSettings(t, p)
	st.MarkAsRead = false
	require.NoError(t, r.Acknowledge(context.Background(), st, []string{"imap:77:11"}))
	require.False(t, factoryCalled)
}

func TestParseIMAPExternalID(t *testing.T) {
	uid, ok := parseIMAPExternalID("imap:77:42")
	require.True(t, ok)
	require.Equal(t, imap.UID(42), uid)

	for _, bad := range []string{"", "pop3:abc", "imap:77", "imap:77:notanumber"} {
		_, ok := parseIMAPExternalID(bad)
		require.False(t, ok, bad)
	}
}

type fakeIMAPClient struct {
	uidValidity  uint32
	uids         []imap.UID
	bodies       map[imap.UID][]byte
	internalDate map[imap.UID]time.Time

	loginErr  error
	selectErr error
	searchErr error
	fetchErr  error
	storeErr  error
	logoutErr error

	storeUIDs   []imap.UID
	logoutCalls int
	closed      bool
}

func (c *fakeIMAPClient) Login(_, _ string) imapCommand { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() imapCommand {
	c.logoutCalls++
	return &fakeCommand{err: c.logoutErr}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(_ string, _ *imap.SelectOptions) imapSelect {
	return &fakeSelect{err: c.selectErr, data: &imap.SelectData{UIDValidity: c.uidValidity}}
}
func (c *fakeIMAPClient) UIDSearch(_ *imap.SearchCriteria, _ *imap.SearchOptions) imapSearch {
	data := &imap.SearchData{All: imap.UIDSetNum(c.uids...)}
	return &fakeSearch{err: c.searchErr, data: data}
}
func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) imapFetch {
	var bufs []*imapclient.FetchMessageBuffer
	if c.fetchErr == nil {
		if uidSet, ok := numSet.(imap.UIDSet); ok {
			nums, _ := uidSet.Nums()
			for _, uid := range nums {
				bufs = append(bufs, &imapclient.FetchMessageBuffer{
					SeqNum:       uint32(uid),
					UID:          uid,
					InternalDate: c.internalDate[uid],
					BodySection: []imapclient.FetchBodySectionBuffer{{
						Section: &imap.FetchItemBodySection{},
						Bytes:   append([]byte(nil), c.bodies[uid]...),
					}},
				})
			}
		}
	}
	return &fakeFetch{err: c.fetchErr, bufs: bufs}
}
func (c *fakeIMAPClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) imapStore {
	if store != nil {
		if uidSet, ok := numSet.(imap.UIDSet); ok {
			nums, _ := uidSet.Nums()
			c.storeUIDs = append(c.storeUIDs, nums...)
		}
	}
	return &fakeStore{err: c.storeErr}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct {
	err  error
	data *imap.SelectData
}

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return s.data, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeStore struct{ err error }

func (s *fakeStore) Close() error { return s.err }
