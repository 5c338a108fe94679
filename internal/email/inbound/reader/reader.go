// Package reader fetches inbound mail from the configured remote mailbox.
// Implementations exist for IMAP and POP3 plus a null reader; a router picks
// the active one from the settings snapshot on every call, so nothing above
// this package knows which protocol is in use.
package reader

import (
	"context"
	"strings"
	"time"

	"github.com/ticketdesk-io/ticketdesk/internal/models"
)

// Message is one inbound mail fetched from the remote mailbox. ExternalID is
// never empty; every other field may be.
type Message struct {
	ExternalID string
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	To         string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Reader fetches unseen mail for the settings snapshot it is handed and
// acknowledges handled messages. Implementations return empty results, not
// errors, when the snapshot lacks usable connection details or the stored
// password cannot be decrypted; connectivity and authentication failures do
// propagate.
type Reader interface {
	FetchNew(ctx context.Context, st models.IngestSettings) ([]Message, error)
	Acknowledge(ctx context.Context, st models.IngestSettings, externalIDs []string) error
}

// SeenChecker answers which external ids earlier cycles already recorded.
// The POP3 reader consults it before downloading bodies, since POP3 has no
// server-side unseen state.
type SeenChecker interface {
	FilterSeenExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error)
}

// defaultFetchLimit caps a cycle's batch to the most recent messages to
// bound per-cycle latency on busy mailboxes.
const defaultFetchLimit = 25

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func recipientMatches(recipients []string, targetLower string) bool {
	for _, r := range recipients {
		if r == targetLower {
			return true
		}
	}
	return false
}
