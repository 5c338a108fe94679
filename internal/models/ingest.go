package models

import "time"

// IngestProtocol selects the mailbox retrieval protocol.
type IngestProtocol string

const (
	ProtocolIMAP IngestProtocol = "imap"
	ProtocolPOP3 IngestProtocol = "pop3"
)

// DefaultPollInterval applies when the settings row has no usable interval.
const DefaultPollInterval = 30 * time.Second

// IngestSettings is the singleton configuration row for the email ingest
// engine. The engine treats it as read-only and re-reads it every cycle; the
// admin UI owns mutation. Passwords are stored encrypted by the application
// protector, never in the clear.
type IngestSettings struct {
	ID            int
	Enabled       bool
	PollSeconds   int
	TargetAddress string
	Protocol      IngestProtocol

	IMAPHost        string
	IMAPPort        int
	IMAPUseTLS      bool
	IMAPUsername    string
	IMAPPasswordEnc string
	MarkAsRead      bool
	Folder          string

	POP3Host        string
	POP3Port        int
	POP3UseTLS      bool
	POP3Username    string
	POP3PasswordEnc string
}

// PollInterval returns the configured interval, falling back to the default
// when the row is absent or carries a non-positive value.
func (s *IngestSettings) PollInterval() time.Duration {
	if s == nil || s.PollSeconds <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(s.PollSeconds) * time.Second
}

// Receipt status values are an open set; new skip reasons may appear without
// a schema change.
const ReceiptStatusSkippedNotAllowlisted = "Skipped.NotAllowlisted"

// IngestReceipt permanently records that one external message id was
// evaluated, whatever the outcome. Receipts are created once and never
// mutated or deleted by the engine; they make terminal skips idempotent
// across polls and restarts.
type IngestReceipt struct {
	ID                int64
	ExternalMessageID string
	InternetMessageID *string
	Status            string
	From              string
	Subject           string
	ReceivedAt        time.Time
	CreatedAt         time.Time
}
