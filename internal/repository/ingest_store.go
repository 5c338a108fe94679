// Package repository implements the ingest engine's storage interface over
// database/sql. Queries are written with $n placeholders and converted for
// the active driver.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ticketdesk-io/ticketdesk/internal/database"
	"github.com/ticketdesk-io/ticketdesk/internal/email/inbound/ingest"
	"github.com/ticketdesk-io/ticketdesk/internal/models"
)

// IngestStore is the engine's persistence backend. It satisfies both
// ingest.Store and the POP3 reader's seen-checker.
type IngestStore struct {
	db *sql.DB
}

// NewIngestStore wraps the shared connection.
func NewIngestStore(db *sql.DB) *IngestStore {
	return &IngestStore{db: db}
}

const settingsColumns = `id, enabled, poll_seconds,
	COALESCE(target_address, ''), COALESCE(protocol, 'imap'),
	COALESCE(imap_host, ''), imap_port, imap_use_tls,
	COALESCE(imap_username, ''), COALESCE(imap_password_enc, ''),
	mark_as_read, COALESCE(folder, 'INBOX'),
	COALESCE(pop3_host, ''), pop3_port, pop3_use_tls,
	COALESCE(pop3_username, ''), COALESCE(pop3_password_enc, '')`

// LoadSettings returns the singleton settings row, or nil when none exists.
func (s *IngestStore) LoadSettings(ctx context.Context) (*models.IngestSettings, error) {
	query := database.ConvertPlaceholders(
		`SELECT ` + settingsColumns + ` FROM email_ingest_settings ORDER BY id LIMIT 1`)

	st := &models.IngestSettings{}
	var protocol string
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.ID, &st.Enabled, &st.PollSeconds,
		&st.TargetAddress, &protocol,
		&st.IMAPHost, &st.IMAPPort, &st.IMAPUseTLS,
		&st.IMAPUsername, &st.IMAPPasswordEnc,
		&st.MarkAsRead, &st.Folder,
		&st.POP3Host, &st.POP3Port, &st.POP3UseTLS,
		&st.POP3Username, &st.POP3PasswordEnc,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ingest settings: %w", err)
	}
	st.Protocol = models.IngestProtocol(strings.ToLower(protocol))
	return st, nil
}

// SaveSettings updates the singleton row, inserting it on first use. Only
// the admin surface calls this; the engine itself never writes settings.
func (s *IngestStore) SaveSettings(ctx context.Context, st *models.IngestSettings) error {
	update := database.ConvertPlaceholders(`
		UPDATE email_ingest_settings SET
			enabled = $1, poll_seconds = $2, target_address = $3, protocol = $4,
			imap_host = $5, imap_port = $6, imap_use_tls = $7,
			imap_username = $8, imap_password_enc = $9,
			mark_as_read = $10, folder = $11,
			pop3_host = $12, pop3_port = $13, pop3_use_tls = $14,
			pop3_username = $15, pop3_password_enc = $16`)
	args := []any{
		st.Enabled, st.PollSeconds, st.TargetAddress, string(st.Protocol),
		st.IMAPHost, st.IMAPPort, st.IMAPUseTLS,
		st.IMAPUsername, st.IMAPPasswordEnc,
		st.MarkAsRead, st.Folder,
		st.POP3Host, st.POP3Port, st.POP3UseTLS,
		st.POP3Username, st.POP3PasswordEnc,
	}
	res, err := s.db.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("update ingest settings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	insert := database.ConvertPlaceholders(`
		INSERT INTO email_ingest_settings (
			enabled, poll_seconds, target_address, protocol,
			imap_host, imap_port, imap_use_tls, imap_username, imap_password_enc,
			mark_as_read, folder,
			pop3_host, pop3_port, pop3_use_tls, pop3_username, pop3_password_enc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
	if _, err := s.db.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("insert ingest settings: %w", err)
	}
	return nil
}

// FilterSeenExternalIDs reports which external ids already appear on a
// ticket message or an ingest receipt.
func (s *IngestStore) FilterSeenExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	if len(externalIDs) == 0 {
		return seen, nil
	}
	queries := []string{
		`SELECT external_message_id FROM ticket_messages
			WHERE external_message_id IN (` + inClause(1, len(externalIDs)) + `)`,
		`SELECT external_message_id FROM email_ingest_receipts
			WHERE external_message_id IN (` + inClause(1, len(externalIDs)) + `)`,
	}
	args := stringArgs(externalIDs)
	for _, query := range queries {
		if err := s.collectStrings(ctx, query, args, func(v string) {
			seen[v] = struct{}{}
		}); err != nil {
			return nil, err
		}
	}
	return seen, nil
}

// FilterSeenMessageIDs is the case-insensitive internet message-id
// counterpart; returned keys are lowercased.
func (s *IngestStore) FilterSeenMessageIDs(ctx context.Context, messageIDs []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	if len(messageIDs) == 0 {
		return seen, nil
	}
	lowered := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(id)))
	}
	queries := []string{
		`SELECT LOWER(internet_message_id) FROM ticket_messages
			WHERE internet_message_id IS NOT NULL
			AND LOWER(internet_message_id) IN (` + inClause(1, len(lowered)) + `)`,
		`SELECT LOWER(internet_message_id) FROM email_ingest_receipts
			WHERE internet_message_id IS NOT NULL
			AND LOWER(internet_message_id) IN (` + inClause(1, len(lowered)) + `)`,
	}
	args := stringArgs(lowered)
	for _, query := range queries {
		if err := s.collectStrings(ctx, query, args, func(v string) {
			seen[v] = struct{}{}
		}); err != nil {
			return nil, err
		}
	}
	return seen, nil
}

// ResolveSenderCustomer checks active ingest-enabled contacts first, then
// the customer's own primary address. The input must already be lowercased.
func (s *IngestStore) ResolveSenderCustomer(ctx context.Context, email string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	query := database.ConvertPlaceholders(`
		SELECT customer_id FROM customer_contacts
		WHERE is_active = TRUE AND allow_email_ingest = TRUE
			AND email IS NOT NULL AND LOWER(email) = $1
		LIMIT 1`)
	err := s.db.QueryRowContext(ctx, query, email).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("contact lookup: %w", err)
	}

	query = database.ConvertPlaceholders(`
		SELECT id FROM customers
		WHERE is_active = TRUE AND email IS NOT NULL AND LOWER(email) = $1
		LIMIT 1`)
	err = s.db.QueryRowContext(ctx, query, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("customer lookup: %w", err)
	}
	return id, true, nil
}

const ticketColumns = `id, number, customer_id, problem_id, subject, status, channel,
	assigned_to_user_id, created_by_user_id, created_at`

// FindTicketByNumber returns the ticket with the given number owned by the
// given customer, or nil. The customer scoping is deliberate: a forwarded
// number string must not attach mail to another customer's ticket.
func (s *IngestStore) FindTicketByNumber(ctx context.Context, number string, customerID uuid.UUID) (*models.Ticket, error) {
	query := database.ConvertPlaceholders(
		`SELECT ` + ticketColumns + ` FROM tickets WHERE number = $1 AND customer_id = $2 LIMIT 1`)
	return s.scanTicket(s.db.QueryRowContext(ctx, query, number, customerID))
}

// FindTicketByThread returns the customer's ticket owning the most recently
// created message whose internet message-id matches any of the given ids.
func (s *IngestStore) FindTicketByThread(ctx context.Context, customerID uuid.UUID, messageIDs []string) (*models.Ticket, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	lowered := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(id)))
	}
	query := database.ConvertPlaceholders(fmt.Sprintf(`
		SELECT %s FROM tickets t
		WHERE t.id = (
			SELECT tm.ticket_id FROM ticket_messages tm
			JOIN tickets ti ON ti.id = tm.ticket_id
			WHERE tm.internet_message_id IS NOT NULL
				AND LOWER(tm.internet_message_id) IN (%s)
				AND ti.customer_id = $%d
			ORDER BY tm.created_at DESC
			LIMIT 1
		)`,
		qualifyTicketColumns("t"), inClause(1, len(lowered)), len(lowered)+1))

	args := stringArgs(lowered)
	args = append(args, customerID)
	return s.scanTicket(s.db.QueryRowContext(ctx, query, args...))
}

// CommitCycle writes one cycle's batch in a single transaction. Nothing is
// recorded as seen unless everything commits, so a failed cycle is safely
// re-processed on the next poll.
func (s *IngestStore) CommitCycle(ctx context.Context, batch *ingest.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle tx: %w", err)
	}
	defer tx.Rollback()

	insertTicket := database.ConvertPlaceholders(`
		INSERT INTO tickets (id, number, customer_id, problem_id, subject, status, channel,
			assigned_to_user_id, created_by_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	for _, t := range batch.Tickets {
		if _, err := tx.ExecContext(ctx, insertTicket,
			t.ID, t.Number, nullUUID(t.CustomerID), nullUUID(t.ProblemID),
			t.Subject, string(t.Status), string(t.Channel),
			nullUUID(t.AssignedToUserID), nullUUID(t.CreatedByUserID), t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert ticket %s: %w", t.Number, err)
		}
	}

	reopen := database.ConvertPlaceholders(`UPDATE tickets SET status = $1 WHERE id = $2`)
	for _, change := range batch.Reopened {
		if _, err := tx.ExecContext(ctx, reopen, string(change.To), change.TicketID); err != nil {
			return fmt.Errorf("reopen ticket %s: %w", change.TicketID, err)
		}
	}

	insertMessage := database.ConvertPlaceholders(`
		INSERT INTO ticket_messages (id, ticket_id, direction, sender, recipient, subject, body,
			external_message_id, internet_message_id, in_reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	for _, m := range batch.Messages {
		if _, err := tx.ExecContext(ctx, insertMessage,
			m.ID, m.TicketID, string(m.Direction), m.From, m.To, m.Subject, m.Body,
			m.ExternalMessageID, m.InternetMessageID, m.InReplyTo, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert ticket message %s: %w", m.ID, err)
		}
	}

	insertActivity := database.ConvertPlaceholders(`
		INSERT INTO ticket_activities (id, ticket_id, type, note, created_by_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	for _, a := range batch.Activities {
		if _, err := tx.ExecContext(ctx, insertActivity,
			a.ID, a.TicketID, a.Type, a.Note, nullUUID(a.CreatedByUserID), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert ticket activity %s: %w", a.ID, err)
		}
	}

	insertReceipt := database.ConvertPlaceholders(`
		INSERT INTO email_ingest_receipts (external_message_id, internet_message_id, status,
			sender, subject, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	for _, r := range batch.Receipts {
		if _, err := tx.ExecContext(ctx, insertReceipt,
			r.ExternalMessageID, r.InternetMessageID, r.Status,
			r.From, r.Subject, r.ReceivedAt, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert receipt %s: %w", r.ExternalMessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle tx: %w", err)
	}
	return nil
}

func (s *IngestStore) scanTicket(row *sql.Row) (*models.Ticket, error) {
	t := &models.Ticket{}
	var status, channel string
	var customerID, problemID, assignedTo, createdBy uuid.NullUUID
	err := row.Scan(
		&t.ID, &t.Number, &customerID, &problemID, &t.Subject, &status, &channel,
		&assignedTo, &createdBy, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Status = models.TicketStatus(status)
	t.Channel = models.TicketChannel(channel)
	t.CustomerID = fromNullUUID(customerID)
	t.ProblemID = fromNullUUID(problemID)
	t.AssignedToUserID = fromNullUUID(assignedTo)
	t.CreatedByUserID = fromNullUUID(createdBy)
	return t, nil
}

func (s *IngestStore) collectStrings(ctx context.Context, query string, args []any, emit func(string)) error {
	rows, err := s.db.QueryContext(ctx, database.ConvertPlaceholders(query), args...)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("dedup scan: %w", err)
		}
		emit(v)
	}
	return rows.Err()
}

func qualifyTicketColumns(alias string) string {
	cols := strings.Split(ticketColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func inClause(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func fromNullUUID(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}
