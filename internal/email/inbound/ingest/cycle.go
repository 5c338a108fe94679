// Package ingest turns fetched inbound mail into ticket mutations. One cycle
// fetches a batch, drops everything already handled, resolves each remaining
// message to a customer and a ticket, and commits all writes in a single
// transaction before acknowledging the remote mailbox.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ticketdesk-io/ticketdesk/internal/email/inbound/reader"
	"github.com/ticketdesk-io/ticketdesk/internal/models"
	"github.com/ticketdesk-io/ticketdesk/internal/ticketnum"
)

// Store is the engine's view of the persistent store. Lookups run while a
// cycle is in flight; every write lands together in CommitCycle so a failure
// partway through persists nothing and the next cycle safely re-fetches.
type Store interface {
	LoadSettings(ctx context.Context) (*models.IngestSettings, error)

	// FilterSeenExternalIDs and FilterSeenMessageIDs report which of the given
	// keys already appear on a ticket message or an ingest receipt. Message-id
	// matching is case-insensitive.
	FilterSeenExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error)
	FilterSeenMessageIDs(ctx context.Context, messageIDs []string) (map[string]struct{}, error)

	// ResolveSenderCustomer maps a lowercased sender address to a customer via
	// active ingest-enabled contacts first, then the customer's own address.
	ResolveSenderCustomer(ctx context.Context, email string) (uuid.UUID, bool, error)

	FindTicketByNumber(ctx context.Context, number string, customerID uuid.UUID) (*models.Ticket, error)

	// FindTicketByThread returns the ticket owning the most recently created
	// message whose internet message-id matches any of the given ids, scoped
	// to the customer.
	FindTicketByThread(ctx context.Context, customerID uuid.UUID, messageIDs []string) (*models.Ticket, error)

	CommitCycle(ctx context.Context, batch *Batch) error
}

// Batch collects one cycle's writes for a single transaction.
type Batch struct {
	Tickets    []*models.Ticket
	Reopened   []StatusChange
	Messages   []*models.TicketMessage
	Activities []*models.TicketActivity
	Receipts   []*models.IngestReceipt
}

// StatusChange reopens a ticket that received a customer follow-up.
type StatusChange struct {
	TicketID uuid.UUID
	From     models.TicketStatus
	To       models.TicketStatus
}

// Stats summarizes one cycle.
type Stats struct {
	Fetched    int
	Duplicates int
	Created    int
	Appended   int
	Skipped    int
}

// Processor runs one ingest cycle against a settings snapshot.
type Processor struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
	newID  func() uuid.UUID
}

// ProcessorOption customizes the processor.
type ProcessorOption func(*Processor)

// NewProcessor builds a cycle processor over the given store.
func NewProcessor(store Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:  store,
		logger: log.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithProcessorLogger overrides the logger used for diagnostics.
func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProcessorClock overrides the wall clock, primarily for tests.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithProcessorIDs overrides id generation, primarily for tests.
func WithProcessorIDs(newID func() uuid.UUID) ProcessorOption {
	return func(p *Processor) {
		if newID != nil {
			p.newID = newID
		}
	}
}

// cycleState accumulates the batch plus per-cycle bookkeeping.
type cycleState struct {
	batch    Batch
	reopened map[uuid.UUID]struct{}
	stats    Stats
}

// RunCycle executes fetch → dedup → resolve → commit → acknowledge for one
// settings snapshot.
func (p *Processor) RunCycle(ctx context.Context, st models.IngestSettings, rdr reader.Reader) (Stats, error) {
	var stats Stats

	fetched, err := rdr.FetchNew(ctx, st)
	if err != nil {
		return stats, err
	}
	unique := dedupByExternalID(fetched)
	stats.Fetched = len(unique)
	if len(unique) == 0 {
		return stats, nil
	}

	fetchedIDs := make([]string, 0, len(unique))
	for _, m := range unique {
		fetchedIDs = append(fetchedIDs, m.ExternalID)
	}
	messageIDs := collectMessageIDs(unique)

	seenExternal, err := p.store.FilterSeenExternalIDs(ctx, fetchedIDs)
	if err != nil {
		return stats, fmt.Errorf("ingest: external id lookup: %w", err)
	}
	seenMessage, err := p.store.FilterSeenMessageIDs(ctx, messageIDs)
	if err != nil {
		return stats, fmt.Errorf("ingest: message id lookup: %w", err)
	}

	toHandle := make([]reader.Message, 0, len(unique))
	for _, m := range unique {
		if _, ok := seenExternal[m.ExternalID]; ok {
			continue
		}
		if mid := strings.TrimSpace(m.MessageID); mid != "" {
			if _, ok := seenMessage[strings.ToLower(mid)]; ok {
				continue
			}
		}
		toHandle = append(toHandle, m)
	}
	stats.Duplicates = len(unique) - len(toHandle)

	if len(toHandle) == 0 {
		// Everything was handled in an earlier cycle; still acknowledge the
		// whole fetched set to keep the remote mailbox state consistent.
		return stats, rdr.Acknowledge(ctx, st, fetchedIDs)
	}

	state := &cycleState{reopened: make(map[uuid.UUID]struct{})}
	for _, m := range toHandle {
		if err := p.processMessage(ctx, state, m); err != nil {
			return stats, err
		}
	}
	if err := p.store.CommitCycle(ctx, &state.batch); err != nil {
		return stats, fmt.Errorf("ingest: commit cycle: %w", err)
	}

	// The whole fetched set is acknowledged, duplicates included; re-marking
	// an already-seen message is a server-side no-op, and the full set keeps
	// remote read-state consistent.
	if err := rdr.Acknowledge(ctx, st, fetchedIDs); err != nil {
		return stats, err
	}

	stats.Created = state.stats.Created
	stats.Appended = state.stats.Appended
	stats.Skipped = state.stats.Skipped
	p.logger.Printf("ingest: cycle done created=%d appended=%d skippedNotAllowlisted=%d duplicates=%d",
		stats.Created, stats.Appended, stats.Skipped, stats.Duplicates)
	return stats, nil
}

// processMessage resolves one inbound message: allowlist, then embedded
// ticket number, then thread headers, then a fresh ticket.
func (p *Processor) processMessage(ctx context.Context, state *cycleState, m reader.Message) error {
	from := strings.TrimSpace(m.From)
	body := strings.TrimSpace(m.Body)

	customerID, allowed, err := p.resolveSender(ctx, from)
	if err != nil {
		return err
	}
	if !allowed {
		p.recordSkip(state, m)
		return nil
	}

	number := ticketnum.ExtractEmail(m.Subject)
	if number == "" {
		number = ticketnum.ExtractEmail(body)
	}
	if number != "" {
		ticket, err := p.store.FindTicketByNumber(ctx, number, customerID)
		if err != nil {
			return fmt.Errorf("ingest: ticket lookup %s: %w", number, err)
		}
		if ticket != nil {
			p.appendToExisting(state, ticket, m, body)
			return nil
		}
	}

	if ids := threadIDs(m); len(ids) > 0 {
		ticket, err := p.store.FindTicketByThread(ctx, customerID, ids)
		if err != nil {
			return fmt.Errorf("ingest: thread lookup: %w", err)
		}
		if ticket != nil {
			p.appendToExisting(state, ticket, m, body)
			return nil
		}
	}

	p.createTicket(state, customerID, m, body)
	return nil
}

func (p *Processor) resolveSender(ctx context.Context, from string) (uuid.UUID, bool, error) {
	if from == "" {
		return uuid.Nil, false, nil
	}
	customerID, ok, err := p.store.ResolveSenderCustomer(ctx, strings.ToLower(from))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("ingest: sender lookup: %w", err)
	}
	return customerID, ok, nil
}

// recordSkip writes the receipt that makes a not-allowlisted sender
// permanently idempotent; without it the same message would be reconsidered
// every poll.
func (p *Processor) recordSkip(state *cycleState, m reader.Message) {
	state.batch.Receipts = append(state.batch.Receipts, &models.IngestReceipt{
		ExternalMessageID: m.ExternalID,
		InternetMessageID: nilIfEmpty(m.MessageID),
		Status:            models.ReceiptStatusSkippedNotAllowlisted,
		From:              m.From,
		Subject:           m.Subject,
		ReceivedAt:        m.ReceivedAt,
		CreatedAt:         p.now(),
	})
	state.stats.Skipped++
	p.logger.Printf("ingest: skipped (not allowlisted) from=%s subject=%q", m.From, m.Subject)
}

func (p *Processor) appendToExisting(state *cycleState, ticket *models.Ticket, m reader.Message, body string) {
	p.reopenIfNeeded(state, ticket)
	p.appendInbound(state, ticket.ID, m, body)
	state.stats.Appended++
}

func (p *Processor) createTicket(state *cycleState, customerID uuid.UUID, m reader.Message, body string) {
	subject := strings.TrimSpace(m.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	now := p.now()
	ticket := &models.Ticket{
		ID:         p.newID(),
		Number:     ticketnum.GenerateEmail(now),
		CustomerID: &customerID,
		Subject:    subject,
		Status:     models.TicketStatusNew,
		Channel:    models.TicketChannelEmail,
		CreatedAt:  now,
	}
	state.batch.Tickets = append(state.batch.Tickets, ticket)
	p.appendInbound(state, ticket.ID, m, body)
	state.stats.Created++
}

// reopenIfNeeded applies the reopen-on-reply policy: Closed, Canceled, and
// WaitingCustomer move to InProgress; New and InProgress stay put. At most
// one status change per ticket per cycle.
func (p *Processor) reopenIfNeeded(state *cycleState, ticket *models.Ticket) {
	if _, done := state.reopened[ticket.ID]; done {
		return
	}
	switch ticket.Status {
	case models.TicketStatusClosed, models.TicketStatusCanceled, models.TicketStatusWaitingCustomer:
	default:
		return
	}
	state.batch.Reopened = append(state.batch.Reopened, StatusChange{
		TicketID: ticket.ID,
		From:     ticket.Status,
		To:       models.TicketStatusInProgress,
	})
	state.batch.Activities = append(state.batch.Activities, &models.TicketActivity{
		ID:        p.newID(),
		TicketID:  ticket.ID,
		Type:      "Status.Changed",
		Note:      fmt.Sprintf("%s -> %s (reopened by inbound email)", ticket.Status, models.TicketStatusInProgress),
		CreatedAt: p.now(),
	})
	state.reopened[ticket.ID] = struct{}{}
	ticket.Status = models.TicketStatusInProgress
}

func (p *Processor) appendInbound(state *cycleState, ticketID uuid.UUID, m reader.Message, body string) {
	externalID := m.ExternalID
	state.batch.Messages = append(state.batch.Messages, &models.TicketMessage{
		ID:                p.newID(),
		TicketID:          ticketID,
		Direction:         models.DirectionInbound,
		From:              m.From,
		To:                m.To,
		Subject:           m.Subject,
		Body:              body,
		ExternalMessageID: &externalID,
		InternetMessageID: nilIfEmpty(m.MessageID),
		InReplyTo:         nilIfEmpty(m.InReplyTo),
		CreatedAt:         p.now(),
	})

	preview := body
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	state.batch.Activities = append(state.batch.Activities, &models.TicketActivity{
		ID:        p.newID(),
		TicketID:  ticketID,
		Type:      "Email.Received",
		Note:      fmt.Sprintf("From: %s\nSubject: %s\n\n%s", m.From, m.Subject, preview),
		CreatedAt: p.now(),
	})
}

// dedupByExternalID drops logical duplicates within one fetched batch,
// first occurrence winning.
func dedupByExternalID(msgs []reader.Message) []reader.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]reader.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ExternalID]; ok {
			continue
		}
		seen[m.ExternalID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func collectMessageIDs(msgs []reader.Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		mid := strings.TrimSpace(m.MessageID)
		if mid == "" {
			continue
		}
		key := strings.ToLower(mid)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, mid)
	}
	return out
}

// threadIDs gathers In-Reply-To plus References, deduplicated
// case-insensitively with order preserved.
func threadIDs(m reader.Message) []string {
	seen := make(map[string]struct{}, len(m.References)+1)
	var ids []string
	add := func(raw string) {
		id := strings.TrimSpace(raw)
		if id == "" {
			return
		}
		key := strings.ToLower(id)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		ids = append(ids, id)
	}
	add(m.InReplyTo)
	for _, ref := range m.References {
		add(ref)
	}
	return ids
}

func nilIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
