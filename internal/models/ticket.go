package models

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketStatusNew             TicketStatus = "New"
	TicketStatusInProgress      TicketStatus = "InProgress"
	TicketStatusWaitingCustomer TicketStatus = "WaitingCustomer"
	TicketStatusClosed          TicketStatus = "Closed"
	TicketStatusCanceled        TicketStatus = "Canceled"
)

// TicketChannel records how a ticket was opened.
type TicketChannel string

const (
	TicketChannelManual TicketChannel = "Manual"
	TicketChannelEmail  TicketChannel = "Email"
	TicketChannelPhone  TicketChannel = "Phone"
)

// Ticket is one helpdesk ticket. The ingest engine only ever creates tickets
// and transitions their status; every other field belongs to the web layer.
type Ticket struct {
	ID               uuid.UUID
	Number           string
	CustomerID       *uuid.UUID
	ProblemID        *uuid.UUID
	Subject          string
	Status           TicketStatus
	Channel          TicketChannel
	AssignedToUserID *uuid.UUID
	CreatedByUserID  *uuid.UUID
	CreatedAt        time.Time
}

// MessageDirection distinguishes inbound mail, outbound replies, and agent notes.
type MessageDirection string

const (
	DirectionInbound      MessageDirection = "Inbound"
	DirectionOutbound     MessageDirection = "Outbound"
	DirectionInternalNote MessageDirection = "InternalNote"
)

// TicketMessage is one message on a ticket. ExternalMessageID and
// InternetMessageID are only populated for email-sourced inbound messages;
// together with the ingest receipts they form the duplicate-suppression set.
type TicketMessage struct {
	ID                uuid.UUID
	TicketID          uuid.UUID
	Direction         MessageDirection
	From              string
	To                string
	Subject           string
	Body              string
	ExternalMessageID *string
	InternetMessageID *string
	InReplyTo         *string
	CreatedAt         time.Time
}

// TicketActivity is an audit entry on a ticket ("Email.Received",
// "Status.Changed", ...).
type TicketActivity struct {
	ID              uuid.UUID
	TicketID        uuid.UUID
	Type            string
	Note            string
	CreatedByUserID *uuid.UUID
	CreatedAt       time.Time
}
