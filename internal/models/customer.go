package models

import "github.com/google/uuid"

// Customer is a company record. Its primary email participates in the
// ingest allowlist when the customer is active.
type Customer struct {
	ID       uuid.UUID
	Code     string
	Title    string
	Phone    string
	Email    string
	Address  string
	IsActive bool
}

// CustomerContact is a person at a customer. Contacts are checked before the
// customer's own address during sender resolution, and only when both active
// and flagged for email ingest.
type CustomerContact struct {
	ID               uuid.UUID
	CustomerID       uuid.UUID
	FullName         string
	Phone            string
	Mobile           string
	Email            string
	IsActive         bool
	AllowEmailIngest bool
}
