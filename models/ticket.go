package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	StatusIssued    TicketStatus = "issued"
	StatusScanned   TicketStatus = "scanned"
	StatusUsed      TicketStatus = "used"
	StatusExpired   TicketStatus = "expired"
	StatusCancelled TicketStatus = "cancelled"
	StatusRefunded  TicketStatus = "refunded"
)

type Ticket struct {
	ID          string          `json:"id"`
	Token       string          `json:"token"`
	EventID     string          `json:"event_id"`
	TicketType  string          `json:"ticket_type"`
	HolderName  string          `json:"holder_name,omitempty"`
	HolderEmail string          `json:"holder_email,omitempty"`
	Price       decimal.Decimal `json:"price"`
	PaymentRef  string          `json:"payment_ref,omitempty"`
	Signature   string          `json:"signature"`
	Status      TicketStatus    `json:"status"`
	ScannedAt   *time.Time      `json:"scanned_at,omitempty"`
	ScannedBy   string          `json:"scanned_by,omitempty"`
	ScanDevice  string          `json:"scan_device,omitempty"`
}

// Admissible reports whether the ticket is still in the single
// entry-granting state. Every other status is terminal for admission.
func (t *Ticket) Admissible() bool {
	return t.Status == StatusIssued
}

// Denying reports whether the status is one of the entry-denying
// terminal states.
func (s TicketStatus) Denying() bool {
	switch s {
	case StatusScanned, StatusUsed, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CacheEntry is a device-local snapshot of a ticket. Advisory only:
// decisions made from it are provisional and never resolve conflicts.
type CacheEntry struct {
	Ticket   Ticket    `json:"ticket"`
	SyncedAt time.Time `json:"synced_at"`
}
