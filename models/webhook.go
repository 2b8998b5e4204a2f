package models

import (
	"github.com/shopspring/decimal"
)

// WebhookTicket is one ticket entry in an inbound issuance webhook.
// Identifier doubles as the scan token.
type WebhookTicket struct {
	Identifier  string `json:"identifier"`
	EventName   string `json:"event_name"`
	TicketType  string `json:"ticket_type"`
	HolderName  string `json:"holder_name,omitempty"`
	HolderEmail string `json:"holder_email,omitempty"`
	Price       string `json:"price,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
}

// MissingFields lists the required fields the entry lacks.
func (w *WebhookTicket) MissingFields() []string {
	var missing []string
	if w.Identifier == "" {
		missing = append(missing, "identifier")
	}
	if w.EventName == "" {
		missing = append(missing, "event_name")
	}
	if w.TicketType == "" {
		missing = append(missing, "ticket_type")
	}
	return missing
}

// ParsePrice returns the decimal price, zero when absent.
func (w *WebhookTicket) ParsePrice() (decimal.Decimal, error) {
	if w.Price == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(w.Price)
}

// WebhookRequest accepts either {"tickets": [...]} or a single ticket object.
type WebhookRequest struct {
	Tickets []WebhookTicket `json:"tickets"`
	WebhookTicket
}

// Entries normalizes the two accepted body shapes.
func (r *WebhookRequest) Entries() []WebhookTicket {
	if len(r.Tickets) > 0 {
		return r.Tickets
	}
	if r.Identifier != "" || r.EventName != "" || r.TicketType != "" {
		return []WebhookTicket{r.WebhookTicket}
	}
	return nil
}

type IngestStatus string

const (
	IngestCreated      IngestStatus = "created"
	IngestConflict     IngestStatus = "conflict"
	IngestInvalid      IngestStatus = "invalid"
	IngestUnauthorized IngestStatus = "unauthorized"
	IngestRateLimited  IngestStatus = "rate_limited"
	IngestStorageFail  IngestStatus = "storage_failure"
)

type IngestResult struct {
	Status  IngestStatus `json:"status"`
	Created []Ticket     `json:"created,omitempty"`
	Missing []string     `json:"missing,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}
