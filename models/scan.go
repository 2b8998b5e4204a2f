package models

import (
	"time"
)

type ScanMethod string

const (
	MethodOptical   ScanMethod = "optical-code"
	MethodProximity ScanMethod = "proximity-tag"
	MethodManual    ScanMethod = "manual"
)

// ScanOutcome is the closed set of per-scan results shown to operators.
type ScanOutcome string

const (
	OutcomeAccepted        ScanOutcome = "accepted"
	OutcomeAcceptedOffline ScanOutcome = "accepted_offline"
	OutcomeDuplicate       ScanOutcome = "duplicate"
	OutcomeInvalid         ScanOutcome = "invalid"
	OutcomeNotFound        ScanOutcome = "not_found"
	OutcomeWrongEvent      ScanOutcome = "wrong_event"
	OutcomeDenied          ScanOutcome = "denied" // expired or cancelled
	// OutcomeNotAdmitted reports a reconciliation that found the ticket
	// still issued: the earlier admit never applied.
	OutcomeNotAdmitted ScanOutcome = "not_admitted"
)

// ResultState is the confirmation level of an admission decision.
type ResultState string

const (
	StateConfirmed   ResultState = "confirmed"
	StateProvisional ResultState = "provisional"
	StateConflicted  ResultState = "conflicted"
)

// ScanAttempt is one admit call. It is ephemeral: logged, then discarded.
type ScanAttempt struct {
	Token      string     `json:"token"`
	Signature  string     `json:"signature"`
	EventID    string     `json:"event_id"`
	OperatorID string     `json:"operator_id"`
	DeviceID   string     `json:"device_id"`
	Method     ScanMethod `json:"method"`
	ScannedAt  time.Time  `json:"scanned_at"`
}

// PriorAdmission identifies the scan that already consumed a ticket, so a
// duplicate denial can tell the operator who admitted it and when.
type PriorAdmission struct {
	OperatorID string    `json:"operator_id"`
	DeviceID   string    `json:"device_id"`
	ScannedAt  time.Time `json:"scanned_at"`
}

type AdmissionResult struct {
	Outcome ScanOutcome     `json:"outcome"`
	State   ResultState     `json:"state"`
	Ticket  *Ticket         `json:"ticket,omitempty"`
	Prior   *PriorAdmission `json:"prior,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// Granted reports whether the operator should open the door.
func (r *AdmissionResult) Granted() bool {
	return r.Outcome == OutcomeAccepted || r.Outcome == OutcomeAcceptedOffline
}

// ScanLog is the append-only audit record derived from a scan attempt.
type ScanLog struct {
	ID          string      `json:"id"`
	Token       string      `json:"token"`
	EventID     string      `json:"event_id"`
	OperatorID  string      `json:"operator_id"`
	DeviceID    string      `json:"device_id"`
	Method      ScanMethod  `json:"method"`
	Outcome     ScanOutcome `json:"outcome"`
	Provisional bool        `json:"provisional"`
	CreatedAt   time.Time   `json:"created_at"`
}
