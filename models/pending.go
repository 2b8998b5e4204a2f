package models

import (
	"time"
)

type ReplayStatus string

const (
	ReplayPending    ReplayStatus = "pending"
	ReplayConfirmed  ReplayStatus = "confirmed"
	ReplayConflicted ReplayStatus = "conflicted"
)

// PendingScan is an admission performed while the backend was unreachable,
// queued for replay. Seq is assigned locally and strictly increases per
// device, which fixes the replay order.
type PendingScan struct {
	Seq        int64        `json:"seq"`
	Token      string       `json:"token"`
	EventID    string       `json:"event_id"`
	OperatorID string       `json:"operator_id"`
	DeviceID   string       `json:"device_id"`
	Method     ScanMethod   `json:"method"`
	ScannedAt  time.Time    `json:"scanned_at"`
	Status     ReplayStatus `json:"status"`
}

// ConflictRecord is a pending scan whose replay found the authoritative
// state already consumed by a different admission. Kept for manual review,
// never auto-resolved.
type ConflictRecord struct {
	Pending       PendingScan     `json:"pending"`
	Authoritative *PriorAdmission `json:"authoritative,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// ReplayReport summarizes one replay drain. Scans lists the processed entries
// with their settled replay status.
type ReplayReport struct {
	Confirmed  int           `json:"confirmed"`
	Conflicted int           `json:"conflicted"`
	Remaining  int           `json:"remaining"`
	Scans      []PendingScan `json:"scans,omitempty"`
}
