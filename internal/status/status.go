package status

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the admission engine. Stores and clients return these
// (optionally wrapped); services and handlers classify with errors.Is/As and
// translate them into operator-visible outcomes. Raw errors never reach the
// operator.
var (
	ErrInvalidCredential = errors.New("credential: signature verification failed")
	ErrTicketNotFound    = errors.New("ticket: token not found")
	ErrDependency        = errors.New("dependency: backend unavailable")
	ErrCircuitOpen       = errors.New("circuit breaker: open")
	ErrTooManyTrials     = errors.New("circuit breaker: half-open trial limit reached")
	ErrPaymentLookup     = errors.New("payment: reference lookup failed")
	ErrDuplicateTicket   = errors.New("ticket: identifier already exists")
)

// StateConflictError is returned when a ticket is in an entry-denying state.
// Prior is set when the denial is "already scanned" and the winning
// admission's metadata is known.
type StateConflictError struct {
	Status     string
	OperatorID string
	DeviceID   string
	ScannedAt  time.Time
	HasPrior   bool
}

func (e *StateConflictError) Error() string {
	if e.HasPrior {
		return fmt.Sprintf("ticket already %s by %s on %s at %s",
			e.Status, e.OperatorID, e.DeviceID, e.ScannedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("ticket is %s", e.Status)
}

// QueueConflictError marks an offline replay whose authoritative state
// diverged. It requires manual review and is never auto-resolved.
// Authoritative, when set, describes the state that consumed the ticket.
type QueueConflictError struct {
	Seq           int64
	Token         string
	Authoritative *StateConflictError
}

func (e *QueueConflictError) Error() string {
	if e.Authoritative != nil {
		return fmt.Sprintf("replay conflict for seq %d: %s", e.Seq, e.Authoritative.Error())
	}
	return fmt.Sprintf("replay conflict for seq %d: token %s unknown to the backend", e.Seq, e.Token)
}

func (e *QueueConflictError) Unwrap() error {
	if e.Authoritative != nil {
		return e.Authoritative
	}
	return nil
}

// RateLimitError reports a throttled caller, distinct from validation
// failures.
type RateLimitError struct {
	Key     string
	Limiter string
	Limit   int
	Window  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per %s on %s",
		e.Key, e.Limit, e.Window, e.Limiter)
}
