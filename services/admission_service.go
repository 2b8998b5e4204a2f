package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"club-ticketing/internal/status"
	"club-ticketing/models"
	"club-ticketing/monitoring"
	"club-ticketing/security"
	"club-ticketing/utils"
)

// LocalCache is the device-local ticket snapshot store, consulted only when
// the authoritative backend is unreachable.
type LocalCache interface {
	Lookup(ctx context.Context, token string) (*models.CacheEntry, error)
	MarkScanned(ctx context.Context, token, operatorID, deviceID string, at time.Time) error
}

// PendingQueue receives offline admissions for later replay.
type PendingQueue interface {
	Enqueue(ctx context.Context, scan models.PendingScan) (int64, error)
}

// AdmissionService decides, exactly once, whether a presented credential may
// be admitted. Authoritative decisions go through TicketStore behind the
// backend circuit breaker; when the breaker or the store fails, the device
// falls back to cache-based provisional decisions and queues them for replay.
type AdmissionService struct {
	store    TicketStore
	cache    LocalCache
	queue    PendingQueue
	verifier *security.Verifier
	breaker  *utils.CircuitBreaker
	monitor  *monitoring.Monitor

	// sameScanWindow bounds how far apart two timestamps may be while still
	// counting as the same admission during replay.
	sameScanWindow time.Duration
	storeTimeout   time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewAdmissionService(
	store TicketStore,
	cache LocalCache,
	queue PendingQueue,
	verifier *security.Verifier,
	breaker *utils.CircuitBreaker,
	monitor *monitoring.Monitor,
	sameScanWindow, storeTimeout time.Duration,
) *AdmissionService {
	return &AdmissionService{
		store:          store,
		cache:          cache,
		queue:          queue,
		verifier:       verifier,
		breaker:        breaker,
		monitor:        monitor,
		sameScanWindow: sameScanWindow,
		storeTimeout:   storeTimeout,
		now:            time.Now,
	}
}

// Admit runs the admission state machine for one presented credential.
// It always returns a decided result; the error is non-nil only for
// programming-level failures, never for per-scan outcomes.
func (s *AdmissionService) Admit(ctx context.Context, attempt models.ScanAttempt) (*models.AdmissionResult, error) {
	started := s.now()
	if attempt.ScannedAt.IsZero() {
		attempt.ScannedAt = started
	}

	result, err := s.decide(ctx, attempt)
	if err != nil {
		return nil, err
	}

	s.monitor.TrackScan(string(result.Outcome), string(attempt.Method), s.now().Sub(started))
	return result, nil
}

func (s *AdmissionService) decide(ctx context.Context, attempt models.ScanAttempt) (*models.AdmissionResult, error) {
	// Step 1: credential MAC. Fail closed.
	if !s.verifier.VerifyToken(attempt.Token, attempt.Signature) {
		result := &models.AdmissionResult{
			Outcome: models.OutcomeInvalid,
			State:   models.StateConfirmed,
		}
		s.appendLog(ctx, attempt, result)
		return result, nil
	}

	// Step 2: resolve against the authoritative backend when reachable.
	ticket, err := s.resolveOnline(ctx, attempt.Token)
	switch {
	case err == nil && ticket == nil:
		// Backend answered: the token does not exist.
		result := &models.AdmissionResult{
			Outcome: models.OutcomeNotFound,
			State:   models.StateConfirmed,
		}
		s.appendLog(ctx, attempt, result)
		return result, nil

	case err != nil:
		// Backend unreachable (or breaker open): offline decisioning.
		return s.decideOffline(ctx, attempt)
	}

	// Wrong event is a confirmed denial even though the ticket is valid.
	if attempt.EventID != "" && ticket.EventID != attempt.EventID {
		result := &models.AdmissionResult{
			Outcome: models.OutcomeWrongEvent,
			State:   models.StateConfirmed,
			Ticket:  ticket,
		}
		s.appendLog(ctx, attempt, result)
		return result, nil
	}

	// Step 4: entry-denying terminal states.
	if ticket.Status.Denying() {
		result := s.denyFor(ticket)
		s.appendLog(ctx, attempt, result)
		return result, nil
	}

	// Step 5: the atomic conditional transition. The store is the sole
	// arbiter; exactly one concurrent caller wins.
	return s.transition(ctx, attempt, ticket)
}

// resolveOnline looks the token up through the breaker. A nil ticket with a
// nil error means the backend authoritatively knows nothing about the token;
// a token miss is not a dependency failure and must not trip the breaker.
func (s *AdmissionService) resolveOnline(ctx context.Context, token string) (*models.Ticket, error) {
	res, err := s.breaker.Execute(ctx, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()

		t, err := s.store.FindByToken(cctx, token)
		if errors.Is(err, status.ErrTicketNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(*models.Ticket), nil
}

func (s *AdmissionService) transition(ctx context.Context, attempt models.ScanAttempt, ticket *models.Ticket) (*models.AdmissionResult, error) {
	res, err := s.breaker.Execute(ctx, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		return s.store.TransitionToScanned(cctx, attempt.Token, attempt.OperatorID, attempt.DeviceID, attempt.ScannedAt)
	})
	if err != nil {
		// Ambiguous outcome: the update may or may not have been applied.
		// Reconcile by re-reading rather than blindly retrying.
		return s.reconcileAmbiguous(ctx, attempt)
	}

	if won := res.(bool); !won {
		// Lost the race: observe the post-transition state for the winner's
		// metadata.
		fresh, ferr := s.resolveOnline(ctx, attempt.Token)
		result := &models.AdmissionResult{
			Outcome: models.OutcomeDuplicate,
			State:   models.StateConfirmed,
		}
		if ferr == nil && fresh != nil {
			result.Ticket = fresh
			result.Prior = priorOf(fresh)
		}
		s.appendLog(ctx, attempt, result)
		return result, nil
	}

	ticket.Status = models.StatusScanned
	at := attempt.ScannedAt
	ticket.ScannedAt = &at
	ticket.ScannedBy = attempt.OperatorID
	ticket.ScanDevice = attempt.DeviceID

	result := &models.AdmissionResult{
		Outcome: models.OutcomeAccepted,
		State:   models.StateConfirmed,
		Ticket:  ticket,
	}

	// Step 6: the admission is final; a logging failure is telemetry only.
	s.appendLog(ctx, attempt, result)
	return result, nil
}

// reconcileAmbiguous handles a transition whose response was lost. A fresh
// read showing our own admission confirms it; a different admission is a
// duplicate; no answer at all degrades to a provisional offline accept so
// the completed admission (if it happened) is never lost.
func (s *AdmissionService) reconcileAmbiguous(ctx context.Context, attempt models.ScanAttempt) (*models.AdmissionResult, error) {
	fresh, err := s.resolveOnline(ctx, attempt.Token)
	if err != nil || fresh == nil {
		return s.acceptProvisional(ctx, attempt, "backend unreachable; admission pending confirmation")
	}

	if fresh.Status == models.StatusScanned && fresh.ScannedBy == attempt.OperatorID {
		result := &models.AdmissionResult{
			Outcome: models.OutcomeAccepted,
			State:   models.StateConfirmed,
			Ticket:  fresh,
		}
		s.appendLog(ctx, attempt, result)
		return result, nil
	}

	if fresh.Status.Denying() {
		result := s.denyFor(fresh)
		s.appendLog(ctx, attempt, result)
		return result, nil
	}

	// Still issued: the lost update never applied. One clean retry.
	return s.transition(ctx, attempt, fresh)
}

func (s *AdmissionService) decideOffline(ctx context.Context, attempt models.ScanAttempt) (*models.AdmissionResult, error) {
	entry, err := s.cache.Lookup(ctx, attempt.Token)
	if err != nil {
		// Not in cache, or the cache itself failed: deliberate policy is to
		// favor admission over false rejection for unverifiable tickets.
		return s.acceptProvisional(ctx, attempt, "ticket unverifiable offline; admitted provisionally")
	}

	ticket := entry.Ticket
	if attempt.EventID != "" && ticket.EventID != attempt.EventID {
		return &models.AdmissionResult{
			Outcome: models.OutcomeWrongEvent,
			State:   models.StateProvisional,
			Ticket:  &ticket,
			Warning: "decided from local cache",
		}, nil
	}

	if ticket.Status.Denying() {
		result := s.denyFor(&ticket)
		result.State = models.StateProvisional
		result.Warning = "decided from local cache"
		return result, nil
	}

	// Record the provisional transition locally so a second offline scan of
	// the same token is caught on this device.
	if err := s.cache.MarkScanned(ctx, attempt.Token, attempt.OperatorID, attempt.DeviceID, attempt.ScannedAt); err != nil {
		slog.Warn("cache mark scanned failed", "token", attempt.Token, "error", err)
	}

	return s.acceptProvisional(ctx, attempt, "offline; admission pending confirmation")
}

func (s *AdmissionService) acceptProvisional(ctx context.Context, attempt models.ScanAttempt, warning string) (*models.AdmissionResult, error) {
	pending := models.PendingScan{
		Token:      attempt.Token,
		EventID:    attempt.EventID,
		OperatorID: attempt.OperatorID,
		DeviceID:   attempt.DeviceID,
		Method:     attempt.Method,
		ScannedAt:  attempt.ScannedAt,
		Status:     models.ReplayPending,
	}
	if _, err := s.queue.Enqueue(ctx, pending); err != nil {
		// The queue is local; failing to persist the pending scan is the one
		// case where a provisional accept would be silently lost.
		return nil, fmt.Errorf("enqueue pending scan: %w", err)
	}

	return &models.AdmissionResult{
		Outcome: models.OutcomeAcceptedOffline,
		State:   models.StateProvisional,
		Warning: warning,
	}, nil
}

// ReplayAdmit re-runs one queued offline admission against the authoritative
// backend. It never falls back to the cache: a dependency failure aborts the
// replay so a later drain can resume. A divergent authoritative state returns
// a *status.QueueConflictError alongside a result in the conflicted state.
func (s *AdmissionService) ReplayAdmit(ctx context.Context, pending models.PendingScan) (*models.AdmissionResult, error) {
	ticket, err := s.resolveOnline(ctx, pending.Token)
	if err != nil {
		return nil, err
	}

	if ticket == nil {
		// Provisionally admitted but unknown to the backend: surface for
		// manual review rather than dropping.
		return nil, &status.QueueConflictError{
			Seq:   pending.Seq,
			Token: pending.Token,
		}
	}

	if ticket.Status == models.StatusScanned || ticket.Status == models.StatusUsed {
		if s.sameAdmission(ticket, pending) {
			// Idempotent replay: the admission already succeeded server-side.
			return &models.AdmissionResult{
				Outcome: models.OutcomeAccepted,
				State:   models.StateConfirmed,
				Ticket:  ticket,
			}, nil
		}
		conflict := &status.QueueConflictError{
			Seq:   pending.Seq,
			Token: pending.Token,
			Authoritative: &status.StateConflictError{
				Status:     string(ticket.Status),
				OperatorID: ticket.ScannedBy,
				DeviceID:   ticket.ScanDevice,
				HasPrior:   true,
			},
		}
		if ticket.ScannedAt != nil {
			conflict.Authoritative.ScannedAt = *ticket.ScannedAt
		}
		result := s.denyFor(ticket)
		result.State = models.StateConflicted
		return result, conflict
	}

	if ticket.Status.Denying() {
		// Cancelled or expired while we were offline.
		result := s.denyFor(ticket)
		result.State = models.StateConflicted
		return result, &status.QueueConflictError{
			Seq:   pending.Seq,
			Token: pending.Token,
			Authoritative: &status.StateConflictError{
				Status: string(ticket.Status),
			},
		}
	}

	attempt := models.ScanAttempt{
		Token:      pending.Token,
		EventID:    pending.EventID,
		OperatorID: pending.OperatorID,
		DeviceID:   pending.DeviceID,
		Method:     pending.Method,
		ScannedAt:  pending.ScannedAt,
	}
	return s.transition(ctx, attempt, ticket)
}

// Probe drives the breaker's recovery on an otherwise idle device by pushing
// a cheap liveness call through it.
func (s *AdmissionService) Probe(ctx context.Context) error {
	_, err := s.breaker.Execute(ctx, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		return nil, s.store.Ping(cctx)
	})
	return err
}

// Reconcile re-reads authoritative state for a token whose earlier admit
// response was lost, without mutating anything. A ticket scanned by the asking
// operator confirms the lost admission; a ticket still issued means the lost
// update never applied, so the operator must rescan rather than be told
// "granted" for an admission that does not exist.
func (s *AdmissionService) Reconcile(ctx context.Context, token, operatorID string) (*models.AdmissionResult, error) {
	ticket, err := s.resolveOnline(ctx, token)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return &models.AdmissionResult{
			Outcome: models.OutcomeNotFound,
			State:   models.StateConfirmed,
		}, nil
	}
	if (ticket.Status == models.StatusScanned || ticket.Status == models.StatusUsed) &&
		ticket.ScannedBy == operatorID {
		return &models.AdmissionResult{
			Outcome: models.OutcomeAccepted,
			State:   models.StateConfirmed,
			Ticket:  ticket,
		}, nil
	}
	if ticket.Status.Denying() {
		return s.denyFor(ticket), nil
	}
	return &models.AdmissionResult{
		Outcome: models.OutcomeNotAdmitted,
		State:   models.StateConfirmed,
		Ticket:  ticket,
		Warning: "admission never applied; scan the credential again",
	}, nil
}

func (s *AdmissionService) sameAdmission(ticket *models.Ticket, pending models.PendingScan) bool {
	if ticket.ScannedBy != pending.OperatorID {
		return false
	}
	if ticket.ScannedAt == nil {
		return true
	}
	delta := ticket.ScannedAt.Sub(pending.ScannedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= s.sameScanWindow
}

func (s *AdmissionService) denyFor(ticket *models.Ticket) *models.AdmissionResult {
	switch ticket.Status {
	case models.StatusScanned, models.StatusUsed:
		return &models.AdmissionResult{
			Outcome: models.OutcomeDuplicate,
			State:   models.StateConfirmed,
			Ticket:  ticket,
			Prior:   priorOf(ticket),
		}
	default:
		return &models.AdmissionResult{
			Outcome: models.OutcomeDenied,
			State:   models.StateConfirmed,
			Ticket:  ticket,
		}
	}
}

// appendLog persists the audit entry. The admission decision is already
// final here; a failure is reported to telemetry and otherwise swallowed.
func (s *AdmissionService) appendLog(ctx context.Context, attempt models.ScanAttempt, result *models.AdmissionResult) {
	entry := &models.ScanLog{
		Token:       attempt.Token,
		EventID:     attempt.EventID,
		OperatorID:  attempt.OperatorID,
		DeviceID:    attempt.DeviceID,
		Method:      attempt.Method,
		Outcome:     result.Outcome,
		Provisional: result.State == models.StateProvisional,
		CreatedAt:   attempt.ScannedAt,
	}
	if entry.EventID == "" && result.Ticket != nil {
		entry.EventID = result.Ticket.EventID
	}

	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.AppendScanLog(cctx, entry); err != nil {
		s.monitor.TrackScanLogFailure()
		slog.Error("scan log append failed", "token", attempt.Token, "outcome", result.Outcome, "error", err)
	}
}

func priorOf(ticket *models.Ticket) *models.PriorAdmission {
	if ticket.ScannedBy == "" && ticket.ScannedAt == nil {
		return nil
	}
	prior := &models.PriorAdmission{
		OperatorID: ticket.ScannedBy,
		DeviceID:   ticket.ScanDevice,
	}
	if ticket.ScannedAt != nil {
		prior.ScannedAt = *ticket.ScannedAt
	}
	return prior
}
