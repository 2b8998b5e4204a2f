package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"club-ticketing/internal/status"
	"club-ticketing/models"
	"club-ticketing/monitoring"
	"club-ticketing/security"
	"club-ticketing/services"
)

type ScanHandler struct {
	admission *services.AdmissionService
	queue     *services.OfflineQueue
	cache     *services.CacheService
	notifier  *services.Notifier
	limiter   *security.RateLimiter
	monitor   *monitoring.Monitor

	// pinHash gates manual token entry; empty disables the gate.
	pinHash  string
	deviceID string
}

func NewScanHandler(
	admission *services.AdmissionService,
	queue *services.OfflineQueue,
	cache *services.CacheService,
	notifier *services.Notifier,
	limiter *security.RateLimiter,
	monitor *monitoring.Monitor,
	pinHash, deviceID string,
) *ScanHandler {
	return &ScanHandler{
		admission: admission,
		queue:     queue,
		cache:     cache,
		notifier:  notifier,
		limiter:   limiter,
		monitor:   monitor,
		pinHash:   pinHash,
		deviceID:  deviceID,
	}
}

type scanRequest struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	EventID   string `json:"event_id"`
	Method    string `json:"method"`
	// PIN is required only for manual entry.
	PIN string `json:"pin,omitempty"`
}

// Scan decides one admission. The decision body always comes back with 200;
// the outcome field says whether the door opens.
func (h *ScanHandler) Scan(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req scanRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.Token == "" {
		return apis.NewBadRequestError("token is required", nil)
	}

	ctx := e.Request.Context()
	operatorID := e.Auth.Id

	ok, err := h.limiter.Check(ctx, operatorID)
	if err != nil {
		var rl *status.RateLimitError
		if errors.As(err, &rl) {
			h.monitor.TrackRateLimitViolation(h.limiter.Name())
			return e.JSON(http.StatusTooManyRequests, map[string]any{
				"error": "scan rate exceeded",
				"limit": rl.Limit,
			})
		}
		// Limiter store down: scanning must keep working at the door.
	} else if !ok {
		h.monitor.TrackRateLimitViolation(h.limiter.Name())
		return e.JSON(http.StatusTooManyRequests, map[string]any{"error": "scan rate exceeded"})
	}

	method := models.ScanMethod(req.Method)
	switch method {
	case models.MethodOptical, models.MethodProximity, models.MethodManual:
	case "":
		method = models.MethodOptical
	default:
		return apis.NewBadRequestError("unknown scan method", nil)
	}

	if method == models.MethodManual && h.pinHash != "" {
		if !security.VerifyOperatorPIN(h.pinHash, req.PIN) {
			return apis.NewForbiddenError("manual entry requires a valid PIN", nil)
		}
	}

	result, err := h.admission.Admit(ctx, models.ScanAttempt{
		Token:      strings.TrimSpace(req.Token),
		Signature:  strings.TrimSpace(req.Signature),
		EventID:    req.EventID,
		OperatorID: operatorID,
		DeviceID:   h.deviceID,
		Method:     method,
	})
	if err != nil {
		return apis.NewInternalServerError("admission failed", err)
	}

	return e.JSON(http.StatusOK, result)
}

type reconcileRequest struct {
	Token string `json:"token"`
}

// Reconcile settles a scan whose admit response was lost in transit by
// re-reading authoritative state for the token.
func (h *ScanHandler) Reconcile(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req reconcileRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.Token == "" {
		return apis.NewBadRequestError("token is required", nil)
	}

	result, err := h.admission.Reconcile(e.Request.Context(), strings.TrimSpace(req.Token), e.Auth.Id)
	if err != nil {
		return apis.NewInternalServerError("reconcile failed", err)
	}
	return e.JSON(http.StatusOK, result)
}

// Replay drains the offline queue against the backend.
func (h *ScanHandler) Replay(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	report, err := h.queue.Replay(e.Request.Context(), h.admission.ReplayAdmit)
	if err != nil && report == nil {
		return apis.NewInternalServerError("replay failed", err)
	}

	h.notifier.PublishReplayReport(report)

	// A halted drain still reports partial progress.
	code := http.StatusOK
	if err != nil {
		code = http.StatusAccepted
	}
	return e.JSON(code, report)
}

// Pending lists queued offline admissions.
func (h *ScanHandler) Pending(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	pending, err := h.queue.Pending(e.Request.Context())
	if err != nil {
		return apis.NewInternalServerError("failed to read queue", err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

// Conflicts lists replayed scans that need manual review.
func (h *ScanHandler) Conflicts(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	conflicts, err := h.queue.Conflicts(e.Request.Context())
	if err != nil {
		return apis.NewInternalServerError("failed to read conflicts", err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ResolveConflict discharges one reviewed conflict.
func (h *ScanHandler) ResolveConflict(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	seq, err := strconv.ParseInt(e.Request.PathValue("seq"), 10, 64)
	if err != nil {
		return apis.NewBadRequestError("invalid sequence number", err)
	}
	if err := h.queue.ResolveConflict(e.Request.Context(), seq); err != nil {
		return apis.NewBadRequestError("failed to resolve conflict", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"resolved": seq})
}

// SyncCache refreshes the device-local ticket snapshot for an event.
func (h *ScanHandler) SyncCache(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventID := e.Request.PathValue("eventId")
	if eventID == "" {
		return apis.NewBadRequestError("eventId is required", nil)
	}

	n, err := h.cache.SyncEvent(e.Request.Context(), eventID)
	if err != nil {
		return apis.NewInternalServerError("cache sync failed", err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"event_id": eventID,
		"synced":   n,
	})
}
