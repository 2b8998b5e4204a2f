package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"club-ticketing/security"
	"club-ticketing/utils"
)

// AdminHandler exposes the operational surface: breaker inspection and
// override, rate limiter violation history, and the scan audit trail.
type AdminHandler struct {
	app      *pocketbase.PocketBase
	breakers map[string]*utils.CircuitBreaker
	limiters []*security.RateLimiter
}

func NewAdminHandler(app *pocketbase.PocketBase, breakers map[string]*utils.CircuitBreaker, limiters []*security.RateLimiter) *AdminHandler {
	return &AdminHandler{
		app:      app,
		breakers: breakers,
		limiters: limiters,
	}
}

func (h *AdminHandler) requireSuperuser(e *core.RequestEvent) error {
	if e.Auth == nil || !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("superuser access required", nil)
	}
	return nil
}

// Circuits reports every breaker's snapshot.
func (h *AdminHandler) Circuits(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	out := make(map[string]utils.Snapshot, len(h.breakers))
	for name, cb := range h.breakers {
		out[name] = cb.Snapshot()
	}
	return e.JSON(http.StatusOK, out)
}

// ForceOpen latches a breaker open until explicitly closed.
func (h *AdminHandler) ForceOpen(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	cb, ok := h.breakers[e.Request.PathValue("name")]
	if !ok {
		return apis.NewNotFoundError("unknown circuit", nil)
	}
	cb.ForceOpen()
	return e.JSON(http.StatusOK, cb.Snapshot())
}

// ForceClose releases a forced-open breaker and resets its counters.
func (h *AdminHandler) ForceClose(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	cb, ok := h.breakers[e.Request.PathValue("name")]
	if !ok {
		return apis.NewNotFoundError("unknown circuit", nil)
	}
	cb.ForceClose()
	return e.JSON(http.StatusOK, cb.Snapshot())
}

// RateViolations returns each limiter's recent denial history.
func (h *AdminHandler) RateViolations(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	out := make(map[string][]security.Violation, len(h.limiters))
	for _, l := range h.limiters {
		out[l.Name()] = l.Violations()
	}
	return e.JSON(http.StatusOK, out)
}

// ScanLogs returns the most recent audit entries, optionally filtered by event.
func (h *AdminHandler) ScanLogs(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	filter := ""
	params := map[string]any{}
	if eventID := e.Request.URL.Query().Get("event_id"); eventID != "" {
		filter = "event_id = {:eventId}"
		params["eventId"] = eventID
	}

	records, err := h.app.FindRecordsByFilter("scan_logs", filter, "-created", 200, 0, params)
	if err != nil {
		return apis.NewInternalServerError("failed to read scan logs", err)
	}

	logs := make([]map[string]any, len(records))
	for i, rec := range records {
		logs[i] = map[string]any{
			"id":          rec.Id,
			"token":       rec.GetString("token"),
			"event_id":    rec.GetString("event_id"),
			"operator_id": rec.GetString("operator_id"),
			"device_id":   rec.GetString("device_id"),
			"method":      rec.GetString("method"),
			"outcome":     rec.GetString("outcome"),
			"provisional": rec.GetBool("provisional"),
			"created":     rec.GetDateTime("created").Time(),
		}
	}
	return e.JSON(http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}
