package handlers

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"club-ticketing/models"
	"club-ticketing/services"
)

type WebhookHandler struct {
	webhooks *services.WebhookService
}

func NewWebhookHandler(webhooks *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Ingest receives signed ticket issuance deliveries from the sales platform.
// The signature covers "<timestamp>.<body>", carried in the
// X-Webhook-Signature and X-Webhook-Timestamp headers.
func (h *WebhookHandler) Ingest(e *core.RequestEvent) error {
	body, err := io.ReadAll(e.Request.Body)
	if err != nil {
		return apis.NewBadRequestError("unreadable body", err)
	}

	signature := e.Request.Header.Get("X-Webhook-Signature")
	timestamp := e.Request.Header.Get("X-Webhook-Timestamp")

	result := h.webhooks.Ingest(
		e.Request.Context(),
		body,
		signature,
		timestamp,
		clientIP(e.Request),
	)

	return e.JSON(ingestStatusCode(result.Status), result)
}

func ingestStatusCode(s models.IngestStatus) int {
	switch s {
	case models.IngestCreated:
		return http.StatusCreated
	case models.IngestConflict:
		return http.StatusConflict
	case models.IngestInvalid:
		return http.StatusBadRequest
	case models.IngestUnauthorized:
		return http.StatusUnauthorized
	case models.IngestRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
