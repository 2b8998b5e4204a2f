package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"club-ticketing/internal/payments"
	"club-ticketing/internal/status"
	"club-ticketing/models"
	"club-ticketing/monitoring"
	"club-ticketing/security"
	"club-ticketing/utils"
)

// WebhookService ingests ticket issuance deliveries from the upstream sales
// platform. Every delivery is authenticated, throttled, validated in full,
// and only then written; a duplicate identifier anywhere in the batch means
// nothing from the batch is written.
type WebhookService struct {
	store       TicketStore
	verifier    *security.WebhookVerifier
	tokenSigner *security.Verifier
	limiter     *security.RateLimiter
	payments    *payments.Client
	payBreaker  *utils.CircuitBreaker
	monitor     *monitoring.Monitor
}

func NewWebhookService(
	store TicketStore,
	verifier *security.WebhookVerifier,
	tokenSigner *security.Verifier,
	limiter *security.RateLimiter,
	payClient *payments.Client,
	payBreaker *utils.CircuitBreaker,
	monitor *monitoring.Monitor,
) *WebhookService {
	return &WebhookService{
		store:       store,
		verifier:    verifier,
		tokenSigner: tokenSigner,
		limiter:     limiter,
		payments:    payClient,
		payBreaker:  payBreaker,
		monitor:     monitor,
	}
}

// Ingest processes one signed webhook delivery. sourceKey identifies the
// caller for rate limiting (typically the client IP).
func (s *WebhookService) Ingest(ctx context.Context, body []byte, signature, timestamp, sourceKey string) *models.IngestResult {
	result := s.ingest(ctx, body, signature, timestamp, sourceKey)
	s.monitor.TrackWebhookIngest(string(result.Status))
	return result
}

func (s *WebhookService) ingest(ctx context.Context, body []byte, signature, timestamp, sourceKey string) *models.IngestResult {
	if err := s.verifier.Verify(ctx, body, signature, timestamp); err != nil {
		if errors.Is(err, status.ErrDependency) {
			return &models.IngestResult{Status: models.IngestStorageFail, Detail: "replay guard unavailable"}
		}
		slog.Warn("webhook rejected", "source", sourceKey, "error", err)
		return &models.IngestResult{Status: models.IngestUnauthorized}
	}

	ok, err := s.limiter.Check(ctx, sourceKey)
	if err != nil {
		var rl *status.RateLimitError
		if errors.As(err, &rl) {
			s.monitor.TrackRateLimitViolation(s.limiter.Name())
			return &models.IngestResult{Status: models.IngestRateLimited, Detail: rl.Error()}
		}
		// Limiter store down: fail open, an authenticated delivery beats
		// throttling accuracy.
		slog.Warn("webhook rate check failed open", "source", sourceKey, "error", err)
	} else if !ok {
		s.monitor.TrackRateLimitViolation(s.limiter.Name())
		return &models.IngestResult{Status: models.IngestRateLimited}
	}

	var req models.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return &models.IngestResult{Status: models.IngestInvalid, Detail: "malformed JSON body"}
	}
	entries := req.Entries()
	if len(entries) == 0 {
		return &models.IngestResult{Status: models.IngestInvalid, Detail: "no ticket entries"}
	}

	// Validate the whole batch before inserting anything.
	tickets := make([]*models.Ticket, 0, len(entries))
	for i, entry := range entries {
		if missing := entry.MissingFields(); len(missing) > 0 {
			return &models.IngestResult{
				Status:  models.IngestInvalid,
				Missing: missing,
				Detail:  fmt.Sprintf("entry %d incomplete", i),
			}
		}
		price, err := entry.ParsePrice()
		if err != nil {
			return &models.IngestResult{
				Status: models.IngestInvalid,
				Detail: fmt.Sprintf("entry %d: unparsable price %q", i, entry.Price),
			}
		}
		tickets = append(tickets, &models.Ticket{
			Token:       entry.Identifier,
			EventID:     entry.EventName,
			TicketType:  entry.TicketType,
			HolderName:  entry.HolderName,
			HolderEmail: entry.HolderEmail,
			Price:       price,
			PaymentRef:  entry.PaymentRef,
			Signature:   s.tokenSigner.Sign(entry.Identifier),
			Status:      models.StatusIssued,
		})
	}

	// Duplicate detection covers the whole batch before the first write, so a
	// conflict response never leaves earlier entries of the delivery behind.
	seen := make(map[string]struct{}, len(tickets))
	for _, t := range tickets {
		if _, dup := seen[t.Token]; dup {
			return &models.IngestResult{
				Status: models.IngestConflict,
				Detail: fmt.Sprintf("ticket %s repeated within the batch", t.Token),
			}
		}
		seen[t.Token] = struct{}{}

		_, err := s.store.FindByToken(ctx, t.Token)
		switch {
		case err == nil:
			return &models.IngestResult{
				Status: models.IngestConflict,
				Detail: fmt.Sprintf("ticket %s already exists", t.Token),
			}
		case !errors.Is(err, status.ErrTicketNotFound):
			slog.Error("webhook duplicate check failed", "token", t.Token, "error", err)
			return &models.IngestResult{Status: models.IngestStorageFail}
		}
	}

	for _, t := range tickets {
		if t.PaymentRef != "" {
			s.checkPayment(ctx, t)
		}
	}

	created := make([]models.Ticket, 0, len(tickets))
	for _, t := range tickets {
		saved, err := s.store.InsertTicket(ctx, t)
		if err != nil {
			if errors.Is(err, status.ErrDuplicateTicket) {
				// A concurrent delivery won the insert race after the
				// pre-check passed.
				return &models.IngestResult{
					Status: models.IngestConflict,
					Detail: fmt.Sprintf("ticket %s already exists", t.Token),
				}
			}
			slog.Error("webhook ticket insert failed", "token", t.Token, "error", err)
			return &models.IngestResult{Status: models.IngestStorageFail}
		}
		created = append(created, *saved)
	}

	slog.Info("webhook tickets ingested", "count", len(created), "source", sourceKey)
	return &models.IngestResult{Status: models.IngestCreated, Created: created}
}

// checkPayment cross-checks the delivery's payment reference with the
// provider. Advisory only: a down or disagreeing provider is logged, the
// ticket is stored either way.
func (s *WebhookService) checkPayment(ctx context.Context, t *models.Ticket) {
	res, err := s.payBreaker.Execute(ctx, func() (any, error) {
		return s.payments.Lookup(ctx, t.PaymentRef)
	})
	if err != nil {
		slog.Warn("payment reference unverified", "token", t.Token, "ref", t.PaymentRef, "error", err)
		return
	}
	ref := res.(*payments.Reference)
	if ref.Amount != "" {
		if amt, perr := decimal.NewFromString(ref.Amount); perr == nil && !amt.Equal(t.Price) {
			slog.Warn("payment amount mismatch",
				"token", t.Token, "ref", t.PaymentRef,
				"ticket_price", t.Price, "settled_amount", amt,
			)
		}
	}
	if ref.Status != "" && ref.Status != "settled" && ref.Status != "succeeded" {
		slog.Warn("payment reference not settled", "token", t.Token, "ref", t.PaymentRef, "status", ref.Status)
	}
}
