package services

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"club-ticketing/internal/status"
	"club-ticketing/models"
	"club-ticketing/monitoring"
	"club-ticketing/security"
	"club-ticketing/utils"
)

type webhookFixture struct {
	svc      *WebhookService
	store    *memStore
	verifier *security.WebhookVerifier
	mock     redismock.ClientMock
}

func setupWebhook(t *testing.T, rateMax int) *webhookFixture {
	t.Helper()
	db, mock := redismock.NewClientMock()

	store := newMemStore()
	verifier := security.NewWebhookVerifier("hook-secret", db, 5*time.Minute, 10*time.Minute)
	signer := security.NewVerifier("scan-secret")
	limiter := security.NewRateLimiter(db, "webhook", rateMax, time.Minute, 10)
	breaker := utils.NewCircuitBreaker("payments", utils.Settings{})

	svc := NewWebhookService(store, verifier, signer, limiter, nil, breaker, monitoring.NewMonitor())
	return &webhookFixture{svc: svc, store: store, verifier: verifier, mock: mock}
}

// sign produces matching header values for a body.
func (f *webhookFixture) sign(body []byte) (sig, ts string) {
	ts = strconv.FormatInt(time.Now().Unix(), 10)
	return f.verifier.SignPayload(ts, body), ts
}

func (f *webhookFixture) expectGuard(sig string, fresh bool) {
	f.mock.ExpectSetNX("webhook:sig:"+sig, 1, 10*time.Minute).SetVal(fresh)
}

// expectLimiter matches one sliding-window script run leniently; the script
// arguments depend on the wall clock.
func (f *webhookFixture) expectLimiter(key string, count int64, allowed bool) {
	anyArgs := func(expected, actual []interface{}) error { return nil }
	windowKey := "rl:webhook:" + key

	res := []interface{}{int64(0), count}
	if allowed {
		res[0] = int64(1)
		res[1] = count + 1
	}
	// Placeholder script args keep the arg count equal so CustomMatch runs;
	// redismock compares lengths before consulting the custom matcher.
	f.mock.CustomMatch(anyArgs).ExpectEvalSha("", []string{windowKey}, 0, 0, 0, 0).SetVal(res)
}

func singleTicketBody(identifier string) []byte {
	return []byte(fmt.Sprintf(
		`{"identifier":%q,"event_name":"event-1","ticket_type":"vip","holder_name":"Ana","price":"45.00"}`,
		identifier,
	))
}

func TestWebhookService_Ingest_CreatesTicket(t *testing.T) {
	f := setupWebhook(t, 60)

	body := singleTicketBody("tok-1")
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")

	assert.Equal(t, models.IngestCreated, result.Status)
	require.Len(t, result.Created, 1)
	created := result.Created[0]
	assert.Equal(t, "tok-1", created.Token)
	assert.Equal(t, models.StatusIssued, created.Status)
	assert.Equal(t, "45", created.Price.String())

	// The stored signature is the exact companion MAC the scanners verify.
	scanner := security.NewVerifier("scan-secret")
	assert.True(t, scanner.VerifyToken(created.Token, created.Signature))

	stored, err := f.store.FindByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "event-1", stored.EventID)
}

func TestWebhookService_Ingest_BatchBody(t *testing.T) {
	f := setupWebhook(t, 60)

	body := []byte(`{"tickets":[
		{"identifier":"tok-1","event_name":"event-1","ticket_type":"standard"},
		{"identifier":"tok-2","event_name":"event-1","ticket_type":"vip"}
	]}`)
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")

	assert.Equal(t, models.IngestCreated, result.Status)
	assert.Len(t, result.Created, 2)
}

func TestWebhookService_Ingest_DuplicateIdentifierConflicts(t *testing.T) {
	f := setupWebhook(t, 60)

	// First delivery creates the ticket.
	body := singleTicketBody("tok-1")
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)
	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")
	require.Equal(t, models.IngestCreated, result.Status)

	// A distinct delivery reusing the identifier is rejected as a conflict
	// and nothing is stored.
	body2 := []byte(`{"identifier":"tok-1","event_name":"event-1","ticket_type":"standard"}`)
	sig2, ts2 := f.sign(body2)
	f.expectGuard(sig2, true)
	f.expectLimiter("1.2.3.4", 1, true)
	result = f.svc.Ingest(context.Background(), body2, sig2, ts2, "1.2.3.4")

	assert.Equal(t, models.IngestConflict, result.Status)
	assert.Empty(t, result.Created)

	// The original record is untouched.
	stored, err := f.store.FindByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "vip", stored.TicketType)
}

func TestWebhookService_Ingest_MidBatchDuplicateWritesNothing(t *testing.T) {
	f := setupWebhook(t, 60)

	_, err := f.store.InsertTicket(context.Background(), &models.Ticket{
		Token: "tok-dup", EventID: "event-1", TicketType: "vip", Status: models.StatusIssued,
	})
	require.NoError(t, err)

	// The duplicate sits behind a fresh entry; the conflict must not leave
	// the fresh entry stored.
	body := []byte(`{"tickets":[
		{"identifier":"tok-new","event_name":"event-1","ticket_type":"standard"},
		{"identifier":"tok-dup","event_name":"event-1","ticket_type":"vip"}
	]}`)
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")

	assert.Equal(t, models.IngestConflict, result.Status)
	assert.Empty(t, result.Created)

	_, err = f.store.FindByToken(context.Background(), "tok-new")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestWebhookService_Ingest_RepeatedIdentifierWithinBatch(t *testing.T) {
	f := setupWebhook(t, 60)

	body := []byte(`{"tickets":[
		{"identifier":"tok-1","event_name":"event-1","ticket_type":"standard"},
		{"identifier":"tok-1","event_name":"event-1","ticket_type":"vip"}
	]}`)
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")

	assert.Equal(t, models.IngestConflict, result.Status)
	assert.Empty(t, f.store.tickets)
}

func TestWebhookService_Ingest_BadSignatureUnauthorized(t *testing.T) {
	f := setupWebhook(t, 60)

	body := singleTicketBody("tok-1")
	_, ts := f.sign(body)

	result := f.svc.Ingest(context.Background(), body, "deadbeef", ts, "1.2.3.4")
	assert.Equal(t, models.IngestUnauthorized, result.Status)
	assert.Empty(t, f.store.tickets)
}

func TestWebhookService_Ingest_ReplayUnauthorized(t *testing.T) {
	f := setupWebhook(t, 60)

	body := singleTicketBody("tok-1")
	sig, ts := f.sign(body)
	f.expectGuard(sig, false)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")
	assert.Equal(t, models.IngestUnauthorized, result.Status)
}

func TestWebhookService_Ingest_InvalidEntryRejectsWholeBatch(t *testing.T) {
	f := setupWebhook(t, 60)

	// The second entry lacks required fields; the valid first entry must not
	// be written either.
	body := []byte(`{"tickets":[
		{"identifier":"tok-1","event_name":"event-1","ticket_type":"standard"},
		{"identifier":"tok-2"}
	]}`)
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")

	assert.Equal(t, models.IngestInvalid, result.Status)
	assert.Contains(t, result.Missing, "event_name")
	assert.Contains(t, result.Missing, "ticket_type")
	assert.Empty(t, f.store.tickets)
}

func TestWebhookService_Ingest_UnparsablePrice(t *testing.T) {
	f := setupWebhook(t, 60)

	body := []byte(`{"identifier":"tok-1","event_name":"event-1","ticket_type":"vip","price":"lots"}`)
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")
	assert.Equal(t, models.IngestInvalid, result.Status)
	assert.Empty(t, f.store.tickets)
}

func TestWebhookService_Ingest_EmptyBody(t *testing.T) {
	f := setupWebhook(t, 60)

	body := []byte(`{}`)
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")
	assert.Equal(t, models.IngestInvalid, result.Status)
}

func TestWebhookService_Ingest_RateLimited(t *testing.T) {
	f := setupWebhook(t, 2)

	body := singleTicketBody("tok-1")
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 2, false)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")
	assert.Equal(t, models.IngestRateLimited, result.Status)
	assert.Empty(t, f.store.tickets)
}

func TestWebhookService_Ingest_LimiterDownFailsOpen(t *testing.T) {
	f := setupWebhook(t, 60)

	body := singleTicketBody("tok-1")
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	anyArgs := func(expected, actual []interface{}) error { return nil }
	f.mock.CustomMatch(anyArgs).ExpectEvalSha("", []string{"rl:webhook:1.2.3.4"}, 0, 0, 0, 0).
		SetErr(fmt.Errorf("connection refused"))

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")

	// Throttling accuracy loses to availability for authenticated deliveries.
	assert.Equal(t, models.IngestCreated, result.Status)
}

func TestWebhookService_Ingest_StorageFailure(t *testing.T) {
	f := setupWebhook(t, 60)
	f.store.down = true

	body := singleTicketBody("tok-1")
	sig, ts := f.sign(body)
	f.expectGuard(sig, true)
	f.expectLimiter("1.2.3.4", 0, true)

	result := f.svc.Ingest(context.Background(), body, sig, ts, "1.2.3.4")
	assert.Equal(t, models.IngestStorageFail, result.Status)
}
