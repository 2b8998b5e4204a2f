package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"club-ticketing/internal/status"
)

// Verifier checks scan credential MACs. A credential is an opaque token plus
// a companion lowercase-hex HMAC-SHA256 signature computed with the shared
// scan secret. Verification fails closed: missing, empty, or malformed input
// is invalid, never an error.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the companion signature for a token. Webhook ingest uses it
// when storing newly issued tickets so the stored signature always matches
// what VerifyToken expects.
func (v *Verifier) Sign(token string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether signature is the exact lowercase-hex
// HMAC-SHA256 of token. Case-altered signatures are rejected.
func (v *Verifier) VerifyToken(token, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	expected := v.Sign(token)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// WebhookVerifier extends MAC verification for inbound webhooks with a
// freshness window and replay protection. Replay markers live in redis so a
// restarted process keeps rejecting signatures it has already accepted.
type WebhookVerifier struct {
	secret    []byte
	redis     *redis.Client
	freshness time.Duration
	guardTTL  time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewWebhookVerifier(secret string, redisClient *redis.Client, freshness, guardTTL time.Duration) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    []byte(secret),
		redis:     redisClient,
		freshness: freshness,
		guardTTL:  guardTTL,
		now:       time.Now,
	}
}

// SignPayload computes the webhook MAC over "<timestamp>.<body>" so the
// timestamp cannot be swapped without breaking the signature.
func (v *WebhookVerifier) SignPayload(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify validates signature and timestamp (unix seconds) for body.
// It returns status.ErrInvalidCredential (wrapped) for bad input and
// status.ErrDependency when the replay guard store is unreachable.
func (v *WebhookVerifier) Verify(ctx context.Context, body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature or timestamp", status.ErrInvalidCredential)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", status.ErrInvalidCredential)
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.freshness {
		return fmt.Errorf("%w: stale timestamp", status.ErrInvalidCredential)
	}

	expected := v.SignPayload(timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", status.ErrInvalidCredential)
	}

	// Reject an exact signature already seen within the guard window.
	guardKey := fmt.Sprintf("webhook:sig:%s", signature)
	fresh, err := v.redis.SetNX(ctx, guardKey, 1, v.guardTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: replay guard: %v", status.ErrDependency, err)
	}
	if !fresh {
		return fmt.Errorf("%w: replayed signature", status.ErrInvalidCredential)
	}

	return nil
}
