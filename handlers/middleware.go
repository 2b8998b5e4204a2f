package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/core"

	"club-ticketing/internal/status"
	"club-ticketing/monitoring"
	"club-ticketing/security"
)

// RequestLimits throttles the general request surface per client IP. Scan and
// webhook endpoints carry their own limiters and are skipped here.
type RequestLimits struct {
	API     *security.RateLimiter
	Auth    *security.RateLimiter
	Order   *security.RateLimiter
	Monitor *monitoring.Monitor
}

func (rl *RequestLimits) limiterFor(r *http.Request) *security.RateLimiter {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/scan"),
		strings.HasPrefix(path, "/api/v1/webhooks"):
		return nil
	case strings.Contains(path, "auth-with-password"),
		strings.Contains(path, "auth-refresh"):
		return rl.Auth
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/api/collections/orders"):
		return rl.Order
	case strings.HasPrefix(path, "/api/"):
		return rl.API
	}
	return nil
}

// Middleware is bound on the router ahead of the route handlers. A limiter
// store failure fails open.
func (rl *RequestLimits) Middleware(e *core.RequestEvent) error {
	limiter := rl.limiterFor(e.Request)
	if limiter == nil {
		return e.Next()
	}

	ok, err := limiter.Check(e.Request.Context(), clientIP(e.Request))
	if err != nil {
		var rlErr *status.RateLimitError
		if errors.As(err, &rlErr) {
			rl.Monitor.TrackRateLimitViolation(limiter.Name())
			return e.JSON(http.StatusTooManyRequests, map[string]any{
				"error": "rate limit exceeded",
				"limit": rlErr.Limit,
			})
		}
		return e.Next()
	}
	if !ok {
		rl.Monitor.TrackRateLimitViolation(limiter.Name())
		return e.JSON(http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
	}
	return e.Next()
}
