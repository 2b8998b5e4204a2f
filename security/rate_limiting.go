package security

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"club-ticketing/internal/status"
)

// Violation records one denied request. A bounded history is kept in memory
// per limiter for the admin dashboard.
type Violation struct {
	Key     string    `json:"key"`
	Limiter string    `json:"limiter"`
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	At      time.Time `json:"at"`
}

// slidingWindowScript prunes, counts, and records one request in a single
// atomic step, so concurrent checks on the same key cannot exceed the limit.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local max = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
	local count = redis.call('ZCARD', key)
	if count >= max then
		return { 0, count }
	end
	redis.call('ZADD', key, now_ms, member)
	redis.call('PEXPIRE', key, window_ms)
	return { 1, count + 1 }
`)

// RateLimiter is a sliding-window counter per key, backed by a redis sorted
// set of request timestamps. Independently configured instances exist for
// order creation, general API, authentication, scanning, and webhooks.
type RateLimiter struct {
	redis  *redis.Client
	name   string
	max    int
	window time.Duration

	mu         sync.Mutex
	violations []Violation
	historyMax int

	// now is swappable in tests.
	now func() time.Time
}

func NewRateLimiter(redisClient *redis.Client, name string, max int, window time.Duration, historyMax int) *RateLimiter {
	if historyMax <= 0 {
		historyMax = 100
	}
	return &RateLimiter{
		redis:      redisClient,
		name:       name,
		max:        max,
		window:     window,
		historyMax: historyMax,
		now:        time.Now,
	}
}

func (r *RateLimiter) Name() string { return r.name }

// Check counts the request against key's window and reports whether it is
// allowed. A denial records a Violation and returns a *status.RateLimitError
// so callers can report throttling distinctly from validation failures.
func (r *RateLimiter) Check(ctx context.Context, key string) (bool, error) {
	now := r.now()
	windowKey := fmt.Sprintf("rl:%s:%s", r.name, key)
	member := strconv.FormatInt(now.UnixNano(), 10)

	vals, err := slidingWindowScript.Run(ctx, r.redis, []string{windowKey},
		now.UnixMilli(), r.window.Milliseconds(), r.max, member).Result()
	if err != nil {
		return false, fmt.Errorf("%w: rate window: %v", status.ErrDependency, err)
	}

	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		return false, fmt.Errorf("%w: rate window: unexpected script result %#v", status.ErrDependency, vals)
	}
	allowed := asInt64(arr[0]) == 1
	count := int(asInt64(arr[1]))

	if !allowed {
		r.recordViolation(key, count+1, now)
		return false, &status.RateLimitError{
			Key:     key,
			Limiter: r.name,
			Limit:   r.max,
			Window:  r.window,
		}
	}
	return true, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func (r *RateLimiter) recordViolation(key string, count int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.violations = append(r.violations, Violation{
		Key:     key,
		Limiter: r.name,
		Count:   count,
		Limit:   r.max,
		At:      at,
	})
	if len(r.violations) > r.historyMax {
		r.violations = r.violations[len(r.violations)-r.historyMax:]
	}
}

// Violations returns a copy of the bounded violation history.
func (r *RateLimiter) Violations() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Violation, len(r.violations))
	copy(out, r.violations)
	return out
}
