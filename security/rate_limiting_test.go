package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"club-ticketing/internal/status"
)

func setupRateLimiter(t *testing.T, max int, window time.Duration, at time.Time) (*RateLimiter, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	rl := NewRateLimiter(db, "scan", max, window, 10)
	rl.now = func() time.Time { return at }
	return rl, mock
}

// expectWindowCheck matches one run of the sliding-window script. count is
// the post-check count the script reports back.
func expectWindowCheck(mock redismock.ClientMock, key string, at time.Time, window time.Duration, max int, count int64, allowed bool) {
	res := []interface{}{int64(0), count}
	if allowed {
		res[0] = int64(1)
	}
	mock.ExpectEvalSha(slidingWindowScript.Hash(), []string{key},
		at.UnixMilli(), window.Milliseconds(), max, strconv.FormatInt(at.UnixNano(), 10)).
		SetVal(res)
}

func TestRateLimiter_Check_Allowed(t *testing.T) {
	at := time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC)
	rl, mock := setupRateLimiter(t, 3, 10*time.Second, at)

	expectWindowCheck(mock, "rl:scan:op-1", at, 10*time.Second, 3, 1, true)

	ok, err := rl.Check(context.Background(), "op-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Check_AtLimit(t *testing.T) {
	at := time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC)
	rl, mock := setupRateLimiter(t, 3, 10*time.Second, at)

	expectWindowCheck(mock, "rl:scan:op-1", at, 10*time.Second, 3, 3, false)

	ok, err := rl.Check(context.Background(), "op-1")
	assert.False(t, ok)

	var rlErr *status.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "op-1", rlErr.Key)
	assert.Equal(t, "scan", rlErr.Limiter)
	assert.Equal(t, 3, rlErr.Limit)
}

func TestRateLimiter_Check_WindowRollover(t *testing.T) {
	// Entries older than the window are pruned inside the script, so a later
	// check runs with the advanced cutoff and is allowed again.
	at := time.Date(2025, 8, 1, 22, 0, 30, 0, time.UTC)
	rl, mock := setupRateLimiter(t, 3, 10*time.Second, at)

	expectWindowCheck(mock, "rl:scan:op-1", at, 10*time.Second, 3, 3, true)

	ok, err := rl.Check(context.Background(), "op-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Check_StoreDown(t *testing.T) {
	at := time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC)
	rl, mock := setupRateLimiter(t, 3, 10*time.Second, at)

	mock.ExpectEvalSha(slidingWindowScript.Hash(), []string{"rl:scan:op-1"},
		at.UnixMilli(), (10 * time.Second).Milliseconds(), 3, strconv.FormatInt(at.UnixNano(), 10)).
		SetErr(fmt.Errorf("connection refused"))

	ok, err := rl.Check(context.Background(), "op-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, status.ErrDependency)

	var rlErr *status.RateLimitError
	assert.False(t, errors.As(err, &rlErr))
}

func TestRateLimiter_ViolationHistory_Bounded(t *testing.T) {
	at := time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC)
	rl, mock := setupRateLimiter(t, 1, 10*time.Second, at)

	for i := 0; i < 15; i++ {
		key := fmt.Sprintf("rl:scan:op-%d", i)
		expectWindowCheck(mock, key, at, 10*time.Second, 1, 1, false)
		ok, err := rl.Check(context.Background(), fmt.Sprintf("op-%d", i))
		assert.False(t, ok)
		assert.Error(t, err)
	}

	violations := rl.Violations()
	assert.Len(t, violations, 10)
	// Oldest entries were evicted.
	assert.Equal(t, "op-5", violations[0].Key)
	assert.Equal(t, "op-14", violations[9].Key)
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	at := time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC)
	rl, mock := setupRateLimiter(t, 3, 10*time.Second, at)

	expectWindowCheck(mock, "rl:scan:op-1", at, 10*time.Second, 3, 3, false)
	expectWindowCheck(mock, "rl:scan:op-2", at, 10*time.Second, 3, 1, true)

	ok, err := rl.Check(context.Background(), "op-1")
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = rl.Check(context.Background(), "op-2")
	require.NoError(t, err)
	assert.True(t, ok)
}
