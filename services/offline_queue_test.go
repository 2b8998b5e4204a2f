package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"club-ticketing/internal/status"
	"club-ticketing/models"
)

func queueScan(seq int64, token string) models.PendingScan {
	return models.PendingScan{
		Seq:        seq,
		Token:      token,
		EventID:    "event-1",
		OperatorID: "op-1",
		DeviceID:   "door-a",
		Method:     models.MethodOptical,
		ScannedAt:  time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC),
		Status:     models.ReplayPending,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestOfflineQueue_Enqueue_AssignsSequence(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	scan := queueScan(0, "tok-1")
	stored := scan
	stored.Seq = 4

	mock.ExpectIncr("offline:seq").SetVal(4)
	mock.ExpectZAdd("offline:pending", redis.Z{
		Score:  4,
		Member: mustJSON(t, stored),
	}).SetVal(1)

	seq, err := q.Enqueue(context.Background(), scan)
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOfflineQueue_Enqueue_StoreDown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	mock.ExpectIncr("offline:seq").SetErr(fmt.Errorf("connection refused"))

	_, err := q.Enqueue(context.Background(), queueScan(0, "tok-1"))
	assert.ErrorIs(t, err, status.ErrDependency)
}

func TestOfflineQueue_Pending_InOrder(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	scan1 := queueScan(1, "tok-1")
	scan2 := queueScan(2, "tok-2")
	mock.ExpectZRangeByScore("offline:pending", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).
		SetVal([]string{string(mustJSON(t, scan1)), string(mustJSON(t, scan2))})

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(1), pending[0].Seq)
	assert.Equal(t, "tok-2", pending[1].Token)
}

func TestOfflineQueue_Replay_ConfirmsInOrder(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	scan1 := queueScan(1, "tok-1")
	scan2 := queueScan(2, "tok-2")
	mock.ExpectZRangeByScore("offline:pending", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).
		SetVal([]string{string(mustJSON(t, scan1)), string(mustJSON(t, scan2))})
	mock.ExpectZRem("offline:pending", string(mustJSON(t, scan1))).SetVal(1)
	mock.ExpectZRem("offline:pending", string(mustJSON(t, scan2))).SetVal(1)

	var replayed []string
	report, err := q.Replay(context.Background(), func(ctx context.Context, p models.PendingScan) (*models.AdmissionResult, error) {
		replayed = append(replayed, p.Token)
		return &models.AdmissionResult{Outcome: models.OutcomeAccepted, State: models.StateConfirmed}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tok-1", "tok-2"}, replayed)
	assert.Equal(t, 2, report.Confirmed)
	assert.Zero(t, report.Conflicted)
	assert.Zero(t, report.Remaining)

	// Each processed entry comes back with its settled replay status.
	require.Len(t, report.Scans, 2)
	assert.Equal(t, models.ReplayConfirmed, report.Scans[0].Status)
	assert.Equal(t, models.ReplayConfirmed, report.Scans[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOfflineQueue_Replay_MovesConflictToReviewSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)
	detectedAt := time.Date(2025, 8, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return detectedAt }

	scan := queueScan(5, "tok-1")
	mock.ExpectZRangeByScore("offline:pending", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).
		SetVal([]string{string(mustJSON(t, scan))})

	conflicted := scan
	conflicted.Status = models.ReplayConflicted
	rec := models.ConflictRecord{
		Pending: conflicted,
		Authoritative: &models.PriorAdmission{
			OperatorID: "op-other",
			DeviceID:   "door-b",
			ScannedAt:  time.Date(2025, 8, 1, 21, 0, 0, 0, time.UTC),
		},
		DetectedAt: detectedAt,
	}
	mock.ExpectHSet("offline:conflicted", "5", mustJSON(t, rec)).SetVal(1)
	mock.ExpectZRem("offline:pending", string(mustJSON(t, scan))).SetVal(1)

	var published []models.ConflictRecord
	q.NotifyConflicts(func(r models.ConflictRecord) { published = append(published, r) })

	report, err := q.Replay(context.Background(), func(ctx context.Context, p models.PendingScan) (*models.AdmissionResult, error) {
		return nil, &status.QueueConflictError{
			Seq:   p.Seq,
			Token: p.Token,
			Authoritative: &status.StateConflictError{
				Status:     string(models.StatusScanned),
				OperatorID: "op-other",
				DeviceID:   "door-b",
				ScannedAt:  time.Date(2025, 8, 1, 21, 0, 0, 0, time.UTC),
				HasPrior:   true,
			},
		}
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Conflicted)
	assert.Zero(t, report.Confirmed)
	require.Len(t, report.Scans, 1)
	assert.Equal(t, models.ReplayConflicted, report.Scans[0].Status)

	// The stored record was also pushed to the registered listener.
	require.Len(t, published, 1)
	assert.Equal(t, int64(5), published[0].Pending.Seq)
	require.NotNil(t, published[0].Authoritative)
	assert.Equal(t, "op-other", published[0].Authoritative.OperatorID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOfflineQueue_Replay_HaltsOnDependencyFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	scan1 := queueScan(1, "tok-1")
	scan2 := queueScan(2, "tok-2")
	mock.ExpectZRangeByScore("offline:pending", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).
		SetVal([]string{string(mustJSON(t, scan1)), string(mustJSON(t, scan2))})
	mock.ExpectZRem("offline:pending", string(mustJSON(t, scan1))).SetVal(1)

	calls := 0
	report, err := q.Replay(context.Background(), func(ctx context.Context, p models.PendingScan) (*models.AdmissionResult, error) {
		calls++
		if calls == 1 {
			return &models.AdmissionResult{Outcome: models.OutcomeAccepted}, nil
		}
		return nil, fmt.Errorf("%w: backend unreachable", status.ErrDependency)
	})

	// The first scan was confirmed and removed; the second stays queued for
	// the next drain.
	require.Error(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, report.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOfflineQueue_Conflicts_SortedBySequence(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	rec3 := models.ConflictRecord{Pending: queueScan(3, "tok-3")}
	rec1 := models.ConflictRecord{Pending: queueScan(1, "tok-1")}
	mock.ExpectHGetAll("offline:conflicted").SetVal(map[string]string{
		"3": string(mustJSON(t, rec3)),
		"1": string(mustJSON(t, rec1)),
	})

	records, err := q.Conflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Pending.Seq)
	assert.Equal(t, int64(3), records[1].Pending.Seq)
}

func TestOfflineQueue_ResolveConflict(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewOfflineQueue(db)

	mock.ExpectHDel("offline:conflicted", "5").SetVal(1)
	require.NoError(t, q.ResolveConflict(context.Background(), 5))

	mock.ExpectHDel("offline:conflicted", "9").SetVal(0)
	assert.Error(t, q.ResolveConflict(context.Background(), 9))
}
