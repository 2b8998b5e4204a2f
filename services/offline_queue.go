package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"club-ticketing/internal/status"
	"club-ticketing/models"
)

const (
	offlineSeqKey        = "offline:seq"
	offlinePendingKey    = "offline:pending"
	offlineConflictedKey = "offline:conflicted"
)

// ReplayFunc re-runs a single queued admission against the backend. A
// *status.QueueConflictError moves the scan to the conflicted set; any other
// error aborts the drain so a later replay can resume from the same point.
type ReplayFunc func(ctx context.Context, pending models.PendingScan) (*models.AdmissionResult, error)

// OfflineQueue persists provisional admissions in a redis sorted set ordered
// by a monotonic sequence number, so replay happens in original scan order
// and survives device restarts.
type OfflineQueue struct {
	redis *redis.Client

	// onConflict, when set, is invoked after a conflicted scan has been
	// persisted for review.
	onConflict func(models.ConflictRecord)

	// now is swappable in tests.
	now func() time.Time
}

func NewOfflineQueue(rdb *redis.Client) *OfflineQueue {
	return &OfflineQueue{redis: rdb, now: time.Now}
}

// NotifyConflicts registers a callback fired for every replay conflict, after
// the record is stored.
func (q *OfflineQueue) NotifyConflicts(fn func(models.ConflictRecord)) {
	q.onConflict = fn
}

// Enqueue assigns the scan its sequence number and persists it. The returned
// sequence identifies the entry for the life of the queue.
func (q *OfflineQueue) Enqueue(ctx context.Context, scan models.PendingScan) (int64, error) {
	seq, err := q.redis.Incr(ctx, offlineSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: queue seq: %v", status.ErrDependency, err)
	}
	scan.Seq = seq
	scan.Status = models.ReplayPending

	raw, err := json.Marshal(scan)
	if err != nil {
		return 0, fmt.Errorf("encode pending scan: %w", err)
	}

	err = q.redis.ZAdd(ctx, offlinePendingKey, redis.Z{
		Score:  float64(seq),
		Member: raw,
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("%w: queue enqueue: %v", status.ErrDependency, err)
	}

	slog.Info("offline scan queued", "seq", seq, "token", scan.Token, "device", scan.DeviceID)
	return seq, nil
}

// Pending returns every queued scan in sequence order.
func (q *OfflineQueue) Pending(ctx context.Context) ([]models.PendingScan, error) {
	raws, err := q.redis.ZRangeByScore(ctx, offlinePendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: queue pending: %v", status.ErrDependency, err)
	}

	scans := make([]models.PendingScan, 0, len(raws))
	for _, raw := range raws {
		var scan models.PendingScan
		if err := json.Unmarshal([]byte(raw), &scan); err != nil {
			return nil, fmt.Errorf("decode pending scan: %w", err)
		}
		scans = append(scans, scan)
	}
	return scans, nil
}

// Depth reports how many scans await replay.
func (q *OfflineQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.redis.ZCard(ctx, offlinePendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: queue depth: %v", status.ErrDependency, err)
	}
	return n, nil
}

// Replay drains the queue in order through admit. An entry is removed only
// after admit has confirmed or conflicted it, so a crash mid-drain re-replays
// rather than loses scans; the backend's conditional transition makes the
// repeat harmless.
func (q *OfflineQueue) Replay(ctx context.Context, admit ReplayFunc) (*models.ReplayReport, error) {
	raws, err := q.redis.ZRangeByScore(ctx, offlinePendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: queue pending: %v", status.ErrDependency, err)
	}

	report := &models.ReplayReport{Remaining: len(raws)}
	for _, raw := range raws {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		var scan models.PendingScan
		if err := json.Unmarshal([]byte(raw), &scan); err != nil {
			return report, fmt.Errorf("decode pending scan: %w", err)
		}

		_, err := admit(ctx, scan)

		var conflict *status.QueueConflictError
		switch {
		case err == nil:
			scan.Status = models.ReplayConfirmed
			report.Confirmed++
		case errors.As(err, &conflict):
			scan.Status = models.ReplayConflicted
			if cerr := q.moveToConflicted(ctx, scan, conflict); cerr != nil {
				return report, cerr
			}
			report.Conflicted++
		default:
			// Backend still unreachable, or mid-failure. Stop here; everything
			// from this entry on stays queued.
			slog.Warn("replay halted", "seq", scan.Seq, "token", scan.Token, "error", err)
			return report, err
		}

		// The stored member bytes are the entry's identity; remove exactly
		// what was read.
		if err := q.remove(ctx, raw); err != nil {
			return report, err
		}
		report.Remaining--
		report.Scans = append(report.Scans, scan)
	}

	slog.Info("offline queue drained",
		"confirmed", report.Confirmed,
		"conflicted", report.Conflicted,
	)
	return report, nil
}

// Conflicts lists scans that diverged from authoritative state during replay
// and now need a human decision, in sequence order.
func (q *OfflineQueue) Conflicts(ctx context.Context) ([]models.ConflictRecord, error) {
	raws, err := q.redis.HGetAll(ctx, offlineConflictedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: queue conflicts: %v", status.ErrDependency, err)
	}

	records := make([]models.ConflictRecord, 0, len(raws))
	for _, raw := range raws {
		var rec models.ConflictRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode conflict record: %w", err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Pending.Seq < records[j].Pending.Seq
	})
	return records, nil
}

// ResolveConflict discharges a reviewed conflict record.
func (q *OfflineQueue) ResolveConflict(ctx context.Context, seq int64) error {
	n, err := q.redis.HDel(ctx, offlineConflictedKey, strconv.FormatInt(seq, 10)).Result()
	if err != nil {
		return fmt.Errorf("%w: resolve conflict: %v", status.ErrDependency, err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %d not found", seq)
	}
	return nil
}

func (q *OfflineQueue) moveToConflicted(ctx context.Context, scan models.PendingScan, conflict *status.QueueConflictError) error {
	rec := models.ConflictRecord{
		Pending:    scan,
		DetectedAt: q.now(),
	}
	if auth := conflict.Authoritative; auth != nil && auth.HasPrior {
		rec.Authoritative = &models.PriorAdmission{
			OperatorID: auth.OperatorID,
			DeviceID:   auth.DeviceID,
			ScannedAt:  auth.ScannedAt,
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conflict record: %w", err)
	}
	field := strconv.FormatInt(scan.Seq, 10)
	if err := q.redis.HSet(ctx, offlineConflictedKey, field, raw).Err(); err != nil {
		return fmt.Errorf("%w: store conflict: %v", status.ErrDependency, err)
	}

	slog.Warn("offline scan conflicted", "seq", scan.Seq, "token", scan.Token)
	if q.onConflict != nil {
		q.onConflict(rec)
	}
	return nil
}

func (q *OfflineQueue) remove(ctx context.Context, raw string) error {
	if err := q.redis.ZRem(ctx, offlinePendingKey, raw).Err(); err != nil {
		return fmt.Errorf("%w: queue remove: %v", status.ErrDependency, err)
	}
	return nil
}
