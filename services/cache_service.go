package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"club-ticketing/internal/status"
	"club-ticketing/models"
)

const cacheTicketsKey = "cache:tickets"

// CacheService keeps the device-local ticket snapshot in a redis hash keyed
// by token. It is a read model for offline decisioning; the backend remains
// the only source of truth.
type CacheService struct {
	redis *redis.Client
	store TicketStore
	now   func() time.Time
}

func NewCacheService(rdb *redis.Client, store TicketStore) *CacheService {
	return &CacheService{
		redis: rdb,
		store: store,
		now:   time.Now,
	}
}

// SyncEvent pulls every ticket of an event from the backend into the local
// hash. Stale entries for the same tokens are overwritten; tokens no longer
// present upstream are left behind and age out with the hash.
func (c *CacheService) SyncEvent(ctx context.Context, eventID string) (int, error) {
	tickets, err := c.store.ListByEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("list tickets for sync: %w", err)
	}
	if len(tickets) == 0 {
		return 0, nil
	}

	syncedAt := c.now()
	fields := make(map[string]any, len(tickets))
	for _, t := range tickets {
		entry := models.CacheEntry{Ticket: *t, SyncedAt: syncedAt}
		raw, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("encode cache entry %s: %w", t.Token, err)
		}
		fields[t.Token] = raw
	}

	if err := c.redis.HSet(ctx, cacheTicketsKey, fields).Err(); err != nil {
		return 0, fmt.Errorf("%w: cache sync: %v", status.ErrDependency, err)
	}

	slog.Info("ticket cache synced", "event_id", eventID, "tickets", len(tickets))
	return len(tickets), nil
}

// Lookup returns the cached snapshot for a token, or ErrTicketNotFound when
// the token has never been synced to this device.
func (c *CacheService) Lookup(ctx context.Context, token string) (*models.CacheEntry, error) {
	raw, err := c.redis.HGet(ctx, cacheTicketsKey, token).Result()
	if err == redis.Nil {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cache lookup: %v", status.ErrDependency, err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", token, err)
	}
	return &entry, nil
}

// MarkScanned records a provisional local admission so a repeat offline scan
// of the same token is denied on this device. The next SyncEvent overwrites
// it with authoritative state.
func (c *CacheService) MarkScanned(ctx context.Context, token, operatorID, deviceID string, at time.Time) error {
	entry, err := c.Lookup(ctx, token)
	if err != nil {
		return err
	}

	entry.Ticket.Status = models.StatusScanned
	entry.Ticket.ScannedAt = &at
	entry.Ticket.ScannedBy = operatorID
	entry.Ticket.ScanDevice = deviceID

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", token, err)
	}
	if err := c.redis.HSet(ctx, cacheTicketsKey, token, raw).Err(); err != nil {
		return fmt.Errorf("%w: cache mark scanned: %v", status.ErrDependency, err)
	}
	return nil
}

// Size reports how many tickets the device currently holds locally.
func (c *CacheService) Size(ctx context.Context) (int64, error) {
	n, err := c.redis.HLen(ctx, cacheTicketsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: cache size: %v", status.ErrDependency, err)
	}
	return n, nil
}
