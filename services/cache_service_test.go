package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"club-ticketing/internal/status"
	"club-ticketing/models"
)

func TestCacheService_SyncEvent_WritesSnapshot(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := newMemStore()
	cache := NewCacheService(db, store)
	syncedAt := time.Date(2025, 8, 1, 18, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return syncedAt }

	ticket := &models.Ticket{
		ID:      "rec-1",
		Token:   "tok-1",
		EventID: "event-1",
		Status:  models.StatusIssued,
	}
	store.put(ticket)

	entry := models.CacheEntry{Ticket: *ticket, SyncedAt: syncedAt}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	mock.ExpectHSet("cache:tickets", map[string]any{"tok-1": raw}).SetVal(1)

	n, err := cache.SyncEvent(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheService_SyncEvent_NoTickets(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCacheService(db, newMemStore())

	n, err := cache.SyncEvent(context.Background(), "event-empty")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheService_Lookup_Hit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCacheService(db, newMemStore())

	entry := models.CacheEntry{
		Ticket:   models.Ticket{Token: "tok-1", EventID: "event-1", Status: models.StatusIssued},
		SyncedAt: time.Date(2025, 8, 1, 18, 0, 0, 0, time.UTC),
	}
	raw, _ := json.Marshal(entry)
	mock.ExpectHGet("cache:tickets", "tok-1").SetVal(string(raw))

	got, err := cache.Lookup(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "event-1", got.Ticket.EventID)
	assert.Equal(t, entry.SyncedAt, got.SyncedAt)
}

func TestCacheService_Lookup_Miss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCacheService(db, newMemStore())

	mock.ExpectHGet("cache:tickets", "tok-ghost").RedisNil()

	_, err := cache.Lookup(context.Background(), "tok-ghost")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestCacheService_Lookup_StoreDown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCacheService(db, newMemStore())

	mock.ExpectHGet("cache:tickets", "tok-1").SetErr(fmt.Errorf("connection refused"))

	_, err := cache.Lookup(context.Background(), "tok-1")
	assert.ErrorIs(t, err, status.ErrDependency)
}

func TestCacheService_MarkScanned(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCacheService(db, newMemStore())

	entry := models.CacheEntry{
		Ticket:   models.Ticket{Token: "tok-1", EventID: "event-1", Status: models.StatusIssued},
		SyncedAt: time.Date(2025, 8, 1, 18, 0, 0, 0, time.UTC),
	}
	raw, _ := json.Marshal(entry)
	mock.ExpectHGet("cache:tickets", "tok-1").SetVal(string(raw))

	scannedAt := time.Date(2025, 8, 1, 22, 0, 0, 0, time.UTC)
	updated := entry
	updated.Ticket.Status = models.StatusScanned
	updated.Ticket.ScannedAt = &scannedAt
	updated.Ticket.ScannedBy = "op-1"
	updated.Ticket.ScanDevice = "door-a"
	updatedRaw, _ := json.Marshal(updated)
	mock.ExpectHSet("cache:tickets", "tok-1", updatedRaw).SetVal(0)

	err := cache.MarkScanned(context.Background(), "tok-1", "op-1", "door-a", scannedAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
