package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"club-ticketing/internal/status"
	"club-ticketing/models"
)

// TicketStore is the authoritative ticket state. The PocketBase-backed
// implementation is the single arbiter of admission ordering; everything
// else (cache, queue) is advisory.
type TicketStore interface {
	// Ping is a cheap liveness probe used to drive the breaker out of OPEN.
	Ping(ctx context.Context) error

	// FindByToken returns status.ErrTicketNotFound for unknown tokens.
	FindByToken(ctx context.Context, token string) (*models.Ticket, error)

	ListByEvent(ctx context.Context, eventID string) ([]*models.Ticket, error)

	// TransitionToScanned performs the atomic conditional issued->scanned
	// update. It returns false when the ticket was not in the issued state,
	// i.e. this caller lost the race or the ticket was already terminal.
	TransitionToScanned(ctx context.Context, token, operatorID, deviceID string, at time.Time) (bool, error)

	// InsertTicket returns status.ErrDuplicateTicket when the token exists.
	InsertTicket(ctx context.Context, t *models.Ticket) (*models.Ticket, error)

	AppendScanLog(ctx context.Context, entry *models.ScanLog) error
	ListScanLogs(ctx context.Context, eventID string, limit int) ([]*models.ScanLog, error)
}

// datetimeLayout matches the PocketBase text datetime format.
const datetimeLayout = "2006-01-02 15:04:05.000Z"

// PBTicketStore implements TicketStore on the embedded PocketBase app.
type PBTicketStore struct {
	app core.App
}

func NewPBTicketStore(app core.App) *PBTicketStore {
	return &PBTicketStore{app: app}
}

func (s *PBTicketStore) Ping(ctx context.Context) error {
	var one int
	err := s.app.DB().NewQuery("SELECT 1").WithContext(ctx).Row(&one)
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrDependency, err)
	}
	return nil
}

func (s *PBTicketStore) FindByToken(ctx context.Context, token string) (*models.Ticket, error) {
	record, err := s.app.FindFirstRecordByFilter(
		"tickets",
		"token = {:token}",
		dbx.Params{"token": token},
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrTicketNotFound
		}
		return nil, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}
	return recordToTicket(record), nil
}

func (s *PBTicketStore) ListByEvent(ctx context.Context, eventID string) ([]*models.Ticket, error) {
	records, err := s.app.FindRecordsByFilter(
		"tickets",
		"event_id = {:eventId}",
		"-created",
		-1,
		0,
		dbx.Params{"eventId": eventID},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	tickets := make([]*models.Ticket, 0, len(records))
	for _, record := range records {
		tickets = append(tickets, recordToTicket(record))
	}
	return tickets, nil
}

func (s *PBTicketStore) TransitionToScanned(ctx context.Context, token, operatorID, deviceID string, at time.Time) (bool, error) {
	// Single conditional UPDATE: exactly one concurrent caller can move the
	// ticket out of issued. No client-side read-then-write.
	result, err := s.app.DB().NewQuery(
		"UPDATE tickets SET status = {:to}, scanned_at = {:at}, scanned_by = {:operator}, scan_device = {:device} WHERE token = {:token} AND status = {:from}",
	).Bind(dbx.Params{
		"to":       string(models.StatusScanned),
		"at":       at.UTC().Format(datetimeLayout),
		"operator": operatorID,
		"device":   deviceID,
		"token":    token,
		"from":     string(models.StatusIssued),
	}).WithContext(ctx).Execute()
	if err != nil {
		return false, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}
	return rows == 1, nil
}

func (s *PBTicketStore) InsertTicket(ctx context.Context, t *models.Ticket) (*models.Ticket, error) {
	if _, err := s.FindByToken(ctx, t.Token); err == nil {
		return nil, status.ErrDuplicateTicket
	} else if !errors.Is(err, status.ErrTicketNotFound) {
		return nil, err
	}

	collection, err := s.app.FindCollectionByNameOrId("tickets")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	record := core.NewRecord(collection)
	record.Set("token", t.Token)
	record.Set("event_id", t.EventID)
	record.Set("ticket_type", t.TicketType)
	record.Set("holder_name", t.HolderName)
	record.Set("holder_email", t.HolderEmail)
	record.Set("price", t.Price.String())
	record.Set("payment_ref", t.PaymentRef)
	record.Set("signature", t.Signature)
	record.Set("status", string(t.Status))

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		// The unique token index may have raced with a concurrent insert.
		if _, ferr := s.FindByToken(ctx, t.Token); ferr == nil {
			return nil, status.ErrDuplicateTicket
		}
		return nil, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	saved := *t
	saved.ID = record.Id
	return &saved, nil
}

func (s *PBTicketStore) AppendScanLog(ctx context.Context, entry *models.ScanLog) error {
	collection, err := s.app.FindCollectionByNameOrId("scan_logs")
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	record := core.NewRecord(collection)
	record.Set("token", entry.Token)
	record.Set("event_id", entry.EventID)
	record.Set("operator_id", entry.OperatorID)
	record.Set("device_id", entry.DeviceID)
	record.Set("method", string(entry.Method))
	record.Set("outcome", string(entry.Outcome))
	record.Set("provisional", entry.Provisional)
	record.Set("scanned_at", entry.CreatedAt.UTC().Format(datetimeLayout))

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	entry.ID = record.Id
	return nil
}

func (s *PBTicketStore) ListScanLogs(ctx context.Context, eventID string, limit int) ([]*models.ScanLog, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.app.FindRecordsByFilter(
		"scan_logs",
		"event_id = {:eventId}",
		"-created",
		limit,
		0,
		dbx.Params{"eventId": eventID},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrDependency, err)
	}

	logs := make([]*models.ScanLog, 0, len(records))
	for _, record := range records {
		entry := &models.ScanLog{
			ID:          record.Id,
			Token:       record.GetString("token"),
			EventID:     record.GetString("event_id"),
			OperatorID:  record.GetString("operator_id"),
			DeviceID:    record.GetString("device_id"),
			Method:      models.ScanMethod(record.GetString("method")),
			Outcome:     models.ScanOutcome(record.GetString("outcome")),
			Provisional: record.GetBool("provisional"),
			CreatedAt:   record.GetDateTime("scanned_at").Time(),
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func recordToTicket(record *core.Record) *models.Ticket {
	price, err := decimal.NewFromString(record.GetString("price"))
	if err != nil {
		price = decimal.Zero
	}

	t := &models.Ticket{
		ID:          record.Id,
		Token:       record.GetString("token"),
		EventID:     record.GetString("event_id"),
		TicketType:  record.GetString("ticket_type"),
		HolderName:  record.GetString("holder_name"),
		HolderEmail: record.GetString("holder_email"),
		Price:       price,
		PaymentRef:  record.GetString("payment_ref"),
		Signature:   record.GetString("signature"),
		Status:      models.TicketStatus(record.GetString("status")),
		ScannedBy:   record.GetString("scanned_by"),
		ScanDevice:  record.GetString("scan_device"),
	}

	if scannedAt := record.GetDateTime("scanned_at").Time(); !scannedAt.IsZero() {
		t.ScannedAt = &scannedAt
	}
	return t
}
