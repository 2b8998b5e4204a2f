package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")

		collection.Fields.Add(
			&core.TextField{Name: "token", Required: true},
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "ticket_type", Required: true},
			&core.TextField{Name: "holder_name"},
			&core.TextField{Name: "holder_email"},
			&core.TextField{Name: "price"},
			&core.TextField{Name: "payment_ref"},
			&core.TextField{Name: "signature", Required: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"issued", "scanned", "used", "expired", "cancelled", "refunded"},
			},
			&core.DateField{Name: "scanned_at"},
			&core.TextField{Name: "scanned_by"},
			&core.TextField{Name: "scan_device"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		// The unique token index backs exactly-once admission and duplicate
		// rejection during webhook ingest.
		collection.AddIndex("idx_tickets_token", true, "token", "")
		collection.AddIndex("idx_tickets_event", false, "event_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
