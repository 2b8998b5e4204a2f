package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("scan_logs")

		collection.Fields.Add(
			&core.TextField{Name: "token", Required: true},
			&core.TextField{Name: "event_id"},
			&core.TextField{Name: "operator_id"},
			&core.TextField{Name: "device_id"},
			&core.SelectField{
				Name:      "method",
				MaxSelect: 1,
				Values:    []string{"optical-code", "proximity-tag", "manual"},
			},
			&core.SelectField{
				Name:      "outcome",
				Required:  true,
				MaxSelect: 1,
				Values: []string{
					"accepted", "accepted_offline", "duplicate",
					"invalid", "not_found", "wrong_event", "denied",
				},
			},
			&core.BoolField{Name: "provisional"},
			&core.AutodateField{Name: "created", OnCreate: true},
		)

		collection.AddIndex("idx_scan_logs_token", false, "token", "")
		collection.AddIndex("idx_scan_logs_event", false, "event_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("scan_logs")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
