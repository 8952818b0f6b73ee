package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createQueuedNotificationsTable(),
		createDeliveryAttemptsTable(),
		createBudgetLedgerEntriesTable(),
		createOverrideAuditsTable(),
	})

	return m.Migrate()
}
