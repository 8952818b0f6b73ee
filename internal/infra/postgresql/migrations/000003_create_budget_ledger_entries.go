package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/notifyops/notify-core/internal/repository"
)

func createBudgetLedgerEntriesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_budget_ledger_entries",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BudgetLedgerEntryModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_ledger_tenant_channel_occurred ON budget_ledger_entries (tenant, channel, occurred_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BudgetLedgerEntryModel{})
		},
	}
}
