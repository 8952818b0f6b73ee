package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/notifyops/notify-core/internal/repository"
)

func createOverrideAuditsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_override_audits",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.OverrideAuditModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_override_audits_tenant_created ON override_audits (tenant, created_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.OverrideAuditModel{})
		},
	}
}
