package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/notifyops/notify-core/internal/repository"
)

func createQueuedNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_queued_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.QueuedNotificationModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_tenant_idempotency ON queued_notifications (tenant, idempotency_key)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_status_created ON queued_notifications (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_retry_due ON queued_notifications (next_attempt_at) WHERE status = 'QUEUED'`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_lease_due ON queued_notifications (lease_expires_at) WHERE status = 'LEASED'`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_scheduled_due ON queued_notifications (scheduled_at) WHERE status = 'ACCEPTED' AND scheduled_at IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_correlation_id ON queued_notifications (correlation_id)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.QueuedNotificationModel{})
		},
	}
}
