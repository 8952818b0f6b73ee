package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/notifyops/notify-core/internal/domain"
)

// AuditRepository persists immutable override audit rows.
type AuditRepository interface {
	CreateOverrideAudit(ctx context.Context, audit *domain.OverrideAudit) error
	ListByTenant(ctx context.Context, tenant string, limit int) ([]domain.OverrideAudit, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) CreateOverrideAudit(ctx context.Context, audit *domain.OverrideAudit) error {
	return r.db.WithContext(ctx).Create(auditModelFromDomain(audit)).Error
}

func (r *GormAuditRepo) ListByTenant(ctx context.Context, tenant string, limit int) ([]domain.OverrideAudit, error) {
	if limit < 1 {
		limit = 50
	}

	var models []OverrideAuditModel
	err := r.db.WithContext(ctx).
		Where("tenant = ?", tenant).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	audits := make([]domain.OverrideAudit, 0, len(models))
	for i := range models {
		audits = append(audits, domain.OverrideAudit{
			ID:            models[i].ID,
			Tenant:        models[i].Tenant,
			ServiceOrigin: models[i].ServiceOrigin,
			Actor:         models[i].Actor,
			Reason:        models[i].Reason,
			CorrelationID: models[i].CorrelationID,
			ExpiresAt:     models[i].ExpiresAt,
			CreatedAt:     models[i].CreatedAt,
		})
	}
	return audits, nil
}
