package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/policy"
)

// LedgerRepository appends cost entries and answers the governor's monthly
// spend queries. Entries are append-only; the only delete path is the
// retention purge.
type LedgerRepository interface {
	Append(ctx context.Context, entry *domain.BudgetLedgerEntry) error
	MonthlyTotal(ctx context.Context, tenant, serviceOrigin string, channel domain.Channel, monthStart time.Time) (float64, error)
	PurgeBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

type GormLedgerRepo struct {
	db *gorm.DB
}

func NewGormLedgerRepo(db *gorm.DB) *GormLedgerRepo {
	return &GormLedgerRepo{db: db}
}

func (r *GormLedgerRepo) Append(ctx context.Context, entry *domain.BudgetLedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(ledgerModelFromDomain(entry)).Error
}

func (r *GormLedgerRepo) MonthlyTotal(ctx context.Context, tenant, serviceOrigin string, channel domain.Channel, monthStart time.Time) (float64, error) {
	query := r.db.WithContext(ctx).
		Model(&BudgetLedgerEntryModel{}).
		Where("tenant = ? AND channel = ? AND occurred_at >= ?", tenant, channel, monthStart)
	if serviceOrigin != "" && serviceOrigin != policy.Wildcard {
		query = query.Where("service_origin = ?", serviceOrigin)
	}

	var total *float64
	if err := query.Select("SUM(total_cost)").Scan(&total).Error; err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

func (r *GormLedgerRepo) PurgeBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("occurred_at < ?", olderThan).
		Delete(&BudgetLedgerEntryModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
