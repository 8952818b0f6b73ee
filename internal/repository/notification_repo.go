package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/notifyops/notify-core/internal/domain"
)

type ListParams struct {
	Tenant   string
	Status   *domain.Status
	Channel  *domain.Channel
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// TerminalUpdate is the final write applied when a notification reaches a
// terminal status.
type TerminalUpdate struct {
	Status      domain.Status
	Outcomes    map[domain.Channel]domain.ChannelOutcome
	ErrorKind   string
	ErrorDetail string
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.QueuedNotification) error
	GetByID(ctx context.Context, id string) (*domain.QueuedNotification, error)
	List(ctx context.Context, params ListParams) ([]domain.QueuedNotification, int64, error)
	Cancel(ctx context.Context, id string) error
	LockForSending(ctx context.Context, id string) (*domain.QueuedNotification, error)
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, outcomes map[domain.Channel]domain.ChannelOutcome, errorKind, errorDetail string) error
	MarkTerminal(ctx context.Context, id string, update TerminalUpdate) error
	ClaimDueForRetry(ctx context.Context, limit int, leaseFor time.Duration) ([]domain.QueuedNotification, error)
	GetDueForSchedule(ctx context.Context, limit int) ([]domain.QueuedNotification, error)
	MarkQueuedIfAccepted(ctx context.Context, id string) error
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

type GormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db, now: time.Now}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.QueuedNotification) error {
	model, err := queuedModelFromDomain(n)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		restored, convErr := queuedModelToDomain(model)
		if convErr != nil {
			return convErr
		}
		*n = *restored
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.QueuedNotification, error) {
	var model QueuedNotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return queuedModelToDomain(&model)
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.QueuedNotification, int64, error) {
	query := r.db.WithContext(ctx).Model(&QueuedNotificationModel{})

	if params.Tenant != "" {
		query = query.Where("tenant = ?", params.Tenant)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channels @> ?", fmt.Sprintf("[%q]", params.Channel.String()))
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []QueuedNotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.QueuedNotification, 0, len(models))
	for i := range models {
		n, convErr := queuedModelToDomain(&models[i])
		if convErr != nil {
			return nil, 0, convErr
		}
		notifications = append(notifications, *n)
	}

	return notifications, total, nil
}

func (r *GormNotificationRepo) Cancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&QueuedNotificationModel{}).
		Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusAccepted, domain.StatusQueued}).
		Update("status", domain.StatusCanceled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// sendLease bounds how long a SENDING claim may go unresolved before the row
// becomes reclaimable again.
const sendLease = 5 * time.Minute

// sendClaimHeld reports whether a SENDING row still belongs to a live worker.
// An expired or missing lease means the claimant died mid-attempt and the row
// may be taken over.
func sendClaimHeld(model *QueuedNotificationModel, now time.Time) bool {
	if model.Status != domain.StatusSending {
		return false
	}
	return model.LeaseExpiresAt != nil && model.LeaseExpiresAt.After(now)
}

// LockForSending claims a notification for one dispatch attempt. Returns nil
// without error when the record has already reached a terminal state or is
// being sent elsewhere.
func (r *GormNotificationRepo) LockForSending(ctx context.Context, id string) (*domain.QueuedNotification, error) {
	var claimed *domain.QueuedNotification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model QueuedNotificationModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		now := r.now().UTC()
		if model.Status.IsTerminal() || sendClaimHeld(&model, now) {
			return nil
		}

		leaseUntil := now.Add(sendLease)
		updates := map[string]any{
			"status":           domain.StatusSending,
			"attempts":         gorm.Expr("attempts + 1"),
			"lease_expires_at": leaseUntil,
		}
		if err := tx.Model(&QueuedNotificationModel{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return err
		}

		model.Status = domain.StatusSending
		model.Attempts++
		model.LeaseExpiresAt = &leaseUntil

		claimed, err = queuedModelToDomain(&model)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ScheduleRetry moves a notification back to QUEUED with the next attempt
// time, releasing any lease. Outcomes carry the channels already delivered so
// the next attempt skips them.
func (r *GormNotificationRepo) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, outcomes map[domain.Channel]domain.ChannelOutcome, errorKind, errorDetail string) error {
	updates := map[string]any{
		"status":            domain.StatusQueued,
		"next_attempt_at":   nextAttemptAt,
		"lease_expires_at":  nil,
		"last_error_kind":   errorKind,
		"last_error_detail": errorDetail,
	}
	if outcomes != nil {
		encoded, err := json.Marshal(outcomes)
		if err != nil {
			return fmt.Errorf("marshal channel outcomes: %w", err)
		}
		updates["channel_outcomes"] = encoded
	}

	result := r.db.WithContext(ctx).
		Model(&QueuedNotificationModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormNotificationRepo) MarkTerminal(ctx context.Context, id string, update TerminalUpdate) error {
	if !update.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", domain.ErrValidation, update.Status)
	}

	updates := map[string]any{
		"status":            update.Status,
		"next_attempt_at":   nil,
		"lease_expires_at":  nil,
		"last_error_kind":   update.ErrorKind,
		"last_error_detail": update.ErrorDetail,
	}
	if update.Outcomes != nil {
		outcomes, err := json.Marshal(update.Outcomes)
		if err != nil {
			return fmt.Errorf("marshal channel outcomes: %w", err)
		}
		updates["channel_outcomes"] = outcomes
	}

	result := r.db.WithContext(ctx).
		Model(&QueuedNotificationModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimDueForRetry leases due retries so that concurrent scanners never
// double-claim. Rows whose lease has expired are reclaimed, including SENDING
// rows abandoned by a crashed worker.
func (r *GormNotificationRepo) ClaimDueForRetry(ctx context.Context, limit int, leaseFor time.Duration) ([]domain.QueuedNotification, error) {
	if limit < 1 {
		limit = 100
	}

	now := r.now().UTC()
	leaseUntil := now.Add(leaseFor)

	var claimed []domain.QueuedNotification
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []QueuedNotificationModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND next_attempt_at <= ?) OR (status IN ? AND lease_expires_at <= ?)",
				domain.StatusQueued, now, []domain.Status{domain.StatusLeased, domain.StatusSending}, now).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}

		ids := make([]string, 0, len(models))
		for i := range models {
			ids = append(ids, models[i].ID)
		}

		if err := tx.Model(&QueuedNotificationModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":           domain.StatusLeased,
				"lease_expires_at": leaseUntil,
			}).Error; err != nil {
			return err
		}

		claimed = make([]domain.QueuedNotification, 0, len(models))
		for i := range models {
			models[i].Status = domain.StatusLeased
			models[i].LeaseExpiresAt = &leaseUntil
			n, convErr := queuedModelToDomain(&models[i])
			if convErr != nil {
				return convErr
			}
			claimed = append(claimed, *n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetDueForSchedule lists accepted notifications whose scheduledAt has
// arrived.
func (r *GormNotificationRepo) GetDueForSchedule(ctx context.Context, limit int) ([]domain.QueuedNotification, error) {
	if limit < 1 {
		limit = 100
	}

	var models []QueuedNotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.StatusAccepted, r.now().UTC()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.QueuedNotification, 0, len(models))
	for i := range models {
		n, convErr := queuedModelToDomain(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		notifications = append(notifications, *n)
	}
	return notifications, nil
}

// MarkQueuedIfAccepted flips ACCEPTED to QUEUED; a canceled row stays
// canceled.
func (r *GormNotificationRepo) MarkQueuedIfAccepted(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&QueuedNotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusAccepted).
		Update("status", domain.StatusQueued)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// PurgeTerminal deletes terminal rows past the retention window, bounded per
// call so the purge never monopolizes the table.
func (r *GormNotificationRepo) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit < 1 {
		limit = 500
	}

	result := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.
			Model(&QueuedNotificationModel{}).
			Select("id").
			Where("status IN ? AND updated_at < ?", []domain.Status{
				domain.StatusDelivered, domain.StatusPartial, domain.StatusFailed, domain.StatusCanceled,
			}, olderThan).
			Limit(limit)).
		Delete(&QueuedNotificationModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
