package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/notifyops/notify-core/internal/domain"
)

// QueuedNotificationModel is the persistence model for queued_notifications.
// Channels, payload, destinations and per-channel outcomes are stored as
// jsonb documents; the core never queries inside them.
type QueuedNotificationModel struct {
	ID              string          `gorm:"type:uuid;primaryKey"`
	Tenant          string          `gorm:"type:varchar(100);not null;index:idx_notifications_tenant"`
	ServiceOrigin   string          `gorm:"type:varchar(100);not null"`
	UserID          string          `gorm:"type:varchar(255)"`
	Channels        json.RawMessage `gorm:"type:jsonb;not null"`
	TemplateKey     string          `gorm:"type:varchar(255);not null"`
	Priority        domain.Priority `gorm:"type:varchar(10);not null"`
	CorrelationID   string          `gorm:"type:varchar(100)"`
	IdempotencyKey  string          `gorm:"type:varchar(255);not null"`
	Locale          string          `gorm:"type:varchar(20)"`
	Payload         json.RawMessage `gorm:"type:jsonb"`
	Destinations    json.RawMessage `gorm:"type:jsonb"`
	Status          domain.Status   `gorm:"type:varchar(20);not null;index:idx_notifications_status"`
	Attempts        int             `gorm:"not null;default:0"`
	MaxAttempts     int             `gorm:"not null;default:6"`
	ScheduledAt     *time.Time      `gorm:"type:timestamptz"`
	NextAttemptAt   *time.Time      `gorm:"type:timestamptz;index:idx_notifications_next_attempt"`
	LeaseExpiresAt  *time.Time      `gorm:"type:timestamptz"`
	LastErrorKind   string          `gorm:"type:varchar(50)"`
	LastErrorDetail string          `gorm:"type:text"`
	ChannelOutcomes json.RawMessage `gorm:"type:jsonb"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (QueuedNotificationModel) TableName() string {
	return "queued_notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string        `gorm:"type:uuid;primaryKey"`
	NotificationID string        `gorm:"type:uuid;not null;index:idx_attempts_notification"`
	AttemptNumber  int           `gorm:"not null"`
	Status         domain.Status `gorm:"type:varchar(20);not null"`
	ErrorKind      string        `gorm:"type:varchar(50)"`
	ErrorDetail    string        `gorm:"type:text"`
	CreatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// BudgetLedgerEntryModel is the persistence model for budget_ledger_entries.
type BudgetLedgerEntryModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	Tenant        string         `gorm:"type:varchar(100);not null;index:idx_ledger_tenant_month,priority:1"`
	ServiceOrigin string         `gorm:"type:varchar(100);not null"`
	Channel       domain.Channel `gorm:"type:varchar(10);not null"`
	Provider      string         `gorm:"type:varchar(100)"`
	UnitCost      float64        `gorm:"not null"`
	Units         int            `gorm:"not null"`
	TotalCost     float64        `gorm:"not null"`
	CorrelationID string         `gorm:"type:varchar(100)"`
	OccurredAt    time.Time      `gorm:"type:timestamptz;not null;index:idx_ledger_tenant_month,priority:2"`
}

func (BudgetLedgerEntryModel) TableName() string {
	return "budget_ledger_entries"
}

// OverrideAuditModel is the persistence model for override_audits.
type OverrideAuditModel struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	Tenant        string    `gorm:"type:varchar(100);not null"`
	ServiceOrigin string    `gorm:"type:varchar(100);not null"`
	Actor         string    `gorm:"type:varchar(255);not null"`
	Reason        string    `gorm:"type:text;not null"`
	CorrelationID string    `gorm:"type:varchar(100)"`
	ExpiresAt     time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt     time.Time
}

func (OverrideAuditModel) TableName() string {
	return "override_audits"
}

func queuedModelFromDomain(n *domain.QueuedNotification) (*QueuedNotificationModel, error) {
	if n == nil {
		return nil, nil
	}

	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return nil, fmt.Errorf("marshal channels: %w", err)
	}

	var payload json.RawMessage
	if n.Payload != nil {
		payload, err = json.Marshal(n.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	var destinations json.RawMessage
	if n.Destinations != nil {
		destinations, err = json.Marshal(n.Destinations)
		if err != nil {
			return nil, fmt.Errorf("marshal destinations: %w", err)
		}
	}

	var outcomes json.RawMessage
	if n.ChannelOutcomes != nil {
		outcomes, err = json.Marshal(n.ChannelOutcomes)
		if err != nil {
			return nil, fmt.Errorf("marshal channel outcomes: %w", err)
		}
	}

	return &QueuedNotificationModel{
		ID:              n.ID,
		Tenant:          n.Tenant,
		ServiceOrigin:   n.ServiceOrigin,
		UserID:          n.UserID,
		Channels:        channels,
		TemplateKey:     n.TemplateKey,
		Priority:        n.Priority,
		CorrelationID:   n.CorrelationID,
		IdempotencyKey:  n.IdempotencyKey,
		Locale:          n.Locale,
		Payload:         payload,
		Destinations:    destinations,
		Status:          n.Status,
		Attempts:        n.Attempts,
		MaxAttempts:     n.MaxAttempts,
		ScheduledAt:     n.ScheduledAt,
		NextAttemptAt:   n.NextAttemptAt,
		LeaseExpiresAt:  n.LeaseExpiresAt,
		LastErrorKind:   n.LastErrorKind,
		LastErrorDetail: n.LastErrorDetail,
		ChannelOutcomes: outcomes,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}, nil
}

func queuedModelToDomain(m *QueuedNotificationModel) (*domain.QueuedNotification, error) {
	if m == nil {
		return nil, nil
	}

	var channels []domain.Channel
	if len(m.Channels) > 0 {
		if err := json.Unmarshal(m.Channels, &channels); err != nil {
			return nil, fmt.Errorf("unmarshal channels: %w", err)
		}
	}

	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	var destinations map[domain.Channel]string
	if len(m.Destinations) > 0 {
		if err := json.Unmarshal(m.Destinations, &destinations); err != nil {
			return nil, fmt.Errorf("unmarshal destinations: %w", err)
		}
	}

	var outcomes map[domain.Channel]domain.ChannelOutcome
	if len(m.ChannelOutcomes) > 0 {
		if err := json.Unmarshal(m.ChannelOutcomes, &outcomes); err != nil {
			return nil, fmt.Errorf("unmarshal channel outcomes: %w", err)
		}
	}

	return &domain.QueuedNotification{
		ID:              m.ID,
		Tenant:          m.Tenant,
		ServiceOrigin:   m.ServiceOrigin,
		UserID:          m.UserID,
		Channels:        channels,
		TemplateKey:     m.TemplateKey,
		Priority:        m.Priority,
		CorrelationID:   m.CorrelationID,
		IdempotencyKey:  m.IdempotencyKey,
		Locale:          m.Locale,
		Payload:         payload,
		Destinations:    destinations,
		Status:          m.Status,
		Attempts:        m.Attempts,
		MaxAttempts:     m.MaxAttempts,
		ScheduledAt:     m.ScheduledAt,
		NextAttemptAt:   m.NextAttemptAt,
		LeaseExpiresAt:  m.LeaseExpiresAt,
		LastErrorKind:   m.LastErrorKind,
		LastErrorDetail: m.LastErrorDetail,
		ChannelOutcomes: outcomes,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Status:         a.Status,
		ErrorKind:      a.ErrorKind,
		ErrorDetail:    a.ErrorDetail,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		Status:         m.Status,
		ErrorKind:      m.ErrorKind,
		ErrorDetail:    m.ErrorDetail,
		CreatedAt:      m.CreatedAt,
	}
}

func ledgerModelFromDomain(e *domain.BudgetLedgerEntry) *BudgetLedgerEntryModel {
	if e == nil {
		return nil
	}

	return &BudgetLedgerEntryModel{
		ID:            e.ID,
		Tenant:        e.Tenant,
		ServiceOrigin: e.ServiceOrigin,
		Channel:       e.Channel,
		Provider:      e.Provider,
		UnitCost:      e.UnitCost,
		Units:         e.Units,
		TotalCost:     e.TotalCost,
		CorrelationID: e.CorrelationID,
		OccurredAt:    e.OccurredAt,
	}
}

func auditModelFromDomain(a *domain.OverrideAudit) *OverrideAuditModel {
	if a == nil {
		return nil
	}

	return &OverrideAuditModel{
		ID:            a.ID,
		Tenant:        a.Tenant,
		ServiceOrigin: a.ServiceOrigin,
		Actor:         a.Actor,
		Reason:        a.Reason,
		CorrelationID: a.CorrelationID,
		ExpiresAt:     a.ExpiresAt,
		CreatedAt:     a.CreatedAt,
	}
}
