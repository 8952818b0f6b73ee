// Package admission is the single entry point for new notification requests:
// validation, idempotency, rate/budget governance, then the synchronous or
// queued dispatch path.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/dispatch"
	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/governor"
	"github.com/notifyops/notify-core/internal/idempotency"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultSyncDeadline   = 2 * time.Second
)

// Service orchestrates admission. Admit is safe for concurrent use; the
// idempotency store serializes duplicate keys.
type Service struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	idempotency   idempotency.Store
	governor      *governor.Governor
	dispatcher    *dispatch.Dispatcher
	applier       *dispatch.Applier
	publisher     queue.Publisher
	policies      *policy.Table
	logger        *zap.Logger
	metrics       *observability.Metrics

	idempotencyTTL time.Duration
	syncDeadline   time.Duration
	now            func() time.Time
}

func NewService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	idempotencyStore idempotency.Store,
	gov *governor.Governor,
	dispatcher *dispatch.Dispatcher,
	applier *dispatch.Applier,
	publisher queue.Publisher,
	policies *policy.Table,
	idempotencyTTL time.Duration,
	syncDeadline time.Duration,
	logger *zap.Logger,
) (*Service, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if idempotencyStore == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if gov == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}
	if syncDeadline <= 0 {
		syncDeadline = defaultSyncDeadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		notifications:  notifications,
		attempts:       attempts,
		idempotency:    idempotencyStore,
		governor:       gov,
		dispatcher:     dispatcher,
		applier:        applier,
		publisher:      publisher,
		policies:       policies,
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
		syncDeadline:   syncDeadline,
		now:            time.Now,
	}, nil
}

func (s *Service) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Admit validates, deduplicates and gates a request, then dispatches
// synchronously or enqueues it. A replayed idempotency key returns the
// stored outcome without consuming rate tokens or budget.
func (s *Service) Admit(ctx context.Context, req *domain.NotificationRequest, override *domain.OverrideCommand) (*domain.AdmissionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.now()

	if err := req.Validate(); err != nil {
		s.incAdmission("rejected")
		return nil, err
	}

	notificationID := uuid.NewString()
	pending := domain.AdmissionResult{
		NotificationID: notificationID,
		Status:         domain.StatusAccepted,
	}
	pendingPayload, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending admission: %w", err)
	}

	created, existing, err := s.idempotency.Begin(ctx, req.Tenant, req.IdempotencyKey, pendingPayload, s.idempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency begin failed: %w", err)
	}
	if !created {
		var replay domain.AdmissionResult
		if err := json.Unmarshal(existing.Outcome, &replay); err != nil {
			return nil, fmt.Errorf("failed to decode stored admission outcome: %w", err)
		}
		replay.Replay = true
		if s.metrics != nil {
			s.metrics.IncIdempotencyReplay()
		}
		s.incAdmission("replay")
		return &replay, nil
	}

	if err := s.governor.Check(ctx, req, override); err != nil {
		// Release the key so the caller may retry once the denial clears.
		s.removeIdempotencyRecord(ctx, req)
		s.incAdmission("denied")
		return nil, err
	}

	notification := s.buildNotification(notificationID, req)

	if req.Synchronous {
		return s.admitSync(ctx, notification, start)
	}
	return s.admitQueued(ctx, notification, req.ScheduledAt, start)
}

func (s *Service) admitSync(ctx context.Context, n *domain.QueuedNotification, start time.Time) (*domain.AdmissionResult, error) {
	n.Status = domain.StatusSending
	n.Attempts = 1
	if err := s.notifications.Create(ctx, n); err != nil {
		s.removeIdempotencyRecordFor(ctx, n)
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	outcome := s.dispatcher.AttemptSync(ctx, n, s.syncDeadline, func(final *domain.AttemptOutcome) {
		bg := context.WithoutCancel(ctx)
		if err := s.applier.Apply(bg, n, final); err != nil {
			s.logger.Error("failed to apply synchronous attempt outcome",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		}
	})

	s.incAdmission("sync")
	return &domain.AdmissionResult{
		NotificationID:   n.ID,
		Status:           outcome.Status,
		Channels:         outcome.Channels,
		ProcessingMillis: s.now().Sub(start).Milliseconds(),
	}, nil
}

func (s *Service) admitQueued(ctx context.Context, n *domain.QueuedNotification, scheduledAt *time.Time, start time.Time) (*domain.AdmissionResult, error) {
	if err := s.notifications.Create(ctx, n); err != nil {
		s.removeIdempotencyRecordFor(ctx, n)
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	status := domain.StatusAccepted
	if scheduledAt == nil || !scheduledAt.After(s.now()) {
		msg := queue.DispatchMessage{
			NotificationID: n.ID,
			CorrelationID:  n.CorrelationID,
			Channel:        routeChannel(n),
			Priority:       n.Priority,
			AttemptNumber:  0,
		}
		if err := s.publisher.Publish(ctx, queue.QueueName(routeChannel(n)), msg); err != nil {
			// The retry scanner picks the row up once its next_attempt_at
			// passes; admission still succeeds.
			s.logger.Error("failed to publish notification, leaving for scanner",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
			nextAttemptAt := s.now().UTC()
			if err := s.notifications.ScheduleRetry(ctx, n.ID, nextAttemptAt, nil, "", ""); err != nil {
				s.logger.Error("failed to stage notification for scanner",
					zap.String("notificationId", n.ID),
					zap.Error(err),
				)
			}
			status = domain.StatusQueued
		} else {
			if err := s.notifications.MarkQueuedIfAccepted(ctx, n.ID); err != nil {
				s.logger.Warn("failed to mark notification queued",
					zap.String("notificationId", n.ID),
					zap.Error(err),
				)
			}
			status = domain.StatusQueued
		}
	}

	result := &domain.AdmissionResult{
		NotificationID:   n.ID,
		Status:           status,
		ProcessingMillis: s.now().Sub(start).Milliseconds(),
	}

	// Record the queued outcome so duplicate keys replay it while the
	// dispatch is still in flight.
	s.storeAdmissionOutcome(ctx, n, result)

	s.incAdmission("accepted")
	return result, nil
}

func (s *Service) buildNotification(id string, req *domain.NotificationRequest) *domain.QueuedNotification {
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	retryPolicy := s.policies.ResolveRetry(req.ServiceOrigin, req.Channels[0])

	now := s.now().UTC()
	return &domain.QueuedNotification{
		ID:             id,
		Tenant:         req.Tenant,
		ServiceOrigin:  req.ServiceOrigin,
		UserID:         req.UserID,
		Channels:       req.Channels,
		TemplateKey:    req.TemplateKey,
		Priority:       req.Priority,
		CorrelationID:  correlationID,
		IdempotencyKey: req.IdempotencyKey,
		Locale:         req.Locale,
		Payload:        req.Payload,
		Destinations:   req.Destinations,
		Status:         domain.StatusAccepted,
		MaxAttempts:    retryPolicy.MaxAttempts,
		ScheduledAt:    req.ScheduledAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) storeAdmissionOutcome(ctx context.Context, n *domain.QueuedNotification, result *domain.AdmissionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal admission outcome", zap.Error(err))
		return
	}
	if err := s.idempotency.Complete(ctx, n.Tenant, n.IdempotencyKey, payload); err != nil {
		s.logger.Error("failed to store admission outcome",
			zap.String("notificationId", n.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) removeIdempotencyRecord(ctx context.Context, req *domain.NotificationRequest) {
	if err := s.idempotency.Remove(ctx, req.Tenant, req.IdempotencyKey); err != nil {
		s.logger.Error("failed to release idempotency record",
			zap.String("tenant", req.Tenant),
			zap.Error(err),
		)
	}
}

func (s *Service) removeIdempotencyRecordFor(ctx context.Context, n *domain.QueuedNotification) {
	if err := s.idempotency.Remove(ctx, n.Tenant, n.IdempotencyKey); err != nil {
		s.logger.Error("failed to release idempotency record",
			zap.String("tenant", n.Tenant),
			zap.Error(err),
		)
	}
}

func (s *Service) incAdmission(result string) {
	if s.metrics != nil {
		s.metrics.IncAdmission(result)
	}
}

// GetByID returns one notification with its current status and outcomes.
func (s *Service) GetByID(ctx context.Context, id string) (*domain.QueuedNotification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

// Attempts returns the audit trail of delivery attempts for a notification.
func (s *Service) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	if s.attempts == nil {
		return nil, nil
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(id))
}

// Cancel stops a notification that has not started sending.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.Cancel(ctx, strings.TrimSpace(id))
}

// List pages through notifications for operational queries.
func (s *Service) List(ctx context.Context, params repository.ListParams) ([]domain.QueuedNotification, int64, error) {
	return s.notifications.List(ctx, params)
}

func routeChannel(n *domain.QueuedNotification) domain.Channel {
	if n == nil || len(n.Channels) == 0 {
		return domain.ChannelPush
	}
	return n.Channels[0]
}
