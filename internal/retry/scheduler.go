package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
)

// Scheduler enqueues accepted notifications whose scheduledAt has arrived.
type Scheduler struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	interval      time.Duration
	limit         int
}

func NewScheduler(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultScanInterval
	}
	if limit <= 0 {
		limit = defaultScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		interval:      interval,
		limit:         limit,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	dueNotifications, err := s.notifications.GetDueForSchedule(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled notifications: %w", err)
	}

	for i := range dueNotifications {
		notification := dueNotifications[i]
		queueName := routeQueue(&notification)
		msg := queue.DispatchMessage{
			NotificationID: notification.ID,
			CorrelationID:  notification.CorrelationID,
			Channel:        routeChannel(&notification),
			Priority:       notification.Priority,
			AttemptNumber:  notification.Attempts,
		}

		if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
			s.logger.Error("failed to enqueue scheduled notification",
				zap.String("notificationId", notification.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		if err := s.notifications.MarkQueuedIfAccepted(ctx, notification.ID); err != nil {
			// A cancel that raced the scan wins; the worker also skips
			// canceled records.
			if errors.Is(err, domain.ErrConflict) {
				s.logger.Info("scheduled notification status changed before queue mark",
					zap.String("notificationId", notification.ID),
				)
				continue
			}
			s.logger.Error("failed to mark scheduled notification as queued",
				zap.String("notificationId", notification.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}
