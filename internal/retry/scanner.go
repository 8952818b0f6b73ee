package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
)

const (
	defaultScanInterval  = 5 * time.Second
	defaultScanLimit     = 100
	defaultLeaseDuration = time.Minute
)

// Scanner periodically claims due retries under a lease and re-enqueues
// them. The lease keeps concurrent scanners from double-publishing; leases
// abandoned by a crashed instance expire and are reclaimed.
type Scanner struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	interval      time.Duration
	limit         int
	leaseFor      time.Duration
}

func NewScanner(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	leaseFor time.Duration,
	logger *zap.Logger,
) (*Scanner, error) {
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
	if leaseFor <= 0 {
		leaseFor = defaultLeaseDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scanner{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		interval:      interval,
		limit:         limit,
		leaseFor:      leaseFor,
	}, nil
}

func (s *Scanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
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
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scanner) scanDue(ctx context.Context) error {
	claimed, err := s.notifications.ClaimDueForRetry(ctx, s.limit, s.leaseFor)
	if err != nil {
		return fmt.Errorf("failed to claim due retries: %w", err)
	}

	for i := range claimed {
		notification := claimed[i]
		queueName := routeQueue(&notification)
		msg := queue.DispatchMessage{
			NotificationID: notification.ID,
			CorrelationID:  notification.CorrelationID,
			Channel:        routeChannel(&notification),
			Priority:       notification.Priority,
			AttemptNumber:  notification.Attempts,
		}

		if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
			// The lease expires on its own and the row is reclaimed next scan.
			s.logger.Error("failed to enqueue retry",
				zap.String("notificationId", notification.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}
	}

	return nil
}

// routeChannel picks the queue channel for a multi-channel record; the worker
// attempts all channels of the record regardless of which queue carried it.
func routeChannel(n *domain.QueuedNotification) domain.Channel {
	if n == nil || len(n.Channels) == 0 {
		return domain.ChannelPush
	}
	return n.Channels[0]
}

func routeQueue(n *domain.QueuedNotification) string {
	return queue.QueueName(routeChannel(n))
}
