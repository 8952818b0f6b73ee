package retry

import (
	"context"
	"time"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
)

type fakeNotificationRepo struct {
	claimDueForRetryFn     func(ctx context.Context, limit int, leaseFor time.Duration) ([]domain.QueuedNotification, error)
	getDueForScheduleFn    func(ctx context.Context, limit int) ([]domain.QueuedNotification, error)
	markQueuedIfAcceptedFn func(ctx context.Context, id string) error
	purgeTerminalFn        func(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

var _ repository.NotificationRepository = (*fakeNotificationRepo)(nil)

func (f *fakeNotificationRepo) Create(context.Context, *domain.QueuedNotification) error { return nil }

func (f *fakeNotificationRepo) GetByID(context.Context, string) (*domain.QueuedNotification, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) List(context.Context, repository.ListParams) ([]domain.QueuedNotification, int64, error) {
	return nil, 0, nil
}

func (f *fakeNotificationRepo) Cancel(context.Context, string) error { return nil }

func (f *fakeNotificationRepo) LockForSending(context.Context, string) (*domain.QueuedNotification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) ScheduleRetry(context.Context, string, time.Time, map[domain.Channel]domain.ChannelOutcome, string, string) error {
	return nil
}

func (f *fakeNotificationRepo) MarkTerminal(context.Context, string, repository.TerminalUpdate) error {
	return nil
}

func (f *fakeNotificationRepo) ClaimDueForRetry(ctx context.Context, limit int, leaseFor time.Duration) ([]domain.QueuedNotification, error) {
	if f.claimDueForRetryFn != nil {
		return f.claimDueForRetryFn(ctx, limit, leaseFor)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) GetDueForSchedule(ctx context.Context, limit int) ([]domain.QueuedNotification, error) {
	if f.getDueForScheduleFn != nil {
		return f.getDueForScheduleFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) MarkQueuedIfAccepted(ctx context.Context, id string) error {
	if f.markQueuedIfAcceptedFn != nil {
		return f.markQueuedIfAcceptedFn(ctx, id)
	}
	return nil
}

func (f *fakeNotificationRepo) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if f.purgeTerminalFn != nil {
		return f.purgeTerminalFn(ctx, olderThan, limit)
	}
	return 0, nil
}

type fakeLedgerPurger struct {
	purgeBeforeFn func(ctx context.Context, olderThan time.Time) (int64, error)
}

func (f *fakeLedgerPurger) PurgeBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	if f.purgeBeforeFn != nil {
		return f.purgeBeforeFn(ctx, olderThan)
	}
	return 0, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.DispatchMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DispatchMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }
