package admission

import (
	"context"
	"sync"
	"time"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
)

type fakeNotificationRepo struct {
	mu sync.Mutex

	createErr error

	created      []domain.QueuedNotification
	markedQueued []string
	staged       []string
	terminals    []repository.TerminalUpdate
}

var _ repository.NotificationRepository = (*fakeNotificationRepo)(nil)

func (f *fakeNotificationRepo) Create(_ context.Context, n *domain.QueuedNotification) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *n)
	return nil
}

func (f *fakeNotificationRepo) GetByID(_ context.Context, id string) (*domain.QueuedNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.created {
		if f.created[i].ID == id {
			n := f.created[i]
			return &n, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) List(context.Context, repository.ListParams) ([]domain.QueuedNotification, int64, error) {
	return nil, 0, nil
}

func (f *fakeNotificationRepo) Cancel(context.Context, string) error { return nil }

func (f *fakeNotificationRepo) LockForSending(context.Context, string) (*domain.QueuedNotification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) ScheduleRetry(_ context.Context, id string, _ time.Time, _ map[domain.Channel]domain.ChannelOutcome, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, id)
	return nil
}

func (f *fakeNotificationRepo) MarkTerminal(_ context.Context, _ string, update repository.TerminalUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, update)
	return nil
}

func (f *fakeNotificationRepo) ClaimDueForRetry(context.Context, int, time.Duration) ([]domain.QueuedNotification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) GetDueForSchedule(context.Context, int) ([]domain.QueuedNotification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) MarkQueuedIfAccepted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedQueued = append(f.markedQueued, id)
	return nil
}

func (f *fakeNotificationRepo) PurgeTerminal(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (f *fakeNotificationRepo) createdRows() []domain.QueuedNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.QueuedNotification, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeNotificationRepo) markedQueuedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.markedQueued))
	copy(out, f.markedQueued)
	return out
}

func (f *fakeNotificationRepo) stagedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.staged))
	copy(out, f.staged)
	return out
}

func (f *fakeNotificationRepo) terminalUpdates() []repository.TerminalUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.TerminalUpdate, len(f.terminals))
	copy(out, f.terminals)
	return out
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (f *fakeAttemptRepo) Create(_ context.Context, a *domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) GetByNotificationID(context.Context, string) ([]domain.DeliveryAttempt, error) {
	return nil, nil
}

type publishedMessage struct {
	queue string
	msg   queue.DispatchMessage
}

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, queueName string, msg queue.DispatchMessage) error
	published []publishedMessage
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DispatchMessage) error {
	f.mu.Lock()
	f.published = append(f.published, publishedMessage{queue: queueName, msg: msg})
	f.mu.Unlock()

	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) publishedMessages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

type fakeLedgerReader struct {
	mu    sync.Mutex
	total float64
}

func (f *fakeLedgerReader) MonthlyTotal(context.Context, string, string, domain.Channel, time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, nil
}

func (f *fakeLedgerReader) setTotal(total float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = total
}
