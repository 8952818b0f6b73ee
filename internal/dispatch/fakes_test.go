package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notifyops/notify-core/internal/breaker"
	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/provider"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
	"github.com/notifyops/notify-core/internal/routing"
)

type fakeAdapter struct {
	name     string
	unitCost float64
	sendFn   func(ctx context.Context, msg provider.Message) (*provider.Response, error)

	mu    sync.Mutex
	calls []provider.Message
}

func (f *fakeAdapter) Name() string      { return f.name }
func (f *fakeAdapter) UnitCost() float64 { return f.unitCost }

func (f *fakeAdapter) Send(ctx context.Context, msg provider.Message) (*provider.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.Response{StatusCode: 200, MessageID: "msg-" + f.name}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBreaker struct {
	allowFn func(provider string) breaker.Decision

	mu      sync.Mutex
	records []recordedOutcome
}

type recordedOutcome struct {
	provider string
	success  bool
	trial    bool
}

func (f *fakeBreaker) Allow(_ context.Context, provider string) (breaker.Decision, error) {
	if f.allowFn != nil {
		return f.allowFn(provider), nil
	}
	return breaker.Decision{Allowed: true}, nil
}

func (f *fakeBreaker) Record(_ context.Context, provider string, success, trial bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedOutcome{provider: provider, success: success, trial: trial})
	return nil
}

func (f *fakeBreaker) State(context.Context, string) (breaker.State, error) {
	return breaker.StateClosed, nil
}

func (f *fakeBreaker) recorded() []recordedOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedOutcome, len(f.records))
	copy(out, f.records)
	return out
}

type stubResolver struct {
	failWith error
}

func (s *stubResolver) Render(_ context.Context, templateKey string, channel domain.Channel, locale string, _ map[string]any) (*routing.RenderedMessage, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &routing.RenderedMessage{
		Subject: "subject",
		Body:    fmt.Sprintf("%s/%s/%s", templateKey, channel, locale),
	}, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []domain.BudgetLedgerEntry
}

func (f *fakeLedger) Append(_ context.Context, entry *domain.BudgetLedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeNotificationRepo struct {
	mu sync.Mutex

	lockForSendingFn func(ctx context.Context, id string) (*domain.QueuedNotification, error)

	scheduled []scheduledRetry
	terminals []terminalWrite
}

type scheduledRetry struct {
	id            string
	nextAttemptAt time.Time
	errorKind     string
}

type terminalWrite struct {
	id     string
	update repository.TerminalUpdate
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

func (f *fakeNotificationRepo) LockForSending(ctx context.Context, id string) (*domain.QueuedNotification, error) {
	if f.lockForSendingFn != nil {
		return f.lockForSendingFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) ScheduleRetry(_ context.Context, id string, nextAttemptAt time.Time, _ map[domain.Channel]domain.ChannelOutcome, errorKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledRetry{id: id, nextAttemptAt: nextAttemptAt, errorKind: errorKind})
	return nil
}

func (f *fakeNotificationRepo) MarkTerminal(_ context.Context, id string, update repository.TerminalUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, terminalWrite{id: id, update: update})
	return nil
}

func (f *fakeNotificationRepo) ClaimDueForRetry(context.Context, int, time.Duration) ([]domain.QueuedNotification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) GetDueForSchedule(context.Context, int) ([]domain.QueuedNotification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) MarkQueuedIfAccepted(context.Context, string) error { return nil }

func (f *fakeNotificationRepo) PurgeTerminal(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (f *fakeNotificationRepo) scheduledRetries() []scheduledRetry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduledRetry, len(f.scheduled))
	copy(out, f.scheduled)
	return out
}

func (f *fakeNotificationRepo) terminalWrites() []terminalWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]terminalWrite, len(f.terminals))
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

func (f *fakeAttemptRepo) recorded() []domain.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeliveryAttempt, len(f.attempts))
	copy(out, f.attempts)
	return out
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) ConsumeEvents(ctx context.Context, _ queue.EventHandler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }
