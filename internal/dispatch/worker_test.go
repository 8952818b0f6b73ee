package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/provider"
	"github.com/notifyops/notify-core/internal/queue"
)

func newTestWorker(t *testing.T, repo *fakeNotificationRepo, consumer queue.Consumer, d *Dispatcher, a *Applier) *Worker {
	t.Helper()

	w, err := NewWorker(repo, consumer, d, a, 1, nil)
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	return w
}

func TestNewWorkerValidation(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	d := newTestDispatcher(t, registry, &fakeBreaker{}, nil)
	a := newTestApplier(t, &fakeNotificationRepo{}, &fakeAttemptRepo{}, nil)

	if _, err := NewWorker(nil, &fakeConsumer{}, d, a, 1, nil); err == nil {
		t.Error("expected error for nil repository")
	}
	if _, err := NewWorker(&fakeNotificationRepo{}, nil, d, a, 1, nil); err == nil {
		t.Error("expected error for nil consumer")
	}
	if _, err := NewWorker(&fakeNotificationRepo{}, &fakeConsumer{}, nil, a, 1, nil); err == nil {
		t.Error("expected error for nil dispatcher")
	}
	if _, err := NewWorker(&fakeNotificationRepo{}, &fakeConsumer{}, d, nil, 1, nil); err == nil {
		t.Error("expected error for nil applier")
	}
}

func TestProcessMessageDispatchesAndApplies(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	registry.SetPrimary(domain.ChannelPush, &fakeAdapter{name: "push-primary"})
	d := newTestDispatcher(t, registry, &fakeBreaker{}, &fakeLedger{})

	repo := &fakeNotificationRepo{
		lockForSendingFn: func(_ context.Context, id string) (*domain.QueuedNotification, error) {
			n := testNotification(domain.ChannelPush)
			n.ID = id
			return n, nil
		},
	}
	attempts := &fakeAttemptRepo{}
	applier := newTestApplier(t, repo, attempts, nil)
	w := newTestWorker(t, repo, &fakeConsumer{}, d, applier)

	err := w.processMessage(context.Background(), queue.DispatchMessage{
		NotificationID: "n-1",
		Channel:        domain.ChannelPush,
		Priority:       domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	terminals := repo.terminalWrites()
	if len(terminals) != 1 {
		t.Fatalf("terminal writes = %d, want 1", len(terminals))
	}
	if terminals[0].id != "n-1" {
		t.Errorf("terminal id = %q, want n-1", terminals[0].id)
	}
	if terminals[0].update.Status != domain.StatusDelivered {
		t.Errorf("terminal status = %s, want DELIVERED", terminals[0].update.Status)
	}
	if len(attempts.recorded()) != 1 {
		t.Errorf("attempt rows = %d, want 1", len(attempts.recorded()))
	}
}

func TestProcessMessageMissingNotificationAcks(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	d := newTestDispatcher(t, registry, &fakeBreaker{}, nil)

	repo := &fakeNotificationRepo{
		lockForSendingFn: func(context.Context, string) (*domain.QueuedNotification, error) {
			return nil, fmt.Errorf("%w: gone", domain.ErrNotFound)
		},
	}
	applier := newTestApplier(t, repo, &fakeAttemptRepo{}, nil)
	w := newTestWorker(t, repo, &fakeConsumer{}, d, applier)

	err := w.processMessage(context.Background(), queue.DispatchMessage{NotificationID: "n-gone"})
	if err != nil {
		t.Fatalf("processMessage() error = %v, want nil for missing row", err)
	}
}

func TestProcessMessageSkipsTerminalNotification(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	d := newTestDispatcher(t, registry, &fakeBreaker{}, nil)

	// LockForSending returns nil, nil for rows already terminal or sending.
	repo := &fakeNotificationRepo{}
	applier := newTestApplier(t, repo, &fakeAttemptRepo{}, nil)
	w := newTestWorker(t, repo, &fakeConsumer{}, d, applier)

	err := w.processMessage(context.Background(), queue.DispatchMessage{NotificationID: "n-done"})
	if err != nil {
		t.Fatalf("processMessage() error = %v, want nil for settled row", err)
	}
	if len(repo.terminalWrites()) != 0 {
		t.Error("settled notification must not be re-finalized")
	}
}

func TestProcessMessageLockErrorRequeues(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	d := newTestDispatcher(t, registry, &fakeBreaker{}, nil)

	lockErr := errors.New("connection reset")
	repo := &fakeNotificationRepo{
		lockForSendingFn: func(context.Context, string) (*domain.QueuedNotification, error) {
			return nil, lockErr
		},
	}
	applier := newTestApplier(t, repo, &fakeAttemptRepo{}, nil)
	w := newTestWorker(t, repo, &fakeConsumer{}, d, applier)

	err := w.processMessage(context.Background(), queue.DispatchMessage{NotificationID: "n-1"})
	if !errors.Is(err, lockErr) {
		t.Fatalf("processMessage() error = %v, want wrapped lock error", err)
	}
}

func TestWorkerStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	d := newTestDispatcher(t, registry, &fakeBreaker{}, nil)
	repo := &fakeNotificationRepo{}
	applier := newTestApplier(t, repo, &fakeAttemptRepo{}, nil)
	w := newTestWorker(t, repo, &fakeConsumer{}, d, applier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}
