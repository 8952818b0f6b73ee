package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/queue"
)

type fakeConsumer struct{}

func (fakeConsumer) Consume(ctx context.Context, _ string, _ queue.MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (fakeConsumer) ConsumeEvents(ctx context.Context, _ queue.EventHandler) error {
	<-ctx.Done()
	return nil
}

func (fakeConsumer) Close() error { return nil }

func newTestIngestor(t *testing.T, env *testEnv) *EventIngestor {
	t.Helper()

	ingestor, err := NewEventIngestor(fakeConsumer{}, env.router, env.service, nil)
	if err != nil {
		t.Fatalf("NewEventIngestor() error = %v", err)
	}
	return ingestor
}

func shippedEnvelope() domain.EventEnvelope {
	return domain.EventEnvelope{
		EventID:       "evt-1",
		MessageType:   "order.shipped",
		ServiceOrigin: "orders",
		Tenant:        "acme",
		UserID:        "u-1",
		Channels:      []string{"SMS"},
		Data:          map[string]any{"orderId": "o-1"},
	}
}

func TestHandleEventAdmitsEnvelope(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.router.MapMessageType("order.shipped", "order-shipped")
	ingestor := newTestIngestor(t, env)

	if err := ingestor.handleEvent(context.Background(), shippedEnvelope()); err != nil {
		t.Fatalf("handleEvent() error = %v", err)
	}

	created := env.repo.createdRows()
	if len(created) != 1 {
		t.Fatalf("created rows = %d, want 1", len(created))
	}
	if created[0].TemplateKey != "order-shipped" {
		t.Errorf("templateKey = %q, want order-shipped", created[0].TemplateKey)
	}
	if created[0].IdempotencyKey != "event:evt-1" {
		t.Errorf("idempotencyKey = %q, want event:evt-1", created[0].IdempotencyKey)
	}
	if len(env.publisher.publishedMessages()) != 1 {
		t.Errorf("published = %d, want 1", len(env.publisher.publishedMessages()))
	}
}

func TestHandleEventDropsUnmappableEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ingestor := newTestIngestor(t, env)

	envelope := shippedEnvelope()
	envelope.MessageType = "unknown.type"

	if err := ingestor.handleEvent(context.Background(), envelope); err != nil {
		t.Fatalf("handleEvent() error = %v, want nil for unmappable event", err)
	}
	if len(env.repo.createdRows()) != 0 {
		t.Error("unmappable event must not create a notification")
	}
}

func TestHandleEventDropsDeniedEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.router.MapMessageType("order.shipped", "order-shipped")
	env.ledger.setTotal(policy.DefaultBudgetPolicy().MonthlyLimit + 1)
	ingestor := newTestIngestor(t, env)

	// Redelivery cannot fix a policy denial, so the message is acked.
	if err := ingestor.handleEvent(context.Background(), shippedEnvelope()); err != nil {
		t.Fatalf("handleEvent() error = %v, want nil for denied event", err)
	}
	if len(env.repo.createdRows()) != 0 {
		t.Error("denied event must not create a notification")
	}
}

func TestHandleEventInfraErrorRequeues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.router.MapMessageType("order.shipped", "order-shipped")
	env.repo.createErr = errors.New("connection refused")
	ingestor := newTestIngestor(t, env)

	if err := ingestor.handleEvent(context.Background(), shippedEnvelope()); err == nil {
		t.Fatal("expected error so the broker redelivers the event")
	}
}
