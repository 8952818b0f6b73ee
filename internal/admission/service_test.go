package admission

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/notifyops/notify-core/internal/breaker"
	"github.com/notifyops/notify-core/internal/dispatch"
	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/governor"
	"github.com/notifyops/notify-core/internal/idempotency"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/provider"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/routing"
)

type stubAdapter struct {
	name   string
	sendFn func(ctx context.Context, msg provider.Message) (*provider.Response, error)
}

func (s *stubAdapter) Name() string      { return s.name }
func (s *stubAdapter) UnitCost() float64 { return 0.001 }

func (s *stubAdapter) Send(ctx context.Context, msg provider.Message) (*provider.Response, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, msg)
	}
	return &provider.Response{StatusCode: 200, MessageID: "msg-" + s.name}, nil
}

type stubResolver struct{}

func (stubResolver) Render(_ context.Context, templateKey string, _ domain.Channel, _ string, _ map[string]any) (*routing.RenderedMessage, error) {
	return &routing.RenderedMessage{Subject: "subject", Body: "body for " + templateKey}, nil
}

type testEnv struct {
	repo      *fakeNotificationRepo
	attempts  *fakeAttemptRepo
	store     *idempotency.MemoryStore
	publisher *fakePublisher
	ledger    *fakeLedgerReader
	router    *routing.Router
	service   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := &fakeNotificationRepo{}
	attempts := &fakeAttemptRepo{}
	store := idempotency.NewMemoryStore()
	publisher := &fakePublisher{}
	ledger := &fakeLedgerReader{}
	policies := policy.NewTable()

	registry := provider.NewRegistry()
	registry.SetPrimary(domain.ChannelPush, &stubAdapter{name: "push-primary"})
	registry.SetPrimary(domain.ChannelSMS, &stubAdapter{name: "sms-primary"})
	registry.SetPrimary(domain.ChannelRealtime, &stubAdapter{name: "realtime-primary"})

	router, err := routing.NewRouter(stubResolver{}, "en")
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	dispatcher, err := dispatch.NewDispatcher(registry, breaker.NewMemoryBreaker(breaker.DefaultConfig()), router, policies, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	applier, err := dispatch.NewApplier(repo, attempts, store, policies, nil)
	if err != nil {
		t.Fatalf("NewApplier() error = %v", err)
	}
	gov, err := governor.New(governor.NewMemoryBucketStore(), policies, ledger, nil, "", nil)
	if err != nil {
		t.Fatalf("governor.New() error = %v", err)
	}

	service, err := NewService(repo, attempts, store, gov, dispatcher, applier, publisher, policies, time.Hour, time.Second, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	return &testEnv{
		repo:      repo,
		attempts:  attempts,
		store:     store,
		publisher: publisher,
		ledger:    ledger,
		router:    router,
		service:   service,
	}
}

func validRequest(key string) *domain.NotificationRequest {
	return &domain.NotificationRequest{
		Tenant:         "acme",
		ServiceOrigin:  "orders",
		UserID:         "u-1",
		Channels:       []domain.Channel{domain.ChannelSMS, domain.ChannelEmail},
		TemplateKey:    "order-shipped",
		Priority:       domain.PriorityNormal,
		IdempotencyKey: key,
		Payload:        map[string]any{"orderId": "o-1"},
	}
}

func TestAdmitQueuedPublishesToFirstChannelQueue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.Admit(ctx, validRequest("k-1"), nil)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if result.Status != domain.StatusQueued {
		t.Fatalf("Status = %s, want QUEUED", result.Status)
	}
	if result.Replay {
		t.Error("first admission must not be a replay")
	}
	if result.NotificationID == "" {
		t.Fatal("notification id is empty")
	}

	created := env.repo.createdRows()
	if len(created) != 1 {
		t.Fatalf("created rows = %d, want 1", len(created))
	}
	if created[0].Status != domain.StatusAccepted {
		t.Errorf("created status = %s, want ACCEPTED", created[0].Status)
	}
	if created[0].MaxAttempts != policy.DefaultRetryPolicy().MaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", created[0].MaxAttempts, policy.DefaultRetryPolicy().MaxAttempts)
	}
	if created[0].CorrelationID == "" {
		t.Error("correlation id was not generated")
	}

	published := env.publisher.publishedMessages()
	if len(published) != 1 {
		t.Fatalf("published = %d, want 1", len(published))
	}
	if published[0].queue != "sms" {
		t.Errorf("queue = %q, want sms (first channel)", published[0].queue)
	}
	if published[0].msg.Channel != domain.ChannelSMS {
		t.Errorf("message channel = %s, want SMS", published[0].msg.Channel)
	}
	if published[0].msg.AttemptNumber != 0 {
		t.Errorf("attempt number = %d, want 0", published[0].msg.AttemptNumber)
	}

	if got := env.repo.markedQueuedIDs(); len(got) != 1 || got[0] != result.NotificationID {
		t.Errorf("marked queued = %v, want [%s]", got, result.NotificationID)
	}

	record, found, err := env.store.Get(ctx, "acme", "k-1")
	if err != nil || !found {
		t.Fatalf("idempotency Get() = found %v, err %v", found, err)
	}
	var stored domain.AdmissionResult
	if err := json.Unmarshal(record.Outcome, &stored); err != nil {
		t.Fatalf("stored outcome is not valid JSON: %v", err)
	}
	if stored.Status != domain.StatusQueued {
		t.Errorf("stored status = %s, want QUEUED", stored.Status)
	}
}

func TestAdmitReplayReturnsStoredOutcome(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.service.Admit(ctx, validRequest("k-replay"), nil)
	if err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}

	second, err := env.service.Admit(ctx, validRequest("k-replay"), nil)
	if err != nil {
		t.Fatalf("second Admit() error = %v", err)
	}

	if !second.Replay {
		t.Error("second admission must be flagged as replay")
	}
	if second.NotificationID != first.NotificationID {
		t.Errorf("replay id = %s, want %s", second.NotificationID, first.NotificationID)
	}
	if len(env.repo.createdRows()) != 1 {
		t.Errorf("created rows = %d, want 1 (no duplicate dispatch)", len(env.repo.createdRows()))
	}
	if len(env.publisher.publishedMessages()) != 1 {
		t.Errorf("published = %d, want 1 (no duplicate publish)", len(env.publisher.publishedMessages()))
	}
}

func TestAdmitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	req := validRequest("k-bad")
	req.Tenant = ""

	_, err := env.service.Admit(context.Background(), req, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Admit() error = %v, want ErrValidation", err)
	}
	if len(env.repo.createdRows()) != 0 {
		t.Error("invalid request must not create a notification")
	}
}

func TestAdmitDenialReleasesIdempotencyKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	env.ledger.setTotal(policy.DefaultBudgetPolicy().MonthlyLimit + 1)
	_, err := env.service.Admit(ctx, validRequest("k-denied"), nil)
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("Admit() error = %v, want ErrBudgetExceeded", err)
	}

	// The denial must not leave the pending record behind.
	env.ledger.setTotal(0)
	result, err := env.service.Admit(ctx, validRequest("k-denied"), nil)
	if err != nil {
		t.Fatalf("Admit() after denial cleared error = %v", err)
	}
	if result.Replay {
		t.Error("fresh admission after denial must not replay the denied attempt")
	}
	if result.Status != domain.StatusQueued {
		t.Errorf("Status = %s, want QUEUED", result.Status)
	}
}

func TestAdmitSyncDeliversInline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	req := validRequest("k-sync")
	req.Channels = []domain.Channel{domain.ChannelPush}
	req.Priority = domain.PriorityHigh
	req.Synchronous = true

	result, err := env.service.Admit(ctx, req, nil)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if result.Status != domain.StatusDelivered {
		t.Fatalf("Status = %s, want DELIVERED", result.Status)
	}
	if got := result.Channels[domain.ChannelPush].Status; got != domain.ChannelDelivered {
		t.Errorf("push status = %s, want DELIVERED", got)
	}

	created := env.repo.createdRows()
	if len(created) != 1 {
		t.Fatalf("created rows = %d, want 1", len(created))
	}
	if created[0].Status != domain.StatusSending {
		t.Errorf("created status = %s, want SENDING", created[0].Status)
	}
	if created[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", created[0].Attempts)
	}

	terminals := env.repo.terminalUpdates()
	if len(terminals) != 1 {
		t.Fatalf("terminal writes = %d, want 1", len(terminals))
	}
	if terminals[0].Status != domain.StatusDelivered {
		t.Errorf("terminal status = %s, want DELIVERED", terminals[0].Status)
	}

	if len(env.publisher.publishedMessages()) != 0 {
		t.Error("synchronous path must not publish to the work queues")
	}

	record, found, err := env.store.Get(ctx, "acme", "k-sync")
	if err != nil || !found {
		t.Fatalf("idempotency Get() = found %v, err %v", found, err)
	}
	var stored domain.AdmissionResult
	if err := json.Unmarshal(record.Outcome, &stored); err != nil {
		t.Fatalf("stored outcome is not valid JSON: %v", err)
	}
	if stored.Status != domain.StatusDelivered {
		t.Errorf("stored status = %s, want DELIVERED", stored.Status)
	}
}

func TestAdmitScheduledStaysAccepted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	scheduledAt := time.Now().Add(time.Hour)
	req := validRequest("k-later")
	req.ScheduledAt = &scheduledAt

	result, err := env.service.Admit(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if result.Status != domain.StatusAccepted {
		t.Fatalf("Status = %s, want ACCEPTED", result.Status)
	}
	if len(env.publisher.publishedMessages()) != 0 {
		t.Error("scheduled notification must not be published before its time")
	}
	if len(env.repo.markedQueuedIDs()) != 0 {
		t.Error("scheduled notification must stay ACCEPTED")
	}
}

func TestAdmitPublishFailureStagesForScanner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.publisher.publishFn = func(context.Context, string, queue.DispatchMessage) error {
		return errors.New("broker unavailable")
	}

	result, err := env.service.Admit(context.Background(), validRequest("k-nobroker"), nil)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if result.Status != domain.StatusQueued {
		t.Fatalf("Status = %s, want QUEUED", result.Status)
	}

	// The row is staged as immediately due so the scanner republishes it.
	if got := env.repo.stagedIDs(); len(got) != 1 || got[0] != result.NotificationID {
		t.Errorf("staged = %v, want [%s]", got, result.NotificationID)
	}
	if len(env.repo.markedQueuedIDs()) != 0 {
		t.Error("failed publish must not mark the row queued directly")
	}
}
