package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/policy"
)

type fakeLedger struct {
	totalFn func(ctx context.Context, tenant, serviceOrigin string, channel domain.Channel, monthStart time.Time) (float64, error)
}

func (f *fakeLedger) MonthlyTotal(ctx context.Context, tenant, serviceOrigin string, channel domain.Channel, monthStart time.Time) (float64, error) {
	if f.totalFn == nil {
		return 0, nil
	}
	return f.totalFn(ctx, tenant, serviceOrigin, channel, monthStart)
}

type fakeAudits struct {
	created []*domain.OverrideAudit
}

func (f *fakeAudits) CreateOverrideAudit(ctx context.Context, audit *domain.OverrideAudit) error {
	f.created = append(f.created, audit)
	return nil
}

func smsRequest() *domain.NotificationRequest {
	return &domain.NotificationRequest{
		Tenant:         "acme",
		ServiceOrigin:  "billing",
		UserID:         "u-1",
		Channels:       []domain.Channel{domain.ChannelSMS},
		TemplateKey:    "invoice.created",
		Priority:       domain.PriorityNormal,
		CorrelationID:  "corr-1",
		IdempotencyKey: "idem-1",
	}
}

func newGovernor(t *testing.T, ledger LedgerReader, audits AuditRecorder, overrideToken string) (*Governor, *MemoryBucketStore, *time.Time) {
	t.Helper()

	buckets := NewMemoryBucketStore()
	current := time.Unix(1_700_000_000, 0)
	buckets.SetNow(func() time.Time { return current })

	g, err := New(buckets, policy.NewTable(), ledger, audits, overrideToken, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g.now = func() time.Time { return current }
	return g, buckets, &current
}

func TestGovernorBurstThenDenialWithRetryAfter(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, &fakeLedger{}, nil, "")
	ctx := context.Background()

	// capacity=60 burst=20: 80 instantaneous admissions pass.
	for i := 0; i < 80; i++ {
		req := smsRequest()
		if err := g.Check(ctx, req, nil); err != nil {
			t.Fatalf("admission %d denied: %v", i+1, err)
		}
	}

	err := g.Check(ctx, smsRequest(), nil)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("81st admission error = %v, want ErrRateLimited", err)
	}

	var denial *RateLimitDenial
	if !errors.As(err, &denial) {
		t.Fatalf("error %v should carry a RateLimitDenial", err)
	}
	if denial.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %s, want > 0", denial.RetryAfter)
	}
}

func TestGovernorRefillAfterWindow(t *testing.T) {
	t.Parallel()

	g, _, current := newGovernor(t, &fakeLedger{}, nil, "")
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		if err := g.Check(ctx, smsRequest(), nil); err != nil {
			t.Fatalf("admission %d denied: %v", i+1, err)
		}
	}
	if err := g.Check(ctx, smsRequest(), nil); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected denial, got %v", err)
	}

	// One second refills capacity/window = 1 token.
	*current = current.Add(time.Second)
	if err := g.Check(ctx, smsRequest(), nil); err != nil {
		t.Fatalf("post-refill admission denied: %v", err)
	}
}

func TestGovernorUserScopeIndependent(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, &fakeLedger{}, nil, "")
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		req := smsRequest()
		if err := g.Check(ctx, req, nil); err != nil {
			t.Fatalf("admission %d denied: %v", i+1, err)
		}
	}

	// The tenant bucket is exhausted, so a different user is still denied:
	// all applicable scopes must pass.
	other := smsRequest()
	other.UserID = "u-2"
	if err := g.Check(ctx, other, nil); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("tenant-scope exhaustion should deny, got %v", err)
	}
}

func TestGovernorHotUserDeniedAtOwnScope(t *testing.T) {
	t.Parallel()

	g, _, current := newGovernor(t, &fakeLedger{}, nil, "")
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		if err := g.Check(ctx, smsRequest(), nil); err != nil {
			t.Fatalf("admission %d denied: %v", i+1, err)
		}
	}

	// The hot user's own bucket denies first, so the denial consumes no
	// shared tokens.
	err := g.Check(ctx, smsRequest(), nil)
	var denial *RateLimitDenial
	if !errors.As(err, &denial) {
		t.Fatalf("error = %v, want RateLimitDenial", err)
	}
	if denial.Scope != "user" {
		t.Fatalf("denial scope = %q, want user", denial.Scope)
	}

	// One refilled shared token goes to a different user, not to the hot
	// user's denied retries.
	*current = current.Add(time.Second)
	other := smsRequest()
	other.UserID = "u-2"
	if err := g.Check(ctx, other, nil); err != nil {
		t.Fatalf("other user admission denied: %v", err)
	}
}

func TestGovernorBudgetBlockAndOverride(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{
		totalFn: func(ctx context.Context, tenant, serviceOrigin string, channel domain.Channel, monthStart time.Time) (float64, error) {
			return 10001, nil // over the default 10000 monthly limit
		},
	}
	audits := &fakeAudits{}
	g, _, current := newGovernor(t, ledger, audits, "ops-secret")
	ctx := context.Background()

	err := g.Check(ctx, smsRequest(), nil)
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("error = %v, want ErrBudgetExceeded", err)
	}
	var denial *BudgetDenial
	if !errors.As(err, &denial) || !denial.OverrideEligible {
		t.Fatalf("denial = %+v, want override-eligible", denial)
	}

	override := &domain.OverrideCommand{
		Token:     "ops-secret",
		Actor:     "ops@acme",
		Reason:    "incident 4821 catch-up sends",
		ExpiresAt: current.Add(time.Hour),
	}
	if err := g.Check(ctx, smsRequest(), override); err != nil {
		t.Fatalf("override admission error = %v", err)
	}
	if len(audits.created) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audits.created))
	}
	if audits.created[0].Reason != "incident 4821 catch-up sends" {
		t.Fatalf("audit reason = %q", audits.created[0].Reason)
	}
}

func TestGovernorOverrideBadToken(t *testing.T) {
	t.Parallel()

	g, _, current := newGovernor(t, &fakeLedger{}, &fakeAudits{}, "ops-secret")

	override := &domain.OverrideCommand{
		Token:     "wrong",
		Actor:     "ops@acme",
		Reason:    "why not",
		ExpiresAt: current.Add(time.Hour),
	}
	err := g.Check(context.Background(), smsRequest(), override)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestGovernorOverrideNeverExceedsAbsoluteMax(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{}
	audits := &fakeAudits{}
	g, _, current := newGovernor(t, ledger, audits, "ops-secret")
	ctx := context.Background()

	override := &domain.OverrideCommand{
		Token:     "ops-secret",
		Actor:     "ops@acme",
		Reason:    "load test catch-up",
		ExpiresAt: current.Add(time.Hour),
	}

	// Default absolute max is 600: overridden requests stop there.
	denied := 0
	for i := 0; i < 650; i++ {
		if err := g.Check(ctx, smsRequest(), override); err != nil {
			if !errors.Is(err, domain.ErrRateLimited) {
				t.Fatalf("unexpected error: %v", err)
			}
			denied++
		}
	}
	if denied == 0 {
		t.Fatal("override must not bypass the absolute max cap")
	}
}
