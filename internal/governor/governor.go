package governor

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/policy"
)

// RateLimitDenial reports which scope denied the request and when the caller
// may retry.
type RateLimitDenial struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitDenial) Error() string {
	return fmt.Sprintf("rate limit exceeded: scope=%s retryAfter=%s", e.Scope, e.RetryAfter)
}

func (e *RateLimitDenial) Unwrap() error { return domain.ErrRateLimited }

// BudgetDenial reports a blocked-over-budget scope and whether an admin
// override would be accepted.
type BudgetDenial struct {
	Tenant           string
	Channel          domain.Channel
	Spent            float64
	Limit            float64
	OverrideEligible bool
}

func (e *BudgetDenial) Error() string {
	return fmt.Sprintf("budget exceeded: tenant=%s channel=%s spent=%.2f limit=%.2f", e.Tenant, e.Channel, e.Spent, e.Limit)
}

func (e *BudgetDenial) Unwrap() error { return domain.ErrBudgetExceeded }

// LedgerReader sums consumed budget for the current period.
type LedgerReader interface {
	MonthlyTotal(ctx context.Context, tenant, serviceOrigin string, channel domain.Channel, monthStart time.Time) (float64, error)
}

// AuditRecorder persists immutable override audit rows.
type AuditRecorder interface {
	CreateOverrideAudit(ctx context.Context, audit *domain.OverrideAudit) error
}

// Governor enforces per-scope rate limits and tenant budgets at admission. A
// request must pass every applicable scope.
type Governor struct {
	buckets       BucketStore
	policies      *policy.Table
	ledger        LedgerReader
	audits        AuditRecorder
	overrideToken string
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func New(
	buckets BucketStore,
	policies *policy.Table,
	ledger LedgerReader,
	audits AuditRecorder,
	overrideToken string,
	logger *zap.Logger,
) (*Governor, error) {
	if buckets == nil {
		return nil, fmt.Errorf("bucket store is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Governor{
		buckets:       buckets,
		policies:      policies,
		ledger:        ledger,
		audits:        audits,
		overrideToken: overrideToken,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (g *Governor) SetMetrics(metrics *observability.Metrics) {
	if g == nil {
		return
	}
	g.metrics = metrics
}

// Check gates a request against all applicable buckets, then the budget. A
// valid override lifts the budget block and extends the bucket ceiling up to
// the absolute max cap, never past it. Every exercised override leaves an
// audit row.
func (g *Governor) Check(ctx context.Context, req *domain.NotificationRequest, override *domain.OverrideCommand) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return fmt.Errorf("%w: request is required", domain.ErrValidation)
	}

	overrideValid := false
	if override != nil {
		if err := g.validateOverride(override); err != nil {
			return err
		}
		overrideValid = true
	}

	for _, ch := range req.Channels {
		cfg := g.policies.ResolveRateLimit(req.Tenant, req.ServiceOrigin, ch)
		for _, scope := range bucketScopes(req, ch) {
			result, err := g.buckets.Take(ctx, scope.key, cfg, 1, overrideValid)
			if err != nil {
				return fmt.Errorf("rate limit check failed: %w", err)
			}
			if !result.Allowed {
				if g.metrics != nil {
					g.metrics.IncRateLimited(scope.name)
				}
				return &RateLimitDenial{Scope: scope.name, RetryAfter: result.RetryAfter}
			}
		}
	}

	for _, ch := range req.Channels {
		if err := g.checkBudget(ctx, req, ch, overrideValid); err != nil {
			return err
		}
	}

	if overrideValid {
		g.recordOverride(ctx, req, override)
	}
	return nil
}

func (g *Governor) checkBudget(ctx context.Context, req *domain.NotificationRequest, ch domain.Channel, overrideValid bool) error {
	budget := g.policies.ResolveBudget(req.Tenant, req.ServiceOrigin, ch)
	if budget.MonthlyLimit <= 0 {
		return nil
	}

	spent, err := g.ledger.MonthlyTotal(ctx, req.Tenant, req.ServiceOrigin, ch, monthStart(g.now()))
	if err != nil {
		return fmt.Errorf("budget check failed: %w", err)
	}

	warnAt := budget.WarnThreshold
	if warnAt <= 0 || warnAt >= 1 {
		warnAt = 0.8
	}

	if spent >= budget.MonthlyLimit {
		if overrideValid {
			return nil
		}
		if g.metrics != nil {
			g.metrics.IncBudgetBlocked(ch.String())
		}
		return &BudgetDenial{
			Tenant:           req.Tenant,
			Channel:          ch,
			Spent:            spent,
			Limit:            budget.MonthlyLimit,
			OverrideEligible: g.overrideToken != "",
		}
	}

	if spent >= warnAt*budget.MonthlyLimit {
		g.logger.Warn("budget warning threshold reached",
			zap.String("tenant", req.Tenant),
			zap.String("serviceOrigin", req.ServiceOrigin),
			zap.String("channel", ch.String()),
			zap.Float64("spent", spent),
			zap.Float64("limit", budget.MonthlyLimit),
		)
		if g.metrics != nil {
			g.metrics.IncBudgetWarning(ch.String())
		}
	}
	return nil
}

func (g *Governor) validateOverride(override *domain.OverrideCommand) error {
	if err := override.Validate(g.now()); err != nil {
		return err
	}
	if g.overrideToken == "" {
		return fmt.Errorf("%w: overrides are not enabled", domain.ErrValidation)
	}
	if subtle.ConstantTimeCompare([]byte(override.Token), []byte(g.overrideToken)) != 1 {
		return fmt.Errorf("%w: invalid override credential", domain.ErrValidation)
	}
	return nil
}

func (g *Governor) recordOverride(ctx context.Context, req *domain.NotificationRequest, override *domain.OverrideCommand) {
	if g.audits == nil {
		return
	}
	audit := &domain.OverrideAudit{
		ID:            uuid.NewString(),
		Tenant:        req.Tenant,
		ServiceOrigin: req.ServiceOrigin,
		Actor:         override.Actor,
		Reason:        override.Reason,
		CorrelationID: req.CorrelationID,
		ExpiresAt:     override.ExpiresAt,
		CreatedAt:     g.now().UTC(),
	}
	if err := g.audits.CreateOverrideAudit(ctx, audit); err != nil {
		g.logger.Error("failed to record override audit",
			zap.String("tenant", req.Tenant),
			zap.String("actor", override.Actor),
			zap.Error(err),
		)
	}
}

type scopeKey struct {
	name string
	key  string
}

// bucketScopes lists every bucket the request must pass for one channel:
// tenant, service, and (when present) user.
// bucketScopes lists the applicable buckets narrowest first. A denial at the
// user scope therefore consumes no shared tokens; tokens taken from scopes
// that passed before a later scope denied are not refunded.
func bucketScopes(req *domain.NotificationRequest, ch domain.Channel) []scopeKey {
	chName := strings.ToLower(ch.String())
	scopes := make([]scopeKey, 0, 3)
	if strings.TrimSpace(req.UserID) != "" {
		scopes = append(scopes, scopeKey{
			name: "user",
			key:  fmt.Sprintf("user:%s:%s:%s", req.Tenant, req.UserID, chName),
		})
	}
	scopes = append(scopes,
		scopeKey{name: "service", key: fmt.Sprintf("service:%s:%s:%s", req.Tenant, req.ServiceOrigin, chName)},
		scopeKey{name: "tenant", key: fmt.Sprintf("tenant:%s:%s", req.Tenant, chName)},
	)
	return scopes
}

func monthStart(now time.Time) time.Time {
	year, month, _ := now.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}
