package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/idempotency"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/repository"
	"github.com/notifyops/notify-core/internal/retry"
)

// Applier persists the result of a finished attempt: the audit row, the
// retry-or-terminal transition, and the final idempotency record. It is
// shared by the queue worker and the synchronous admission path.
type Applier struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	idempotency   idempotency.Store
	policies      *policy.Table
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	randIntn      func(n int) int
}

func NewApplier(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	idempotencyStore idempotency.Store,
	policies *policy.Table,
	logger *zap.Logger,
) (*Applier, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Applier{
		notifications: notifications,
		attempts:      attempts,
		idempotency:   idempotencyStore,
		policies:      policies,
		logger:        logger,
		now:           time.Now,
		randIntn:      rand.Intn,
	}, nil
}

func (a *Applier) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// Apply records the attempt and makes the retry-or-terminal decision.
func (a *Applier) Apply(ctx context.Context, n *domain.QueuedNotification, outcome *domain.AttemptOutcome) error {
	if err := a.recordAttempt(ctx, n, outcome); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	errorKind, errorDetail := worstChannelError(outcome)

	if !outcome.Retryable {
		return a.finalize(ctx, n, outcome, errorKind, errorDetail)
	}

	retryPolicy := a.policies.ResolveRetry(n.ServiceOrigin, routeChannel(n))
	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retryPolicy.MaxAttempts
	}

	if n.Attempts >= maxAttempts {
		errorKind = string(domain.CodeRetryExhausted)
		if errorDetail != "" {
			errorDetail = fmt.Sprintf("gave up after %d attempts: %s", n.Attempts, errorDetail)
		}
		return a.finalize(ctx, n, outcome, errorKind, errorDetail)
	}

	// Attempts was already incremented when the send was claimed, so the
	// attempt that just failed is number n.Attempts-1 (0-indexed) for backoff.
	nextAttemptAt := a.now().Add(retry.Delay(retryPolicy, n.Attempts-1, a.randIntn))
	if err := a.notifications.ScheduleRetry(ctx, n.ID, nextAttemptAt, outcome.Channels, errorKind, errorDetail); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if a.metrics != nil {
		a.metrics.IncRetryScheduled(strings.ToLower(routeChannel(n).String()))
	}
	return nil
}

func (a *Applier) finalize(ctx context.Context, n *domain.QueuedNotification, outcome *domain.AttemptOutcome, errorKind, errorDetail string) error {
	update := repository.TerminalUpdate{
		Status:      outcome.Status,
		Outcomes:    outcome.Channels,
		ErrorKind:   errorKind,
		ErrorDetail: errorDetail,
	}
	if err := a.notifications.MarkTerminal(ctx, n.ID, update); err != nil {
		return fmt.Errorf("failed to mark notification terminal: %w", err)
	}

	a.completeIdempotency(ctx, n, outcome)
	return nil
}

// completeIdempotency overwrites the in-flight idempotency record with the
// final outcome so later replays see the terminal result.
func (a *Applier) completeIdempotency(ctx context.Context, n *domain.QueuedNotification, outcome *domain.AttemptOutcome) {
	if a.idempotency == nil || strings.TrimSpace(n.IdempotencyKey) == "" {
		return
	}

	result := domain.AdmissionResult{
		NotificationID: n.ID,
		Status:         outcome.Status,
		Channels:       outcome.Channels,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		a.logger.Error("failed to marshal idempotency outcome",
			zap.String("notificationId", n.ID),
			zap.Error(err),
		)
		return
	}

	if err := a.idempotency.Complete(ctx, n.Tenant, n.IdempotencyKey, payload); err != nil {
		a.logger.Error("failed to complete idempotency record",
			zap.String("notificationId", n.ID),
			zap.String("tenant", n.Tenant),
			zap.Error(err),
		)
	}
}

func (a *Applier) recordAttempt(ctx context.Context, n *domain.QueuedNotification, outcome *domain.AttemptOutcome) error {
	errorKind, errorDetail := worstChannelError(outcome)

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		AttemptNumber:  n.Attempts,
		Status:         outcome.Status,
		ErrorKind:      errorKind,
		ErrorDetail:    errorDetail,
		CreatedAt:      a.now().UTC(),
	}

	return a.attempts.Create(ctx, attempt)
}

// worstChannelError summarizes the failed channels of an attempt.
func worstChannelError(outcome *domain.AttemptOutcome) (string, string) {
	if outcome == nil {
		return "", ""
	}

	for _, ch := range domain.AllChannels() {
		o, ok := outcome.Channels[ch]
		if !ok || o.Status == domain.ChannelDelivered {
			continue
		}
		return o.ErrorCode, o.ErrorDetail
	}
	return "", ""
}

func routeChannel(n *domain.QueuedNotification) domain.Channel {
	if n == nil || len(n.Channels) == 0 {
		return domain.ChannelPush
	}
	return n.Channels[0]
}
