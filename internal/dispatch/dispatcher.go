// Package dispatch executes delivery attempts: per-channel fan-out through
// the provider registry, guarded by the circuit breaker, with a bounded-join
// variant for the synchronous path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/breaker"
	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/provider"
	"github.com/notifyops/notify-core/internal/routing"
)

// LedgerAppender records the cost of each successful send.
type LedgerAppender interface {
	Append(ctx context.Context, entry *domain.BudgetLedgerEntry) error
}

// Dispatcher runs one delivery attempt across every pending channel of a
// notification. It never mutates persistence; callers apply the returned
// outcome.
type Dispatcher struct {
	providers *provider.Registry
	breakers  breaker.Breaker
	router    *routing.Router
	policies  *policy.Table
	ledger    LedgerAppender
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewDispatcher(
	providers *provider.Registry,
	breakers breaker.Breaker,
	router *routing.Router,
	policies *policy.Table,
	ledger LedgerAppender,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if breakers == nil {
		return nil, fmt.Errorf("breaker is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		providers: providers,
		breakers:  breakers,
		router:    router,
		policies:  policies,
		ledger:    ledger,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

type channelResult struct {
	outcome   domain.ChannelOutcome
	retryable bool
}

// Attempt sends to every channel not already delivered and blocks until all
// channels finish. The returned outcome merges previously delivered channels
// so the aggregate reflects the whole request.
func (d *Dispatcher) Attempt(ctx context.Context, n *domain.QueuedNotification) *domain.AttemptOutcome {
	results := d.fanOut(ctx, n)

	collected := make([]channelResult, 0, len(n.Channels))
	for result := range results {
		collected = append(collected, result)
	}

	return d.buildOutcome(n, collected, nil)
}

// AttemptSync is the bounded-join variant for the synchronous path. Channels
// that finish within joinWithin appear with their real status; late channels
// are reported as TIMEOUT while their sends continue in the background. When
// every channel eventually finishes, onComplete receives the full outcome.
func (d *Dispatcher) AttemptSync(ctx context.Context, n *domain.QueuedNotification, joinWithin time.Duration, onComplete func(*domain.AttemptOutcome)) *domain.AttemptOutcome {
	// The background sends must survive the caller's request context.
	results := d.fanOut(context.WithoutCancel(ctx), n)

	timer := time.NewTimer(joinWithin)
	defer timer.Stop()

	pending := pendingChannels(n)
	collected := make([]channelResult, 0, len(pending))
	var late []domain.Channel

join:
	for len(collected) < len(pending) {
		select {
		case result, ok := <-results:
			if !ok {
				break join
			}
			collected = append(collected, result)
		case <-timer.C:
			seen := make(map[domain.Channel]struct{}, len(collected))
			for _, result := range collected {
				seen[result.outcome.Channel] = struct{}{}
			}
			for _, ch := range pending {
				if _, done := seen[ch]; !done {
					late = append(late, ch)
				}
			}
			break join
		}
	}

	if len(late) > 0 && onComplete != nil {
		background := make([]channelResult, len(collected), len(pending))
		copy(background, collected)
		go func() {
			for result := range results {
				background = append(background, result)
			}
			onComplete(d.buildOutcome(n, background, nil))
		}()
	} else if onComplete != nil {
		onComplete(d.buildOutcome(n, collected, nil))
	}

	return d.buildOutcome(n, collected, late)
}

// fanOut launches one send per pending channel and closes the result stream
// when all finish.
func (d *Dispatcher) fanOut(ctx context.Context, n *domain.QueuedNotification) <-chan channelResult {
	pending := pendingChannels(n)
	results := make(chan channelResult, len(pending))

	done := make(chan struct{}, len(pending))
	for _, ch := range pending {
		go func(ch domain.Channel) {
			results <- d.sendChannel(ctx, n, ch)
			done <- struct{}{}
		}(ch)
	}

	go func() {
		for range pending {
			<-done
		}
		close(results)
	}()

	return results
}

// pendingChannels filters out channels already delivered on a prior attempt.
func pendingChannels(n *domain.QueuedNotification) []domain.Channel {
	pending := make([]domain.Channel, 0, len(n.Channels))
	for _, ch := range n.Channels {
		if prev, ok := n.ChannelOutcomes[ch]; ok && prev.Status == domain.ChannelDelivered {
			continue
		}
		pending = append(pending, ch)
	}
	return pending
}

func (d *Dispatcher) sendChannel(ctx context.Context, n *domain.QueuedNotification, ch domain.Channel) channelResult {
	channelName := strings.ToLower(ch.String())

	rendered, _, err := d.router.Render(ctx, n.TemplateKey, ch, n.Locale, n.Payload)
	if err != nil {
		d.logger.Warn("template resolution failed",
			zap.String("notificationId", n.ID),
			zap.String("channel", channelName),
			zap.Error(err),
		)
		return channelResult{
			outcome: domain.ChannelOutcome{
				Channel:     ch,
				Status:      domain.ChannelFailed,
				ErrorCode:   string(domain.CodeForError(err)),
				ErrorDetail: err.Error(),
			},
			retryable: false,
		}
	}

	adapter, trial, denial := d.selectAdapter(ctx, ch)
	if adapter == nil {
		if d.metrics != nil {
			d.metrics.IncNotificationFailed(channelName, "provider_unavailable")
		}
		outcome := domain.ChannelOutcome{
			Channel:     ch,
			Status:      domain.ChannelUnavailable,
			ErrorCode:   string(domain.CodeProviderUnavailable),
			ErrorDetail: denial,
		}
		return channelResult{outcome: outcome, retryable: true}
	}

	retryPolicy := d.policies.ResolveRetry(n.ServiceOrigin, ch)
	timeout := retryPolicy.PerAttemptTimeout
	if timeout <= 0 {
		timeout = policy.DefaultRetryPolicy().PerAttemptTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := provider.Message{
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Channel:        ch,
		Destination:    n.Destination(ch),
		Subject:        rendered.Subject,
		Body:           rendered.Body,
	}

	start := d.now()
	resp, sendErr := adapter.Send(sendCtx, msg)
	duration := d.now().Sub(start)

	if d.metrics != nil {
		d.metrics.ObserveSendDuration(channelName, adapter.Name(), duration)
	}

	transient := provider.IsTransient(sendErr)
	// Permanent rejections mean the provider answered; only transient
	// failures count against its health.
	breakerSuccess := sendErr == nil || !transient
	if recordErr := d.breakers.Record(ctx, adapter.Name(), breakerSuccess, trial); recordErr != nil {
		d.logger.Warn("failed to record breaker outcome",
			zap.String("provider", adapter.Name()),
			zap.Error(recordErr),
		)
	}

	if sendErr == nil {
		d.appendLedger(ctx, n, ch, adapter)
		if d.metrics != nil {
			d.metrics.IncNotificationSent(channelName)
		}
		outcome := domain.ChannelOutcome{
			Channel:        ch,
			Status:         domain.ChannelDelivered,
			Provider:       adapter.Name(),
			DurationMillis: duration.Milliseconds(),
		}
		if resp != nil {
			outcome.ProviderMessageID = resp.MessageID
		}
		return channelResult{outcome: outcome}
	}

	status := domain.ChannelFailed
	errorCode := "PROVIDER_ERROR"
	if errors.Is(sendErr, context.DeadlineExceeded) {
		status = domain.ChannelTimeout
		errorCode = "TIMEOUT"
	} else {
		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.Code != "" {
			errorCode = providerErr.Code
		}
	}

	if d.metrics != nil {
		reason := "permanent_error"
		if transient {
			reason = "transient_error"
		}
		d.metrics.IncNotificationFailed(channelName, reason)
	}

	return channelResult{
		outcome: domain.ChannelOutcome{
			Channel:        ch,
			Status:         status,
			Provider:       adapter.Name(),
			ErrorCode:      errorCode,
			ErrorDetail:    sendErr.Error(),
			DurationMillis: duration.Milliseconds(),
		},
		retryable: transient,
	}
}

// selectAdapter consults the breaker for the primary and falls back to the
// secondary when the primary's circuit is open. Returns a nil adapter with a
// denial detail when no provider may be tried.
func (d *Dispatcher) selectAdapter(ctx context.Context, ch domain.Channel) (provider.Adapter, bool, string) {
	primary, err := d.providers.Primary(ch)
	if err != nil {
		return nil, false, err.Error()
	}

	decision, err := d.breakers.Allow(ctx, primary.Name())
	if err != nil {
		d.logger.Warn("breaker consult failed, allowing send",
			zap.String("provider", primary.Name()),
			zap.Error(err),
		)
		return primary, false, ""
	}
	if decision.Allowed {
		return primary, decision.Trial, ""
	}

	secondary := d.providers.Secondary(ch)
	if secondary == nil {
		return nil, false, fmt.Sprintf("circuit open for provider %s, retry after %s", primary.Name(), decision.RetryAfter)
	}

	secondaryDecision, err := d.breakers.Allow(ctx, secondary.Name())
	if err != nil {
		return secondary, false, ""
	}
	if secondaryDecision.Allowed {
		return secondary, secondaryDecision.Trial, ""
	}

	return nil, false, fmt.Sprintf("circuits open for providers %s and %s", primary.Name(), secondary.Name())
}

func (d *Dispatcher) appendLedger(ctx context.Context, n *domain.QueuedNotification, ch domain.Channel, adapter provider.Adapter) {
	if d.ledger == nil {
		return
	}

	entry := &domain.BudgetLedgerEntry{
		ID:            uuid.NewString(),
		Tenant:        n.Tenant,
		ServiceOrigin: n.ServiceOrigin,
		Channel:       ch,
		Provider:      adapter.Name(),
		UnitCost:      adapter.UnitCost(),
		Units:         1,
		TotalCost:     adapter.UnitCost(),
		CorrelationID: n.CorrelationID,
		OccurredAt:    d.now().UTC(),
	}
	if err := d.ledger.Append(ctx, entry); err != nil {
		d.logger.Error("failed to append budget ledger entry",
			zap.String("notificationId", n.ID),
			zap.String("tenant", n.Tenant),
			zap.Error(err),
		)
	}
}

// buildOutcome merges prior delivered channels, fresh results, and
// late-channel timeouts into one attempt outcome.
func (d *Dispatcher) buildOutcome(n *domain.QueuedNotification, results []channelResult, late []domain.Channel) *domain.AttemptOutcome {
	channels := make(map[domain.Channel]domain.ChannelOutcome, len(n.Channels))
	for ch, prev := range n.ChannelOutcomes {
		if prev.Status == domain.ChannelDelivered {
			channels[ch] = prev
		}
	}

	retryable := false
	for _, result := range results {
		channels[result.outcome.Channel] = result.outcome
		if result.retryable {
			retryable = true
		}
	}

	for _, ch := range late {
		channels[ch] = domain.ChannelOutcome{
			Channel:     ch,
			Status:      domain.ChannelTimeout,
			ErrorCode:   "SYNC_JOIN_TIMEOUT",
			ErrorDetail: "channel did not finish within the synchronous deadline",
		}
		retryable = true
	}

	return &domain.AttemptOutcome{
		NotificationID: n.ID,
		AttemptNumber:  n.Attempts,
		Status:         domain.AggregateStatus(channels),
		Channels:       channels,
		Retryable:      retryable,
		CompletedAt:    d.now().UTC(),
	}
}
