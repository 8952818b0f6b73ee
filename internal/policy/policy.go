// Package policy holds the read-only dispatch-time tables: retry policies,
// rate-limit configs, and monthly budgets. Resolution is most-specific-match,
// falling back to wildcard defaults.
package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/notifyops/notify-core/internal/domain"
)

// Wildcard matches any service origin, channel, or tenant in a policy key.
const Wildcard = "*"

// RetryPolicy bounds attempts for a (serviceOrigin, channel) pair.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffFactor     float64
	MaxDelay          time.Duration
	JitterBound       time.Duration
	PerAttemptTimeout time.Duration
}

// DefaultRetryPolicy is the wildcard fallback applied when no more specific
// policy is registered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       6,
		BaseDelay:         5 * time.Second,
		BackoffFactor:     2,
		MaxDelay:          10 * time.Minute,
		JitterBound:       time.Second,
		PerAttemptTimeout: 10 * time.Second,
	}
}

// RateLimitConfig describes one token bucket scope. AbsoluteMax is the hard
// ceiling that even an admin override cannot exceed.
type RateLimitConfig struct {
	Window      time.Duration
	Capacity    int
	Burst       int
	AbsoluteMax int
}

// DefaultRateLimitConfig is the wildcard fallback bucket.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:      time.Minute,
		Capacity:    60,
		Burst:       20,
		AbsoluteMax: 600,
	}
}

// BudgetPolicy is the monthly spending threshold for a tenant scope.
type BudgetPolicy struct {
	MonthlyLimit  float64
	WarnThreshold float64
}

// DefaultBudgetPolicy warns at 80% and blocks at the full monthly limit.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{MonthlyLimit: 10000, WarnThreshold: 0.8}
}

type retryKey struct {
	serviceOrigin string
	channel       string
}

type rateKey struct {
	tenant        string
	serviceOrigin string
	channel       string
}

// Table is the in-process policy registry. Entries are registered at startup
// and read-only at dispatch time; the mutex only guards startup registration
// racing early reads.
type Table struct {
	mu      sync.RWMutex
	retry   map[retryKey]RetryPolicy
	rate    map[rateKey]RateLimitConfig
	budget  map[rateKey]BudgetPolicy
	nowFunc func() time.Time
}

func NewTable() *Table {
	return &Table{
		retry:   map[retryKey]RetryPolicy{{Wildcard, Wildcard}: DefaultRetryPolicy()},
		rate:    map[rateKey]RateLimitConfig{{Wildcard, Wildcard, Wildcard}: DefaultRateLimitConfig()},
		budget:  map[rateKey]BudgetPolicy{{Wildcard, Wildcard, Wildcard}: DefaultBudgetPolicy()},
		nowFunc: time.Now,
	}
}

// SetRetry registers a retry policy for (serviceOrigin|*, channel|*).
func (t *Table) SetRetry(serviceOrigin, channel string, p RetryPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retry[retryKey{normalize(serviceOrigin), normalize(channel)}] = p
}

// SetRateLimit registers a bucket config for (tenant|*, serviceOrigin|*, channel|*).
func (t *Table) SetRateLimit(tenant, serviceOrigin, channel string, c RateLimitConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rate[rateKey{normalize(tenant), normalize(serviceOrigin), normalize(channel)}] = c
}

// SetBudget registers a monthly budget for (tenant|*, serviceOrigin|*, channel|*).
func (t *Table) SetBudget(tenant, serviceOrigin, channel string, b BudgetPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget[rateKey{normalize(tenant), normalize(serviceOrigin), normalize(channel)}] = b
}

// ResolveRetry returns the most specific retry policy for the pair:
// (svc,ch) > (svc,*) > (*,ch) > (*,*).
func (t *Table) ResolveRetry(serviceOrigin string, channel domain.Channel) RetryPolicy {
	svc := normalize(serviceOrigin)
	ch := normalize(channel.String())

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, key := range []retryKey{
		{svc, ch},
		{svc, Wildcard},
		{Wildcard, ch},
		{Wildcard, Wildcard},
	} {
		if p, ok := t.retry[key]; ok {
			return p
		}
	}
	return DefaultRetryPolicy()
}

// ResolveRateLimit returns the most specific bucket config for the triple.
// Tenant beats service origin beats channel in specificity order.
func (t *Table) ResolveRateLimit(tenant, serviceOrigin string, channel domain.Channel) RateLimitConfig {
	tn := normalize(tenant)
	svc := normalize(serviceOrigin)
	ch := normalize(channel.String())

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, key := range rateKeyFallbacks(tn, svc, ch) {
		if c, ok := t.rate[key]; ok {
			return c
		}
	}
	return DefaultRateLimitConfig()
}

// ResolveBudget returns the most specific monthly budget for the triple.
func (t *Table) ResolveBudget(tenant, serviceOrigin string, channel domain.Channel) BudgetPolicy {
	tn := normalize(tenant)
	svc := normalize(serviceOrigin)
	ch := normalize(channel.String())

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, key := range rateKeyFallbacks(tn, svc, ch) {
		if b, ok := t.budget[key]; ok {
			return b
		}
	}
	return DefaultBudgetPolicy()
}

func rateKeyFallbacks(tenant, svc, ch string) []rateKey {
	return []rateKey{
		{tenant, svc, ch},
		{tenant, svc, Wildcard},
		{tenant, Wildcard, ch},
		{tenant, Wildcard, Wildcard},
		{Wildcard, svc, ch},
		{Wildcard, svc, Wildcard},
		{Wildcard, Wildcard, ch},
		{Wildcard, Wildcard, Wildcard},
	}
}

func normalize(s string) string {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return Wildcard
	}
	return trimmed
}
