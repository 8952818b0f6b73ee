// Package breaker implements the per-provider circuit breaker used by the
// dispatcher: closed -> open when the failure ratio over a rolling window of
// recent attempts crosses the threshold, open -> half-open after a cooldown,
// half-open allows exactly one trial attempt.
package breaker

import (
	"context"
	"math"
	"sync"
	"time"
)

// State is the circuit state for one provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Decision is the result of consulting the breaker before a send.
type Decision struct {
	Allowed bool
	// Trial marks the single half-open probe; its Record call decides
	// whether the circuit closes again.
	Trial      bool
	RetryAfter time.Duration
}

// Breaker tracks rolling provider health. Implementations must be safe for
// concurrent use; cross-instance implementations may be eventually
// consistent.
type Breaker interface {
	Allow(ctx context.Context, provider string) (Decision, error)
	Record(ctx context.Context, provider string, success bool, trial bool) error
	State(ctx context.Context, provider string) (State, error)
}

// Config bounds the rolling window and the open cooldown.
type Config struct {
	WindowSize       int
	FailureThreshold float64
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		Cooldown:         30 * time.Second,
	}
}

// failuresToOpen is the failure count within the window that trips the
// circuit.
func (c Config) failuresToOpen() int {
	n := int(math.Ceil(c.FailureThreshold * float64(c.WindowSize)))
	if n < 1 {
		n = 1
	}
	return n
}

type providerState struct {
	state         State
	openedAt      time.Time
	trialInFlight bool
	// trialStartedAt bounds the trial reservation: a claimant that never
	// reports back loses the slot after one cooldown.
	trialStartedAt time.Time
	// window holds the most recent attempt results, true = failure.
	window []bool
}

// MemoryBreaker is the in-process Breaker used in tests and single-node
// deployments.
type MemoryBreaker struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerState
	now       func() time.Time
}

func NewMemoryBreaker(cfg Config) *MemoryBreaker {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}

	return &MemoryBreaker{
		cfg:       cfg,
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (b *MemoryBreaker) SetNow(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

func (b *MemoryBreaker) Allow(ctx context.Context, provider string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.provider(provider)
	now := b.now()

	switch ps.state {
	case StateClosed:
		return Decision{Allowed: true}, nil
	case StateOpen:
		remaining := ps.openedAt.Add(b.cfg.Cooldown).Sub(now)
		if remaining > 0 {
			return Decision{RetryAfter: remaining}, nil
		}
		ps.state = StateHalfOpen
		ps.trialInFlight = true
		ps.trialStartedAt = now
		return Decision{Allowed: true, Trial: true}, nil
	case StateHalfOpen:
		if ps.trialInFlight {
			remaining := ps.trialStartedAt.Add(b.cfg.Cooldown).Sub(now)
			if remaining > 0 {
				return Decision{RetryAfter: remaining}, nil
			}
			// The previous claimant never reported back; hand the
			// trial slot to this caller.
		}
		ps.trialInFlight = true
		ps.trialStartedAt = now
		return Decision{Allowed: true, Trial: true}, nil
	}
	return Decision{}, nil
}

func (b *MemoryBreaker) Record(ctx context.Context, provider string, success bool, trial bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.provider(provider)

	if trial || ps.state == StateHalfOpen {
		ps.trialInFlight = false
		if success {
			ps.state = StateClosed
			ps.window = ps.window[:0]
			return nil
		}
		ps.state = StateOpen
		ps.openedAt = b.now()
		return nil
	}

	ps.window = append(ps.window, !success)
	if overflow := len(ps.window) - b.cfg.WindowSize; overflow > 0 {
		ps.window = ps.window[overflow:]
	}

	if ps.state == StateClosed && !success && b.windowFailures(ps) >= b.cfg.failuresToOpen() {
		ps.state = StateOpen
		ps.openedAt = b.now()
	}
	return nil
}

func (b *MemoryBreaker) State(ctx context.Context, provider string) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.provider(provider).state, nil
}

func (b *MemoryBreaker) provider(name string) *providerState {
	ps, ok := b.providers[name]
	if !ok {
		ps = &providerState{state: StateClosed}
		b.providers[name] = ps
	}
	return ps
}

func (b *MemoryBreaker) windowFailures(ps *providerState) int {
	failures := 0
	for _, failed := range ps.window {
		if failed {
			failures++
		}
	}
	return failures
}
