// Package retry owns the backoff computation and the background loops that
// bring deferred work back onto the dispatch queues.
package retry

import (
	"time"

	"github.com/notifyops/notify-core/internal/policy"
)

// Delay computes the wait before the next attempt given the number of
// completed attempts: min(base * factor^attempts, maxDelay) plus uniform
// jitter in [0, jitterBound).
func Delay(p policy.RetryPolicy, completedAttempts int, randIntn func(n int) int) time.Duration {
	if completedAttempts < 0 {
		completedAttempts = 0
	}

	base := p.BaseDelay
	if base <= 0 {
		base = policy.DefaultRetryPolicy().BaseDelay
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = policy.DefaultRetryPolicy().BackoffFactor
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = policy.DefaultRetryPolicy().MaxDelay
	}

	delay := base
	for i := 0; i < completedAttempts; i++ {
		delay = time.Duration(float64(delay) * factor)
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if p.JitterBound > 0 && randIntn != nil {
		jitterMillis := randIntn(int(p.JitterBound / time.Millisecond))
		delay += time.Duration(jitterMillis) * time.Millisecond
	}

	return delay
}
