// Package backoff computes how long a failed job waits before it becomes
// claimable again. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n. Attempt is the
// number of executions the job has already begun, so the first retry
// after one failed execution sees attempt 1.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts an ordinary function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f(attempt).
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// None retries immediately.
type None struct{}

// Delay always returns zero.
func (None) Delay(int) time.Duration { return 0 }

// Constant waits the same interval before every retry.
type Constant struct {
	Interval time.Duration
}

// NewConstant returns a Constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Linear grows by Step per attempt, capped at Max when Max > 0.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

// NewLinear returns a Linear strategy.
func NewLinear(step, maxDelay time.Duration) *Linear {
	return &Linear{Step: step, Max: maxDelay}
}

// Delay returns Step * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capAt(l.Step*time.Duration(attempt), l.Max)
}

// Exponential multiplies Initial by Factor for every attempt after the
// first. Jitter in (0, 1] randomizes the top fraction of each delay:
// a Jitter of 1 is "full jitter", 0.2 keeps at least 80% of the base.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// NewExponential returns a doubling strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Factor: 2}
}

// NewExponentialWithJitter returns a doubling strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Factor: 2, Jitter: 1}
}

// Delay returns Initial * Factor^(attempt-1), capped at Max, then jittered.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor < 1 {
		factor = 2
	}

	base := float64(e.Initial) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if base > math.MaxInt64 {
		base = math.MaxInt64
	}

	if j := min(e.Jitter, 1); j > 0 {
		base -= rand.Float64() * j * base //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(base)
}

// Default is the strategy the engine uses when none is configured.
func Default() Strategy { return None{} }

func capAt(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
