package queue

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces successive dispatches by a fixed interval.
// The zero interval never waits.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a Pacer for the given interval.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next dispatch may start or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}
