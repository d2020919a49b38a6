package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"golang.org/x/time/rate"
)

// Pacer spaces out dispatch waves: at most one wave per interval. Delays are
// computed by a token bucket and slept through the injected clock.
type Pacer struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

// NewPacer creates a pacer allowing one wave per interval. A non-positive
// interval disables pacing.
func NewPacer(interval time.Duration, clk clock.Clock) *Pacer {
	if clk == nil {
		clk = clock.Real{}
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, 1),
		clock:   clk,
	}
}

// Wait blocks until the next wave may be dispatched.
func (p *Pacer) Wait(ctx context.Context) error {
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("pacer: reservation exceeds burst")
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := p.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(p.clock.Now())
		return err
	}
	return nil
}
