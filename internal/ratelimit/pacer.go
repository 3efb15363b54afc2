package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer is a single token bucket that blocks callers instead of rejecting
// them. It paces outbound calls to a provider quota, e.g. the embedding
// API's requests-per-minute ceiling.
type Pacer struct {
	interval time.Duration // time between token grants
	burst    float64

	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewPacer creates a pacer admitting perMinute calls per minute with the
// given burst capacity.
func NewPacer(perMinute int, burst int) *Pacer {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{
		interval: time.Minute / time.Duration(perMinute),
		burst:    float64(burst),
		tokens:   float64(burst),
		lastFill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done. Waiters are not
// strictly FIFO; under contention grant order follows timer wakeup order.
func (p *Pacer) Wait(ctx context.Context) error {
	for {
		wait := p.take()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token if available, otherwise returns how long to wait
// before trying again.
func (p *Pacer) take() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(p.lastFill)
	p.tokens += float64(elapsed) / float64(p.interval)
	if p.tokens > p.burst {
		p.tokens = p.burst
	}
	p.lastFill = now

	if p.tokens >= 1 {
		p.tokens--
		return 0
	}
	return time.Duration((1 - p.tokens) * float64(p.interval))
}
