package book

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PriorityLimiter shares one HTTP budget to the venue between two classes.
// High-priority callers (trade/activity queries on behalf of ingestion) only
// pay the shared per-second budget. Low-priority callers (price/book
// fallbacks) additionally yield while any high-priority caller is waiting
// and space their requests at least minSpacing apart.
type PriorityLimiter struct {
	shared *rate.Limiter

	mu          sync.Mutex
	highWaiting int
	lastLow     time.Time
	minSpacing  time.Duration
}

// NewPriorityLimiter creates a limiter with the given per-second budget and
// low-priority spacing.
func NewPriorityLimiter(perSecond float64, minSpacing time.Duration) *PriorityLimiter {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &PriorityLimiter{
		shared:     rate.NewLimiter(rate.Limit(perSecond), burst),
		minSpacing: minSpacing,
	}
}

// WaitHigh blocks until a high-priority slot is available.
func (p *PriorityLimiter) WaitHigh(ctx context.Context) error {
	p.mu.Lock()
	p.highWaiting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.highWaiting--
		p.mu.Unlock()
	}()
	return p.shared.Wait(ctx)
}

// WaitLow blocks until a low-priority slot is available: no high-priority
// caller waiting, at least minSpacing since the previous low request, and a
// token from the shared budget.
func (p *PriorityLimiter) WaitLow(ctx context.Context) error {
	for {
		p.mu.Lock()
		preempted := p.highWaiting > 0
		gap := p.minSpacing - time.Since(p.lastLow)
		if !preempted && gap <= 0 {
			p.lastLow = time.Now()
			p.mu.Unlock()
			return p.shared.Wait(ctx)
		}
		p.mu.Unlock()

		sleep := gap
		if preempted || sleep < 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
