package rag

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitWindow is the interval over which request admissions are counted.
const rateLimitWindow = time.Minute

// ProviderLimiter bounds outgoing provider calls. Requests are admitted
// through a sliding 60 s window over recorded timestamps, so at any moment
// the number of admissions in the trailing window never exceeds the
// configured requests-per-minute. Token throughput is additionally bounded
// by a token bucket.
//
// All concurrent callers share the same window; Acquire blocks until a slot
// opens.
type ProviderLimiter struct {
	mu       sync.Mutex
	requests []time.Time
	rpm      int
	tokens   *rate.Limiter

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProviderLimiter creates a limiter admitting at most rpm requests and
// tpm tokens per minute. Non-positive knobs disable the corresponding bound.
func NewProviderLimiter(rpm, tpm int) *ProviderLimiter {
	l := &ProviderLimiter{
		rpm:   rpm,
		now:   time.Now,
		sleep: sleepCtx,
	}
	if tpm > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
	}
	return l
}

// Acquire blocks until a request slot is available in the sliding window and
// the given token amount has cleared the token bucket. It returns early with
// the context's error on cancellation.
func (l *ProviderLimiter) Acquire(ctx context.Context, tokenCount int) error {
	if l.rpm > 0 {
		if err := l.acquireSlot(ctx); err != nil {
			return err
		}
	}
	if l.tokens != nil && tokenCount > 0 {
		burst := l.tokens.Burst()
		if tokenCount > burst {
			tokenCount = burst
		}
		return l.tokens.WaitN(ctx, tokenCount)
	}
	return nil
}

func (l *ProviderLimiter) acquireSlot(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		now := l.now()
		l.prune(now)
		if len(l.requests) < l.rpm {
			l.requests = append(l.requests, now)
			return nil
		}
		wait := l.requests[0].Add(rateLimitWindow).Sub(now)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps that have left the window. The queue stays bounded
// at rpm entries.
func (l *ProviderLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateLimitWindow)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}

// Pending returns the number of admissions currently inside the window.
func (l *ProviderLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.requests)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
