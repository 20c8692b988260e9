package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter's time seams deterministically: sleeping
// advances the clock instead of blocking.
type fakeClock struct {
	current time.Time
	slept   []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
	return nil
}

func newTestLimiter(rpm int, clock *fakeClock) *ProviderLimiter {
	l := NewProviderLimiter(rpm, 0)
	l.now = clock.now
	l.sleep = clock.sleep
	return l
}

func TestAcquireUnderLimitDoesNotBlock(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(3, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), 0))
	}
	assert.Empty(t, clock.slept)
	assert.Equal(t, 3, l.Pending())
}

func TestAcquireBlocksUntilWindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(2, clock)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 0))
	clock.current = clock.current.Add(10 * time.Second)
	require.NoError(t, l.Acquire(ctx, 0))

	// Window is full; the third acquire must wait until the first admission
	// leaves the 60 s window.
	require.NoError(t, l.Acquire(ctx, 0))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, 50*time.Second, clock.slept[0])
	assert.Equal(t, 2, l.Pending())
}

func TestAcquireExpiredEntriesArePruned(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(2, clock)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 0))
	require.NoError(t, l.Acquire(ctx, 0))

	clock.current = clock.current.Add(61 * time.Second)
	assert.Equal(t, 0, l.Pending())

	require.NoError(t, l.Acquire(ctx, 0))
	assert.Empty(t, clock.slept)
}

func TestAcquireContextCancellation(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(1, clock)

	require.NoError(t, l.Acquire(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireDisabledRPM(t *testing.T) {
	l := NewProviderLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), 0))
	}
}

func TestAcquireTokenCountClampedToBurst(t *testing.T) {
	// A single oversized request must not wedge the token bucket forever.
	l := NewProviderLimiter(0, 600)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, 10_000))
}

func TestPendingReflectsWindowContents(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(10, clock)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 0))
	require.NoError(t, l.Acquire(ctx, 0))
	assert.Equal(t, 2, l.Pending())

	clock.current = clock.current.Add(rateLimitWindow + time.Second)
	assert.Equal(t, 0, l.Pending())
}
