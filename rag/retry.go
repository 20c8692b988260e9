package rag

import (
	"context"
	"errors"
	"time"

	"github.com/zpark/knowledge/rag/providers"
)

// WithRateLimitRetry invokes op; when op fails with a provider 429 it sleeps
// for the Retry-After hint and invokes op exactly once more, returning the
// second result whatever it is. Any other failure propagates immediately.
// There is never more than one retry.
func WithRateLimitRetry(ctx context.Context, opName string, op func() error) error {
	return withRateLimitRetry(ctx, opName, op, sleepCtx)
}

func withRateLimitRetry(ctx context.Context, opName string, op func() error, sleep func(context.Context, time.Duration) error) error {
	err := op()
	if err == nil {
		return nil
	}

	var rle *providers.RateLimitError
	if !errors.As(err, &rle) {
		return err
	}

	GlobalLogger.Warn("rate limited, retrying once",
		"op", opName, "provider", rle.Provider, "retry_after", rle.RetryAfter)
	if err := sleep(ctx, rle.RetryAfter); err != nil {
		return err
	}
	return op()
}
