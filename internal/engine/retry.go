package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/basket/go-conductor/internal/runtime"
)

func retriable(err error) bool {
	return errors.Is(err, runtime.ErrUnavailable)
}

// withRetry executes fn, retrying up to maxRetries times while it fails with
// runtime.ErrUnavailable. Retries use jittered exponential backoff starting
// at baseDelay.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}
	maxRetries = max(maxRetries, 0)
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
