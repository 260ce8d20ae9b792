package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxRetries bounds RetryAtomically when callers pass a non-positive limit.
const DefaultMaxRetries = 5

// RetryAtomically runs fn in a store transaction, re-running it from scratch when a
// write loses an optimistic version check. After maxAttempts lost races it returns
// ErrConcurrency. fn must not keep state across attempts.
func RetryAtomically(ctx context.Context, store Store, maxAttempts int, fn func(ctx context.Context, tx Tx) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetries
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = store.Atomically(ctx, fn)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		backoff := time.Duration(attempt*attempt) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConcurrency, maxAttempts, err)
}
