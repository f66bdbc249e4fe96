// Package retry wraps fallible operations with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Policy configures Do.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// Retryable decides whether an error deserves another attempt. Nil uses
	// crawler.IsRetryable.
	Retryable func(error) bool
}

// Backoff returns the delay slept after the given zero-based attempt failed.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

// Do runs fn up to p.Attempts times, sleeping BaseDelay*2^attempt between
// tries. Intermediate failures are discarded; the last error is returned once
// attempts are exhausted. Non-retryable errors and context cancellation stop
// immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = crawler.IsRetryable
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return err
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return fmt.Errorf("retry backoff: %w", serr)
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
