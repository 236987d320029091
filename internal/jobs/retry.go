package jobs

import (
	"context"
	"fmt"
	"time"
)

// Status writes race with other writers on the same database file, so they
// are retried a few times before giving up.
const (
	StatusWriteAttempts = 5
	StatusWriteDelay    = 50 * time.Millisecond
)

// Retry runs op up to attempts times, sleeping delay between failures.
// It returns nil on the first success and the last error otherwise.
// A cancelled context stops the retries early.
func Retry(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), i+1, err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// RetryStatusWrite applies the default status-write policy to op.
func RetryStatusWrite(ctx context.Context, op func() error) error {
	return Retry(ctx, StatusWriteAttempts, StatusWriteDelay, op)
}
