package pipeline

import (
	"context"
)

// retryPolicy is the bounded-retry combinator every stage is built on:
// attempts is the total number of tries including the first, reset runs
// before each retry to discard stage state (typically agent histories), and
// retryable decides whether an error is worth another attempt. A nil
// retryable retries everything.
type retryPolicy struct {
	attempts  int
	reset     func()
	retryable func(error) bool
}

// run executes fn under the policy and returns the last error when every
// attempt fails.
func (p retryPolicy) run(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 && p.reset != nil {
			p.reset()
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if p.retryable != nil && !p.retryable(err) {
			break
		}
	}

	return lastErr
}
