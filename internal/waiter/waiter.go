// Package waiter implements the bounded polling loop used everywhere this
// program has to wait for a provider resource to reach a target state.
// Exhausting the attempt budget is a TimeoutError, which is distinct from the
// polled operation itself failing: a predicate error means the resource went
// somewhere it can never come back from, a timeout means we stopped looking.
package waiter

import (
	"context"
	"fmt"
	"time"
)

// Predicate reports whether the awaited resource reached its target state.
// Returning an error aborts the wait immediately (terminal failure).
type Predicate func(ctx context.Context) (done bool, err error)

type Spec struct {
	// Interval between polls.
	Interval time.Duration
	// MaxAttempts is the total poll budget. Zero or negative is invalid.
	MaxAttempts int
}

// TimeoutError reports an exhausted poll budget.
type TimeoutError struct {
	What     string
	Attempts int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %d attempts (%s apart)", e.What, e.Attempts, e.Interval)
}

// Wait polls pred every spec.Interval until it reports done, fails, the
// context is cancelled, or spec.MaxAttempts polls have been made.
// The first poll happens immediately, not after one interval.
func Wait(ctx context.Context, what string, spec Spec, pred Predicate) error {
	if spec.MaxAttempts <= 0 {
		return fmt.Errorf("wait for %s: max attempts must be positive, got %d", what, spec.MaxAttempts)
	}
	if spec.Interval <= 0 {
		return fmt.Errorf("wait for %s: interval must be positive, got %s", what, spec.Interval)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := pred(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= spec.MaxAttempts {
			return &TimeoutError{What: what, Attempts: spec.MaxAttempts, Interval: spec.Interval}
		}
		timer.Reset(spec.Interval)
	}
}
