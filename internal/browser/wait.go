package browser

import (
	"context"
	"fmt"
	"time"
)

// Predicate reports whether a readiness condition currently holds.
type Predicate func(ctx context.Context) (bool, error)

// WaitUntil polls pred until it returns true, an error, or the timeout
// elapses. The poll interval grows by half on every miss, capped at one
// second, so slow renders don't get hammered. Used instead of fixed sleeps
// for login and page-readiness waits.
func WaitUntil(ctx context.Context, timeout time.Duration, pred Predicate) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := 100 * time.Millisecond
	for {
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("condition not met within %s: %w", timeout, ctx.Err())
		case <-time.After(interval):
		}

		interval += interval / 2
		if interval > time.Second {
			interval = time.Second
		}
	}
}
