package resilience

import (
	"context"
	"time"
)

// Retry runs fn up to 1+retries times, doubling the wait between attempts
// starting from base. It returns nil on the first success, the last error
// after the final attempt, or ctx.Err() if the context ends while waiting.
func Retry(ctx context.Context, retries int, base time.Duration, fn func() error) error {
	var err error
	wait := base
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}
