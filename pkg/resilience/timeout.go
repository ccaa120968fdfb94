package resilience

import (
	"context"
	"fmt"
	"time"
)

// WaitFor blocks until done is closed, ctx is cancelled, or timeout elapses.
// A non-positive timeout waits on done and ctx only.
func WaitFor(ctx context.Context, timeout time.Duration, name string, done <-chan struct{}) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w (limit: %v)", name, ctx.Err(), timeout)
	}
}
