package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleka07/twinclient/pkg/model"
)

// SubmitTimeout bounds every round-trip to the hub client.
const SubmitTimeout = 5 * time.Second

// withTimeout runs fn and waits at most timeout for it. fn gets a context that is
// cancelled at the deadline; an fn that ignores it keeps running but is no longer
// waited for. Exceeding the bound yields model.ErrTimeout. There is no retry.
func withTimeout(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s did not complete within %s", model.ErrTimeout, op, timeout)
		}
		return ctx.Err()
	}
}
