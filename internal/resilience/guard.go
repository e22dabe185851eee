package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
)

// ErrTimeout is returned when a guarded call exceeds its deadline.
var ErrTimeout = eris.New("collaborator call timed out")

// Guard runs fn with a per-call timeout behind breaker b (which may be nil).
// A call that runs past timeout fails with ErrTimeout while the parent
// context is still live.
func Guard[T any](ctx context.Context, b *Breaker, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	call := func(ctx context.Context) (T, error) {
		if timeout <= 0 {
			return fn(ctx)
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		v, err := fn(cctx)
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			var zero T
			return zero, eris.Wrapf(ErrTimeout, "after %s", timeout)
		}
		return v, err
	}

	if b == nil {
		return call(ctx)
	}
	return CallVal(ctx, b, call)
}
