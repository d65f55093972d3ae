package venue

import (
	"context"

	"marketmaker/internal/errors"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
)

// Do runs op and retries it with policy while classify reports a transient error.
// The last error is returned once the attempt budget is spent.
func Do[T any](ctx context.Context, policy backoff.Backoff, classify func(error) error, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(classify(err), exception.ErrTransient) {
			return zero, err
		}
		if policy.Exhausted(attempt) {
			return zero, errors.Mark(errors.Wrap(err, "retry exhausted"), exception.ErrTransient)
		}
		if serr := policy.Sleep(ctx, attempt); serr != nil {
			return zero, err
		}
	}
}
