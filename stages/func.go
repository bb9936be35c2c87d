package stages

import (
	"context"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/async"
)

// Func adapts an in-process function to a stage. Plain errors become
// retryable StageErrors named after the stage; a returned StageError and
// context errors pass through unchanged.
func Func(fn func(ctx context.Context, sc async.StageContext) (string, error)) async.Stage {
	return async.StageFunc(func(ctx context.Context, sc async.StageContext) (string, error) {
		output, err := fn(ctx, sc)
		if err == nil {
			return output, nil
		}
		var se *async.StageError
		if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", async.WrapStageError(sc.Stage, err, false)
	})
}
