package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserAborted is the cancellation cause of an aborted run.
	ErrUserAborted = errors.New("aborted by user")
	// ErrRequestTimeout is the cancellation cause of a provider request that ran past its deadline.
	ErrRequestTimeout = errors.New("provider request timed out")
)

// WithAbort returns a context that is cancelled with ErrUserAborted when
// abort is called. Calling abort more than once is safe.
func WithAbort(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	return ctx, func() { cancel(ErrUserAborted) }
}

// withRequestTimeout derives the per-request context. It is done when either
// the run is aborted or the timeout elapses, whichever happens first.
func withRequestTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, ErrRequestTimeout)
}

// contextError reports why ctx is done. The result matches both ctx.Err()
// and the cancellation cause under errors.Is.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, cause)
}
