package fanout

import (
	"context"
	"runtime"
	"time"
)

// Call is a single provider operation bound to its arguments.
type Call[T any] func(ctx context.Context) (T, error)

// Invoker runs one provider call and reports how it ended.
type Invoker[T any] interface {
	Invoke(ctx context.Context, call Call[T]) Outcome[T]
}

// GuardedInvoker bounds each call with its own deadline. It does no logging
// and touches no shared state.
type GuardedInvoker[T any] struct {
	timeout time.Duration
}

// NewGuardedInvoker returns an invoker with the given per-call timeout. A
// non-positive timeout disables the deadline; caller cancellation still
// applies.
func NewGuardedInvoker[T any](timeout time.Duration) *GuardedInvoker[T] {
	return &GuardedInvoker[T]{timeout: timeout}
}

// timeoutCause marks the cancellation raised by an invoker's own deadline.
// A fresh value per call lets Invoke tell its deadline apart from any other
// cancellation, including one the provider raises on the same context.
type timeoutCause struct{}

func (*timeoutCause) Error() string { return "provider call deadline" }

type callResult[T any] struct {
	value T
	err   error
}

// Invoke runs call under a context that is canceled when ctx is or when the
// timeout elapses, whichever comes first.
//
// An already-canceled ctx returns Canceled without running call. The call
// runs on its own goroutine, so a provider that ignores its context still
// yields TimedOut on time; that goroutine exits whenever the provider
// returns.
func (g *GuardedInvoker[T]) Invoke(ctx context.Context, call Call[T]) Outcome[T] {
	if ctx.Err() != nil {
		return Canceled[T](context.Cause(ctx))
	}

	cause := &timeoutCause{}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, g.timeout, cause)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				done <- callResult[T]{err: &PanicError{Value: r, Stack: stack[:n]}}
			}
		}()
		v, err := call(callCtx)
		done <- callResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return g.classify(callCtx, cause, res)
	case <-callCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case res := <-done:
			return g.classify(callCtx, cause, res)
		default:
		}
		if context.Cause(callCtx) == error(cause) {
			return TimedOut[T](&TimeoutError{Limit: g.timeout, Cause: callCtx.Err()})
		}
		return Canceled[T](context.Cause(ctx))
	}
}

func (g *GuardedInvoker[T]) classify(callCtx context.Context, cause *timeoutCause, res callResult[T]) Outcome[T] {
	if res.err == nil {
		return Succeeded(res.value)
	}
	if IsCancellation(res.err) {
		if context.Cause(callCtx) == error(cause) {
			return TimedOut[T](&TimeoutError{Limit: g.timeout, Cause: res.err})
		}
		return Canceled[T](res.err)
	}
	return Failed[T](res.err)
}
