// Package fanout runs one logical operation against many providers at once.
// Each provider call is guarded by its own timeout and reported as an
// Outcome; the aggregator collects outcomes in provider order and folds all
// failures into a single AggregatedFailure instead of failing the request.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the variants of an Outcome.
type Kind int

const (
	KindSucceeded Kind = iota
	KindCanceled
	KindTimedOut
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindCanceled:
		return "canceled"
	case KindTimedOut:
		return "timed_out"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// errUnknownFailure stands in for a nil error passed to Failed so that a
// failed outcome always carries an error.
var errUnknownFailure = errors.New("provider call failed")

// Outcome is the result of one guarded provider call: exactly one of a value
// (KindSucceeded) or an error (every other kind). The zero Outcome is a
// success carrying the zero value.
type Outcome[T any] struct {
	kind  Kind
	value T
	err   error
}

// Succeeded wraps a payload.
func Succeeded[T any](v T) Outcome[T] {
	return Outcome[T]{kind: KindSucceeded, value: v}
}

// Canceled reports a call that was canceled by the caller or by the provider
// itself. err is kept as-is; nil becomes context.Canceled.
func Canceled[T any](err error) Outcome[T] {
	if err == nil {
		err = context.Canceled
	}
	return Outcome[T]{kind: KindCanceled, err: err}
}

// TimedOut reports a call that outlived its per-call deadline.
func TimedOut[T any](err *TimeoutError) Outcome[T] {
	return Outcome[T]{kind: KindTimedOut, err: err}
}

// Failed reports any other provider error, unmodified.
func Failed[T any](err error) Outcome[T] {
	if err == nil {
		err = errUnknownFailure
	}
	return Outcome[T]{kind: KindFailed, err: err}
}

func (o Outcome[T]) Kind() Kind {
	return o.kind
}

// Value returns the payload and true for a successful outcome.
func (o Outcome[T]) Value() (T, bool) {
	if o.kind != KindSucceeded {
		var zero T
		return zero, false
	}
	return o.value, true
}

// Err returns the failure, or nil for a successful outcome.
func (o Outcome[T]) Err() error {
	return o.err
}

// TimeoutError is the failure of a call that exceeded its deadline. Its
// cause is the context error observed when the deadline fired.
type TimeoutError struct {
	Limit time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Provider call exceeded %d milliseconds.", e.Limit.Milliseconds())
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// PanicError is the failure of a call that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("provider call panicked: %v", e.Value)
}

// IsCancellation reports whether err is a context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
