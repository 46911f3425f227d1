package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestInvoke_AlreadyCanceledNeverCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	inv := NewGuardedInvoker[string](time.Second)
	o := inv.Invoke(ctx, func(context.Context) (string, error) {
		calls.Add(1)
		return "x", nil
	})

	if o.Kind() != KindCanceled {
		t.Fatalf("expected canceled, got %s", o.Kind())
	}
	if !errors.Is(o.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", o.Err())
	}
	if calls.Load() != 0 {
		t.Errorf("expected zero provider calls, got %d", calls.Load())
	}
}

func TestInvoke_Success(t *testing.T) {
	inv := NewGuardedInvoker[string](time.Second)
	o := inv.Invoke(context.Background(), func(context.Context) (string, error) {
		return "payload", nil
	})

	v, ok := o.Value()
	if !ok || v != "payload" {
		t.Fatalf("expected success with payload, got %v %v", o.Kind(), o.Err())
	}
	if o.Err() != nil {
		t.Errorf("expected nil error on success, got %v", o.Err())
	}
}

func TestInvoke_TimeoutCooperativeProvider(t *testing.T) {
	inv := NewGuardedInvoker[string](time.Millisecond)
	o := inv.Invoke(context.Background(), func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	if o.Kind() != KindTimedOut {
		t.Fatalf("expected timed out, got %s (%v)", o.Kind(), o.Err())
	}
	if o.Err().Error() != "Provider call exceeded 1 milliseconds." {
		t.Errorf("unexpected message %q", o.Err().Error())
	}
	var te *TimeoutError
	if !errors.As(o.Err(), &te) {
		t.Fatalf("expected *TimeoutError, got %T", o.Err())
	}
	if !errors.Is(te.Cause, context.DeadlineExceeded) {
		t.Errorf("expected cause to be the deadline artifact, got %v", te.Cause)
	}
}

func TestInvoke_TimeoutProviderIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	inv := NewGuardedInvoker[string](5 * time.Millisecond)
	start := time.Now()
	o := inv.Invoke(context.Background(), func(context.Context) (string, error) {
		<-release
		return "late", nil
	})

	if o.Kind() != KindTimedOut {
		t.Fatalf("expected timed out, got %s", o.Kind())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected invoke to return near the deadline, took %s", elapsed)
	}
	if !errors.Is(o.Err(), context.DeadlineExceeded) {
		t.Errorf("expected deadline cause in chain, got %v", o.Err())
	}
}

func TestInvoke_ProviderRaisedCancellationIsNotTimeout(t *testing.T) {
	inv := NewGuardedInvoker[string](time.Hour)
	o := inv.Invoke(context.Background(), func(context.Context) (string, error) {
		return "", context.Canceled
	})

	if o.Kind() != KindCanceled {
		t.Fatalf("expected canceled, got %s", o.Kind())
	}
	if o.Err() != context.Canceled {
		t.Errorf("expected the raw cancellation, got %#v", o.Err())
	}
	var te *TimeoutError
	if errors.As(o.Err(), &te) {
		t.Error("provider-raised cancellation must not be reported as a timeout")
	}
}

func TestInvoke_ProviderRaisedDeadlineIsNotTimeout(t *testing.T) {
	// A provider returning DeadlineExceeded from its own inner deadline is
	// still a provider-raised cancellation.
	inv := NewGuardedInvoker[string](time.Hour)
	o := inv.Invoke(context.Background(), func(ctx context.Context) (string, error) {
		inner, cancel := context.WithTimeout(ctx, time.Microsecond)
		defer cancel()
		<-inner.Done()
		return "", inner.Err()
	})

	if o.Kind() != KindCanceled {
		t.Fatalf("expected canceled, got %s", o.Kind())
	}
	if !errors.Is(o.Err(), context.DeadlineExceeded) {
		t.Errorf("expected raw deadline error, got %v", o.Err())
	}
}

func TestInvoke_CallerCancelsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	inv := NewGuardedInvoker[string](time.Hour)
	o := inv.Invoke(ctx, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	if o.Kind() != KindCanceled {
		t.Fatalf("expected canceled, got %s", o.Kind())
	}
	if !errors.Is(o.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", o.Err())
	}
}

func TestInvoke_ArbitraryErrorUnmodified(t *testing.T) {
	boom := errors.New("upstream returned 500")
	inv := NewGuardedInvoker[string](time.Second)
	o := inv.Invoke(context.Background(), func(context.Context) (string, error) {
		return "", boom
	})

	if o.Kind() != KindFailed {
		t.Fatalf("expected failed, got %s", o.Kind())
	}
	if o.Err() != boom {
		t.Errorf("expected the original error, got %v", o.Err())
	}
}

func TestInvoke_PanicBecomesFailure(t *testing.T) {
	inv := NewGuardedInvoker[string](time.Second)
	o := inv.Invoke(context.Background(), func(context.Context) (string, error) {
		panic("nil map")
	})

	if o.Kind() != KindFailed {
		t.Fatalf("expected failed, got %s", o.Kind())
	}
	var pe *PanicError
	if !errors.As(o.Err(), &pe) {
		t.Fatalf("expected *PanicError, got %T", o.Err())
	}
	if pe.Value != "nil map" {
		t.Errorf("unexpected panic value %v", pe.Value)
	}
}

func TestInvoke_NoTimeoutWhenDisabled(t *testing.T) {
	inv := NewGuardedInvoker[string](0)
	o := inv.Invoke(context.Background(), func(ctx context.Context) (string, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline when timeout is disabled")
		}
		time.Sleep(2 * time.Millisecond)
		return "ok", nil
	})
	if o.Kind() != KindSucceeded {
		t.Fatalf("expected success, got %s", o.Kind())
	}
}

func TestOutcome_Invariants(t *testing.T) {
	if o := Failed[int](nil); o.Err() == nil {
		t.Error("expected Failed(nil) to carry an error")
	}
	if o := Canceled[int](nil); !errors.Is(o.Err(), context.Canceled) {
		t.Error("expected Canceled(nil) to carry context.Canceled")
	}
	if _, ok := Failed[int](errors.New("x")).Value(); ok {
		t.Error("expected failed outcome to have no value")
	}
	if KindTimedOut.String() != "timed_out" {
		t.Errorf("unexpected kind string %q", KindTimedOut.String())
	}
}
