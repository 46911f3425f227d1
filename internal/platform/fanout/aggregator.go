package fanout

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/facade/internal/platform/provider"
)

// AggregatedFailureMessage is the fixed summary of an AggregatedFailure.
const AggregatedFailureMessage = "One or more provider calls failed or timed out."

const tracerName = "github.com/ehr/facade/internal/platform/fanout"

// Factory binds an operation and its arguments to one provider. It is called
// once per provider, on the caller's goroutine, before any call starts.
type Factory[T any] func(p provider.Provider) Call[T]

// Result is a successful provider payload.
type Result[T any] struct {
	Provider provider.Provider
	Value    T
}

// ProviderError is the failure of one provider within a fan-out.
type ProviderError struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AggregatedFailure bundles every provider failure of one fan-out, in
// provider order.
type AggregatedFailure struct {
	Errors []*ProviderError
}

func (e *AggregatedFailure) Error() string {
	return AggregatedFailureMessage
}

// Unwrap exposes the member failures to errors.Is and errors.As.
func (e *AggregatedFailure) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, pe := range e.Errors {
		out[i] = pe
	}
	return out
}

// Count returns the number of failures of the given kind.
func (e *AggregatedFailure) Count(kind Kind) int {
	n := 0
	for _, pe := range e.Errors {
		if pe.Kind == kind {
			n++
		}
	}
	return n
}

// AsAggregatedFailure extracts an AggregatedFailure from err's chain.
func AsAggregatedFailure(err error) (*AggregatedFailure, bool) {
	var agg *AggregatedFailure
	ok := errors.As(err, &agg)
	return agg, ok
}

// ErrorLogger receives the aggregated failure of a fan-out.
type ErrorLogger interface {
	LogError(ctx context.Context, err error)
}

// Aggregator fans one operation out to many providers.
type Aggregator[T any] interface {
	FanOut(ctx context.Context, providers []provider.Provider, factory Factory[T]) ([]Result[T], *AggregatedFailure)
}

// Option configures a ParallelAggregator.
type Option func(*settings)

type settings struct {
	maxParallel int
	tracer      trace.Tracer
}

// WithMaxParallel caps how many provider calls run at once. Zero or less
// means no cap.
func WithMaxParallel(n int) Option {
	return func(s *settings) { s.maxParallel = n }
}

// WithTracer overrides the tracer used for fan-out spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// ParallelAggregator runs one guarded call per provider concurrently, waits
// for all of them and partitions the outcomes.
type ParallelAggregator[T any] struct {
	invoker Invoker[T]
	errs    ErrorLogger
	cfg     settings
}

// NewParallelAggregator creates an aggregator. errs may be nil, in which case
// failures are only returned.
func NewParallelAggregator[T any](invoker Invoker[T], errs ErrorLogger, opts ...Option) *ParallelAggregator[T] {
	cfg := settings{tracer: otel.Tracer(tracerName)}
	for _, o := range opts {
		o(&cfg)
	}
	return &ParallelAggregator[T]{invoker: invoker, errs: errs, cfg: cfg}
}

// FanOut calls every provider and returns the successes in provider order
// together with the failures folded into one AggregatedFailure (nil when
// every call succeeded). It never stops early: a failure, timeout or
// cancellation of one call has no effect on the others. When failures occur
// they are logged once through the aggregator's ErrorLogger.
//
// The returned slice is never nil, so zero successes is an empty result.
func (a *ParallelAggregator[T]) FanOut(ctx context.Context, providers []provider.Provider, factory Factory[T]) ([]Result[T], *AggregatedFailure) {
	ctx, span := a.cfg.tracer.Start(ctx, "fanout",
		trace.WithAttributes(attribute.Int("fanout.providers", len(providers))))
	defer span.End()

	// One slot per provider; each task writes only its own index.
	outcomes := make([]Outcome[T], len(providers))

	var g errgroup.Group
	if a.cfg.maxParallel > 0 {
		g.SetLimit(a.cfg.maxParallel)
	}
	for i, p := range providers {
		call := factory(p)
		g.Go(func() error {
			outcomes[i] = a.invoke(ctx, p, call)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result[T], 0, len(providers))
	var failures []*ProviderError
	for i, o := range outcomes {
		if v, ok := o.Value(); ok {
			results = append(results, Result[T]{Provider: providers[i], Value: v})
			continue
		}
		failures = append(failures, &ProviderError{
			Provider: providers[i].Info().Name,
			Kind:     o.Kind(),
			Err:      o.Err(),
		})
	}

	span.SetAttributes(
		attribute.Int("fanout.succeeded", len(results)),
		attribute.Int("fanout.failed", len(failures)),
	)
	if len(failures) == 0 {
		return results, nil
	}

	agg := &AggregatedFailure{Errors: failures}
	span.RecordError(agg)
	span.SetStatus(codes.Error, AggregatedFailureMessage)
	if a.errs != nil {
		a.errs.LogError(context.WithoutCancel(ctx), agg)
	}
	return results, agg
}

func (a *ParallelAggregator[T]) invoke(ctx context.Context, p provider.Provider, call Call[T]) Outcome[T] {
	ctx, span := a.cfg.tracer.Start(ctx, "provider.call",
		trace.WithAttributes(attribute.String("provider.name", p.Info().Name)))
	defer span.End()

	o := a.invoker.Invoke(ctx, call)
	span.SetAttributes(attribute.String("provider.outcome", o.Kind().String()))
	if err := o.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, o.Kind().String())
	}
	return o
}
