// Package patientrecord serves patient record requests by fanning them out
// to every eligible upstream provider and merging what comes back.
package patientrecord

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/facade/internal/platform/audit"
	"github.com/ehr/facade/internal/platform/fanout"
	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
)

// Operation types recorded on audit entries.
const (
	OpEverything                    = "Everything"
	OpEverythingSerialised          = "EverythingSerialised"
	OpGetStructuredRecord           = "GetStructuredRecord"
	OpGetStructuredRecordSerialised = "GetStructuredRecordSerialised"
)

// Audit stages, in the order they are recorded.
const (
	StageSubmitted        = "Request Submitted"
	StageProviderExcluded = "Provider Excluded"
	StageFanOutStarted    = "Parallel Provider Execution Started"
	StageFanOutCompleted  = "Parallel Provider Execution Completed"
	StageCompleted        = "Request Completed"
)

// Config is copied when the orchestrator is built; later changes to the
// caller's value have no effect.
type Config struct {
	// MaxProviderWait bounds each provider call. Zero disables the bound.
	MaxProviderWait time.Duration
	// MaxParallelProviders caps concurrent provider calls per request. Zero
	// means no cap.
	MaxParallelProviders int
}

// IDSource supplies correlation ids for requests that arrive without one.
type IDSource interface {
	NewID() uuid.UUID
}

// IDSourceFunc is a function adapter for IDSource.
type IDSourceFunc func() uuid.UUID

func (f IDSourceFunc) NewID() uuid.UUID { return f() }

// AccessPolicy narrows the providers a consumer may query. Returning an
// error wrapping ErrNotPermitted or a *ValidationError rejects the request
// as invalid; any other error is treated as an infrastructure failure.
type AccessPolicy interface {
	PermittedProviders(ctx context.Context, consumer string, names []string) ([]string, error)
}

// EverythingRequest asks every named provider for a patient's full record.
type EverythingRequest struct {
	NHSNumber     string
	ProviderNames []string
	// CorrelationID is generated when nil.
	CorrelationID *uuid.UUID
	Consumer      string
}

// StructuredRecordRequest asks every named provider for a GP Connect
// structured record.
type StructuredRecordRequest struct {
	Params        provider.StructuredRecordParams
	ProviderNames []string
	CorrelationID *uuid.UUID
	Consumer      string
}

// Records is the merged result of one request: one item per provider that
// succeeded, in the order the providers were requested.
type Records[T any] struct {
	CorrelationID uuid.UUID `json:"correlationId"`
	Items         []T       `json:"items"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIDSource overrides correlation id generation.
func WithIDSource(ids IDSource) Option {
	return func(o *Orchestrator) { o.ids = ids }
}

// WithAccessPolicy installs a consumer access policy.
func WithAccessPolicy(p AccessPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithLogger sets the logger used for request state tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(correlationID uuid.UUID, s State)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithBundleAggregator replaces the aggregator used by the typed operations.
func WithBundleAggregator(a fanout.Aggregator[*fhir.Bundle]) Option {
	return func(o *Orchestrator) { o.bundles = a }
}

// WithSerialisedAggregator replaces the aggregator used by the serialised
// operations.
func WithSerialisedAggregator(a fanout.Aggregator[string]) Option {
	return func(o *Orchestrator) { o.serialised = a }
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	registry *provider.Registry
	cfg      Config
	audit    audit.Sink
	errs     audit.ErrorSink
	ids      IDSource
	policy   AccessPolicy
	logger   zerolog.Logger
	observe  func(uuid.UUID, State)

	bundles    fanout.Aggregator[*fhir.Bundle]
	serialised fanout.Aggregator[string]
}

// NewOrchestrator builds an orchestrator over registry. sink and errs may be
// nil.
func NewOrchestrator(registry *provider.Registry, cfg Config, sink audit.Sink, errs audit.ErrorSink, opts ...Option) *Orchestrator {
	if sink == nil {
		sink = audit.Discard{}
	}
	if errs == nil {
		errs = audit.Discard{}
	}
	o := &Orchestrator{
		registry: registry,
		cfg:      cfg,
		audit:    sink,
		errs:     errs,
		ids:      IDSourceFunc(uuid.New),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bundles == nil {
		o.bundles = fanout.NewParallelAggregator[*fhir.Bundle](
			fanout.NewGuardedInvoker[*fhir.Bundle](cfg.MaxProviderWait), errs,
			fanout.WithMaxParallel(cfg.MaxParallelProviders))
	}
	if o.serialised == nil {
		o.serialised = fanout.NewParallelAggregator[string](
			fanout.NewGuardedInvoker[string](cfg.MaxProviderWait), errs,
			fanout.WithMaxParallel(cfg.MaxParallelProviders))
	}
	return o
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Registry returns the provider registry requests are resolved against.
func (o *Orchestrator) Registry() *provider.Registry {
	return o.registry
}

// Everything fetches the patient's full record from every eligible provider.
func (o *Orchestrator) Everything(ctx context.Context, req EverythingRequest) (*Records[*fhir.Bundle], error) {
	return execute(ctx, o, operation[*fhir.Bundle]{
		name:          OpEverything,
		capability:    provider.OperationEverything,
		names:         req.ProviderNames,
		correlationID: req.CorrelationID,
		consumer:      req.Consumer,
		summary:       everythingSummary(req),
		issues:        validateCommon(req.ProviderNames, req.NHSNumber, req.CorrelationID),
		aggregator:    o.bundles,
		enrich:        EnrichBundle,
		factory: func(p provider.Provider) fanout.Call[*fhir.Bundle] {
			nhs := req.NHSNumber
			return func(ctx context.Context) (*fhir.Bundle, error) {
				return p.Everything(ctx, nhs)
			}
		},
	})
}

// EverythingSerialised is Everything returning each provider's raw JSON.
func (o *Orchestrator) EverythingSerialised(ctx context.Context, req EverythingRequest) (*Records[string], error) {
	return execute(ctx, o, operation[string]{
		name:          OpEverythingSerialised,
		capability:    provider.OperationEverything,
		names:         req.ProviderNames,
		correlationID: req.CorrelationID,
		consumer:      req.Consumer,
		summary:       everythingSummary(req),
		issues:        validateCommon(req.ProviderNames, req.NHSNumber, req.CorrelationID),
		aggregator:    o.serialised,
		enrich:        EnrichSerialised,
		factory: func(p provider.Provider) fanout.Call[string] {
			nhs := req.NHSNumber
			return func(ctx context.Context) (string, error) {
				return p.EverythingSerialised(ctx, nhs)
			}
		},
	})
}

// GetStructuredRecord fetches the GP Connect structured record from every
// eligible provider.
func (o *Orchestrator) GetStructuredRecord(ctx context.Context, req StructuredRecordRequest) (*Records[*fhir.Bundle], error) {
	return execute(ctx, o, operation[*fhir.Bundle]{
		name:          OpGetStructuredRecord,
		capability:    provider.OperationGetStructuredRecord,
		names:         req.ProviderNames,
		correlationID: req.CorrelationID,
		consumer:      req.Consumer,
		summary:       structuredSummary(req),
		issues:        validateStructuredRecord(req),
		aggregator:    o.bundles,
		enrich:        EnrichBundle,
		factory: func(p provider.Provider) fanout.Call[*fhir.Bundle] {
			params := copyParams(req.Params)
			return func(ctx context.Context) (*fhir.Bundle, error) {
				return p.GetStructuredRecord(ctx, params)
			}
		},
	})
}

// GetStructuredRecordSerialised is GetStructuredRecord returning each
// provider's raw JSON.
func (o *Orchestrator) GetStructuredRecordSerialised(ctx context.Context, req StructuredRecordRequest) (*Records[string], error) {
	return execute(ctx, o, operation[string]{
		name:          OpGetStructuredRecordSerialised,
		capability:    provider.OperationGetStructuredRecord,
		names:         req.ProviderNames,
		correlationID: req.CorrelationID,
		consumer:      req.Consumer,
		summary:       structuredSummary(req),
		issues:        validateStructuredRecord(req),
		aggregator:    o.serialised,
		enrich:        EnrichSerialised,
		factory: func(p provider.Provider) fanout.Call[string] {
			params := copyParams(req.Params)
			return func(ctx context.Context) (string, error) {
				return p.GetStructuredRecordSerialised(ctx, params)
			}
		},
	})
}

// copyParams gives each provider call its own copy, including the date.
func copyParams(p provider.StructuredRecordParams) provider.StructuredRecordParams {
	if p.MedicationSearchFromDate != nil {
		d := *p.MedicationSearchFromDate
		p.MedicationSearchFromDate = &d
	}
	return p
}

type operation[T any] struct {
	name          string
	capability    string
	names         []string
	correlationID *uuid.UUID
	consumer      string
	summary       string
	issues        []fhir.FieldIssue
	aggregator    fanout.Aggregator[T]
	factory       fanout.Factory[T]
	enrich        func(provider.Info, T) (T, error)
}

// request carries the per-request bookkeeping of one execution.
type request struct {
	o        *Orchestrator
	op       string
	consumer string
	id       uuid.UUID
	state    State
}

func (r *request) to(s State) {
	if !r.state.CanTransition(s) {
		panic(fmt.Sprintf("patientrecord: illegal transition %s -> %s", r.state, s))
	}
	r.state = s
	r.o.logger.Debug().
		Str("operation", r.op).
		Str("correlation_id", r.id.String()).
		Stringer("state", s).
		Msg("request state")
	if r.o.observe != nil {
		r.o.observe(r.id, s)
	}
}

func execute[T any](ctx context.Context, o *Orchestrator, op operation[T]) (_ *Records[T], err error) {
	r := &request{o: o, op: op.name, consumer: op.consumer, state: StateReceived}
	if op.correlationID != nil {
		r.id = *op.correlationID
	}

	if len(op.issues) > 0 {
		r.to(StateFailed)
		verr := &ValidationError{Issues: op.issues}
		o.errs.LogError(ctx, verr)
		return nil, verr
	}
	if op.correlationID == nil {
		r.id = o.ids.NewID()
	}
	r.to(StateValidated)

	defer func() {
		if rec := recover(); rec != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			o.logger.Error().
				Str("correlation_id", r.id.String()).
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered during orchestration")
			serr := &ServiceError{Err: fmt.Errorf("%s: panic: %v", op.name, rec)}
			o.errs.LogError(ctx, serr)
			err = serr
			if !r.state.Terminal() && r.state.CanTransition(StateFailed) {
				r.state = StateFailed
				if o.observe != nil {
					o.observe(r.id, StateFailed)
				}
			}
		}
	}()

	ctx = provider.WithCorrelationID(ctx, r.id)
	o.record(ctx, r, StageSubmitted, op.summary, "")

	names := op.names
	if o.policy != nil {
		permitted, perr := o.policy.PermittedProviders(ctx, op.consumer, names)
		if perr != nil {
			r.to(StateFailed)
			derr := classifyDependency(perr)
			o.errs.LogError(ctx, derr)
			return nil, derr
		}
		names = permitted
	}

	notify := provider.NotifierFunc(func(ctx context.Context, msg string) {
		o.record(ctx, r, StageProviderExcluded, msg, "")
	})
	providers, ferr := provider.Eligible(ctx, o.registry, provider.ResourcePatient, op.capability, names, notify)
	if ferr != nil {
		r.to(StateFailed)
		derr := classifyDependency(ferr)
		o.errs.LogError(ctx, derr)
		return nil, derr
	}
	r.to(StateProvidersResolved)

	o.record(ctx, r, StageFanOutStarted, op.summary, "Providers: "+providerList(providers))
	r.to(StateFanOutInFlight)
	results, failure := op.aggregator.FanOut(ctx, providers, op.factory)
	r.to(StateAggregated)

	failed := 0
	if failure != nil {
		failed = len(failure.Errors)
	}
	o.record(ctx, r, StageFanOutCompleted, op.summary,
		fmt.Sprintf("Succeeded: %d, Failed: %d", len(results), failed))

	items := make([]T, 0, len(results))
	for _, res := range results {
		v, eerr := op.enrich(res.Provider.Info(), res.Value)
		if eerr != nil {
			o.errs.LogError(ctx, eerr)
			continue
		}
		items = append(items, v)
	}
	r.to(StateEnriched)

	o.record(ctx, r, StageCompleted, op.summary, fmt.Sprintf("Records: %d", len(items)))
	r.to(StateCompleted)
	return &Records[T]{CorrelationID: r.id, Items: items}, nil
}

func (o *Orchestrator) record(ctx context.Context, r *request, stage, message, detail string) {
	o.audit.LogInformation(ctx, audit.Entry{
		OperationType: r.op,
		Stage:         stage,
		Message:       message,
		Detail:        detail,
		CorrelationID: r.id,
		Consumer:      r.consumer,
		Recorded:      time.Now().UTC(),
	})
}

func everythingSummary(req EverythingRequest) string {
	return fmt.Sprintf("Parameters: {nhsNumber: %s, providerNames: [%s]}",
		req.NHSNumber, strings.Join(req.ProviderNames, ", "))
}

func structuredSummary(req StructuredRecordRequest) string {
	from := ""
	if req.Params.MedicationSearchFromDate != nil {
		from = req.Params.MedicationSearchFromDate.Format("2006-01-02")
	}
	return fmt.Sprintf("Parameters: {nhsNumber: %s, providerNames: [%s], includeAllergies: %t, includeMedication: %t, medicationSearchFromDate: %s}",
		req.Params.NHSNumber, strings.Join(req.ProviderNames, ", "),
		req.Params.IncludeAllergies, req.Params.IncludeMedication, from)
}

func providerList(providers []provider.Provider) string {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Info().Name
	}
	return "[" + strings.Join(names, ", ") + "]"
}
