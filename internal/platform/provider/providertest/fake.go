// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
)

// BundleFunc produces the bundle returned by a typed operation.
type BundleFunc func(ctx context.Context) (*fhir.Bundle, error)

// Fake is a configurable provider. Unset operations return a searchset
// Bundle whose id is the provider name. Fake is safe for concurrent use.
type Fake struct {
	Meta    provider.Info
	Caps    provider.Capabilities
	CapsErr error

	// Respond overrides every record operation when set.
	Respond BundleFunc

	calls     atomic.Int64
	lastNHS   atomic.Value
	lastParam atomic.Value
}

// New returns a Fake supporting both Patient operations.
func New(name string) *Fake {
	return &Fake{
		Meta: provider.Info{
			Name:        name,
			DisplayName: name + " display",
			System:      "https://fhir.example.org/CodeSystem/" + name,
			Code:        name + "-code",
			SourceID:    "urn:source:" + name,
		},
		Caps: provider.Capabilities{
			provider.ResourcePatient: {provider.OperationEverything, provider.OperationGetStructuredRecord},
		},
	}
}

// Calls returns how many record operations have been invoked.
func (f *Fake) Calls() int64 {
	return f.calls.Load()
}

// LastNHSNumber returns the NHS number of the most recent call.
func (f *Fake) LastNHSNumber() string {
	v, _ := f.lastNHS.Load().(string)
	return v
}

// LastParams returns the parameters of the most recent structured record call.
func (f *Fake) LastParams() provider.StructuredRecordParams {
	v, _ := f.lastParam.Load().(provider.StructuredRecordParams)
	return v
}

func (f *Fake) Info() provider.Info {
	return f.Meta
}

func (f *Fake) Capabilities(_ context.Context) (provider.Capabilities, error) {
	if f.CapsErr != nil {
		return nil, f.CapsErr
	}
	return f.Caps, nil
}

func (f *Fake) Everything(ctx context.Context, nhsNumber string) (*fhir.Bundle, error) {
	f.calls.Add(1)
	f.lastNHS.Store(nhsNumber)
	return f.respond(ctx)
}

func (f *Fake) EverythingSerialised(ctx context.Context, nhsNumber string) (string, error) {
	b, err := f.Everything(ctx, nhsNumber)
	if err != nil {
		return "", err
	}
	return encode(b)
}

func (f *Fake) GetStructuredRecord(ctx context.Context, params provider.StructuredRecordParams) (*fhir.Bundle, error) {
	f.calls.Add(1)
	f.lastNHS.Store(params.NHSNumber)
	f.lastParam.Store(params)
	return f.respond(ctx)
}

func (f *Fake) GetStructuredRecordSerialised(ctx context.Context, params provider.StructuredRecordParams) (string, error) {
	b, err := f.GetStructuredRecord(ctx, params)
	if err != nil {
		return "", err
	}
	return encode(b)
}

func (f *Fake) respond(ctx context.Context) (*fhir.Bundle, error) {
	if f.Respond != nil {
		return f.Respond(ctx)
	}
	return NewBundle(f.Meta.Name), nil
}

func encode(b *fhir.Bundle) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewBundle returns an empty searchset Bundle with the given id.
func NewBundle(id string) *fhir.Bundle {
	return &fhir.Bundle{ResourceType: "Bundle", ID: id, Type: "searchset"}
}

// After returns a BundleFunc that answers with a bundle named id after d,
// or with ctx.Err() if ctx finishes first.
func After(d time.Duration, id string) BundleFunc {
	return func(ctx context.Context) (*fhir.Bundle, error) {
		select {
		case <-time.After(d):
			return NewBundle(id), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Hang returns a BundleFunc that blocks until ctx finishes.
func Hang() BundleFunc {
	return func(ctx context.Context) (*fhir.Bundle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// HangUntil returns a BundleFunc that ignores ctx and blocks until release
// is closed.
func HangUntil(release <-chan struct{}) BundleFunc {
	return func(context.Context) (*fhir.Bundle, error) {
		<-release
		return nil, context.Canceled
	}
}

// Fail returns a BundleFunc that fails immediately with err.
func Fail(err error) BundleFunc {
	return func(context.Context) (*fhir.Bundle, error) {
		return nil, err
	}
}
