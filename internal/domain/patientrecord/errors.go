package patientrecord

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
)

// Field names reported in validation errors.
const (
	FieldProviders   = "providerNames"
	FieldNHSNumber   = "nhsNumber"
	FieldCorrelation = "correlationId"
)

// Field-level validation messages.
const (
	MsgListNull      = "List cannot be null"
	MsgBlank         = "Value cannot be null or whitespace"
	MsgNilIdentifier = "Value cannot be the nil identifier"
	MsgNotNHSNumber  = "Value must be a 10 digit NHS number"
	MsgNotIdentifier = "Value must be a valid identifier"
)

// ValidationError reports every invalid field of one request.
type ValidationError struct {
	Issues []fhir.FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.Field + ": " + is.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Message returns the message recorded for field, if any.
func (e *ValidationError) Message(field string) (string, bool) {
	for _, is := range e.Issues {
		if is.Field == field {
			return is.Message, true
		}
	}
	return "", false
}

// DependencyValidationError wraps a validation-shaped failure reported by a
// dependency consulted before fan-out.
type DependencyValidationError struct {
	Err error
}

func (e *DependencyValidationError) Error() string {
	return fmt.Sprintf("dependency validation failed: %v", e.Err)
}

func (e *DependencyValidationError) Unwrap() error { return e.Err }

// DependencyError wraps an infrastructure failure of a dependency consulted
// before fan-out.
type DependencyError struct {
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency failed: %v", e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ServiceError wraps any other unexpected failure during orchestration.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service failed: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ErrNotPermitted can be returned (wrapped) by an AccessPolicy to reject a
// consumer's request as invalid rather than as an infrastructure failure.
var ErrNotPermitted = errors.New("consumer is not permitted to query the requested providers")

// EnrichmentError is reported when a provider's payload cannot carry the
// provenance stamps.
type EnrichmentError struct {
	Provider string
	Err      error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich result of %s: %v", e.Provider, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// classifyDependency maps a pre-fan-out dependency error onto the error
// taxonomy.
func classifyDependency(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, ErrNotPermitted) || errors.Is(err, provider.ErrNilProviderNames) {
		return &DependencyValidationError{Err: err}
	}
	return &DependencyError{Err: err}
}
