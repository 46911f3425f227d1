// Package provider models the upstream FHIR data providers the façade fans
// requests out to: their identity, their declared capabilities, the registry
// they are configured into, and the capability filter that decides which of
// them are eligible for a given operation.
package provider

import (
	"context"
	"time"

	"github.com/ehr/facade/internal/platform/fhir"
)

// Resource and operation names used in capability declarations.
const (
	ResourcePatient = "Patient"

	OperationEverything          = "Everything"
	OperationGetStructuredRecord = "GetStructuredRecord"
)

// Info identifies a provider and carries the values stamped onto its results
// for provenance.
type Info struct {
	Name        string `json:"name" mapstructure:"name"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
	System      string `json:"system" mapstructure:"system"`
	Code        string `json:"code" mapstructure:"code"`
	SourceID    string `json:"source_id" mapstructure:"source_id"`
}

// StructuredRecordParams are the query parameters of a GetStructuredRecord call.
type StructuredRecordParams struct {
	NHSNumber                 string
	IncludeAllergies          bool
	IncludeResolvedAllergies  bool
	IncludeMedication         bool
	IncludePrescriptionIssues bool
	MedicationSearchFromDate  *time.Time
}

// Provider is an upstream clinical data source. Implementations must honour
// ctx cancellation on every operation and be safe for concurrent use.
type Provider interface {
	Info() Info
	Capabilities(ctx context.Context) (Capabilities, error)

	Everything(ctx context.Context, nhsNumber string) (*fhir.Bundle, error)
	EverythingSerialised(ctx context.Context, nhsNumber string) (string, error)
	GetStructuredRecord(ctx context.Context, params StructuredRecordParams) (*fhir.Bundle, error)
	GetStructuredRecordSerialised(ctx context.Context, params StructuredRecordParams) (string, error)
}
