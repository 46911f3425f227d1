package patientrecord

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/facade/internal/platform/fhir"
)

// validateCommon checks the fields shared by every operation.
func validateCommon(names []string, nhsNumber string, correlationID *uuid.UUID) []fhir.FieldIssue {
	var issues []fhir.FieldIssue
	if names == nil {
		issues = append(issues, fhir.FieldIssue{Field: FieldProviders, Message: MsgListNull})
	}
	if strings.TrimSpace(nhsNumber) == "" {
		issues = append(issues, fhir.FieldIssue{Field: FieldNHSNumber, Message: MsgBlank})
	}
	if correlationID != nil && *correlationID == uuid.Nil {
		issues = append(issues, fhir.FieldIssue{Field: FieldCorrelation, Message: MsgNilIdentifier})
	}
	return issues
}

// validateStructuredRecord adds the GP Connect NHS number format rule.
func validateStructuredRecord(req StructuredRecordRequest) []fhir.FieldIssue {
	issues := validateCommon(req.ProviderNames, req.Params.NHSNumber, req.CorrelationID)
	if strings.TrimSpace(req.Params.NHSNumber) != "" && !isNHSNumber(req.Params.NHSNumber) {
		issues = append(issues, fhir.FieldIssue{Field: FieldNHSNumber, Message: MsgNotNHSNumber})
	}
	return issues
}

func isNHSNumber(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
