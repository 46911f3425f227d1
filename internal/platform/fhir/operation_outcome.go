package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTransient    = "transient"
	IssueTypeThrottled    = "throttled"
)

// FieldIssue is a single field-level validation problem.
type FieldIssue struct {
	Field   string
	Message string
}

// ValidationOutcome creates an OperationOutcome for a single validation error.
func ValidationOutcome(field, message string) *OperationOutcome {
	return FieldValidationOutcome([]FieldIssue{{Field: field, Message: message}})
}

// FieldValidationOutcome creates an OperationOutcome with one invalid issue
// per field. The field name is reported both in the diagnostics and as the
// issue expression.
func FieldValidationOutcome(issues []FieldIssue) *OperationOutcome {
	ooIssues := make([]OperationOutcomeIssue, 0, len(issues))
	for _, fi := range issues {
		ooIssues = append(ooIssues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeInvalid,
			Diagnostics: fmt.Sprintf("%s: %s", fi.Field, fi.Message),
			Expression:  []string{fi.Field},
		})
	}
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        ooIssues,
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// BadGatewayOutcome creates an OperationOutcome for a failing upstream dependency.
func BadGatewayOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTransient, diagnostics)
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// TimeoutOutcome creates an OperationOutcome for a request that ran out of time.
func TimeoutOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, diagnostics)
}
