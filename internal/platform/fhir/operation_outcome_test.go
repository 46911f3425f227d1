package fhir

import "testing"

func TestFieldValidationOutcome(t *testing.T) {
	oo := FieldValidationOutcome([]FieldIssue{
		{Field: "providerNames", Message: "List cannot be null"},
		{Field: "nhsNumber", Message: "Value cannot be null or whitespace"},
	})

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Diagnostics != "providerNames: List cannot be null" {
		t.Errorf("unexpected diagnostics %q", oo.Issue[0].Diagnostics)
	}
	if len(oo.Issue[0].Expression) != 1 || oo.Issue[0].Expression[0] != "providerNames" {
		t.Errorf("expected expression [providerNames], got %v", oo.Issue[0].Expression)
	}
	if oo.Issue[1].Code != IssueTypeInvalid {
		t.Errorf("expected code invalid, got %s", oo.Issue[1].Code)
	}
	if !oo.HasErrors() {
		t.Error("expected HasErrors to be true")
	}
}

func TestValidationOutcome_Single(t *testing.T) {
	oo := ValidationOutcome("nhsNumber", "bad")
	if len(oo.Issue) != 1 || oo.Issue[0].Diagnostics != "nhsNumber: bad" {
		t.Errorf("unexpected outcome %+v", oo)
	}
}

func TestOutcomeHelpers_Severity(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *OperationOutcome
		severity string
		code     string
	}{
		{"bad gateway", BadGatewayOutcome("x"), IssueSeverityError, IssueTypeTransient},
		{"internal", InternalErrorOutcome("x"), IssueSeverityFatal, IssueTypeException},
		{"timeout", TimeoutOutcome("x"), IssueSeverityError, IssueTypeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.outcome.Issue[0].Severity != tt.severity {
				t.Errorf("expected severity %s, got %s", tt.severity, tt.outcome.Issue[0].Severity)
			}
			if tt.outcome.Issue[0].Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, tt.outcome.Issue[0].Code)
			}
		})
	}
}

func TestHasErrors_InformationOnly(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, "ok")
	if oo.HasErrors() {
		t.Error("expected HasErrors to be false for information issues")
	}
}
