package patientrecord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
	"github.com/ehr/facade/internal/platform/provider/providertest"
)

func newTestServer(t *testing.T, o *Orchestrator) *echo.Echo {
	t.Helper()
	e := echo.New()
	NewHandler(o).RegisterRoutes(e.Group("/fhir"))
	return e
}

func serve(e *echo.Echo, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) fhir.Bundle {
	t.Helper()
	var b fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode bundle: %v (%s)", err, rec.Body.String())
	}
	return b
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) fhir.OperationOutcome {
	t.Helper()
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("decode outcome: %v (%s)", err, rec.Body.String())
	}
	return oo
}

func TestHandler_Everything(t *testing.T) {
	a, b := providertest.New("a"), providertest.New("b")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a, b), Config{}, nil, nil))

	id := "0b5f3a3e-8f0e-4a3b-9f9b-2c1d4e5f6a7b"
	rec := serve(e, http.MethodGet, "/fhir/Patient/"+testNHS+"/$everything", "", http.Header{HeaderCorrelationID: {id}})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCorrelationID); got != id {
		t.Errorf("expected correlation header %s, got %s", id, got)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, mimeFHIRJSON) {
		t.Errorf("unexpected content type %q", ct)
	}
	bundle := decodeBundle(t, rec)
	if bundle.Type != "collection" || bundle.ID != id || len(bundle.Entry) != 2 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	var first fhir.Bundle
	if err := json.Unmarshal(bundle.Entry[0].Resource, &first); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if first.ID != "a" || first.Meta == nil || first.Meta.Tag[0].Code != "a-code" {
		t.Errorf("unexpected first entry %+v", first)
	}
	if a.LastNHSNumber() != testNHS {
		t.Errorf("expected NHS number from path, got %q", a.LastNHSNumber())
	}
}

func TestHandler_EverythingProviderQuery(t *testing.T) {
	a, b, c := providertest.New("a"), providertest.New("b"), providertest.New("c")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a, b, c), Config{}, nil, nil))

	rec := serve(e, http.MethodGet, "/fhir/Patient/"+testNHS+"/$everything?provider=c,a&provider=b", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	bundle := decodeBundle(t, rec)
	if len(bundle.Entry) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(bundle.Entry))
	}
	var first fhir.Bundle
	_ = json.Unmarshal(bundle.Entry[0].Resource, &first)
	if first.ID != "c" {
		t.Errorf("expected request order, got %s first", first.ID)
	}
	if rec.Header().Get(HeaderCorrelationID) == "" {
		t.Error("expected a generated correlation id header")
	}
}

func TestHandler_EverythingSerialised(t *testing.T) {
	a := providertest.New("a")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a), Config{}, nil, nil))

	rec := serve(e, http.MethodGet, "/fhir/Patient/"+testNHS+"/$everything?_serialised=true", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	bundle := decodeBundle(t, rec)
	if len(bundle.Entry) != 1 || !strings.Contains(string(bundle.Entry[0].Resource), ProvenanceExtensionURL) {
		t.Errorf("expected stamped serialised entry, got %s", rec.Body.String())
	}
}

func TestHandler_InvalidCorrelationHeader(t *testing.T) {
	a := providertest.New("a")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a), Config{}, nil, nil))

	rec := serve(e, http.MethodGet, "/fhir/Patient/"+testNHS+"/$everything", "", http.Header{HeaderCorrelationID: {"not-a-uuid"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	oo := decodeOutcome(t, rec)
	if len(oo.Issue) != 1 || oo.Issue[0].Diagnostics != FieldCorrelation+": "+MsgNotIdentifier {
		t.Errorf("unexpected outcome %+v", oo)
	}
	if a.Calls() != 0 {
		t.Error("expected no provider calls")
	}
}

func TestHandler_GetStructuredRecord(t *testing.T) {
	a := providertest.New("a")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a), Config{}, nil, nil))

	body := `{"nhsNumber":"` + testNHS + `","includeMedication":true,"includePrescriptionIssues":true,"medicationSearchFromDate":"2024-01-31"}`
	rec := serve(e, http.MethodPost, "/fhir/Patient/$gpc.getstructuredrecord", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	p := a.LastParams()
	if !p.IncludeMedication || !p.IncludePrescriptionIssues || p.IncludeAllergies {
		t.Errorf("unexpected params %+v", p)
	}
	if p.MedicationSearchFromDate == nil || p.MedicationSearchFromDate.Format("2006-01-02") != "2024-01-31" {
		t.Errorf("unexpected date %v", p.MedicationSearchFromDate)
	}
}

func TestHandler_GetStructuredRecordBadRequests(t *testing.T) {
	a := providertest.New("a")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a), Config{}, nil, nil))

	tests := []struct {
		name string
		body string
		diag string
	}{
		{"malformed body", `{"nhsNumber":`, "invalid request body"},
		{"bad date", `{"nhsNumber":"` + testNHS + `","medicationSearchFromDate":"31/01/2024"}`, "medicationSearchFromDate"},
		{"bad nhs number", `{"nhsNumber":"123"}`, FieldNHSNumber + ": " + MsgNotNHSNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodPost, "/fhir/Patient/$gpc.getstructuredrecord", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			oo := decodeOutcome(t, rec)
			if len(oo.Issue) == 0 || !strings.Contains(oo.Issue[0].Diagnostics, tt.diag) {
				t.Errorf("expected diagnostics containing %q, got %+v", tt.diag, oo.Issue)
			}
		})
	}
	if a.Calls() != 0 {
		t.Error("expected no provider calls")
	}
}

func TestHandler_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want int
	}{
		{
			"dependency validation",
			WithAccessPolicy(policyFunc(func(context.Context, string, []string) ([]string, error) {
				return nil, ErrNotPermitted
			})),
			http.StatusBadRequest,
		},
		{
			"dependency failure",
			WithAccessPolicy(policyFunc(func(context.Context, string, []string) ([]string, error) {
				return nil, errors.New("policy store unreachable")
			})),
			http.StatusBadGateway,
		},
		{"service failure", WithBundleAggregator(panickingAggregator{}), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(newRegistry(t, providertest.New("a")), Config{}, nil, nil, tt.opt)
			rec := serve(newTestServer(t, o), http.MethodGet, "/fhir/Patient/"+testNHS+"/$everything", "", nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if oo := decodeOutcome(t, rec); oo.ResourceType != "OperationOutcome" {
				t.Errorf("expected an OperationOutcome, got %s", oo.ResourceType)
			}
		})
	}
}

func TestHandler_ListProviders(t *testing.T) {
	a, b := providertest.New("a"), providertest.New("b")
	b.CapsErr = errors.New("metadata unavailable")
	e := newTestServer(t, NewOrchestrator(newRegistry(t, a, b), Config{}, nil, nil))

	rec := serve(e, http.MethodGet, "/fhir/providers", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Total     int `json:"total"`
		Providers []struct {
			Name              string                `json:"name"`
			Capabilities      provider.Capabilities `json:"capabilities"`
			CapabilitiesError string                `json:"capabilities_error"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || body.Providers[0].Name != "a" {
		t.Fatalf("unexpected body %+v", body)
	}
	if !body.Providers[0].Capabilities.Supports(provider.ResourcePatient, provider.OperationEverything) {
		t.Error("expected a's capabilities to be listed")
	}
	if body.Providers[1].CapabilitiesError != "metadata unavailable" {
		t.Errorf("expected b's capability error, got %q", body.Providers[1].CapabilitiesError)
	}
}
