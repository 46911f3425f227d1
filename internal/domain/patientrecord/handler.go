package patientrecord

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/facade/internal/platform/auth"
	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
)

const (
	// HeaderCorrelationID is accepted on requests and echoed on responses.
	HeaderCorrelationID = "X-Correlation-ID"

	mimeFHIRJSON = "application/fhir+json"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/Patient/:nhsNumber/$everything", h.Everything)
	fhirGroup.POST("/Patient/$gpc.getstructuredrecord", h.GetStructuredRecord)
	fhirGroup.GET("/providers", h.ListProviders)
}

// Everything handles GET /fhir/Patient/:nhsNumber/$everything.
//
// provider may be repeated or comma separated; when absent every registered
// provider is asked. _serialised=true returns each provider's payload as it
// was received, stamped but otherwise untouched.
func (h *Handler) Everything(c echo.Context) error {
	correlationID, ok := correlationIDFrom(c)
	if !ok {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome(FieldCorrelation, MsgNotIdentifier))
	}

	req := EverythingRequest{
		NHSNumber:     c.Param("nhsNumber"),
		ProviderNames: h.providerNames(c.QueryParams()["provider"]),
		CorrelationID: correlationID,
		Consumer:      auth.ConsumerFromContext(c.Request().Context()),
	}

	ctx := c.Request().Context()
	if c.QueryParam("_serialised") == "true" {
		recs, err := h.orch.EverythingSerialised(ctx, req)
		if err != nil {
			return writeError(c, err)
		}
		return writeSerialised(c, recs)
	}
	recs, err := h.orch.Everything(ctx, req)
	if err != nil {
		return writeError(c, err)
	}
	return writeBundles(c, recs)
}

type structuredRecordBody struct {
	NHSNumber                 string   `json:"nhsNumber"`
	Providers                 []string `json:"providers"`
	IncludeAllergies          bool     `json:"includeAllergies"`
	IncludeResolvedAllergies  bool     `json:"includeResolvedAllergies"`
	IncludeMedication         bool     `json:"includeMedication"`
	IncludePrescriptionIssues bool     `json:"includePrescriptionIssues"`
	MedicationSearchFromDate  string   `json:"medicationSearchFromDate"`
}

// GetStructuredRecord handles POST /fhir/Patient/$gpc.getstructuredrecord.
func (h *Handler) GetStructuredRecord(c echo.Context) error {
	correlationID, ok := correlationIDFrom(c)
	if !ok {
		return writeOutcome(c, http.StatusBadRequest, fhir.ValidationOutcome(FieldCorrelation, MsgNotIdentifier))
	}

	var body structuredRecordBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid request body: "+err.Error()))
	}

	params := provider.StructuredRecordParams{
		NHSNumber:                 body.NHSNumber,
		IncludeAllergies:          body.IncludeAllergies,
		IncludeResolvedAllergies:  body.IncludeResolvedAllergies,
		IncludeMedication:         body.IncludeMedication,
		IncludePrescriptionIssues: body.IncludePrescriptionIssues,
	}
	if body.MedicationSearchFromDate != "" {
		from, err := time.Parse("2006-01-02", body.MedicationSearchFromDate)
		if err != nil {
			return writeOutcome(c, http.StatusBadRequest,
				fhir.ValidationOutcome("medicationSearchFromDate", "Value must be a date (YYYY-MM-DD)"))
		}
		params.MedicationSearchFromDate = &from
	}

	req := StructuredRecordRequest{
		Params:        params,
		ProviderNames: h.providerNames(body.Providers),
		CorrelationID: correlationID,
		Consumer:      auth.ConsumerFromContext(c.Request().Context()),
	}

	ctx := c.Request().Context()
	if c.QueryParam("_serialised") == "true" {
		recs, err := h.orch.GetStructuredRecordSerialised(ctx, req)
		if err != nil {
			return writeError(c, err)
		}
		return writeSerialised(c, recs)
	}
	recs, err := h.orch.GetStructuredRecord(ctx, req)
	if err != nil {
		return writeError(c, err)
	}
	return writeBundles(c, recs)
}

type providerView struct {
	provider.Info
	Capabilities      provider.Capabilities `json:"capabilities,omitempty"`
	CapabilitiesError string                `json:"capabilities_error,omitempty"`
}

// ListProviders handles GET /fhir/providers.
func (h *Handler) ListProviders(c echo.Context) error {
	ctx := c.Request().Context()
	providers := h.orch.Registry().List()
	out := make([]providerView, 0, len(providers))
	for _, p := range providers {
		v := providerView{Info: p.Info()}
		caps, err := p.Capabilities(ctx)
		if err != nil {
			v.CapabilitiesError = err.Error()
		} else {
			v.Capabilities = caps
		}
		out = append(out, v)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":     len(out),
		"providers": out,
	})
}

// providerNames flattens repeated and comma separated names. Absent names
// select every registered provider.
func (h *Handler) providerNames(raw []string) []string {
	if raw == nil {
		return h.orch.Registry().Names()
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// correlationIDFrom reads the optional correlation header. ok is false when
// the header is present but not a UUID.
func correlationIDFrom(c echo.Context) (id *uuid.UUID, ok bool) {
	raw := strings.TrimSpace(c.Request().Header.Get(HeaderCorrelationID))
	if raw == "" {
		return nil, true
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	return &parsed, true
}

func writeBundles(c echo.Context, recs *Records[*fhir.Bundle]) error {
	entries := make([]json.RawMessage, 0, len(recs.Items))
	for _, b := range recs.Items {
		data, err := json.Marshal(b)
		if err != nil {
			return writeError(c, &ServiceError{Err: err})
		}
		entries = append(entries, data)
	}
	return writeCollection(c, recs.CorrelationID, entries)
}

func writeSerialised(c echo.Context, recs *Records[string]) error {
	entries := make([]json.RawMessage, 0, len(recs.Items))
	for _, s := range recs.Items {
		entries = append(entries, json.RawMessage(s))
	}
	return writeCollection(c, recs.CorrelationID, entries)
}

func writeCollection(c echo.Context, correlationID uuid.UUID, entries []json.RawMessage) error {
	c.Response().Header().Set(HeaderCorrelationID, correlationID.String())
	data, err := json.Marshal(fhir.NewCollectionBundle(correlationID.String(), entries))
	if err != nil {
		return writeError(c, &ServiceError{Err: err})
	}
	return c.Blob(http.StatusOK, mimeFHIRJSON, data)
}

// writeError maps the orchestrator's error taxonomy onto HTTP statuses.
func writeError(c echo.Context, err error) error {
	var (
		verr *ValidationError
		dver *DependencyValidationError
		derr *DependencyError
	)
	switch {
	case errors.As(err, &dver):
		return writeOutcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, dver.Error()))
	case errors.As(err, &derr):
		return writeOutcome(c, http.StatusBadGateway, fhir.BadGatewayOutcome(derr.Error()))
	case errors.As(err, &verr):
		return writeOutcome(c, http.StatusBadRequest, fhir.FieldValidationOutcome(verr.Issues))
	default:
		return writeOutcome(c, http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
	}
}

func writeOutcome(c echo.Context, status int, oo *fhir.OperationOutcome) error {
	data, err := json.Marshal(oo)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(status, mimeFHIRJSON, data)
}
