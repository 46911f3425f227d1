// Package fhirclient implements provider.Provider against an upstream FHIR R4
// server speaking JSON over HTTP.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
)

const (
	// NHSNumberSystem is the identifier system of an NHS number.
	NHSNumberSystem = "https://fhir.nhs.uk/Id/nhs-number"

	// HeaderCorrelationID carries the façade correlation id upstream.
	HeaderCorrelationID = "X-Correlation-ID"

	mediaTypeFHIRJSON = "application/fhir+json"
	maxErrorBody      = 1024
)

// upstream operation name (lower case, no "$") -> capability operation name.
var operationNames = map[string]string{
	"everything":              provider.OperationEverything,
	"gpc.getstructuredrecord": provider.OperationGetStructuredRecord,
}

// Config describes one upstream server.
type Config struct {
	Info    provider.Info
	BaseURL string
	Token   string

	// Capabilities, when set, is used as-is and the server's metadata
	// endpoint is never queried.
	Capabilities provider.Capabilities
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fhirclient: %s returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

var _ provider.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Deadlines come from the request
// context, so the client should not set its own Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMetadataRetry sets how many times a failed capability discovery is
// retried and the initial backoff between attempts.
func WithMetadataRetry(retries uint64, initial time.Duration) Option {
	return func(cl *Client) {
		cl.retries = retries
		cl.retryInterval = initial
	}
}

// Client is an HTTP FHIR provider. It is safe for concurrent use.
type Client struct {
	info          provider.Info
	baseURL       string
	token         string
	httpClient    *http.Client
	retries       uint64
	retryInterval time.Duration

	mu   sync.Mutex
	caps provider.Capabilities
}

// New validates cfg and returns a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Info.Name) == "" {
		return nil, errors.New("fhirclient: provider name is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("fhirclient: parse base url for %s: %w", cfg.Info.Name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("fhirclient: base url for %s must be an absolute http(s) url", cfg.Info.Name)
	}

	c := &Client{
		info:          cfg.Info,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		httpClient:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retries:       2,
		retryInterval: 200 * time.Millisecond,
		caps:          cfg.Capabilities.Clone(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Info() provider.Info {
	return c.info
}

// Capabilities returns the declared capabilities or, when none were
// configured, those advertised by the server's CapabilityStatement. A
// successful discovery is cached; a failed one is retried on the next call.
func (c *Client) Capabilities(ctx context.Context) (provider.Capabilities, error) {
	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()
	if caps != nil {
		return caps.Clone(), nil
	}

	discovered, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.caps = discovered
	c.mu.Unlock()
	return discovered.Clone(), nil
}

func (c *Client) discover(ctx context.Context) (provider.Capabilities, error) {
	var stmt fhir.CapabilityStatement
	op := func() error {
		body, err := c.do(ctx, http.MethodGet, "/metadata", nil, nil)
		if err != nil {
			var se *StatusError
			if ctx.Err() != nil || (errors.As(err, &se) && se.StatusCode < 500) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(body, &stmt); err != nil {
			return backoff.Permanent(fmt.Errorf("decode CapabilityStatement: %w", err))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)); err != nil {
		return nil, fmt.Errorf("fhirclient: discover capabilities of %s: %w", c.info.Name, err)
	}

	caps := make(provider.Capabilities)
	for resource, ops := range stmt.OperationsByResource() {
		names := make([]string, 0, len(ops))
		for _, name := range ops {
			if mapped, ok := operationNames[strings.ToLower(name)]; ok {
				name = mapped
			}
			names = append(names, name)
		}
		caps[resource] = names
	}
	return caps, nil
}

func (c *Client) Everything(ctx context.Context, nhsNumber string) (*fhir.Bundle, error) {
	body, err := c.everything(ctx, nhsNumber)
	if err != nil {
		return nil, err
	}
	return c.decodeBundle(body)
}

func (c *Client) EverythingSerialised(ctx context.Context, nhsNumber string) (string, error) {
	body, err := c.everything(ctx, nhsNumber)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) GetStructuredRecord(ctx context.Context, params provider.StructuredRecordParams) (*fhir.Bundle, error) {
	body, err := c.structuredRecord(ctx, params)
	if err != nil {
		return nil, err
	}
	return c.decodeBundle(body)
}

func (c *Client) GetStructuredRecordSerialised(ctx context.Context, params provider.StructuredRecordParams) (string, error) {
	body, err := c.structuredRecord(ctx, params)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) everything(ctx context.Context, nhsNumber string) ([]byte, error) {
	q := url.Values{}
	q.Set("patient.identifier", NHSNumberSystem+"|"+nhsNumber)
	return c.do(ctx, http.MethodGet, "/Patient/$everything", q, nil)
}

func (c *Client) structuredRecord(ctx context.Context, params provider.StructuredRecordParams) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/Patient/$gpc.getstructuredrecord", nil, StructuredRecordParameters(params))
}

// StructuredRecordParameters builds the GP Connect Parameters body for a
// structured record request.
func StructuredRecordParameters(p provider.StructuredRecordParams) *fhir.Parameters {
	params := &fhir.Parameters{
		ResourceType: "Parameters",
		Parameter: []fhir.Parameter{{
			Name:            "patientNHSNumber",
			ValueIdentifier: &fhir.Identifier{System: NHSNumberSystem, Value: p.NHSNumber},
		}},
	}
	if p.IncludeAllergies {
		params.Parameter = append(params.Parameter, fhir.Parameter{
			Name: "includeAllergies",
			Part: []fhir.Parameter{{Name: "includeResolvedAllergies", ValueBoolean: boolPtr(p.IncludeResolvedAllergies)}},
		})
	}
	if p.IncludeMedication {
		part := []fhir.Parameter{{Name: "includePrescriptionIssues", ValueBoolean: boolPtr(p.IncludePrescriptionIssues)}}
		if p.MedicationSearchFromDate != nil {
			part = append(part, fhir.Parameter{
				Name:      "medicationSearchFromDate",
				ValueDate: p.MedicationSearchFromDate.Format("2006-01-02"),
			})
		}
		params.Parameter = append(params.Parameter, fhir.Parameter{Name: "includeMedication", Part: part})
	}
	return params
}

func boolPtr(b bool) *bool { return &b }

func (c *Client) decodeBundle(body []byte) (*fhir.Bundle, error) {
	var b fhir.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("fhirclient: decode Bundle from %s: %w", c.info.Name, err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("fhirclient: %s returned resourceType %q, expected Bundle", c.info.Name, b.ResourceType)
	}
	return &b, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("fhirclient: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("fhirclient: build request: %w", err)
	}

	req.Header.Set("Accept", mediaTypeFHIRJSON)
	if payload != nil {
		req.Header.Set("Content-Type", mediaTypeFHIRJSON)
	}
	if id, ok := provider.CorrelationIDFromContext(ctx); ok {
		req.Header.Set(HeaderCorrelationID, id.String())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhirclient: %s %s on %s: %w", method, path, c.info.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Provider: c.info.Name, StatusCode: resp.StatusCode, Body: string(excerpt)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fhirclient: read response from %s: %w", c.info.Name, err)
	}
	return data, nil
}
