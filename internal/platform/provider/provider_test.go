package provider_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ehr/facade/internal/platform/provider"
	"github.com/ehr/facade/internal/platform/provider/providertest"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func mustRegistry(t *testing.T, providers ...provider.Provider) *provider.Registry {
	t.Helper()
	reg, err := provider.NewRegistry(providers...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestCapabilities_Supports(t *testing.T) {
	caps := provider.Capabilities{
		"Patient": {"$everything", "GetStructuredRecord"},
	}

	tests := []struct {
		resource, operation string
		want                bool
	}{
		{"Patient", "Everything", true},
		{"Patient", "everything", true},
		{"Patient", "GetStructuredRecord", true},
		{"Patient", "Search", false},
		{"Observation", "Everything", false},
		{"patient", "Everything", true},
		{"PATIENT", "$everything", true},
	}
	for _, tt := range tests {
		if got := caps.Supports(tt.resource, tt.operation); got != tt.want {
			t.Errorf("Supports(%q, %q) = %v, want %v", tt.resource, tt.operation, got, tt.want)
		}
	}

	var none provider.Capabilities
	if none.Supports("Patient", "Everything") {
		t.Error("expected nil capabilities to support nothing")
	}
}

func TestCapabilities_CloneIsDeep(t *testing.T) {
	caps := provider.Capabilities{"Patient": {"Everything"}}
	clone := caps.Clone()
	clone["Patient"][0] = "Changed"
	if caps["Patient"][0] != "Everything" {
		t.Error("expected Clone to copy operation slices")
	}
}

func TestNewRegistry_PreservesOrder(t *testing.T) {
	reg := mustRegistry(t, providertest.New("b"), providertest.New("a"), providertest.New("c"))

	names := reg.Names()
	want := []string{"b", "a", "c"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, names)
		}
	}
	if reg.Len() != 3 {
		t.Errorf("expected 3 providers, got %d", reg.Len())
	}

	list := reg.List()
	list[0] = nil
	if reg.List()[0] == nil {
		t.Error("expected List to return a copy")
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := provider.NewRegistry(providertest.New("a"), providertest.New("a"))
	if err == nil {
		t.Fatal("expected error for duplicate provider names")
	}
}

func TestNewRegistry_RejectsBlankName(t *testing.T) {
	_, err := provider.NewRegistry(providertest.New("  "))
	if err == nil {
		t.Fatal("expected error for blank provider name")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	a := providertest.New("a")
	reg := mustRegistry(t, a)

	got, ok := reg.Lookup("a")
	if !ok || got != a {
		t.Error("expected Lookup to return the registered provider")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Error("expected Lookup of unknown name to fail")
	}
}

func TestEligible_NilNames(t *testing.T) {
	reg := mustRegistry(t, providertest.New("a"))
	_, err := provider.Eligible(context.Background(), reg, "Patient", "Everything", nil, nil)
	if !errors.Is(err, provider.ErrNilProviderNames) {
		t.Fatalf("expected ErrNilProviderNames, got %v", err)
	}
}

func TestEligible_PreservesRequestOrder(t *testing.T) {
	reg := mustRegistry(t, providertest.New("a"), providertest.New("b"), providertest.New("c"))

	got, err := provider.Eligible(context.Background(), reg, "Patient", "Everything", []string{"c", "a"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Info().Name != "c" || got[1].Info().Name != "a" {
		t.Fatalf("expected [c a], got %v", providerNames(got))
	}
}

func TestEligible_UnknownNamesDroppedSilently(t *testing.T) {
	reg := mustRegistry(t, providertest.New("a"))
	n := &recordingNotifier{}

	got, err := provider.Eligible(context.Background(), reg, "Patient", "Everything", []string{"ghost", "a"}, n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(got))
	}
	if len(n.messages) != 0 {
		t.Errorf("expected no notes for unknown names, got %v", n.messages)
	}
}

func TestEligible_UnsupportedExcludedWithNote(t *testing.T) {
	a := providertest.New("a")
	b := providertest.New("b")
	b.Caps = provider.Capabilities{"Patient": {"GetStructuredRecord"}}
	reg := mustRegistry(t, a, b)
	n := &recordingNotifier{}

	got, err := provider.Eligible(context.Background(), reg, "Patient", "Everything", []string{"a", "b"}, n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Info().Name != "a" {
		t.Fatalf("expected [a], got %v", providerNames(got))
	}
	if len(n.messages) != 1 {
		t.Fatalf("expected exactly 1 note, got %v", n.messages)
	}
	if n.messages[0] != "Removing 'b': Patient/Everything not supported." {
		t.Errorf("unexpected note %q", n.messages[0])
	}
}

func TestEligible_CapabilityErrorFailsOpen(t *testing.T) {
	a := providertest.New("a")
	broken := providertest.New("broken")
	broken.CapsErr = errors.New("metadata endpoint unreachable")
	reg := mustRegistry(t, broken, a)
	n := &recordingNotifier{}

	got, err := provider.Eligible(context.Background(), reg, "Patient", "Everything", []string{"broken", "a"}, n)
	if err != nil {
		t.Fatalf("expected capability errors not to fail the request, got %v", err)
	}
	if len(got) != 1 || got[0].Info().Name != "a" {
		t.Fatalf("expected [a], got %v", providerNames(got))
	}
	if len(n.messages) != 1 || n.messages[0] != provider.ExclusionMessage("broken", "Patient", "Everything") {
		t.Errorf("expected the unsupported note for broken, got %v", n.messages)
	}
}

func TestEligible_DuplicateNamesResolveOnce(t *testing.T) {
	reg := mustRegistry(t, providertest.New("a"))
	got, _ := provider.Eligible(context.Background(), reg, "Patient", "Everything", []string{"a", "a"}, nil)
	if len(got) != 1 {
		t.Errorf("expected duplicate names to resolve once, got %d", len(got))
	}
}

func TestEligible_EmptyNames(t *testing.T) {
	reg := mustRegistry(t, providertest.New("a"))
	got, err := provider.Eligible(context.Background(), reg, "Patient", "Everything", []string{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", got)
	}
}

func providerNames(ps []provider.Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Info().Name
	}
	return out
}
