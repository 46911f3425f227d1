package provider

import "strings"

// Capabilities maps a resource name to the operations a provider supports on
// it. A missing resource or operation means unsupported.
type Capabilities map[string][]string

// Supports reports whether the resource/operation pair is declared.
// Resource names compare case-insensitively, since config loaders lower-case
// map keys. Operation names also ignore a leading "$", so a
// CapabilityStatement entry "$everything" satisfies "Everything".
func (c Capabilities) Supports(resource, operation string) bool {
	ops, ok := c.operations(resource)
	if !ok {
		return false
	}
	want := normalizeOperation(operation)
	for _, op := range ops {
		if normalizeOperation(op) == want {
			return true
		}
	}
	return false
}

func (c Capabilities) operations(resource string) ([]string, bool) {
	if ops, ok := c[resource]; ok {
		return ops, true
	}
	for res, ops := range c {
		if strings.EqualFold(strings.TrimSpace(res), strings.TrimSpace(resource)) {
			return ops, true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers can't mutate a provider's declaration.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for res, ops := range c {
		out[res] = append([]string(nil), ops...)
	}
	return out
}

func normalizeOperation(op string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(op), "$"))
}
