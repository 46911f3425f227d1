package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrNilProviderNames is returned when the requested provider list is nil,
// which is a caller contract violation rather than a filtering decision.
var ErrNilProviderNames = errors.New("providerNames: List cannot be null")

// Notifier receives one informational message per excluded provider.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(ctx context.Context, message string)

func (f NotifierFunc) Notify(ctx context.Context, message string) {
	f(ctx, message)
}

// ExclusionMessage formats the note emitted when a provider is removed from
// a request because it cannot serve resource/operation.
func ExclusionMessage(providerName, resource, operation string) string {
	return fmt.Sprintf("Removing '%s': %s/%s not supported.", providerName, resource, operation)
}

// Eligible resolves names against the registry and keeps only the providers
// declaring support for resource/operation, preserving the order of names.
//
// Unknown names are dropped silently. A provider that does not declare the
// capability, or whose capabilities cannot be read, is dropped with a single
// note to notify; both cases produce the same message. Repeated names resolve
// once. notify may be nil.
func Eligible(ctx context.Context, reg *Registry, resource, operation string, names []string, notify Notifier) ([]Provider, error) {
	if names == nil {
		return nil, ErrNilProviderNames
	}

	eligible := make([]Provider, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		p, ok := reg.Lookup(name)
		if !ok {
			continue
		}

		caps, err := p.Capabilities(ctx)
		if err != nil || !caps.Supports(resource, operation) {
			if notify != nil {
				notify.Notify(ctx, ExclusionMessage(p.Info().Name, resource, operation))
			}
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible, nil
}
