package patientrecord

import (
	"context"
	"fmt"

	"github.com/ehr/facade/internal/platform/auth"
)

// ClaimsPolicy limits each consumer to the providers listed in its token.
// A consumer whose token lists no providers may query any of them.
type ClaimsPolicy struct{}

func (ClaimsPolicy) PermittedProviders(ctx context.Context, consumer string, names []string) ([]string, error) {
	allowed := auth.ProvidersFromContext(ctx)
	if allowed == nil || names == nil {
		return names, nil
	}

	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	permitted := make([]string, 0, len(names))
	for _, name := range names {
		if set[name] {
			permitted = append(permitted, name)
		}
	}
	if len(names) > 0 && len(permitted) == 0 {
		return nil, fmt.Errorf("consumer %q: %w", consumer, ErrNotPermitted)
	}
	return permitted, nil
}
