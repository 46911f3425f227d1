// Package audittest provides an in-memory audit and error sink for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/ehr/facade/internal/platform/audit"
)

// Recorder captures audit entries and errors. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	entries  []audit.Entry
	errs     []error
	critical []error
}

func (r *Recorder) LogInformation(_ context.Context, entry audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *Recorder) LogError(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *Recorder) LogCritical(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critical = append(r.critical, err)
}

// Entries returns a copy of the recorded audit entries.
func (r *Recorder) Entries() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

// Stages returns the stage of every recorded entry, in order.
func (r *Recorder) Stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Stage
	}
	return out
}

// Errors returns a copy of the errors logged at error level.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Critical returns a copy of the errors logged at critical level.
func (r *Recorder) Critical() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.critical...)
}
