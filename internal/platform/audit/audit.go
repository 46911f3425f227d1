// Package audit records the lifecycle checkpoints of façade requests and
// reports errors raised while serving them.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit checkpoint of a request.
type Entry struct {
	OperationType string    `json:"operation_type"`
	Stage         string    `json:"stage"`
	Message       string    `json:"message"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	Consumer      string    `json:"consumer,omitempty"`
	Recorded      time.Time `json:"recorded"`
}

// Sink receives informational audit entries. Implementations must not block
// the request for long and must never fail it.
type Sink interface {
	LogInformation(ctx context.Context, entry Entry)
}

// ErrorSink receives errors raised while serving a request.
type ErrorSink interface {
	LogError(ctx context.Context, err error)
	LogCritical(ctx context.Context, err error)
}

// Multi delivers every entry to each sink in order.
type Multi []Sink

func (m Multi) LogInformation(ctx context.Context, entry Entry) {
	for _, s := range m {
		if s != nil {
			s.LogInformation(ctx, entry)
		}
	}
}

// Discard drops every entry and error.
type Discard struct{}

func (Discard) LogInformation(context.Context, Entry) {}
func (Discard) LogError(context.Context, error)       {}
func (Discard) LogCritical(context.Context, error)    {}

// members flattens an error built with errors.Join or any other error that
// unwraps to a list. Other errors yield nil.
func members(err error) []error {
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		return multi.Unwrap()
	}
	return nil
}
