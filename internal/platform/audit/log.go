package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes audit entries as structured log lines tagged type=audit.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) LogInformation(_ context.Context, entry Entry) {
	evt := s.logger.Info().
		Str("type", "audit").
		Str("operation", entry.OperationType).
		Str("stage", entry.Stage).
		Str("correlation_id", entry.CorrelationID.String())
	if entry.Consumer != "" {
		evt = evt.Str("consumer", entry.Consumer)
	}
	if entry.Detail != "" {
		evt = evt.Str("detail", entry.Detail)
	}
	evt.Msg(entry.Message)
}

// ErrorLogger writes errors to a zerolog logger. Errors that unwrap to a list
// are logged as one line carrying every member under "errors".
type ErrorLogger struct {
	logger zerolog.Logger
}

// NewErrorLogger creates an ErrorLogger.
func NewErrorLogger(logger zerolog.Logger) *ErrorLogger {
	return &ErrorLogger{logger: logger}
}

func (l *ErrorLogger) LogError(_ context.Context, err error) {
	l.write(l.logger.Error(), err)
}

func (l *ErrorLogger) LogCritical(_ context.Context, err error) {
	l.write(l.logger.WithLevel(zerolog.FatalLevel).Bool("critical", true), err)
}

func (l *ErrorLogger) write(evt *zerolog.Event, err error) {
	if err == nil {
		return
	}
	if ms := members(err); len(ms) > 0 {
		evt = evt.Errs("errors", ms)
	}
	evt.Err(err).Msg(err.Error())
}
