package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const insertEntrySQL = `
	INSERT INTO facade_audit_event (
		correlation_id, operation_type, stage, message, detail, consumer, recorded
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Execer is the subset of *pgxpool.Pool the PostgreSQL sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink appends audit entries to the facade_audit_event table. A write
// that fails is reported to the error sink as critical; the request carries
// on regardless.
type PGSink struct {
	db      Execer
	errs    ErrorSink
	timeout time.Duration
}

// NewPGSink creates a PGSink. Each insert is bounded by writeTimeout and is
// detached from the caller's cancellation so a finished or aborted request
// still leaves its trail.
func NewPGSink(db Execer, errs ErrorSink, writeTimeout time.Duration) *PGSink {
	if errs == nil {
		errs = Discard{}
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &PGSink{db: db, errs: errs, timeout: writeTimeout}
}

func (s *PGSink) LogInformation(ctx context.Context, entry Entry) {
	if entry.Recorded.IsZero() {
		entry.Recorded = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	_, err := s.db.Exec(ctx, insertEntrySQL,
		entry.CorrelationID, entry.OperationType, entry.Stage,
		entry.Message, entry.Detail, entry.Consumer, entry.Recorded,
	)
	if err != nil {
		s.errs.LogCritical(ctx, fmt.Errorf("audit: persist %q for %s: %w", entry.Stage, entry.CorrelationID, err))
	}
}
