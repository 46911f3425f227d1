package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/facade/internal/platform/fhir"
)

// RequestTimeout sets a deadline on each request context. When the deadline
// passes before the handler starts writing, a 504 OperationOutcome is sent
// and anything the handler writes afterwards is discarded.
//
// The deadline is the outer bound of a request; provider calls are bounded
// individually by the fan-out timeout, which should be shorter. Requests for
// which skipper returns true get no deadline. skipper may be nil.
//
// The middleware returns only once the handler has returned, so the
// echo.Context is never recycled while the handler still holds it. Handlers
// should return promptly once their context is done.
func RequestTimeout(timeout time.Duration, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || (skipper != nil && skipper(c)) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			tw := newTimeoutWriter(ctx, res.Writer)
			res.Writer = tw
			// Every return below follows the handler's, so the error handler
			// can write straight through.
			defer func() { res.Writer = tw.w }()

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			var (
				err      error
				returned bool
			)
			select {
			case err = <-done:
				returned = true
			case <-ctx.Done():
			}

			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if !returned {
					// Client went away; let the handler wind down.
					err = <-done
				}
				return err
			}
			n, ok := tw.timeout()
			if !returned {
				err = <-done
			}
			if !ok {
				// The handler had already started its response.
				return err
			}
			res.Status = http.StatusGatewayTimeout
			res.Committed = true
			res.Size = int64(n)
			return nil
		}
	}
}

// timeoutWriter sits between echo's Response and the real writer. Before
// the deadline it passes writes through; once the deadline has passed with
// nothing written, writes are refused. The handler gets its own header map
// so the 504 never shares state with it.
type timeoutWriter struct {
	ctx context.Context
	w   http.ResponseWriter
	h   http.Header

	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func newTimeoutWriter(ctx context.Context, w http.ResponseWriter) *timeoutWriter {
	return &timeoutWriter{ctx: ctx, w: w, h: w.Header().Clone()}
}

// expired reports whether the handler may no longer start a response.
// Callers hold mu.
func (tw *timeoutWriter) expired() bool {
	if !tw.timedOut && !tw.wroteHeader && errors.Is(tw.ctx.Err(), context.DeadlineExceeded) {
		tw.timedOut = true
	}
	return tw.timedOut
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wroteHeader || tw.expired() {
		return
	}
	tw.wroteHeader = true
	dst := tw.w.Header()
	for k, v := range tw.h {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || (!tw.wroteHeader && tw.expired()) {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		dst := tw.w.Header()
		for k, v := range tw.h {
			dst[k] = v
		}
	}
	return tw.w.Write(b)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *timeoutWriter) Unwrap() http.ResponseWriter { return tw.w }

// timeout writes the 504 outcome unless the handler has already started its
// response. It reports the body size written and whether it wrote.
func (tw *timeoutWriter) timeout() (int, bool) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wroteHeader {
		return 0, false
	}
	tw.timedOut = true
	tw.wroteHeader = true

	body, _ := json.Marshal(fhir.TimeoutOutcome("Request processing exceeded the allowed time limit"))
	tw.w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	tw.w.WriteHeader(http.StatusGatewayTimeout)
	n, _ := tw.w.Write(body)
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, true
}
