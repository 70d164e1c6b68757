package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/civicbounty/service_layer/internal/errors"
	internalhttputil "github.com/civicbounty/service_layer/internal/httputil"
	"github.com/civicbounty/service_layer/internal/logging"
)

// TraceHeader carries the request trace ID in both directions.
const TraceHeader = "X-Trace-ID"

// TracingMiddleware adds trace ID to all requests
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler. It also turns handler panics into 500s.
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" || len(traceID) > 128 {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set(TraceHeader, traceID)

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.WithContext(ctx).WithField("panic", fmt.Sprint(rec)).Error("Handler panicked")
				if !rw.written {
					internalhttputil.WriteError(rw, r.WithContext(ctx), errors.Internal("Internal server error", nil))
				}
			}
			m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
		}()

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
