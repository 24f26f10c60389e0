package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sentinel/pkg/structlog"
)

// HTTPTraceLogMiddleware logs one access line per request and sets the
// Trace-Id and Span-Id response headers when a span is active.
func HTTPTraceLogMiddleware(logger *structlog.Logger, next http.Handler) http.Handler {
	logger = structlog.OrDefault(logger, "http")
	if next == nil {
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		traceID, spanID := "-", "-"
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
			w.Header().Set("Trace-Id", traceID)
			w.Header().Set("Span-Id", spanID)
		}
		next.ServeHTTP(sr, r)

		logger.Info("access", structlog.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sr.status,
			"dur_ms":   time.Since(start).Milliseconds(),
			"trace_id": traceID,
			"span_id":  spanID,
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
