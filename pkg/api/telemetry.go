package api

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/keel/pkg/observability"
)

// Metrics opens a server span per request and records the RED instruments.
// A nil provider disables instrumentation entirely.
func Metrics(p *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if p == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs := []attribute.KeyValue{
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.Int("http.response.status_code", rec.status),
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			p.RecordRequest(ctx, attrs...)
			p.RecordDuration(ctx, time.Since(start), attrs...)
			if rec.status >= http.StatusInternalServerError {
				p.RecordError(ctx, fmt.Errorf("http %d", rec.status), attrs...)
			}
		})
	}
}
