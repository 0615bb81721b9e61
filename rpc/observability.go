package rpc

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps gateway routes in OpenTelemetry spans. Without a configured
// tracer provider the spans are no-ops, so the middleware is always installed
// and deployments opt in by wiring an exporter.
type Tracing struct {
	tracer      trace.Tracer
	log         *slog.Logger
	logRequests bool
}

func NewTracing(serviceName string, logger *slog.Logger) *Tracing {
	if logger == nil {
		logger = slog.Default()
	}
	if serviceName == "" {
		serviceName = "safeswap-gateway"
	}
	return &Tracing{tracer: otel.Tracer(serviceName), log: logger}
}

// SetLogRequests enables a per-request log line alongside the span.
func (t *Tracing) SetLogRequests(enabled bool) { t.logRequests = enabled }

// Middleware opens a span named after the route and records the method and
// final status code on it.
func (t *Tracing) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := t.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			if t.logRequests {
				t.log.Info("request handled",
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", recorder.status),
					slog.Duration("duration", time.Since(start)))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
