package server

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/careflow/careflow/pkg/telemetry"
)

// statusRecorder captures the response code for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// route registers handler under pattern with tracing, metrics and request
// logging. The route label is the pattern without its method.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	method, route, _ := strings.Cut(pattern, " ")

	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		rec := &statusRecorder{ResponseWriter: w}
		if s.tracer != nil {
			spanCtx, span := s.tracer.StartRequestSpan(ctx, method, route)
			defer func() {
				span.SetAttributes(attribute.Int("http.status_code", rec.status))
				if rec.status >= http.StatusInternalServerError {
					span.SetAttributes(telemetry.AttrErrorClass.String("server"))
				}
				span.End()
			}()
			ctx = spanCtx
		}

		handler(rec, r.WithContext(ctx))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(route, rec.status, duration)
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("Request served")
	}))
}
