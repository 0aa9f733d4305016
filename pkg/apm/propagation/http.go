package propagation

import (
	"encoding/json"
	"net/http"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
)

// HTTPMiddleware opens a request-scoped span through engine for every
// inbound request, stamps it with conventional attributes, and records
// the response status code and headers once the handler returns. It is the Go
// rendition of the teacher's HTTPMiddleware, generalized to the engine's
// open/close contract instead of a context-stack tracer.
func HTTPMiddleware(engine *apm.Engine, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spanID := apm.NewSpanId()

		headersJSON, _ := json.Marshal(flattenHeader(r.Header))

		attrs := apm.NewBag()
		attrs.SetString("http.method", r.Method)
		attrs.SetString("http.url", r.URL.String())
		attrs.SetString("http.schema", schemeOf(r))
		attrs.SetString("http.host", r.Host)
		attrs.SetString("http.pathname", r.URL.Path)
		attrs.SetString("http.version", r.Proto)
		attrs.SetString("http.request.headers", string(headersJSON))

		engine.Open(spanID, nil, "INFO", "propagation/http", attrs)

		rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		ctx := WithSpanID(r.Context(), spanID)

		next.ServeHTTP(rw, r.WithContext(ctx))

		respHeadersJSON, _ := json.Marshal(flattenHeader(rw.Header()))
		closing := apm.NewBag()
		closing.SetInt64("http.status_code", int64(rw.status))
		closing.SetString("http.response.headers", string(respHeadersJSON))
		engine.Record(spanID, closing)

		engine.Close(spanID)
	})
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// statusCapturingWriter wraps http.ResponseWriter to observe the status
// code the handler ultimately writes, matching the teacher's
// responseWriter wrapper in pkg/tracing/middleware.go.
type statusCapturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// HTTPClientRoundTripper wraps an http.RoundTripper to inject the
// outbound traceparent header derived from the context's current span,
// for services that call out over plain HTTP rather than gRPC.
func HTTPClientRoundTripper(engine *apm.Engine, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if spanID, ok := SpanIDFromContext(r.Context()); ok {
			if ctx, ok := engine.ContextOf(spanID); ok {
				r = r.Clone(r.Context())
				r.Header.Set("traceparent", ctx.Traceparent())
			}
		}
		return next.RoundTrip(r)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
