package propagation

import (
	"context"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
)

type spanIDKey struct{}

// WithSpanID returns a context carrying id as the current span, for
// Event() calls and outbound interceptors to discover "the currently-
// active span" without a thread-local.
func WithSpanID(ctx context.Context, id apm.SpanId) context.Context {
	return context.WithValue(ctx, spanIDKey{}, id)
}

// SpanIDFromContext retrieves the current span id, if any.
func SpanIDFromContext(ctx context.Context) (apm.SpanId, bool) {
	id, ok := ctx.Value(spanIDKey{}).(apm.SpanId)
	return id, ok
}
