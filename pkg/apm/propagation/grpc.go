package propagation

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
)

// GRPCClientInterceptor injects the outgoing traceparent derived from
// the context's current span into request metadata, the Go rendition of
// the original TonicTraceInterceptor.
func GRPCClientInterceptor(engine *apm.Engine) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if spanID, ok := SpanIDFromContext(ctx); ok {
			if tc, ok := engine.ContextOf(spanID); ok {
				ctx = metadata.AppendToOutgoingContext(ctx, "traceparent", tc.Traceparent())
			}
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// GRPCServerInterceptor opens a request-scoped span from incoming
// metadata, stamping span.sub_type="grpc" and the method name, mirroring
// the original ApmMakeGrpcSpan.
func GRPCServerInterceptor(engine *apm.Engine) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (any, error) {
		spanID := apm.NewSpanId()

		headers := map[string]string{}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			for k, v := range md {
				if len(v) > 0 {
					headers[k] = v[0]
				}
			}
		}
		headersJSON, _ := json.Marshal(headers)

		attrs := apm.NewBag()
		attrs.SetString("span.name", info.FullMethod)
		attrs.SetString("span.sub_type", "grpc")
		attrs.SetString("http.method", info.FullMethod)
		attrs.SetString("http.request.headers", string(headersJSON))
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			attrs.SetString("http.host", p.Addr.String())
		}

		engine.Open(spanID, nil, "INFO", "propagation/grpc", attrs)
		ctx = WithSpanID(ctx, spanID)

		resp, err := handler(ctx, req)

		if err != nil {
			closing := apm.NewBag()
			closing.SetString("span.outcome", "failure")
			engine.Record(spanID, closing)
		}
		engine.Close(spanID)

		return resp, err
	}
}
