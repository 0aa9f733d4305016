package propagation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
)

func TestGRPCServerInterceptorEmitsTransaction(t *testing.T) {
	sink := &recordingSink{}
	engine := apm.NewEngine(apm.Metadata{Service: apm.Service{Name: "svc"}}, sink, nil)

	interceptor := GRPCServerInterceptor(engine)
	info := &grpc.UnaryServerInfo{FullMethod: "/widgets.Widgets/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}

	resp, err := interceptor(context.Background(), "req", info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	require.Len(t, sink.batches, 1)
	txn := sink.batches[0].Transaction
	require.NotNil(t, txn)
	assert.Equal(t, "/widgets.Widgets/Get", txn.Name)
}

func TestGRPCServerInterceptorMarksOutcomeOnError(t *testing.T) {
	sink := &recordingSink{}
	engine := apm.NewEngine(apm.Metadata{}, sink, nil)

	interceptor := GRPCServerInterceptor(engine)
	info := &grpc.UnaryServerInfo{FullMethod: "/widgets.Widgets/Get"}
	handlerErr := assert.AnError
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, handlerErr
	}

	_, err := interceptor(context.Background(), "req", info, handler)
	require.Equal(t, handlerErr, err)

	require.Len(t, sink.batches, 1)
	txn := sink.batches[0].Transaction
	require.NotNil(t, txn)
	assert.Equal(t, "failure", txn.Outcome)
}

func TestGRPCClientInterceptorInjectsTraceparent(t *testing.T) {
	sink := &recordingSink{}
	engine := apm.NewEngine(apm.Metadata{}, sink, nil)

	spanID := apm.NewSpanId()
	engine.Open(spanID, nil, "INFO", "propagation/grpc_test", apm.NewBag())

	var capturedMD metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		capturedMD, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}

	interceptor := GRPCClientInterceptor(engine)
	ctx := WithSpanID(context.Background(), spanID)
	err := interceptor(ctx, "/widgets.Widgets/Get", nil, nil, nil, invoker)
	require.NoError(t, err)

	values := capturedMD.Get("traceparent")
	require.Len(t, values, 1)
	assert.NotEmpty(t, values[0])

	engine.Close(spanID)
}
