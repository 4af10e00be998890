/*
Package tracing provides lightweight request tracing.

Spans are created per HTTP request and per admin gRPC call, carried in the
context, and reported through zap when finished. Outbound collaborator calls
(project metadata, completion service) forward the trace with
InjectTraceContext so one X-Trace-ID follows a session creation end to end.

# Usage

	tracer := tracing.New("gateway", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	server := grpc.NewServer(
		grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
		grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(tracer)),
	)

# Propagation

- X-Trace-ID: identifier for the entire request flow
- X-Span-ID: identifier for the current operation
*/
package tracing
