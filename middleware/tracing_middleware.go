package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tunnel-rpc/server"

// Tracing starts a server span per invocation, continuing the trace context the client
// put in the request metadata. The span ends with the terminal outcome.
func Tracing() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Metadata != nil {
				ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(req.Metadata))
			}
			ctx, span := otel.Tracer(tracerName).Start(ctx, req.ServiceID+"/"+req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "tunnel-rpc"),
					attribute.String("rpc.service", req.ServiceID),
					attribute.String("rpc.method", req.Method),
					attribute.String("tunnel.invocation_id", req.InvocationID),
				),
			)
			req.OnDone(func(_ any, err error) {
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()
			})
			return next(ctx, req)
		}
	}
}
