package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	rpcTracerName     = "acpbridge-rpc"
	gatewayTracerName = "acpbridge-gateway"
)

// TraceRPCCall starts a span for an outbound call to the agent.
// Caller must end it with TraceRPCResult.
func TraceRPCCall(ctx context.Context, method, agentID, framing string) (context.Context, trace.Span) {
	ctx, span := Tracer(rpcTracerName).Start(ctx, "acp."+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
		attribute.String("acp.agent_id", agentID),
		attribute.String("acp.framing", framing),
	)
	return ctx, span
}

// TraceRPCResult records the outcome and ends the span.
func TraceRPCResult(span trace.Span, err error) {
	endWithError(span, err)
}

// TraceGatewayOp starts a span for a WebSocket request.
func TraceGatewayOp(ctx context.Context, op, connectionID string) (context.Context, trace.Span) {
	ctx, span := Tracer(gatewayTracerName).Start(ctx, "ws."+op,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("ws.op", op),
		attribute.String("ws.connection_id", connectionID),
	)
	return ctx, span
}

// TraceGatewayResult records the outcome and ends the span.
func TraceGatewayResult(span trace.Span, err error) {
	endWithError(span, err)
}

func endWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
