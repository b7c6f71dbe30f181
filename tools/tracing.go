// Tracing instrumentation for tool execution.
package tools

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/blas1n/bsai-sub001/tools"

// startExecuteSpan starts a span covering one tool call.
func startExecuteSpan(ctx context.Context, tracer trace.Tracer, call Call) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "tool."+call.ToolName)
	span.SetAttributes(
		attribute.String("tool.name", call.ToolName),
		attribute.String("tool.call_id", call.ID),
		attribute.String("tool.server", call.Server.Name),
		attribute.String("tool.transport", string(call.Server.Transport)),
		attribute.String("session.id", call.SessionID),
	)
	return ctx, span
}

// endExecuteSpan ends the span with the call's outcome.
func endExecuteSpan(span trace.Span, result Result) {
	span.SetAttributes(
		attribute.String("tool.risk", string(result.Risk.Level)),
		attribute.String("tool.outcome", string(result.Outcome)),
		attribute.String("tool.location", string(result.Location)),
		attribute.Bool("tool.required_approval", result.RequiredApproval),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	span.End()
}
