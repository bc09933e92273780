package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "redeven.research.agent"

	traceSpanRun      = "research.run"
	traceSpanTool     = "research.tool.execute"
	traceSpanSubagent = "research.subagent.execute"

	traceAttrRunID       = "research.run_id"
	traceAttrParentRunID = "research.parent_run_id"
	traceAttrToolName    = "research.tool_name"
	traceAttrModel       = "research.llm.model"
	traceAttrStatus      = "research.status"
	traceAttrExecutionID = "research.execution_id"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, status string, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String(traceAttrStatus, status))
	span.End()
}
