package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const coreTracerName = "evoagent-core"

func coreTracer() trace.Tracer {
	return Tracer(coreTracerName)
}

// TraceModelCall starts a span for one LLM completion, retries included.
// Caller must call span.End() when the response arrives.
func TraceModelCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	ctx, span := coreTracer().Start(ctx, "llm.complete",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
	return ctx, span
}

// TraceModelResult records the completion outcome on the span.
func TraceModelResult(span trace.Span, tokensUsed int, err error) {
	span.SetAttributes(attribute.Int("llm.tokens_used", tokensUsed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceStep starts a span covering one plan step, all retries included.
// Caller must call span.End() when the step settles.
func TraceStep(ctx context.Context, planID, stepID, agentKind string) (context.Context, trace.Span) {
	ctx, span := coreTracer().Start(ctx, "step."+agentKind,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("plan_id", planID),
		attribute.String("step_id", stepID),
		attribute.String("agent_kind", agentKind),
	)
	return ctx, span
}

// TraceStepResult records how the step settled on its span.
func TraceStepResult(span trace.Span, status string, retries int, errMsg string) {
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("retries", retries),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	}
}

// TraceConsolidation creates a single span for a finished consolidation
// pass.
func TraceConsolidation(ctx context.Context, sessionsScanned, itemsWritten, itemsSuppressed int) {
	_, span := coreTracer().Start(ctx, "memory.consolidate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.Int("sessions_scanned", sessionsScanned),
		attribute.Int("items_written", itemsWritten),
		attribute.Int("items_suppressed", itemsSuppressed),
	)
}
