// Package telemetry provides OpenTelemetry span helpers around run, tool
// and planner-call execution, mirroring legator's internal/telemetry
// (StartRunSpan/StartLLMCallSpan/StartToolCallSpan) but named for this
// platform's own lifecycle.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/deathcap/dapptest"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs a process-wide TracerProvider tagged with
// service name/version, following legator's InitTraceProvider shape.
// Exporting to a real collector is a deployment concern left to the
// operator (set via OTEL_EXPORTER_OTLP_ENDPOINT and an SDK auto-exporter in
// production); this always-sample provider with no exporter attached is the
// correct default for local/dev runs and keeps every span creation in this
// package exercised rather than a no-op against the global default.
func InitTraceProvider(serviceName, version string) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRunSpan opens a span covering one Run's full execution.
func StartRunSpan(ctx context.Context, runID, executionMode string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.execution_mode", executionMode),
		),
	)
}

// StartStepSpan opens a span covering one Hybrid step.
func StartStepSpan(ctx context.Context, runID string, stepNumber int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "run.step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("step.number", stepNumber),
		),
	)
}

// StartPlannerCallSpan opens a span covering one Planner.Complete call.
func StartPlannerCallSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.planner_call",
		trace.WithAttributes(attribute.String("planner.model", model)),
	)
}

// StartToolCallSpan opens a span covering one tool dispatch.
func StartToolCallSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.tool_call",
		trace.WithAttributes(attribute.String("tool.name", toolName)),
	)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
