package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "autopack"

// StartRunSpan starts a span covering a whole run.
func StartRunSpan(ctx context.Context, runID, goal string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.goal", goal),
		),
	)
}

// StartPhaseSpan starts a span for one phase execution.
func StartPhaseSpan(ctx context.Context, runID, phaseID, category string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("phase.id", phaseID),
			attribute.String("phase.category", category),
		),
	)
}

// StartAttemptSpan starts a span for a single phase attempt.
func StartAttemptSpan(ctx context.Context, phaseID string, attempt int, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "attempt",
		trace.WithAttributes(
			attribute.String("phase.id", phaseID),
			attribute.Int("attempt.index", attempt),
			attribute.String("attempt.model", model),
		),
	)
}

// StartApplySpan starts a span for a governed patch application.
func StartApplySpan(ctx context.Context, phaseID string, fullFile bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "apply",
		trace.WithAttributes(
			attribute.String("phase.id", phaseID),
			attribute.Bool("apply.full_file", fullFile),
		),
	)
}
