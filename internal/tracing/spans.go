package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartRouteSpan creates a child span covering one full routing execution,
// from provider selection through all fallback levels.
func StartRouteSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "route.execute")
}

// StartUpstreamSpan creates a child span for one upstream completion call.
func StartUpstreamSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.provider", provider),
			attribute.String("upstream.model", model),
		),
	)
}

// StartToolSpan creates a child span for one tool invocation inside the
// tool-calling loop.
func StartToolSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
}

// SetRouteAttributes records the routing outcome on the current span.
func SetRouteAttributes(ctx context.Context, provider, model, tier string, rounds, tokensIn, tokensOut int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("route.provider", provider),
		attribute.String("route.model", model),
		attribute.String("route.tier", tier),
		attribute.Int("route.rounds", rounds),
		attribute.Int("route.tokens_in", tokensIn),
		attribute.Int("route.tokens_out", tokensOut),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
