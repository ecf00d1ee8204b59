package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// WithClientSpan wraps a call to an outbound dependency (the voice-AI
// process, a telephony provider REST API) in a client span. It uses the
// global provider, so it degrades to a no-op when tracing is not
// initialized.
func WithClientSpan(ctx context.Context, system, operation string, fn func(context.Context) error) error {
	tracer := otel.Tracer("voicebridge")

	spanCtx, span := tracer.Start(ctx, fmt.Sprintf("%s.%s", system, operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.PeerServiceKey.String(system),
			attribute.String("rpc.operation", operation),
		),
	)
	defer span.End()

	err := fn(spanCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
