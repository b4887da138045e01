// Package tracing wraps pipeline stage boundaries in OpenTelemetry spans.
// It is purely observational: disabling it never changes pipeline
// semantics, only what shows up in a trace backend.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/afoxnyc3/invoice-agent"

// StartStage opens a span named stage (cmd/invoice-agent passes the
// queue name) tagged with the transaction id.
func StartStage(ctx context.Context, stage, txID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, stage)
	span.SetAttributes(attribute.String("invoice_agent.tx_id", txID))
	return ctx, span
}

// End records the error, if any, and closes the span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
