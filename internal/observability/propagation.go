// Package observability's propagation half carries W3C trace context
// across LatZero's framed wire protocol. There is no HTTP hop between the
// Trigger Router and a destination app's connection, so the usual header
// carrier doesn't apply; instead the traceparent/tracestate pair rides in
// a trigger/emit message's existing Metadata map (spec.md §4.2), the same
// field handshake already uses for free-form client metadata.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/latzero/latzero/internal/protocol"
)

const (
	metadataTraceParent = "traceparent"
	metadataTraceState  = "tracestate"
)

// InjectMessageMetadata stamps the span context active in ctx onto msg's
// Metadata map, so the destination app (or any hop that decodes msg) can
// continue the same trace. A no-op when tracing is disabled or ctx carries
// no span context to inject; otherwise msg.Metadata is allocated if nil.
func InjectMessageMetadata(ctx context.Context, msg *protocol.Message) {
	if !Enabled() {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	traceparent := carrier.Get(metadataTraceParent)
	if traceparent == "" {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, 2)
	}
	msg.Metadata[metadataTraceParent] = traceparent
	if ts := carrier.Get(metadataTraceState); ts != "" {
		msg.Metadata[metadataTraceState] = ts
	}
}

// ExtractMessageMetadata returns a context carrying the remote span
// described by msg's Metadata, falling back to ctx unchanged when msg
// carries no trace fields.
func ExtractMessageMetadata(ctx context.Context, msg *protocol.Message) context.Context {
	traceparent := msg.Metadata[metadataTraceParent]
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		metadataTraceParent: traceparent,
		metadataTraceState:  msg.Metadata[metadataTraceState],
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// GetTraceID returns the trace ID from context as a string
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the span ID from context as a string
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasSpanID() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
