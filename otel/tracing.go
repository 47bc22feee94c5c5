// Package otel provides OpenTelemetry tracing integration for Meshberry.
//
// This package enables distributed tracing of Meshberry operations using
// OpenTelemetry. Traces provide visibility into connection lifecycle,
// handshake operations, and request/push flow.
//
// # Span Hierarchy
//
// The following spans are created during normal operation:
//
//	meshberry.dial
//	└── meshberry.handshake
//
//	meshberry.inbound
//	└── meshberry.handshake
//
//	meshberry.request
//	meshberry.push
//
// # Attributes
//
// Common span attributes include:
//   - node.id: The remote node's ID
//   - node.generation: The connection generation
//   - message.size: Size of the framed payload
//   - connection.direction: "inbound" or "outbound"
//   - handshake.result: "success", "failure", or "timeout"
//
// # Example Usage
//
//	import (
//	    meshberryotel "github.com/blockberries/meshberry/otel"
//	    "go.opentelemetry.io/otel"
//	)
//
//	func main() {
//	    tp := otel.GetTracerProvider()
//	    tracer := meshberryotel.NewTracer(tp)
//
//	    ctx, span := tracer.StartRequest(ctx, nodeID, len(payload))
//	    resp, err := transport.SendRequest(ctx, nodeID, payload)
//	    tracer.EndSpan(span, err)
//	    // ...
//	}
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blockberries/meshberry/pkg/identity"
)

const (
	// TracerName is the name used for the OpenTelemetry tracer.
	TracerName = "github.com/blockberries/meshberry"

	// Span names
	SpanDial      = "meshberry.dial"
	SpanInbound   = "meshberry.inbound"
	SpanHandshake = "meshberry.handshake"
	SpanRequest   = "meshberry.request"
	SpanPush      = "meshberry.push"

	// Attribute keys
	AttrNodeID              = "node.id"
	AttrGeneration          = "node.generation"
	AttrMessageSize         = "message.size"
	AttrConnectionDirection = "connection.direction"
	AttrHandshakeResult     = "handshake.result"
	AttrErrorMessage        = "error.message"
)

// Tracer provides OpenTelemetry tracing for Meshberry operations.
// It wraps an OpenTelemetry TracerProvider and creates spans for
// connection lifecycle, handshakes, and stream operations.
//
// Tracer is safe for concurrent use.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the given TracerProvider.
// If provider is nil, a no-op tracer is used.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(TracerName)}
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

// StartDial starts a span for an outbound connection attempt.
func (t *Tracer) StartDial(ctx context.Context, id identity.NodeID, generation uint64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanDial,
		trace.WithAttributes(
			attribute.String(AttrNodeID, id.String()),
			attribute.Int64(AttrGeneration, int64(generation)),
			attribute.String(AttrConnectionDirection, "outbound"),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartInbound starts a span for an accepted inbound connection.
func (t *Tracer) StartInbound(ctx context.Context, id identity.NodeID, generation uint64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanInbound,
		trace.WithAttributes(
			attribute.String(AttrNodeID, id.String()),
			attribute.Int64(AttrGeneration, int64(generation)),
			attribute.String(AttrConnectionDirection, "inbound"),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartHandshake starts a span for the attestation handshake.
func (t *Tracer) StartHandshake(ctx context.Context, id identity.NodeID) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanHandshake,
		trace.WithAttributes(
			attribute.String(AttrNodeID, id.String()),
		),
	)
}

// StartRequest starts a span for a request/response exchange.
func (t *Tracer) StartRequest(ctx context.Context, id identity.NodeID, size int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRequest,
		trace.WithAttributes(
			attribute.String(AttrNodeID, id.String()),
			attribute.Int(AttrMessageSize, size),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartPush starts a span for a one-way push.
func (t *Tracer) StartPush(ctx context.Context, id identity.NodeID, size int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPush,
		trace.WithAttributes(
			attribute.String(AttrNodeID, id.String()),
			attribute.Int(AttrMessageSize, size),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// RecordHandshakeResult records the result of a handshake on the given span.
func (t *Tracer) RecordHandshakeResult(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String(AttrHandshakeResult, result))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// RecordError records an error on the given span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// EndSpan ends a span, optionally recording an error.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NopTracer is a no-op tracer that does nothing.
// It is used when tracing is disabled.
// NopTracer wraps the real Tracer with a noop provider.
type NopTracer struct {
	*Tracer
}

// NewNopTracer creates a new no-op tracer.
func NewNopTracer() *NopTracer {
	return &NopTracer{
		Tracer: NewTracer(nil),
	}
}
