package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blockberries/meshberry/pkg/identity"
)

const testNodeID = identity.NodeID("a1b2c3d4")

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})
	return NewTracer(tp), rec
}

func TestStartDialRecordsAttributes(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	_, span := tracer.StartDial(context.Background(), testNodeID, 3)
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != SpanDial {
		t.Errorf("span name = %q, want %q", got.Name(), SpanDial)
	}

	attrs := map[string]string{}
	var generation int64
	for _, kv := range got.Attributes() {
		switch string(kv.Key) {
		case AttrGeneration:
			generation = kv.Value.AsInt64()
		default:
			attrs[string(kv.Key)] = kv.Value.AsString()
		}
	}
	if attrs[AttrNodeID] != testNodeID.String() {
		t.Errorf("node.id = %q, want %q", attrs[AttrNodeID], testNodeID)
	}
	if attrs[AttrConnectionDirection] != "outbound" {
		t.Errorf("connection.direction = %q, want outbound", attrs[AttrConnectionDirection])
	}
	if generation != 3 {
		t.Errorf("node.generation = %d, want 3", generation)
	}
}

func TestHandshakeSpanNestsUnderInbound(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	ctx, parent := tracer.StartInbound(context.Background(), testNodeID, 1)
	_, child := tracer.StartHandshake(ctx, testNodeID)
	child.End()
	parent.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	// Ended() returns spans in end order: child first.
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("handshake span is not a child of the inbound span")
	}
}

func TestRecordHandshakeResult(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	_, ok := tracer.StartHandshake(context.Background(), testNodeID)
	tracer.RecordHandshakeResult(ok, "success", nil)
	ok.End()

	_, failed := tracer.StartHandshake(context.Background(), testNodeID)
	tracer.RecordHandshakeResult(failed, "failure", errors.New("token mismatch"))
	failed.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("success span status = %v, want Ok", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("failure span status = %v, want Error", spans[1].Status().Code)
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	_, span := tracer.StartRequest(context.Background(), testNodeID, 64)
	tracer.EndSpan(span, errors.New("peer unavailable"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected an error event on the span")
	}
}

func TestNopTracerDoesNotPanic(t *testing.T) {
	tracer := NewNopTracer()

	ctx, span := tracer.StartPush(context.Background(), testNodeID, 16)
	tracer.RecordError(span, errors.New("ignored"))
	tracer.EndSpan(span, nil)
	if ctx == nil {
		t.Fatal("nop tracer returned nil context")
	}
}
